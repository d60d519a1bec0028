package config

import "fmt"

// ErrorKind classifies configuration errors.
type ErrorKind int

const (
	// NotFound: the config file is missing or unreadable.
	NotFound ErrorKind = iota + 1
	// Incomplete: a required key is absent.
	Incomplete
	// Invalid: a value fails a semantic check.
	Invalid
)

func (k ErrorKind) String() string {
	switch k {
	case NotFound:
		return "configuration file not found"
	case Incomplete:
		return "incomplete configuration"
	case Invalid:
		return "invalid configuration"
	default:
		return "configuration error"
	}
}

// Error is returned by Load. Match the kind with errors.Is against
// ErrNotFound, ErrIncomplete or ErrInvalid.
type Error struct {
	Kind ErrorKind
	Key  string
	Err  error
}

// Sentinels for errors.Is.
var (
	ErrNotFound   = &Error{Kind: NotFound}
	ErrIncomplete = &Error{Kind: Incomplete}
	ErrInvalid    = &Error{Kind: Invalid}
)

func (e *Error) Error() string {
	switch {
	case e.Key != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Key, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Key != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Key)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Key == "" && t.Err == nil && t.Kind == e.Kind
}

func invalid(key, format string, args ...any) error {
	return &Error{Kind: Invalid, Key: key, Err: fmt.Errorf(format, args...)}
}
