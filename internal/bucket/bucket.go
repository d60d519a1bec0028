// Package bucket maps timestamps onto fixed-width histogram buckets.
// All bucketing happens in UTC so tap, server and caller clocks agree.
package bucket

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Size is the width of a histogram bucket.
type Size string

const (
	Minute Size = "minute"
	Hour   Size = "hour"
	Day    Size = "day"
)

// ErrInvalidSize is returned for any size other than Minute, Hour or Day.
var ErrInvalidSize = errors.New("bucket: invalid bucket size")

// ParseSize accepts "minute", "hour" or "day" (case-insensitive).
func ParseSize(s string) (Size, error) {
	switch size := Size(strings.ToLower(strings.TrimSpace(s))); size {
	case Minute, Hour, Day:
		return size, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}
}

// Duration returns the width of the bucket.
func (s Size) Duration() (time.Duration, error) {
	switch s {
	case Minute:
		return time.Minute, nil
	case Hour:
		return time.Hour, nil
	case Day:
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, string(s))
	}
}

// Start truncates t to the start of its bucket. Buckets are half-open,
// [start, start+size), so a timestamp exactly on a boundary starts a bucket.
func Start(t time.Time, size Size) (time.Time, error) {
	t = t.UTC()
	switch size {
	case Minute, Hour:
		d, _ := size.Duration()
		return t.Truncate(d), nil
	case Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidSize, string(size))
	}
}
