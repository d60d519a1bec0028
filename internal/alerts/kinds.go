package alerts

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Scope decides which detections are compared with each other.
type Scope string

const (
	// ScopeFleet compares detections across every tap.
	ScopeFleet Scope = "fleet"
	// ScopeTap compares detections of the same tap only.
	ScopeTap Scope = "tap"
	// ScopeTenant compares detections of the same organization and tenant.
	ScopeTenant Scope = "tenant"
)

// Subsystems alerts are raised by.
const (
	SubsystemDot11 = "dot11"
	SubsystemTap   = "tap"
)

// Kind names.
const (
	KindUnexpectedChannelBeacon = "unexpected_channel_beacon"
	KindUnexpectedBSSID         = "unexpected_bssid"
	KindUnexpectedFingerprint   = "unexpected_fingerprint"
	KindUnexpectedSecuritySuite = "unexpected_security_suite"
	KindCaptureDrops            = "capture_drops"
)

// Field names shared by kinds.
const (
	FieldSSID          = "ssid"
	FieldBSSID         = "bssid"
	FieldChannel       = "channel"
	FieldFrequency     = "frequency"
	FieldAntennaSignal = "antenna_signal"
	FieldFingerprint   = "fingerprint"
	FieldSecuritySuite = "security_suite"
	FieldInterface     = "interface"
	FieldDroppedBuffer = "dropped_buffer"
	FieldDroppedIface  = "dropped_interface"
)

// FieldType is the value type of an alert field.
type FieldType int

const (
	String FieldType = iota
	Integer
)

func (t FieldType) String() string {
	if t == Integer {
		return "integer"
	}
	return "string"
}

// Field is one entry of a kind's field schema.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
	// Lower folds string values to lower case, for MAC addresses.
	Lower bool
}

// Kind is one alert variant: its schema, its equality key and the text shown
// to operators. Two detections are the same alert when kind, scope and every
// key field are equal.
type Kind struct {
	Name           string
	Subsystem      string
	Scope          Scope
	Fields         []Field
	Key            []string
	Description    string
	DocLink        string
	FalsePositives []string

	message func(fields map[string]any) string
}

// Message renders the one-line summary of an alert of this kind.
func (k Kind) Message(fields map[string]any) string {
	if k.message == nil {
		return k.Name
	}
	return k.message(fields)
}

var kinds = map[string]Kind{
	KindUnexpectedChannelBeacon: {
		Name:      KindUnexpectedChannelBeacon,
		Subsystem: SubsystemDot11,
		Scope:     ScopeTenant,
		Fields: []Field{
			{Name: FieldSSID, Type: String, Required: true},
			{Name: FieldBSSID, Type: String, Lower: true},
			{Name: FieldChannel, Type: Integer, Required: true},
			{Name: FieldFrequency, Type: Integer},
			{Name: FieldAntennaSignal, Type: Integer},
		},
		Key: []string{FieldSSID, FieldChannel},
		Description: "The network is advertised on a channel that is not in the list of expected channels. " +
			"An attacker spoofing the network may not limit itself to the channels the legitimate access points use.",
		DocLink: "guidance-UNEXPECTED_CHANNEL_BEACON",
		FalsePositives: []string{
			"The access point configuration changed and the list of expected channels was not updated.",
			"Some access points pick channels dynamically based on spectrum congestion. Include every channel they may use.",
		},
		message: func(f map[string]any) string {
			return fmt.Sprintf("SSID [%v] was advertised on an unexpected channel.", f[FieldSSID])
		},
	},
	KindUnexpectedBSSID: {
		Name:      KindUnexpectedBSSID,
		Subsystem: SubsystemDot11,
		Scope:     ScopeTenant,
		Fields: []Field{
			{Name: FieldSSID, Type: String, Required: true},
			{Name: FieldBSSID, Type: String, Required: true, Lower: true},
			{Name: FieldChannel, Type: Integer},
			{Name: FieldFrequency, Type: Integer},
			{Name: FieldAntennaSignal, Type: Integer},
		},
		Key: []string{FieldSSID, FieldBSSID},
		Description: "The network is advertised by an access point whose BSSID is not in the list of expected BSSIDs. " +
			"This may be a rogue access point impersonating the network.",
		DocLink: "guidance-UNEXPECTED_BSSID",
		FalsePositives: []string{
			"A new access point was installed and the list of expected BSSIDs was not updated.",
		},
		message: func(f map[string]any) string {
			return fmt.Sprintf("SSID [%v] was advertised by an unexpected BSSID [%v].", f[FieldSSID], f[FieldBSSID])
		},
	},
	KindUnexpectedFingerprint: {
		Name:      KindUnexpectedFingerprint,
		Subsystem: SubsystemDot11,
		Scope:     ScopeTenant,
		Fields: []Field{
			{Name: FieldSSID, Type: String, Required: true},
			{Name: FieldBSSID, Type: String, Required: true, Lower: true},
			{Name: FieldFingerprint, Type: String, Required: true, Lower: true},
			{Name: FieldChannel, Type: Integer},
			{Name: FieldFrequency, Type: Integer},
			{Name: FieldAntennaSignal, Type: Integer},
		},
		Key: []string{FieldSSID, FieldBSSID, FieldFingerprint},
		Description: "An expected BSSID sent beacon frames with a fingerprint that does not match the fingerprints " +
			"recorded for it. Another device may be spoofing the access point's MAC address.",
		DocLink: "guidance-UNEXPECTED_FINGERPRINT",
		FalsePositives: []string{
			"A firmware update or configuration change altered the access point's beacon frames.",
		},
		message: func(f map[string]any) string {
			return fmt.Sprintf("BSSID [%v] of SSID [%v] sent beacons with an unexpected fingerprint [%v].",
				f[FieldBSSID], f[FieldSSID], f[FieldFingerprint])
		},
	},
	KindUnexpectedSecuritySuite: {
		Name:      KindUnexpectedSecuritySuite,
		Subsystem: SubsystemDot11,
		Scope:     ScopeTenant,
		Fields: []Field{
			{Name: FieldSSID, Type: String, Required: true},
			{Name: FieldBSSID, Type: String, Lower: true},
			{Name: FieldSecuritySuite, Type: String, Required: true},
			{Name: FieldChannel, Type: Integer},
			{Name: FieldFrequency, Type: Integer},
			{Name: FieldAntennaSignal, Type: Integer},
		},
		Key: []string{FieldSSID, FieldSecuritySuite},
		Description: "The network is advertised with a security suite that is not in the list of expected security " +
			"suites. An attacker may be offering a weaker encryption or authentication mode to downgrade clients.",
		DocLink: "guidance-UNEXPECTED_SECURITY_SUITE",
		FalsePositives: []string{
			"The access point security settings changed and the list of expected security suites was not updated.",
		},
		message: func(f map[string]any) string {
			return fmt.Sprintf("SSID [%v] was advertised with an unexpected security suite [%v].",
				f[FieldSSID], f[FieldSecuritySuite])
		},
	},
	KindCaptureDrops: {
		Name:      KindCaptureDrops,
		Subsystem: SubsystemTap,
		Scope:     ScopeTap,
		Fields: []Field{
			{Name: FieldInterface, Type: String, Required: true},
			{Name: FieldDroppedBuffer, Type: Integer},
			{Name: FieldDroppedIface, Type: Integer},
		},
		Key:         []string{FieldInterface},
		Description: "The capture interface dropped frames because the tap could not keep up with the traffic.",
		DocLink:     "guidance-CAPTURE_DROPS",
		FalsePositives: []string{
			"Short bursts of drops are expected while a capture interface starts or changes channel.",
		},
		message: func(f map[string]any) string {
			return fmt.Sprintf("Capture interface [%v] is dropping frames.", f[FieldInterface])
		},
	},
}

// LookupKind returns the named kind.
func LookupKind(name string) (Kind, bool) {
	k, ok := kinds[name]
	return k, ok
}

// Kinds returns every registered kind sorted by name.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// normalize checks fields against the kind's schema and returns a copy with
// values in canonical form: MAC-like strings trimmed and folded to lower case,
// integers as int64. Other strings, SSIDs included, are compared byte for
// byte. Fields outside the schema are kept as they are.
func (k Kind) normalize(fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for name, v := range fields {
		out[name] = v
	}
	for _, f := range k.Fields {
		v, ok := fields[f.Name]
		if !ok || v == nil {
			if f.Required {
				return nil, malformedf("%s: missing field %q", k.Name, f.Name)
			}
			delete(out, f.Name)
			continue
		}
		var (
			nv  any
			err error
		)
		switch f.Type {
		case String:
			nv, err = asString(v, f.Lower)
		case Integer:
			nv, err = asInt64(v)
		}
		if err != nil {
			return nil, malformedf("%s: field %q: %v", k.Name, f.Name, err)
		}
		if f.Required && nv == "" {
			return nil, malformedf("%s: field %q is empty", k.Name, f.Name)
		}
		out[f.Name] = nv
	}
	return out, nil
}

// keyValues extracts the equality key from normalized fields.
func (k Kind) keyValues(fields map[string]any) []any {
	values := make([]any, len(k.Key))
	for i, name := range k.Key {
		values[i] = fields[name]
	}
	return values
}

func asString(v any, lower bool) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	if lower {
		s = strings.ToLower(strings.TrimSpace(s))
	}
	return s, nil
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint32:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.Abs(n) > 1<<53 {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}
