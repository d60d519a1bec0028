// Package taps holds the registry of reporting taps: their resource counters,
// buses, channels and capture interfaces, and their liveness.
package taps

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vesaa/tapwatch/internal/models"
)

// StatusReport is one periodic report from a tap. Pointer fields are required;
// a nil pointer means the tap omitted the field.
type StatusReport struct {
	UUID        string     `json:"uuid"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Version     string     `json:"version"`
	Timestamp   *time.Time `json:"timestamp"`

	// ProcessedBytes is the number of bytes processed since the previous report.
	ProcessedBytes *int64   `json:"processed_bytes"`
	CPULoad        *float64 `json:"cpu_load"`
	MemoryTotal    *int64   `json:"memory_total"`
	MemoryFree     *int64   `json:"memory_free"`
	MemoryUsed     *int64   `json:"memory_used"`

	Buses    []BusReport     `json:"buses"`
	Captures []CaptureReport `json:"captures"`
	Gauges   []GaugeReport   `json:"gauges"`
	Alerts   []AlertReport   `json:"alerts"`
	Beacons  []BeaconReport  `json:"beacons"`
}

// BusReport describes one bus and its channels.
type BusReport struct {
	Name     string          `json:"name"`
	Channels []ChannelReport `json:"channels"`
}

// ChannelReport carries a channel's configuration and the counter deltas
// accumulated since the previous report.
type ChannelReport struct {
	Name               string `json:"name"`
	Capacity           int64  `json:"capacity"`
	Watermark          int64  `json:"watermark"`
	Errors             int64  `json:"errors"`
	ThroughputBytes    int64  `json:"throughput_bytes"`
	ThroughputMessages int64  `json:"throughput_messages"`
}

// CaptureReport carries cumulative counters of one capture interface.
type CaptureReport struct {
	InterfaceName    string             `json:"interface_name"`
	CaptureType      models.CaptureType `json:"capture_type"`
	IsRunning        bool               `json:"is_running"`
	Received         int64              `json:"received"`
	DroppedBuffer    int64              `json:"dropped_buffer"`
	DroppedInterface int64              `json:"dropped_interface"`
}

// GaugeReport is one named gauge sample. Value is left untyped so that a
// malformed value only fails the gauge stage of ingestion.
type GaugeReport struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// AlertReport is a condition a detector on the tap flagged.
type AlertReport struct {
	Kind      string         `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Probe     string         `json:"probe"`
	Fields    map[string]any `json:"fields"`
}

// BeaconReport is an 802.11 beacon a tap observed for a monitored SSID. The
// server checks it against the monitored network configuration.
type BeaconReport struct {
	SSID          string    `json:"ssid"`
	BSSID         string    `json:"bssid"`
	Channel       int64     `json:"channel"`
	Frequency     int64     `json:"frequency"`
	AntennaSignal int64     `json:"antenna_signal"`
	Fingerprint   string    `json:"fingerprint"`
	SecuritySuite string    `json:"security_suite"`
	Timestamp     time.Time `json:"timestamp"`
	Probe         string    `json:"probe"`
}

// MalformedReportError reports a missing or ill-typed report field.
type MalformedReportError struct {
	Field  string
	Reason string
}

func (e *MalformedReportError) Error() string {
	if e.Field == "" {
		return "malformed report: " + e.Reason
	}
	return fmt.Sprintf("malformed report: %s: %s", e.Field, e.Reason)
}

func malformed(field, format string, args ...any) *MalformedReportError {
	return &MalformedReportError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TapID parses the report's UUID.
func (r *StatusReport) TapID() (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(r.UUID))
	if err != nil {
		return uuid.Nil, malformed("uuid", "not a UUID: %q", r.UUID)
	}
	return id, nil
}

// Validate checks every field the registry needs. Gauges, alerts and beacons
// are validated by their consumers.
func (r *StatusReport) Validate() error {
	if _, err := r.TapID(); err != nil {
		return err
	}
	if strings.TrimSpace(r.Name) == "" {
		return malformed("name", "required")
	}
	if r.Timestamp == nil || r.Timestamp.IsZero() {
		return malformed("timestamp", "required")
	}
	if err := nonNegative("processed_bytes", r.ProcessedBytes); err != nil {
		return err
	}
	if r.CPULoad == nil {
		return malformed("cpu_load", "required")
	}
	if math.IsNaN(*r.CPULoad) || math.IsInf(*r.CPULoad, 0) || *r.CPULoad < 0 {
		return malformed("cpu_load", "must be a finite non-negative number")
	}
	if err := nonNegative("memory_total", r.MemoryTotal); err != nil {
		return err
	}
	if err := nonNegative("memory_free", r.MemoryFree); err != nil {
		return err
	}
	if err := nonNegative("memory_used", r.MemoryUsed); err != nil {
		return err
	}

	busNames := make(map[string]bool, len(r.Buses))
	for i, bus := range r.Buses {
		if bus.Name == "" {
			return malformed(fmt.Sprintf("buses[%d].name", i), "required")
		}
		if busNames[bus.Name] {
			return malformed(fmt.Sprintf("buses[%d].name", i), "duplicate bus %q", bus.Name)
		}
		busNames[bus.Name] = true

		channelNames := make(map[string]bool, len(bus.Channels))
		for j, ch := range bus.Channels {
			field := fmt.Sprintf("buses[%d].channels[%d]", i, j)
			if ch.Name == "" {
				return malformed(field+".name", "required")
			}
			if channelNames[ch.Name] {
				return malformed(field+".name", "duplicate channel %q", ch.Name)
			}
			channelNames[ch.Name] = true
			if ch.Capacity < 0 || ch.Watermark < 0 || ch.Errors < 0 || ch.ThroughputBytes < 0 || ch.ThroughputMessages < 0 {
				return malformed(field, "counters must be non-negative")
			}
		}
	}

	interfaces := make(map[string]bool, len(r.Captures))
	for i, c := range r.Captures {
		field := fmt.Sprintf("captures[%d]", i)
		if c.InterfaceName == "" {
			return malformed(field+".interface_name", "required")
		}
		if interfaces[c.InterfaceName] {
			return malformed(field+".interface_name", "duplicate interface %q", c.InterfaceName)
		}
		interfaces[c.InterfaceName] = true
		switch c.CaptureType {
		case models.CapturePassive, models.CaptureActive, models.CapturePcap:
		default:
			return malformed(field+".capture_type", "unknown capture type %q", c.CaptureType)
		}
		if c.Received < 0 || c.DroppedBuffer < 0 || c.DroppedInterface < 0 {
			return malformed(field, "counters must be non-negative")
		}
	}
	return nil
}

func nonNegative(field string, v *int64) error {
	if v == nil {
		return malformed(field, "required")
	}
	if *v < 0 {
		return malformed(field, "must be non-negative")
	}
	return nil
}
