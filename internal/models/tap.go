// Package models defines the GORM data models for tapwatch.
package models

import "time"

// LivenessWindow is how long after its last report a tap is still considered live.
const LivenessWindow = 2 * time.Minute

// AverageWindow is the number of most recent per-report deltas a
// TotalWithAverage averages over. At the default 5s report interval this
// is one minute of history.
const AverageWindow = 12

// TotalWithAverage is a cumulative counter plus the rolling average of the
// deltas that built it. The average is always recomputed from Samples, never
// derived from Total.
type TotalWithAverage struct {
	Total   int64   `json:"total"`
	Average float64 `json:"average"`
	Samples []int64 `gorm:"serializer:json" json:"-"`
}

// Add returns a copy of c with delta applied. Negative deltas are treated as
// zero so the total never decreases.
func (c TotalWithAverage) Add(delta int64) TotalWithAverage {
	if delta < 0 {
		delta = 0
	}
	samples := make([]int64, 0, AverageWindow)
	if n := len(c.Samples); n >= AverageWindow {
		samples = append(samples, c.Samples[n-AverageWindow+1:]...)
	} else {
		samples = append(samples, c.Samples...)
	}
	samples = append(samples, delta)

	var sum int64
	for _, s := range samples {
		sum += s
	}
	return TotalWithAverage{
		Total:   c.Total + delta,
		Average: float64(sum) / float64(len(samples)),
		Samples: samples,
	}
}

// Tap is a remote capture agent. UUID is the tap's self-assigned identity.
type Tap struct {
	UUID        string `gorm:"primaryKey;size:36" json:"uuid"`
	Name        string `gorm:"index;not null" json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// ── Clock ────────────────────────────────────────────────────────────────
	// Clock is the tap's own time at report; ClockDriftMs is Clock minus the
	// server time the report was processed at.
	Clock        time.Time `json:"clock"`
	ClockDriftMs int64     `json:"clock_drift_ms"`

	// ── Resources ────────────────────────────────────────────────────────────
	CPULoad        float64          `json:"cpu_load"`
	MemoryTotal    int64            `json:"memory_total"`
	MemoryFree     int64            `json:"memory_free"`
	MemoryUsed     int64            `json:"memory_used"`
	ProcessedBytes TotalWithAverage `gorm:"embedded;embeddedPrefix:processed_bytes_" json:"processed_bytes"`

	// ── Lifecycle ────────────────────────────────────────────────────────────
	CreatedAt  time.Time `gorm:"autoCreateTime:false" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime:false" json:"updated_at"`
	LastReport time.Time `gorm:"index" json:"last_report"`
}

// IsLive reports whether the tap reported within LivenessWindow of now.
func (t Tap) IsLive(now time.Time) bool {
	if t.LastReport.IsZero() {
		return false
	}
	return now.Sub(t.LastReport) <= LivenessWindow
}

// Bus is a tap's internal data path. ID is derived from the tap UUID and the
// bus name, so it is stable across reports and restarts.
type Bus struct {
	ID      string `gorm:"primaryKey;size:36" json:"id"`
	TapUUID string `gorm:"index;size:36;not null" json:"tap_uuid"`
	Name    string `json:"name"`
}

// Channel is one processing channel on a bus.
type Channel struct {
	ID    string `gorm:"primaryKey;size:36" json:"id"`
	BusID string `gorm:"index;size:36;not null" json:"bus_id"`
	Name  string `json:"name"`

	Capacity  int64 `json:"capacity"`
	Watermark int64 `json:"watermark"`

	Errors             TotalWithAverage `gorm:"embedded;embeddedPrefix:errors_" json:"errors"`
	ThroughputBytes    TotalWithAverage `gorm:"embedded;embeddedPrefix:throughput_bytes_" json:"throughput_bytes"`
	ThroughputMessages TotalWithAverage `gorm:"embedded;embeddedPrefix:throughput_messages_" json:"throughput_messages"`
}

// CaptureType is the mode a capture interface runs in.
type CaptureType string

const (
	CapturePassive CaptureType = "passive"
	CaptureActive  CaptureType = "active"
	CapturePcap    CaptureType = "pcap"
)

// Capture is one capture interface on a tap. Counters are cumulative as
// reported by the tap.
type Capture struct {
	ID            string      `gorm:"primaryKey;size:36" json:"id"`
	TapUUID       string      `gorm:"index;size:36;not null" json:"tap_uuid"`
	InterfaceName string      `json:"interface_name"`
	CaptureType   CaptureType `json:"capture_type"`
	IsRunning     bool        `json:"is_running"`

	Received         int64 `json:"received"`
	DroppedBuffer    int64 `json:"dropped_buffer"`
	DroppedInterface int64 `json:"dropped_interface"`

	CreatedAt time.Time `gorm:"autoCreateTime:false" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false" json:"updated_at"`
}

// TapState is a tap together with all of its child resources, the unit the
// registry persists and reloads.
type TapState struct {
	Tap      Tap
	Buses    []Bus
	Channels []Channel
	Captures []Capture
}
