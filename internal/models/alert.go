package models

import "time"

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertExpired      AlertStatus = "expired"
)

// Alert is a deduplicated security alert. Only LastSeen, LastSubmittedAt,
// Occurrences and Status change after creation.
type Alert struct {
	ID        string `gorm:"primaryKey;size:36" json:"id"`
	Kind      string `gorm:"index;not null" json:"kind"`
	Subsystem string `json:"subsystem"`
	Scope     string `json:"scope,omitempty"`
	// DedupKey identifies "the same alert": kind, scope and the kind's key fields.
	DedupKey string `gorm:"index;size:64;not null" json:"dedup_key"`

	Fields         map[string]any `gorm:"serializer:json" json:"fields"`
	Message        string         `json:"message"`
	Description    string         `json:"description"`
	DocLink        string         `json:"documentation_link"`
	FalsePositives []string       `gorm:"serializer:json" json:"false_positives"`

	// Source is the tap and probe that produced the first detection.
	SourceTap   string `gorm:"size:36" json:"source_tap,omitempty"`
	SourceProbe string `json:"source_probe,omitempty"`

	// FirstSeen and LastSeen are detection timestamps reported by taps.
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `gorm:"index" json:"last_seen"`
	// LastSubmittedAt is the server time of the latest matching submission.
	// Expiry is measured against it, never against tap clocks.
	LastSubmittedAt time.Time   `gorm:"index" json:"last_submitted_at"`
	Occurrences     int64       `json:"occurrences"`
	Status          AlertStatus `gorm:"index;not null" json:"status"`
}
