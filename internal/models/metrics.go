package models

import "time"

// TapMetricsGauge is a single immutable gauge sample. RecordedAt is stored as
// UTC unix nanoseconds so range scans compare integers, not formatted times.
type TapMetricsGauge struct {
	ID         uint    `gorm:"primaryKey" json:"-"`
	TapUUID    string  `gorm:"size:36;not null;index:idx_gauge_lookup,priority:1" json:"tap_uuid"`
	MetricName string  `gorm:"not null;index:idx_gauge_lookup,priority:2" json:"metric_name"`
	Value      float64 `json:"metric_value"`
	RecordedAt int64   `gorm:"not null;index:idx_gauge_lookup,priority:3" json:"-"`
}

// Timestamp returns RecordedAt as a UTC time.
func (g TapMetricsGauge) Timestamp() time.Time {
	return time.Unix(0, g.RecordedAt).UTC()
}

// GaugeSnapshot is the latest value of one metric for a tap.
type GaugeSnapshot struct {
	MetricName  string    `json:"metric_name"`
	Value       float64   `json:"metric_value"`
	CreatedAt   time.Time `json:"created_at"`
	Unit        string    `json:"unit,omitempty"`
	Description string    `json:"description,omitempty"`
}

// TapMetricsGaugeAggregation summarizes the samples of one metric that fall
// into one histogram bucket.
type TapMetricsGaugeAggregation struct {
	Bucket  time.Time `json:"bucket"`
	Average float64   `json:"average"`
	Minimum float64   `json:"minimum"`
	Maximum float64   `json:"maximum"`
	Samples int       `json:"samples"`
}
