package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/vesaa/tapwatch/internal/models"
)

// AppendGauge stores one gauge sample. Samples are never updated.
func (r *Repository) AppendGauge(ctx context.Context, gauge models.TapMetricsGauge) error {
	gauge.ID = 0
	if err := r.db.WithContext(ctx).Create(&gauge).Error; err != nil {
		return fmt.Errorf("storage: append gauge %s/%s: %w", gauge.TapUUID, gauge.MetricName, err)
	}
	return nil
}

// LatestGauges returns the most recent sample of every metric of a tap. When
// a tap resent a sample with the same timestamp, the last written one wins.
func (r *Repository) LatestGauges(ctx context.Context, tapUUID string) ([]models.TapMetricsGauge, error) {
	latest := r.db.Model(&models.TapMetricsGauge{}).
		Select("metric_name, MAX(recorded_at) AS recorded_at").
		Where("tap_uuid = ?", tapUUID).
		Group("metric_name")

	var rows []models.TapMetricsGauge
	err := r.db.WithContext(ctx).
		Table("tap_metrics_gauges AS g").
		Select("g.*").
		Joins("JOIN (?) AS latest ON latest.metric_name = g.metric_name AND latest.recorded_at = g.recorded_at", latest).
		Where("g.tap_uuid = ?", tapUUID).
		Order("g.metric_name, g.id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("storage: latest gauges of %s: %w", tapUUID, err)
	}

	out := rows[:0]
	for _, row := range rows {
		if n := len(out); n > 0 && out[n-1].MetricName == row.MetricName {
			out[n-1] = row
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// GaugesBetween returns the samples of one metric with from <= t < to, oldest first.
func (r *Repository) GaugesBetween(ctx context.Context, tapUUID, metricName string, from, to time.Time) ([]models.TapMetricsGauge, error) {
	var rows []models.TapMetricsGauge
	err := r.db.WithContext(ctx).
		Where("tap_uuid = ? AND metric_name = ? AND recorded_at >= ? AND recorded_at < ?",
			tapUUID, metricName, from.UnixNano(), to.UnixNano()).
		Order("recorded_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("storage: gauges %s/%s: %w", tapUUID, metricName, err)
	}
	return rows, nil
}
