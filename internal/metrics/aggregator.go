// Package metrics records tap gauge samples and summarizes them into current
// snapshots and time-bucketed histograms.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/vesaa/tapwatch/internal/bucket"
	"github.com/vesaa/tapwatch/internal/clock"
	"github.com/vesaa/tapwatch/internal/models"
)

// MaxBuckets bounds a single histogram query.
const MaxBuckets = 1440

var (
	// ErrTimeout is returned when a read exceeds the caller's deadline.
	ErrTimeout = errors.New("metrics: query timed out")
	// ErrInvalidValue is returned for NaN or infinite gauge values.
	ErrInvalidValue = errors.New("metrics: gauge value must be a finite number")
	// ErrInvalidBucketCount is returned for a bucket count outside [1, MaxBuckets].
	ErrInvalidBucketCount = errors.New("metrics: invalid bucket count")
)

// Store is the gauge persistence the aggregator needs. storage.Repository
// implements it.
type Store interface {
	AppendGauge(ctx context.Context, gauge models.TapMetricsGauge) error
	LatestGauges(ctx context.Context, tapUUID string) ([]models.TapMetricsGauge, error)
	GaugesBetween(ctx context.Context, tapUUID, metricName string, from, to time.Time) ([]models.TapMetricsGauge, error)
}

// Aggregator is safe for concurrent use. Gauge writes are append-only, so it
// holds no locks of its own.
type Aggregator struct {
	store  Store
	names  *Names
	clock  clock.Clock
	logger *slog.Logger
}

// NewAggregator wires an aggregator. names may be nil.
func NewAggregator(store Store, names *Names, clk clock.Clock, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: store, names: names, clock: clk, logger: logger}
}

// Names returns the metric-name table the aggregator was built with.
func (a *Aggregator) Names() *Names { return a.names }

// RecordGauge appends one sample. Resending a sample with the same timestamp
// stores it again.
func (a *Aggregator) RecordGauge(ctx context.Context, tapUUID, metricName string, value float64, at time.Time) error {
	if strings.TrimSpace(metricName) == "" {
		return fmt.Errorf("metrics: empty metric name")
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: %s=%v", ErrInvalidValue, metricName, value)
	}
	return a.store.AppendGauge(ctx, models.TapMetricsGauge{
		TapUUID:    tapUUID,
		MetricName: metricName,
		Value:      value,
		RecordedAt: at.UTC().UnixNano(),
	})
}

// CurrentGauges returns the latest sample of every metric the tap reported,
// keyed by metric name. Known metrics carry their unit and description.
func (a *Aggregator) CurrentGauges(ctx context.Context, tapUUID string) (map[string]models.GaugeSnapshot, error) {
	rows, err := a.store.LatestGauges(ctx, tapUUID)
	if err != nil {
		return nil, mapContextError(ctx, err)
	}
	out := make(map[string]models.GaugeSnapshot, len(rows))
	for _, row := range rows {
		if prev, ok := out[row.MetricName]; ok && prev.CreatedAt.After(row.Timestamp()) {
			continue
		}
		snap := models.GaugeSnapshot{
			MetricName: row.MetricName,
			Value:      row.Value,
			CreatedAt:  row.Timestamp(),
		}
		if m, ok := a.names.Lookup(row.MetricName); ok {
			snap.Unit = m.Unit
			snap.Description = m.Description
		}
		out[row.MetricName] = snap
	}
	return out, nil
}

// Histogram summarizes the most recent bucketCount buckets of metricName,
// ending with the bucket that contains now. Buckets without samples are
// omitted. The result is ordered by bucket start.
func (a *Aggregator) Histogram(ctx context.Context, tapUUID, metricName string, bucketCount int, size bucket.Size) ([]models.TapMetricsGaugeAggregation, error) {
	if bucketCount < 1 || bucketCount > MaxBuckets {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBucketCount, bucketCount)
	}
	width, err := size.Duration()
	if err != nil {
		return nil, err
	}
	current, err := bucket.Start(a.clock.Now(), size)
	if err != nil {
		return nil, err
	}
	from := current.Add(-time.Duration(bucketCount-1) * width)
	to := current.Add(width)

	if err := ctx.Err(); err != nil {
		return nil, mapContextError(ctx, err)
	}
	samples, err := a.store.GaugesBetween(ctx, tapUUID, metricName, from, to)
	if err != nil {
		err = mapContextError(ctx, err)
		if errors.Is(err, ErrTimeout) {
			a.logger.Warn("histogram query timed out", "tap", tapUUID, "metric", metricName, "buckets", bucketCount, "bucket_size", string(size))
		}
		return nil, err
	}
	return aggregate(samples, size), nil
}

type accumulator struct {
	sum      float64
	min, max float64
	n        int
}

// aggregate folds samples into per-bucket statistics ordered by bucket start.
func aggregate(samples []models.TapMetricsGauge, size bucket.Size) []models.TapMetricsGaugeAggregation {
	var (
		starts []time.Time
		accs   = make(map[int64]*accumulator)
	)
	for _, s := range samples {
		start, err := bucket.Start(s.Timestamp(), size)
		if err != nil {
			continue
		}
		key := start.UnixNano()
		acc, ok := accs[key]
		if !ok {
			acc = &accumulator{min: s.Value, max: s.Value}
			accs[key] = acc
			starts = append(starts, start)
		}
		acc.sum += s.Value
		acc.n++
		acc.min = math.Min(acc.min, s.Value)
		acc.max = math.Max(acc.max, s.Value)
	}

	out := make([]models.TapMetricsGaugeAggregation, 0, len(starts))
	for _, start := range starts {
		acc := accs[start.UnixNano()]
		// Rounding in sum can push the mean a hair outside [min, max].
		avg := math.Min(math.Max(acc.sum/float64(acc.n), acc.min), acc.max)
		out = append(out, models.TapMetricsGaugeAggregation{
			Bucket:  start,
			Average: avg,
			Minimum: acc.min,
			Maximum: acc.max,
			Samples: acc.n,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket.Before(out[j].Bucket) })
	return out
}

func mapContextError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
