// Package alerts turns detections into deduplicated alerts. A detection that
// matches an open alert of the same kind, scope and equality key is merged
// into it; anything else opens a new alert.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vesaa/tapwatch/internal/clock"
	"github.com/vesaa/tapwatch/internal/codec"
	"github.com/vesaa/tapwatch/internal/keylock"
	"github.com/vesaa/tapwatch/internal/models"
)

var (
	// ErrMalformedAlert is returned for an unknown kind or fields that do not
	// match the kind's schema.
	ErrMalformedAlert = errors.New("alerts: malformed alert")
	// ErrAlertNotFound is returned when no alert has the given ID.
	ErrAlertNotFound = errors.New("alerts: alert not found")
	// ErrAlertExpired is returned when acknowledging an expired alert.
	ErrAlertExpired = errors.New("alerts: alert expired")
)

func malformedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedAlert, fmt.Sprintf(format, args...))
}

// Store persists alerts. storage.Repository implements it.
type Store interface {
	SaveAlert(ctx context.Context, alert models.Alert) error
	AlertsByStatus(ctx context.Context, status models.AlertStatus) ([]models.Alert, error)
	FindAlert(ctx context.Context, id string) (models.Alert, bool, error)
}

// Detection is one condition flagged by a detector, before deduplication.
type Detection struct {
	Kind      string
	Timestamp time.Time
	TapUUID   string
	Probe     string
	// Tenant is the organization and tenant of the monitored network the
	// detection belongs to. Empty for untenanted networks.
	Tenant string
	Fields map[string]any
}

// Outcome reports what Submit did with a detection.
type Outcome struct {
	Alert  models.Alert
	Merged bool
}

// Deduplicator is safe for concurrent use. Submissions with the same
// dedup key are serialized; all others run in parallel.
type Deduplicator struct {
	store    Store
	notifier Notifier
	clock    clock.Clock
	logger   *slog.Logger

	locks keylock.Map

	mu   sync.Mutex
	open map[string]models.Alert // dedup key → open alert
}

// NewDeduplicator wires a deduplicator. A nil notifier disables notifications.
func NewDeduplicator(store Store, notifier Notifier, clk clock.Clock, logger *slog.Logger) *Deduplicator {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduplicator{
		store:    store,
		notifier: notifier,
		clock:    clk,
		logger:   logger,
		open:     make(map[string]models.Alert),
	}
}

// Load indexes the open alerts in the store. Call it once before serving.
func (d *Deduplicator) Load(ctx context.Context) error {
	alerts, err := d.store.AlertsByStatus(ctx, models.AlertOpen)
	if err != nil {
		return fmt.Errorf("alerts: load: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = make(map[string]models.Alert, len(alerts))
	for _, a := range alerts {
		// Rows written before LastSubmittedAt existed fall back to LastSeen.
		if a.LastSubmittedAt.IsZero() {
			a.LastSubmittedAt = a.LastSeen
		}
		// Of two open alerts with one key, keep the most recent.
		if prev, ok := d.open[a.DedupKey]; ok && prev.LastSubmittedAt.After(a.LastSubmittedAt) {
			continue
		}
		d.open[a.DedupKey] = a
	}
	d.logger.Info("open alerts loaded", "alerts", len(d.open))
	return nil
}

// DedupKey returns the equality key of a detection: the hex BLAKE3 digest of
// the canonical CBOR encoding of kind, scope and key field values.
func DedupKey(det Detection) (string, error) {
	kind, ok := LookupKind(det.Kind)
	if !ok {
		return "", malformedf("unknown kind %q", det.Kind)
	}
	fields, err := kind.normalize(det.Fields)
	if err != nil {
		return "", err
	}
	scope, err := scopeValue(kind, det)
	if err != nil {
		return "", err
	}
	return dedupKey(kind, scope, fields)
}

func dedupKey(kind Kind, scope string, fields map[string]any) (string, error) {
	key := []any{kind.Name, scope}
	key = append(key, kind.keyValues(fields)...)
	digest, err := codec.Digest(key)
	if err != nil {
		return "", fmt.Errorf("alerts: encode key: %w", err)
	}
	return digest, nil
}

func scopeValue(kind Kind, det Detection) (string, error) {
	switch kind.Scope {
	case ScopeTap:
		if det.TapUUID == "" {
			return "", malformedf("%s: tap-scoped alert without source tap", kind.Name)
		}
		return det.TapUUID, nil
	case ScopeTenant:
		return det.Tenant, nil
	default:
		return "", nil
	}
}

// Submit merges det into the matching open alert or opens a new one.
func (d *Deduplicator) Submit(ctx context.Context, det Detection) (Outcome, error) {
	kind, ok := LookupKind(det.Kind)
	if !ok {
		return Outcome{}, malformedf("unknown kind %q", det.Kind)
	}
	fields, err := kind.normalize(det.Fields)
	if err != nil {
		return Outcome{}, err
	}
	scope, err := scopeValue(kind, det)
	if err != nil {
		return Outcome{}, err
	}
	key, err := dedupKey(kind, scope, fields)
	if err != nil {
		return Outcome{}, err
	}

	unlock := d.locks.Lock(key)
	defer unlock()

	submitted := d.clock.Now().UTC()
	seen := det.Timestamp.UTC()
	if det.Timestamp.IsZero() {
		seen = submitted
	}

	d.mu.Lock()
	existing, found := d.open[key]
	d.mu.Unlock()

	if found {
		merged := existing
		merged.Occurrences++
		merged.LastSubmittedAt = submitted
		if seen.After(merged.LastSeen) {
			merged.LastSeen = seen
		}
		if err := d.store.SaveAlert(ctx, merged); err != nil {
			return Outcome{}, err
		}
		d.mu.Lock()
		d.open[key] = merged
		d.mu.Unlock()
		return Outcome{Alert: merged, Merged: true}, nil
	}

	alert := models.Alert{
		ID:             uuid.NewString(),
		Kind:           kind.Name,
		Subsystem:      kind.Subsystem,
		Scope:          scope,
		DedupKey:       key,
		Fields:         fields,
		Message:        kind.Message(fields),
		Description:    kind.Description,
		DocLink:        kind.DocLink,
		FalsePositives: kind.FalsePositives,
		SourceTap:      det.TapUUID,
		SourceProbe:    det.Probe,
		FirstSeen:       seen,
		LastSeen:        seen,
		LastSubmittedAt: submitted,
		Occurrences:     1,
		Status:          models.AlertOpen,
	}
	if err := d.store.SaveAlert(ctx, alert); err != nil {
		return Outcome{}, err
	}
	d.mu.Lock()
	d.open[key] = alert
	d.mu.Unlock()

	d.logger.Info("alert opened", "id", alert.ID, "kind", alert.Kind, "tap", alert.SourceTap, "message", alert.Message)
	if err := d.notifier.Notify(ctx, alert); err != nil {
		d.logger.Warn("alert notification failed", "id", alert.ID, "error", err)
	}
	return Outcome{Alert: alert}, nil
}

// ExpireStaleAlerts expires every open alert whose last submission arrived at
// least window before now. Submission times are server times, so a tap with
// a skewed clock cannot expire alerts early or keep them open. It returns how many alerts it expired and is safe
// to call repeatedly.
func (d *Deduplicator) ExpireStaleAlerts(ctx context.Context, now time.Time, window time.Duration) (int, error) {
	cutoff := now.Add(-window)

	d.mu.Lock()
	var stale []string
	for key, a := range d.open {
		if !a.LastSubmittedAt.After(cutoff) {
			stale = append(stale, key)
		}
	}
	d.mu.Unlock()

	expired := 0
	for _, key := range stale {
		ok, err := d.expire(ctx, key, cutoff)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		d.logger.Info("stale alerts expired", "count", expired, "window", window)
	}
	return expired, nil
}

func (d *Deduplicator) expire(ctx context.Context, key string, cutoff time.Time) (bool, error) {
	unlock := d.locks.Lock(key)
	defer unlock()

	// A submission may have refreshed the alert since the scan.
	d.mu.Lock()
	a, ok := d.open[key]
	d.mu.Unlock()
	if !ok || a.LastSubmittedAt.After(cutoff) {
		return false, nil
	}

	a.Status = models.AlertExpired
	if err := d.store.SaveAlert(ctx, a); err != nil {
		return false, err
	}
	d.mu.Lock()
	delete(d.open, key)
	d.mu.Unlock()
	return true, nil
}

// Acknowledge closes an open alert. A later matching detection opens a new
// alert. Acknowledging an acknowledged alert is a no-op.
func (d *Deduplicator) Acknowledge(ctx context.Context, id string) (models.Alert, error) {
	a, ok, err := d.store.FindAlert(ctx, id)
	if err != nil {
		return models.Alert{}, err
	}
	if !ok {
		return models.Alert{}, ErrAlertNotFound
	}

	unlock := d.locks.Lock(a.DedupKey)
	defer unlock()

	// Re-read under the key lock: a merge or the sweep may have changed the
	// alert since the first read.
	a, ok, err = d.store.FindAlert(ctx, id)
	if err != nil {
		return models.Alert{}, err
	}
	if !ok {
		return models.Alert{}, ErrAlertNotFound
	}

	switch a.Status {
	case models.AlertAcknowledged:
		return a, nil
	case models.AlertExpired:
		return a, ErrAlertExpired
	}

	a.Status = models.AlertAcknowledged
	if err := d.store.SaveAlert(ctx, a); err != nil {
		return models.Alert{}, err
	}
	d.mu.Lock()
	if cur, ok := d.open[a.DedupKey]; ok && cur.ID == id {
		delete(d.open, a.DedupKey)
	}
	d.mu.Unlock()
	return a, nil
}

// ListAlerts returns alerts with the given status, most recent first. An
// empty status lists every alert.
func (d *Deduplicator) ListAlerts(ctx context.Context, status models.AlertStatus) ([]models.Alert, error) {
	return d.store.AlertsByStatus(ctx, status)
}

// HasOpen reports whether any open alert satisfies match.
func (d *Deduplicator) HasOpen(match func(models.Alert) bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range d.open {
		if match(a) {
			return true
		}
	}
	return false
}

// OpenCount reports how many alerts are currently open.
func (d *Deduplicator) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.open)
}
