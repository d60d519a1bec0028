// Package ingest applies tap status reports: registry first, then gauges,
// then alerts and beacons. Reports of one tap are processed one at a time.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vesaa/tapwatch/internal/alerts"
	"github.com/vesaa/tapwatch/internal/keylock"
	"github.com/vesaa/tapwatch/internal/models"
	"github.com/vesaa/tapwatch/internal/taps"
)

// Registry is the part of taps.Registry the handler uses.
type Registry interface {
	Register(ctx context.Context, report *taps.StatusReport) (models.Tap, error)
	FindCapturesOfTap(id uuid.UUID) []models.Capture
}

// Gauges is the part of metrics.Aggregator the handler uses.
type Gauges interface {
	RecordGauge(ctx context.Context, tapUUID, metricName string, value float64, at time.Time) error
}

// Alerts is the part of alerts.Deduplicator the handler uses.
type Alerts interface {
	Submit(ctx context.Context, det alerts.Detection) (alerts.Outcome, error)
}

// Networks is the part of alerts.Monitor the handler uses.
type Networks interface {
	Lookup(ssid string) (models.MonitoredNetwork, bool)
	Inspect(tapUUID string, b alerts.Beacon) []alerts.Detection
}

// Result summarizes what one report changed.
type Result struct {
	TapUUID        string `json:"tap_uuid"`
	Registered     bool   `json:"registered"`
	GaugesWritten  int    `json:"gauges_written"`
	AlertsOpened   int    `json:"alerts_opened"`
	AlertsMerged   int    `json:"alerts_merged"`
	AlertsRejected int    `json:"alerts_rejected"`
}

// Stats are cumulative counters since start.
type Stats struct {
	Reports        int64 `json:"reports"`
	Malformed      int64 `json:"malformed"`
	GaugesWritten  int64 `json:"gauges_written"`
	AlertsOpened   int64 `json:"alerts_opened"`
	AlertsMerged   int64 `json:"alerts_merged"`
	AlertsRejected int64 `json:"alerts_rejected"`
}

// Handler is safe for concurrent use.
type Handler struct {
	registry Registry
	gauges   Gauges
	alerts   Alerts
	networks Networks
	logger   *slog.Logger

	locks keylock.Map

	reports, malformed, gaugesWritten    atomic.Int64
	alertsOpened, alertsMerged, rejected atomic.Int64
}

// NewHandler wires a handler. With nil networks, beacons are ignored and
// dot11 alerts are untenanted.
func NewHandler(registry Registry, gauges Gauges, alerts Alerts, networks Networks, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{registry: registry, gauges: gauges, alerts: alerts, networks: networks, logger: logger}
}

// Handle processes one report. A report that fails validation changes
// nothing. Once the registry has accepted it, a malformed gauge stops the
// remaining gauges and all alerts of the report, but the registry update
// stays; Result.Registered tells the two cases apart.
func (h *Handler) Handle(ctx context.Context, report *taps.StatusReport) (Result, error) {
	h.reports.Add(1)

	if err := report.Validate(); err != nil {
		h.malformed.Add(1)
		return Result{}, err
	}
	id, _ := report.TapID()
	res := Result{TapUUID: id.String()}

	unlock := h.locks.Lock(res.TapUUID)
	defer unlock()

	previous := h.registry.FindCapturesOfTap(id)

	tap, err := h.registry.Register(ctx, report)
	if err != nil {
		var mre *taps.MalformedReportError
		if errors.As(err, &mre) {
			h.malformed.Add(1)
		}
		return res, err
	}
	res.Registered = true

	if err := h.recordGauges(ctx, tap, report.Gauges, &res); err != nil {
		var mre *taps.MalformedReportError
		if errors.As(err, &mre) {
			h.malformed.Add(1)
		}
		h.logger.Warn("report gauges aborted", "tap", res.TapUUID, "written", res.GaugesWritten, "error", err)
		return res, err
	}

	for _, det := range h.detections(tap, report, previous) {
		h.submit(ctx, det, &res)
	}

	h.logger.Debug("report processed",
		"tap", res.TapUUID,
		"gauges", res.GaugesWritten,
		"alerts_opened", res.AlertsOpened,
		"alerts_merged", res.AlertsMerged,
		"alerts_rejected", res.AlertsRejected,
	)
	return res, nil
}

// recordGauges writes gauges in order and stops at the first failure.
// Samples are stamped with the server time the report was processed at.
func (h *Handler) recordGauges(ctx context.Context, tap models.Tap, gauges []taps.GaugeReport, res *Result) error {
	for i, g := range gauges {
		field := fmt.Sprintf("gauges[%d]", i)
		if g.Name == "" {
			return &taps.MalformedReportError{Field: field + ".name", Reason: "required"}
		}
		v, err := gaugeValue(g.Value)
		if err != nil {
			return &taps.MalformedReportError{Field: field + ".value", Reason: err.Error()}
		}
		if err := h.gauges.RecordGauge(ctx, tap.UUID, g.Name, v, tap.LastReport); err != nil {
			return err
		}
		res.GaugesWritten++
		h.gaugesWritten.Add(1)
	}
	return nil
}

func (h *Handler) submit(ctx context.Context, det alerts.Detection, res *Result) {
	out, err := h.alerts.Submit(ctx, det)
	switch {
	case err != nil:
		res.AlertsRejected++
		h.rejected.Add(1)
		level := slog.LevelError
		if errors.Is(err, alerts.ErrMalformedAlert) {
			level = slog.LevelWarn
		}
		h.logger.Log(ctx, level, "alert submission failed", "tap", det.TapUUID, "kind", det.Kind, "error", err)
	case out.Merged:
		res.AlertsMerged++
		h.alertsMerged.Add(1)
	default:
		res.AlertsOpened++
		h.alertsOpened.Add(1)
	}
}

// detections collects the alerts the tap flagged, those derived from beacons
// of monitored networks and those derived from its capture counters.
func (h *Handler) detections(tap models.Tap, report *taps.StatusReport, previous []models.Capture) []alerts.Detection {
	var out []alerts.Detection
	for _, a := range report.Alerts {
		at := a.Timestamp
		if at.IsZero() {
			at = tap.LastReport
		}
		out = append(out, alerts.Detection{
			Kind:      a.Kind,
			Timestamp: at,
			TapUUID:   tap.UUID,
			Probe:     a.Probe,
			Tenant:    h.tenantOf(a.Kind, a.Fields),
			Fields:    a.Fields,
		})
	}

	if h.networks != nil {
		for _, b := range report.Beacons {
			at := b.Timestamp
			if at.IsZero() {
				at = tap.LastReport
			}
			out = append(out, h.networks.Inspect(tap.UUID, alerts.Beacon{
				SSID:          b.SSID,
				BSSID:         b.BSSID,
				Channel:       b.Channel,
				Frequency:     b.Frequency,
				AntennaSignal: b.AntennaSignal,
				Fingerprint:   b.Fingerprint,
				SecuritySuite: b.SecuritySuite,
				Timestamp:     at,
				Probe:         b.Probe,
			})...)
		}
	}

	prev := make(map[string]models.Capture, len(previous))
	for _, c := range previous {
		prev[c.InterfaceName] = c
	}
	for _, c := range report.Captures {
		p, ok := prev[c.InterfaceName]
		if !ok {
			continue
		}
		buffer := c.DroppedBuffer - p.DroppedBuffer
		iface := c.DroppedInterface - p.DroppedInterface
		// Lower counters mean the capture restarted; not a drop.
		if buffer < 0 || iface < 0 || buffer+iface == 0 {
			continue
		}
		out = append(out, alerts.Detection{
			Kind:      alerts.KindCaptureDrops,
			Timestamp: tap.LastReport,
			TapUUID:   tap.UUID,
			Probe:     c.InterfaceName,
			Fields: map[string]any{
				alerts.FieldInterface:     c.InterfaceName,
				alerts.FieldDroppedBuffer: buffer,
				alerts.FieldDroppedIface:  iface,
			},
		})
	}
	return out
}

// tenantOf returns the tenant of the monitored network a tenant-scoped alert
// names, or "" when its SSID is not monitored.
func (h *Handler) tenantOf(kind string, fields map[string]any) string {
	k, ok := alerts.LookupKind(kind)
	if !ok || k.Scope != alerts.ScopeTenant || h.networks == nil {
		return ""
	}
	ssid, _ := fields[alerts.FieldSSID].(string)
	n, ok := h.networks.Lookup(ssid)
	if !ok {
		return ""
	}
	return n.TenantKey()
}

// gaugeValue accepts the numeric forms a decoded JSON report can carry.
func gaugeValue(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n.String())
		}
		f = parsed
	case nil:
		return 0, errors.New("required")
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("must be finite")
	}
	return f, nil
}

// Stats returns the cumulative counters.
func (h *Handler) Stats() Stats {
	return Stats{
		Reports:        h.reports.Load(),
		Malformed:      h.malformed.Load(),
		GaugesWritten:  h.gaugesWritten.Load(),
		AlertsOpened:   h.alertsOpened.Load(),
		AlertsMerged:   h.alertsMerged.Load(),
		AlertsRejected: h.rejected.Load(),
	}
}
