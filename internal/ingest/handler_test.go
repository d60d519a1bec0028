package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/vesaa/tapwatch/internal/alerts"
	"github.com/vesaa/tapwatch/internal/bucket"
	"github.com/vesaa/tapwatch/internal/clock"
	"github.com/vesaa/tapwatch/internal/metrics"
	"github.com/vesaa/tapwatch/internal/models"
	"github.com/vesaa/tapwatch/internal/storage"
	"github.com/vesaa/tapwatch/internal/taps"
)

var (
	testTapID = uuid.MustParse("5b1a8c3e-4a4f-4d1e-9f51-3c0d6f0e2a11")
	testEpoch = time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
)

type fixture struct {
	handler  *Handler
	registry *taps.Registry
	metrics  *metrics.Aggregator
	alerts   *alerts.Deduplicator
	networks *alerts.Monitor
	clock    *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := storage.Open(storage.Options{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "ingest.db")})
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	clk := clock.Fake(testEpoch)
	f := &fixture{
		registry: taps.NewRegistry(repo, clk, nil),
		metrics:  metrics.NewAggregator(repo, metrics.DefaultNames(), clk, nil),
		alerts:   alerts.NewDeduplicator(repo, nil, clk, nil),
		networks: alerts.NewMonitor(repo, clk, nil),
		clock:    clk,
	}
	f.handler = NewHandler(f.registry, f.metrics, f.alerts, f.networks, nil)
	return f
}

// decodeReport decodes a JSON report the way the HTTP layer does.
func decodeReport(t *testing.T, body string) *taps.StatusReport {
	t.Helper()
	var r taps.StatusReport
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return &r
}

const baseReport = `{
	"uuid": "5b1a8c3e-4a4f-4d1e-9f51-3c0d6f0e2a11",
	"name": "tap-roof",
	"version": "1.4.0",
	"timestamp": "2026-03-01T12:00:29Z",
	"processed_bytes": 4096,
	"cpu_load": 12.5,
	"memory_total": 8000,
	"memory_free": 3000,
	"memory_used": 5000,
	"captures": [{"interface_name": "wlan0", "capture_type": "passive", "is_running": true,
		"received": 100, "dropped_buffer": 0, "dropped_interface": 0}],
	"gauges": [{"name": "cpu_load", "value": 10}, {"name": "cpu_load", "value": 30}],
	"alerts": [{"kind": "unexpected_channel_beacon", "probe": "wlan0",
		"fields": {"ssid": "corp-wifi", "bssid": "00:c0:ca:95:68:3b", "channel": 6}}]
}`

func TestHandleFullReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.handler.Handle(ctx, decodeReport(t, baseReport))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !res.Registered || res.GaugesWritten != 2 || res.AlertsOpened != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	tap, ok := f.registry.FindTap(testTapID)
	if !ok || tap.ProcessedBytes.Total != 4096 {
		t.Fatalf("unexpected tap %+v ok=%v", tap, ok)
	}
	if tap.ClockDriftMs != -1000 {
		t.Fatalf("expected drift -1000ms, got %d", tap.ClockDriftMs)
	}

	hist, err := f.metrics.Histogram(ctx, testTapID.String(), metrics.CPULoad, 1, bucket.Minute)
	if err != nil {
		t.Fatalf("histogram: %v", err)
	}
	if len(hist) != 1 || hist[0].Average != 20 {
		t.Fatalf("unexpected histogram %+v", hist)
	}

	// The same report again merges its alert.
	res, err = f.handler.Handle(ctx, decodeReport(t, baseReport))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.AlertsMerged != 1 || res.AlertsOpened != 0 {
		t.Fatalf("expected merged alert, got %+v", res)
	}

	stats := f.handler.Stats()
	if stats.Reports != 2 || stats.GaugesWritten != 4 || stats.AlertsOpened != 1 || stats.AlertsMerged != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestHandleMalformedGaugeKeepsRegistryUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report := decodeReport(t, baseReport)
	report.Gauges = []taps.GaugeReport{
		{Name: "cpu_load", Value: float64(10)},
		{Name: "cpu_load", Value: "high"},
		{Name: "cpu_load", Value: float64(30)},
	}

	res, err := f.handler.Handle(ctx, report)
	var mre *taps.MalformedReportError
	if !errors.As(err, &mre) || mre.Field != "gauges[1].value" {
		t.Fatalf("expected malformed gauges[1].value, got %v", err)
	}
	if !res.Registered {
		t.Fatalf("registry update must be applied")
	}
	if res.GaugesWritten != 1 {
		t.Fatalf("expected 1 gauge written before the failure, got %d", res.GaugesWritten)
	}
	if res.AlertsOpened != 0 || f.alerts.OpenCount() != 0 {
		t.Fatalf("alerts must be skipped after a malformed gauge")
	}
	if !f.registry.IsLive(testTapID) {
		t.Fatalf("tap must be live after a partially applied report")
	}
	if f.handler.Stats().Malformed != 1 {
		t.Fatalf("expected malformed counter 1")
	}
}

func TestHandleInvalidReportChangesNothing(t *testing.T) {
	f := newFixture(t)
	report := decodeReport(t, baseReport)
	report.CPULoad = nil

	res, err := f.handler.Handle(context.Background(), report)
	var mre *taps.MalformedReportError
	if !errors.As(err, &mre) {
		t.Fatalf("expected MalformedReportError, got %v", err)
	}
	if res.Registered {
		t.Fatalf("invalid report must not be registered")
	}
	if _, ok := f.registry.FindTap(testTapID); ok {
		t.Fatalf("invalid report must not create the tap")
	}
}

func TestHandleMalformedAlertIsLocal(t *testing.T) {
	f := newFixture(t)
	report := decodeReport(t, baseReport)
	report.Alerts = append([]taps.AlertReport{{Kind: "unexpected_bssid", Fields: map[string]any{"ssid": "corp-wifi"}}}, report.Alerts...)

	res, err := f.handler.Handle(context.Background(), report)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.AlertsRejected != 1 || res.AlertsOpened != 1 {
		t.Fatalf("expected one rejected and one opened alert, got %+v", res)
	}
}

func TestHandleDerivesCaptureDrops(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := decodeReport(t, baseReport)
	first.Alerts = nil
	if _, err := f.handler.Handle(ctx, first); err != nil {
		t.Fatalf("handle: %v", err)
	}

	f.clock.Advance(5 * time.Second)
	second := decodeReport(t, baseReport)
	second.Alerts = nil
	second.Captures[0].DroppedBuffer = 40
	res, err := f.handler.Handle(ctx, second)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.AlertsOpened != 1 {
		t.Fatalf("expected a capture_drops alert, got %+v", res)
	}

	open, err := f.alerts.ListAlerts(ctx, models.AlertOpen)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 1 || open[0].Kind != alerts.KindCaptureDrops || open[0].SourceTap != testTapID.String() {
		t.Fatalf("unexpected alerts %+v", open)
	}

	// Unchanged counters raise nothing.
	f.clock.Advance(5 * time.Second)
	res, err = f.handler.Handle(ctx, second)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.AlertsOpened+res.AlertsMerged != 0 {
		t.Fatalf("expected no alert for unchanged counters, got %+v", res)
	}
}

func TestHandleInspectsBeacons(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	network, err := f.networks.Create(ctx, models.MonitoredNetwork{
		SSID:           "corp-wifi",
		OrganizationID: "org-1",
		TenantID:       "tenant-1",
		BSSIDs:         []models.MonitoredBSSID{{BSSID: "00:c0:ca:95:68:3b"}},
		Channels:       []int64{1, 6, 11},
	})
	if err != nil {
		t.Fatalf("create network: %v", err)
	}

	report := decodeReport(t, baseReport)
	report.Alerts = nil
	report.Beacons = []taps.BeaconReport{
		{SSID: "corp-wifi", BSSID: "00:C0:CA:95:68:3B", Channel: 6},
		{SSID: "corp-wifi", BSSID: "de:ad:be:ef:00:01", Channel: 6},
		{SSID: "corp-wifi", BSSID: "00:c0:ca:95:68:3b", Channel: 13},
		{SSID: "guest", BSSID: "de:ad:be:ef:00:02", Channel: 13},
	}
	res, err := f.handler.Handle(ctx, report)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.AlertsOpened != 2 || res.AlertsRejected != 0 {
		t.Fatalf("expected an unexpected bssid and an unexpected channel alert, got %+v", res)
	}

	open, err := f.alerts.ListAlerts(ctx, models.AlertOpen)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, a := range open {
		if a.Scope != network.TenantKey() {
			t.Fatalf("expected alert scoped to %q, got %q", network.TenantKey(), a.Scope)
		}
	}
	if !alerts.IsAlerted(f.alerts, network) {
		t.Fatalf("expected the network to be alerted")
	}

	// An alert the tap flagged itself lands in the same tenant scope and
	// merges with the one derived from the beacon.
	flagged := decodeReport(t, baseReport)
	flagged.Alerts[0].Fields["channel"] = 13
	res, err = f.handler.Handle(ctx, flagged)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.AlertsMerged != 1 {
		t.Fatalf("expected the flagged alert to merge, got %+v", res)
	}
}

func TestHandleConcurrentReportsSameTap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := decodeReport(t, baseReport)
			r.Alerts = nil
			r.Gauges = nil
			if _, err := f.handler.Handle(ctx, r); err != nil {
				t.Errorf("handle: %v", err)
			}
		}()
	}
	wg.Wait()

	tap, _ := f.registry.FindTap(testTapID)
	if tap.ProcessedBytes.Total != n*4096 {
		t.Fatalf("expected total %d, got %d", n*4096, tap.ProcessedBytes.Total)
	}
}

func TestGaugeValue(t *testing.T) {
	tests := []struct {
		in   any
		want float64
		ok   bool
	}{
		{float64(1.5), 1.5, true},
		{int64(3), 3, true},
		{json.Number("42"), 42, true},
		{json.Number("4x"), 0, false},
		{"12", 0, false},
		{nil, 0, false},
		{true, 0, false},
	}
	for _, tt := range tests {
		got, err := gaugeValue(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Fatalf("gaugeValue(%v) = %v, %v; want %v ok=%v", tt.in, got, err, tt.want, tt.ok)
		}
	}
}
