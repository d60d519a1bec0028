package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/vesaa/tapwatch/internal/config"
	"github.com/vesaa/tapwatch/internal/metrics"
	"github.com/vesaa/tapwatch/internal/taps"
)

type staticSource struct {
	mu    sync.Mutex
	calls int
	snap  Snapshot
}

func (s *staticSource) Collect(context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	snap := s.snap
	return &snap, nil
}

func testSnapshot() Snapshot {
	return Snapshot{
		Platform:          "debian 12",
		CPULoad:           12.5,
		MemoryTotal:       1000,
		MemoryFree:        400,
		MemoryUsed:        600,
		MemoryUsedPercent: 60,
		DiskUsedPercent:   41,
		TCPConnections:    7,
		UDPConnections:    2,
		RxBytes:           4096,
		RxBytesPerSecond:  819.2,
		Interfaces: []InterfaceStats{
			{Name: "wlan0", Received: 100, DroppedBuffer: 3, DeltaBytes: 4096, DeltaPackets: 12},
		},
		CollectedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func testConfig(server string) *config.TapConfig {
	return &config.TapConfig{
		ServerURI:          server,
		Token:              "tap-secret",
		UUID:               "5b1a8c3e-4a4f-4d1e-9f51-3c0d6f0e2a11",
		Name:               "tap-roof",
		Interval:           10 * time.Millisecond,
		InsecureSkipVerify: true,
		Interfaces:         []string{"wlan0"},
	}
}

func TestBuildReportValidates(t *testing.T) {
	snap := testSnapshot()
	r := NewReporter(testConfig("https://127.0.0.1:1"), &staticSource{}, nil)
	report := r.BuildReport(&snap)

	if err := report.Validate(); err != nil {
		t.Fatalf("report does not validate: %v", err)
	}
	if *report.ProcessedBytes != 4096 || *report.CPULoad != 12.5 || report.Version != Version {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(report.Buses) != 1 || report.Buses[0].Name != NetBus || report.Buses[0].Channels[0].ThroughputMessages != 12 {
		t.Fatalf("unexpected buses %+v", report.Buses)
	}
	if len(report.Captures) != 1 || report.Captures[0].DroppedBuffer != 3 {
		t.Fatalf("unexpected captures %+v", report.Captures)
	}

	names := gaugeNames(report)
	for _, want := range []string{metrics.CPULoad, metrics.MemoryUsedPercent, metrics.DiskUsedPercent,
		metrics.RxBytesPerSecond, metrics.TxBytesPerSecond, metrics.TCPConnections, metrics.UDPConnections, metrics.ProcessedBytes} {
		if !names[want] {
			t.Fatalf("missing gauge %q", want)
		}
	}
}

// gaugeNames returns the set of gauge names carried by report.
func gaugeNames(report *taps.StatusReport) map[string]bool {
	out := make(map[string]bool, len(report.Gauges))
	for _, g := range report.Gauges {
		out[g.Name] = true
	}
	return out
}

func TestBuildReportWithoutInterfaces(t *testing.T) {
	snap := testSnapshot()
	snap.Interfaces = nil
	report := NewReporter(testConfig("https://127.0.0.1:1"), &staticSource{}, nil).BuildReport(&snap)
	if report.Buses != nil || report.Captures != nil {
		t.Fatalf("expected no children, got %+v %+v", report.Buses, report.Captures)
	}
	if err := report.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestPostOverTLS(t *testing.T) {
	var (
		mu       sync.Mutex
		received []taps.StatusReport
	)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != StatusPath || req.Header.Get("Authorization") != "Bearer tap-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var report taps.StatusReport
		if err := json.NewDecoder(req.Body).Decode(&report); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, report)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	source := &staticSource{snap: testSnapshot()}
	r := NewReporter(testConfig(srv.URL), source, nil)
	if err := r.ReportOnce(context.Background()); err != nil {
		t.Fatalf("report: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected one report, got %d", len(received))
	}
	if err := received[0].Validate(); err != nil {
		t.Fatalf("server received an invalid report: %v", err)
	}
}

func TestPostRejectsUnverifiedCertificate(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.InsecureSkipVerify = false
	if err := NewReporter(cfg, &staticSource{snap: testSnapshot()}, nil).ReportOnce(context.Background()); err == nil {
		t.Fatalf("expected certificate verification to fail")
	}
}

func TestRunStopsOnUnauthorized(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := NewReporter(testConfig(srv.URL), &staticSource{snap: testSnapshot()}, nil).Run(ctx)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRunReportsUntilCancelled(t *testing.T) {
	var (
		mu    sync.Mutex
		count int
	)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count++
		mu.Unlock()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewReporter(testConfig(srv.URL), &staticSource{snap: testSnapshot()}, nil).Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := count
		mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected at least 3 reports, got %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestApplyCounters(t *testing.T) {
	c := NewCollector([]string{"wlan0", "missing"})
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := &Snapshot{CollectedAt: t0}
	c.applyCounters(first, []psnet.IOCountersStat{
		{Name: "wlan0", BytesRecv: 1000, BytesSent: 500, PacketsRecv: 10, Dropin: 1},
		{Name: "eth0", BytesRecv: 9000, BytesSent: 100},
	})
	if first.RxBytes != 0 || first.RxBytesPerSecond != 0 {
		t.Fatalf("first snapshot must not carry deltas, got %+v", first)
	}
	if len(first.Interfaces) != 1 || first.Interfaces[0].Received != 10 || first.Interfaces[0].DeltaBytes != 0 {
		t.Fatalf("unexpected interfaces %+v", first.Interfaces)
	}

	second := &Snapshot{CollectedAt: t0.Add(2 * time.Second)}
	c.applyCounters(second, []psnet.IOCountersStat{
		{Name: "wlan0", BytesRecv: 3000, BytesSent: 700, PacketsRecv: 25, Dropin: 4, Errin: 2},
		{Name: "eth0", BytesRecv: 9000, BytesSent: 100},
	})
	if second.RxBytes != 2000 || second.RxBytesPerSecond != 1000 || second.TxBytesPerSecond != 100 {
		t.Fatalf("unexpected bandwidth %+v", second)
	}
	got := second.Interfaces[0]
	if got.DeltaBytes != 2000 || got.DeltaPackets != 15 || got.DeltaErrors != 2 || got.DroppedBuffer != 4 {
		t.Fatalf("unexpected interface stats %+v", got)
	}

	// Counter reset after a reboot.
	third := &Snapshot{CollectedAt: t0.Add(4 * time.Second)}
	c.applyCounters(third, []psnet.IOCountersStat{{Name: "wlan0", BytesRecv: 10}})
	if third.RxBytes != 0 || third.Interfaces[0].DeltaBytes != 0 {
		t.Fatalf("reset counters must yield zero deltas, got %+v", third)
	}
}
