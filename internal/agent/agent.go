// Package agent implements `tapwatch tap`, the status reporter that runs on
// each capture host. It periodically collects system telemetry and posts a
// status report to the server's data plane.
// Every outbound request carries: Authorization: Bearer <token>
package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/vesaa/tapwatch/internal/config"
	"github.com/vesaa/tapwatch/internal/metrics"
	"github.com/vesaa/tapwatch/internal/models"
	"github.com/vesaa/tapwatch/internal/taps"
)

// Version is reported by every tap.
const Version = "v0.3.0"

// StatusPath is the data-plane route reports are posted to.
const StatusPath = "/api/taps/status"

// NetBus names the bus carrying per-interface channels.
const NetBus = "net"

// ErrUnauthorized is returned when the server rejects the tap token.
var ErrUnauthorized = errors.New("server rejected token (401), check --token or token in config")

// Source produces snapshots. *Collector is the production implementation.
type Source interface {
	Collect(ctx context.Context) (*Snapshot, error)
}

// Reporter posts status reports for one tap.
type Reporter struct {
	cfg    *config.TapConfig
	source Source
	client *http.Client
	logger *slog.Logger
}

// NewReporter creates a Reporter. logger may be nil.
func NewReporter(cfg *config.TapConfig, source Source, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed servers
	}
	return &Reporter{
		cfg:    cfg,
		source: source,
		client: &http.Client{Timeout: 10 * time.Second, Transport: transport},
		logger: logger.With("tap", cfg.UUID),
	}
}

// Run reports once immediately and then every cfg.Interval until ctx ends.
// Failed reports are logged and retried on the next tick.
func (r *Reporter) Run(ctx context.Context) error {
	// Seed the bandwidth baseline so the first report carries real deltas.
	if _, err := r.source.Collect(ctx); err != nil && ctx.Err() == nil {
		r.logger.Warn("warmup collect failed", "error", err)
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("reporting", "server", r.cfg.ServerURI, "interval", r.cfg.Interval)
	for {
		if err := r.ReportOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrUnauthorized) {
				return err
			}
			r.logger.Error("report failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ReportOnce collects one snapshot and posts it.
func (r *Reporter) ReportOnce(ctx context.Context) error {
	snap, err := r.source.Collect(ctx)
	if err != nil {
		return fmt.Errorf("collect: %w", err)
	}
	return r.Post(ctx, r.BuildReport(snap))
}

// BuildReport turns a snapshot into a status report.
func (r *Reporter) BuildReport(snap *Snapshot) *taps.StatusReport {
	ts := snap.CollectedAt.UTC()
	report := &taps.StatusReport{
		UUID:           r.cfg.UUID,
		Name:           r.cfg.Name,
		Description:    snap.Platform,
		Version:        Version,
		Timestamp:      &ts,
		ProcessedBytes: ptr(clampInt64(snap.RxBytes)),
		CPULoad:        ptr(snap.CPULoad),
		MemoryTotal:    ptr(clampInt64(snap.MemoryTotal)),
		MemoryFree:     ptr(clampInt64(snap.MemoryFree)),
		MemoryUsed:     ptr(clampInt64(snap.MemoryUsed)),
		Gauges: []taps.GaugeReport{
			{Name: metrics.CPULoad, Value: snap.CPULoad},
			{Name: metrics.MemoryUsedPercent, Value: snap.MemoryUsedPercent},
			{Name: metrics.DiskUsedPercent, Value: snap.DiskUsedPercent},
			{Name: metrics.RxBytesPerSecond, Value: snap.RxBytesPerSecond},
			{Name: metrics.TxBytesPerSecond, Value: snap.TxBytesPerSecond},
			{Name: metrics.TCPConnections, Value: snap.TCPConnections},
			{Name: metrics.UDPConnections, Value: snap.UDPConnections},
			{Name: metrics.ProcessedBytes, Value: float64(snap.RxBytes)},
		},
	}

	if len(snap.Interfaces) > 0 {
		bus := taps.BusReport{Name: NetBus}
		for _, s := range snap.Interfaces {
			bus.Channels = append(bus.Channels, taps.ChannelReport{
				Name:               s.Name,
				Errors:             clampInt64(s.DeltaErrors),
				ThroughputBytes:    clampInt64(s.DeltaBytes),
				ThroughputMessages: clampInt64(s.DeltaPackets),
			})
			report.Captures = append(report.Captures, taps.CaptureReport{
				InterfaceName:    s.Name,
				CaptureType:      models.CapturePassive,
				IsRunning:        true,
				Received:         clampInt64(s.Received),
				DroppedBuffer:    clampInt64(s.DroppedBuffer),
				DroppedInterface: clampInt64(s.DroppedInterface),
			})
		}
		report.Buses = []taps.BusReport{bus}
	}
	return report
}

// Post sends a report with the Bearer token in the Authorization header.
func (r *Reporter) Post(ctx context.Context, report *taps.StatusReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return err
	}

	url := strings.TrimRight(r.cfg.ServerURI, "/") + StatusPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.cfg.Token)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	r.logger.Debug("report accepted", "status", resp.StatusCode)
	return nil
}

func ptr[T any](v T) *T { return &v }

func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}
