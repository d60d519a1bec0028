package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vesaa/tapwatch/internal/clock"
	"github.com/vesaa/tapwatch/internal/models"
)

var (
	// ErrNetworkNotFound is returned when no monitored network has the given ID.
	ErrNetworkNotFound = errors.New("alerts: monitored network not found")
	// ErrNetworkExists is returned when another monitored network has the SSID.
	ErrNetworkExists = errors.New("alerts: SSID is already monitored")
	// ErrInvalidNetwork is returned for a monitored network that fails validation.
	ErrInvalidNetwork = errors.New("alerts: invalid monitored network")
)

// maxSSIDLength is the 802.11 limit in bytes.
const maxSSIDLength = 32

// NetworkStore persists monitored networks. storage.Repository implements it.
type NetworkStore interface {
	SaveMonitoredNetwork(ctx context.Context, n models.MonitoredNetwork) error
	MonitoredNetworks(ctx context.Context) ([]models.MonitoredNetwork, error)
	DeleteMonitoredNetwork(ctx context.Context, id string) (bool, error)
}

// Beacon is one beacon frame a tap observed.
type Beacon struct {
	SSID          string
	BSSID         string
	Channel       int64
	Frequency     int64
	AntennaSignal int64
	Fingerprint   string
	SecuritySuite string
	Timestamp     time.Time
	Probe         string
}

// Monitor holds the monitored networks in memory, backed by a NetworkStore,
// and checks beacons against them.
type Monitor struct {
	store  NetworkStore
	clock  clock.Clock
	logger *slog.Logger

	// write serializes mutations so the SSID uniqueness check and the save
	// are atomic.
	write sync.Mutex

	mu     sync.RWMutex
	byID   map[string]models.MonitoredNetwork
	bySSID map[string]string // SSID → ID
}

// NewMonitor creates an empty monitor. Call Load to warm it from the store.
func NewMonitor(store NetworkStore, clk clock.Clock, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:  store,
		clock:  clk,
		logger: logger,
		byID:   make(map[string]models.MonitoredNetwork),
		bySSID: make(map[string]string),
	}
}

// Load replaces the in-memory networks with the stored ones.
func (m *Monitor) Load(ctx context.Context) error {
	networks, err := m.store.MonitoredNetworks(ctx)
	if err != nil {
		return fmt.Errorf("alerts: load monitored networks: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID = make(map[string]models.MonitoredNetwork, len(networks))
	m.bySSID = make(map[string]string, len(networks))
	for _, n := range networks {
		m.byID[n.ID] = n
		m.bySSID[n.SSID] = n.ID
	}
	m.logger.Info("monitored networks loaded", "networks", len(networks))
	return nil
}

// Create validates n and starts monitoring it under a new ID.
func (m *Monitor) Create(ctx context.Context, n models.MonitoredNetwork) (models.MonitoredNetwork, error) {
	m.write.Lock()
	defer m.write.Unlock()

	n, err := normalizeNetwork(n)
	if err != nil {
		return models.MonitoredNetwork{}, err
	}
	if _, taken := m.Lookup(n.SSID); taken {
		return models.MonitoredNetwork{}, fmt.Errorf("%w: %q", ErrNetworkExists, n.SSID)
	}
	now := m.clock.Now().UTC()
	n.ID = uuid.NewString()
	n.CreatedAt = now
	n.UpdatedAt = now
	if err := m.store.SaveMonitoredNetwork(ctx, n); err != nil {
		return models.MonitoredNetwork{}, err
	}
	m.put(n, "")
	m.logger.Info("monitored network created", "id", n.ID, "ssid", n.SSID)
	return n, nil
}

// Update replaces the configuration of the network with the given ID.
func (m *Monitor) Update(ctx context.Context, id string, n models.MonitoredNetwork) (models.MonitoredNetwork, error) {
	m.write.Lock()
	defer m.write.Unlock()

	prev, ok := m.Find(id)
	if !ok {
		return models.MonitoredNetwork{}, ErrNetworkNotFound
	}
	n, err := normalizeNetwork(n)
	if err != nil {
		return models.MonitoredNetwork{}, err
	}
	if other, taken := m.Lookup(n.SSID); taken && other.ID != id {
		return models.MonitoredNetwork{}, fmt.Errorf("%w: %q", ErrNetworkExists, n.SSID)
	}
	n.ID = id
	n.CreatedAt = prev.CreatedAt
	n.UpdatedAt = m.clock.Now().UTC()
	if err := m.store.SaveMonitoredNetwork(ctx, n); err != nil {
		return models.MonitoredNetwork{}, err
	}
	m.put(n, prev.SSID)
	return n, nil
}

// Delete stops monitoring the network with the given ID.
func (m *Monitor) Delete(ctx context.Context, id string) error {
	m.write.Lock()
	defer m.write.Unlock()

	prev, ok := m.Find(id)
	if !ok {
		return ErrNetworkNotFound
	}
	if _, err := m.store.DeleteMonitoredNetwork(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.byID, id)
	delete(m.bySSID, prev.SSID)
	m.mu.Unlock()
	m.logger.Info("monitored network deleted", "id", id, "ssid", prev.SSID)
	return nil
}

func (m *Monitor) put(n models.MonitoredNetwork, oldSSID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if oldSSID != "" {
		delete(m.bySSID, oldSSID)
	}
	m.byID[n.ID] = n
	m.bySSID[n.SSID] = n.ID
}

// List returns every monitored network sorted by SSID.
func (m *Monitor) List() []models.MonitoredNetwork {
	m.mu.RLock()
	out := make([]models.MonitoredNetwork, 0, len(m.byID))
	for _, n := range m.byID {
		out = append(out, n)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SSID < out[j].SSID })
	return out
}

// Find returns the network with the given ID.
func (m *Monitor) Find(id string) (models.MonitoredNetwork, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.byID[id]
	return n, ok
}

// Lookup returns the network monitoring ssid. SSIDs match byte for byte.
func (m *Monitor) Lookup(ssid string) (models.MonitoredNetwork, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bySSID[ssid]
	if !ok {
		return models.MonitoredNetwork{}, false
	}
	return m.byID[id], true
}

// Inspect checks a beacon against the network monitoring its SSID and returns
// one detection per deviation. Beacons of unmonitored SSIDs yield nothing. An
// empty expectation list disables its check.
func (m *Monitor) Inspect(tapUUID string, b Beacon) []Detection {
	n, ok := m.Lookup(b.SSID)
	if !ok {
		return nil
	}
	bssid := strings.ToLower(strings.TrimSpace(b.BSSID))

	detection := func(kind string, extra map[string]any) Detection {
		fields := map[string]any{
			FieldSSID:          b.SSID,
			FieldBSSID:         bssid,
			FieldChannel:       b.Channel,
			FieldFrequency:     b.Frequency,
			FieldAntennaSignal: b.AntennaSignal,
		}
		for k, v := range extra {
			fields[k] = v
		}
		return Detection{
			Kind:      kind,
			Timestamp: b.Timestamp,
			TapUUID:   tapUUID,
			Probe:     b.Probe,
			Tenant:    n.TenantKey(),
			Fields:    fields,
		}
	}

	var out []Detection
	if len(n.BSSIDs) > 0 {
		i := slices.IndexFunc(n.BSSIDs, func(e models.MonitoredBSSID) bool { return e.BSSID == bssid })
		switch {
		case i < 0:
			out = append(out, detection(KindUnexpectedBSSID, nil))
		case b.Fingerprint != "" && len(n.BSSIDs[i].Fingerprints) > 0:
			fp := strings.ToLower(strings.TrimSpace(b.Fingerprint))
			if !slices.Contains(n.BSSIDs[i].Fingerprints, fp) {
				out = append(out, detection(KindUnexpectedFingerprint, map[string]any{FieldFingerprint: fp}))
			}
		}
	}
	if len(n.Channels) > 0 && !slices.Contains(n.Channels, b.Channel) {
		out = append(out, detection(KindUnexpectedChannelBeacon, nil))
	}
	if b.SecuritySuite != "" && len(n.SecuritySuites) > 0 && !slices.Contains(n.SecuritySuites, b.SecuritySuite) {
		out = append(out, detection(KindUnexpectedSecuritySuite, map[string]any{FieldSecuritySuite: b.SecuritySuite}))
	}
	return out
}

// IsAlerted reports whether the network has an open dot11 alert in its
// tenant scope.
func IsAlerted(d *Deduplicator, n models.MonitoredNetwork) bool {
	tenant := n.TenantKey()
	return d.HasOpen(func(a models.Alert) bool {
		return a.Subsystem == SubsystemDot11 && a.Scope == tenant && a.Fields[FieldSSID] == n.SSID
	})
}

// normalizeNetwork validates n and returns it with MAC addresses and
// fingerprints in canonical lower-case form.
func normalizeNetwork(n models.MonitoredNetwork) (models.MonitoredNetwork, error) {
	if n.SSID == "" {
		return n, fmt.Errorf("%w: ssid is required", ErrInvalidNetwork)
	}
	if len(n.SSID) > maxSSIDLength {
		return n, fmt.Errorf("%w: ssid is longer than %d bytes", ErrInvalidNetwork, maxSSIDLength)
	}

	bssids := make([]models.MonitoredBSSID, 0, len(n.BSSIDs))
	seen := make(map[string]bool, len(n.BSSIDs))
	for _, b := range n.BSSIDs {
		mac, err := net.ParseMAC(strings.TrimSpace(b.BSSID))
		if err != nil || len(mac) != 6 {
			return n, fmt.Errorf("%w: bssid %q is not a MAC address", ErrInvalidNetwork, b.BSSID)
		}
		addr := mac.String()
		if seen[addr] {
			return n, fmt.Errorf("%w: duplicate bssid %s", ErrInvalidNetwork, addr)
		}
		seen[addr] = true

		fps := make([]string, 0, len(b.Fingerprints))
		for _, fp := range b.Fingerprints {
			fp = strings.ToLower(strings.TrimSpace(fp))
			if fp == "" {
				return n, fmt.Errorf("%w: empty fingerprint for bssid %s", ErrInvalidNetwork, addr)
			}
			fps = append(fps, fp)
		}
		bssids = append(bssids, models.MonitoredBSSID{BSSID: addr, Fingerprints: fps})
	}
	n.BSSIDs = bssids

	for _, ch := range n.Channels {
		if ch <= 0 {
			return n, fmt.Errorf("%w: channel %d must be positive", ErrInvalidNetwork, ch)
		}
	}
	for _, s := range n.SecuritySuites {
		if s == "" {
			return n, fmt.Errorf("%w: empty security suite", ErrInvalidNetwork)
		}
	}
	return n, nil
}
