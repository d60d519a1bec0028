package taps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vesaa/tapwatch/internal/clock"
	"github.com/vesaa/tapwatch/internal/keylock"
	"github.com/vesaa/tapwatch/internal/models"
)

// ErrNameRequired is returned when a tap is created without a name.
var ErrNameRequired = errors.New("taps: name is required")

// Store persists registry state. storage.Repository implements it.
type Store interface {
	SaveTapState(ctx context.Context, state models.TapState) error
	LoadTapStates(ctx context.Context) ([]models.TapState, error)
}

// Registry holds every known tap in memory, backed by a Store.
//
// Mutations of one tap are serialized by a per-tap lock; different taps never
// contend beyond a map lookup. lastReport is kept in an atomic so liveness
// checks take no lock at all.
type Registry struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger

	locks keylock.Map

	// mu protects the maps, not the entries they point to.
	mu       sync.RWMutex
	taps     map[string]*entry
	busOwner map[string]string // bus ID → tap UUID
}

type entry struct {
	lastReport atomic.Int64 // unix nanoseconds

	mu    sync.RWMutex
	state models.TapState
}

// NewRegistry creates an empty registry. Call Load to warm it from the store.
func NewRegistry(store Store, clk clock.Clock, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:    store,
		clock:    clk,
		logger:   logger,
		taps:     make(map[string]*entry),
		busOwner: make(map[string]string),
	}
}

// Load replaces the in-memory registry with the stored state.
func (r *Registry) Load(ctx context.Context) error {
	states, err := r.store.LoadTapStates(ctx)
	if err != nil {
		return fmt.Errorf("taps: load: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.taps = make(map[string]*entry, len(states))
	r.busOwner = make(map[string]string)
	for _, s := range states {
		e := &entry{state: s}
		e.lastReport.Store(unixNanos(s.Tap.LastReport))
		r.taps[s.Tap.UUID] = e
		for _, b := range s.Buses {
			r.busOwner[b.ID] = s.Tap.UUID
		}
	}
	r.logger.Info("tap registry loaded", "taps", len(states))
	return nil
}

// Register applies one report. An unseen UUID creates the tap. The new state
// is persisted before it becomes visible; on a store error the previous state
// stays in place.
func (r *Registry) Register(ctx context.Context, report *StatusReport) (models.Tap, error) {
	if err := report.Validate(); err != nil {
		return models.Tap{}, err
	}
	id, _ := report.TapID()
	key := id.String()

	unlock := r.locks.Lock(key)
	defer unlock()

	now := r.clock.Now().UTC()

	r.mu.RLock()
	e, existed := r.taps[key]
	r.mu.RUnlock()

	var prev models.TapState
	if existed {
		e.mu.RLock()
		prev = e.state
		e.mu.RUnlock()
	}

	next := merge(id, prev, existed, report, now)
	if err := r.store.SaveTapState(ctx, next); err != nil {
		return models.Tap{}, fmt.Errorf("taps: register %s: %w", key, err)
	}

	if !existed {
		e = &entry{}
	}
	e.mu.Lock()
	e.state = next
	e.mu.Unlock()
	e.lastReport.Store(unixNanos(next.Tap.LastReport))

	r.mu.Lock()
	if !existed {
		r.taps[key] = e
	}
	for _, b := range next.Buses {
		r.busOwner[b.ID] = key
	}
	r.mu.Unlock()

	if !existed {
		r.logger.Info("new tap registered", "tap", key, "name", next.Tap.Name)
	}
	return next.Tap, nil
}

// Create pre-registers a tap under a new UUID so an operator can hand the
// identity to the tap before it first reports. The tap is not live until it
// reports.
func (r *Registry) Create(ctx context.Context, name, description string) (models.Tap, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Tap{}, ErrNameRequired
	}
	id := uuid.New()
	key := id.String()

	unlock := r.locks.Lock(key)
	defer unlock()

	now := r.clock.Now().UTC()
	state := models.TapState{Tap: models.Tap{
		UUID:        key,
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}}
	if err := r.store.SaveTapState(ctx, state); err != nil {
		return models.Tap{}, fmt.Errorf("taps: create %s: %w", key, err)
	}

	r.mu.Lock()
	r.taps[key] = &entry{state: state}
	r.mu.Unlock()

	r.logger.Info("tap created", "tap", key, "name", name)
	return state.Tap, nil
}

// merge builds the state after applying report to prev. Buses, channels and
// captures missing from a report are kept as they were.
func merge(id uuid.UUID, prev models.TapState, existed bool, report *StatusReport, now time.Time) models.TapState {
	tap := prev.Tap
	if !existed {
		tap = models.Tap{UUID: id.String(), CreatedAt: now}
	}
	tap.Name = report.Name
	tap.Description = report.Description
	tap.Version = report.Version
	tap.Clock = report.Timestamp.UTC()
	tap.ClockDriftMs = report.Timestamp.Sub(now).Milliseconds()
	tap.CPULoad = *report.CPULoad
	tap.MemoryTotal = *report.MemoryTotal
	tap.MemoryFree = *report.MemoryFree
	tap.MemoryUsed = *report.MemoryUsed
	tap.ProcessedBytes = tap.ProcessedBytes.Add(*report.ProcessedBytes)
	tap.UpdatedAt = now
	if now.After(tap.LastReport) {
		tap.LastReport = now
	}

	buses := make(map[string]models.Bus, len(prev.Buses))
	for _, b := range prev.Buses {
		buses[b.ID] = b
	}
	channels := make(map[string]models.Channel, len(prev.Channels))
	for _, c := range prev.Channels {
		channels[c.ID] = c
	}
	for _, br := range report.Buses {
		busID := uuid.NewSHA1(id, []byte(br.Name))
		buses[busID.String()] = models.Bus{ID: busID.String(), TapUUID: tap.UUID, Name: br.Name}

		for _, cr := range br.Channels {
			chID := uuid.NewSHA1(busID, []byte(cr.Name)).String()
			ch, ok := channels[chID]
			if !ok {
				ch = models.Channel{ID: chID, BusID: busID.String(), Name: cr.Name}
			}
			ch.Capacity = cr.Capacity
			if cr.Watermark > ch.Watermark {
				ch.Watermark = cr.Watermark
			}
			ch.Errors = ch.Errors.Add(cr.Errors)
			ch.ThroughputBytes = ch.ThroughputBytes.Add(cr.ThroughputBytes)
			ch.ThroughputMessages = ch.ThroughputMessages.Add(cr.ThroughputMessages)
			channels[chID] = ch
		}
	}

	captures := make(map[string]models.Capture, len(prev.Captures))
	for _, c := range prev.Captures {
		captures[c.ID] = c
	}
	for _, cr := range report.Captures {
		capID := uuid.NewSHA1(id, []byte(cr.InterfaceName)).String()
		c, ok := captures[capID]
		if !ok {
			c = models.Capture{ID: capID, TapUUID: tap.UUID, InterfaceName: cr.InterfaceName, CreatedAt: now}
		}
		c.CaptureType = cr.CaptureType
		c.IsRunning = cr.IsRunning
		c.Received = cr.Received
		c.DroppedBuffer = cr.DroppedBuffer
		c.DroppedInterface = cr.DroppedInterface
		c.UpdatedAt = now
		captures[capID] = c
	}

	next := models.TapState{Tap: tap}
	for _, b := range buses {
		next.Buses = append(next.Buses, b)
	}
	for _, c := range channels {
		next.Channels = append(next.Channels, c)
	}
	for _, c := range captures {
		next.Captures = append(next.Captures, c)
	}
	sort.Slice(next.Buses, func(i, j int) bool { return next.Buses[i].Name < next.Buses[j].Name })
	sort.Slice(next.Channels, func(i, j int) bool { return next.Channels[i].Name < next.Channels[j].Name })
	sort.Slice(next.Captures, func(i, j int) bool {
		return next.Captures[i].InterfaceName < next.Captures[j].InterfaceName
	})
	return next
}

// FindTap returns the tap with the given UUID.
func (r *Registry) FindTap(id uuid.UUID) (models.Tap, bool) {
	e, ok := r.lookup(id.String())
	if !ok {
		return models.Tap{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Tap, true
}

// ListTaps returns a snapshot of all known taps sorted by name.
func (r *Registry) ListTaps() []models.Tap {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.taps))
	for _, e := range r.taps {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]models.Tap, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		out = append(out, e.state.Tap)
		e.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].UUID < out[j].UUID
	})
	return out
}

// FindBusesOfTap returns the tap's buses ordered by name, or nil.
func (r *Registry) FindBusesOfTap(id uuid.UUID) []models.Bus {
	e, ok := r.lookup(id.String())
	if !ok {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]models.Bus(nil), e.state.Buses...)
}

// FindChannelsOfBus returns the bus's channels ordered by name, or nil.
func (r *Registry) FindChannelsOfBus(busID string) []models.Channel {
	r.mu.RLock()
	owner, ok := r.busOwner[busID]
	e := r.taps[owner]
	r.mu.RUnlock()
	if !ok || e == nil {
		return nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []models.Channel
	for _, c := range e.state.Channels {
		if c.BusID == busID {
			out = append(out, c)
		}
	}
	return out
}

// FindCapturesOfTap returns the tap's captures ordered by interface, or nil.
func (r *Registry) FindCapturesOfTap(id uuid.UUID) []models.Capture {
	e, ok := r.lookup(id.String())
	if !ok {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]models.Capture(nil), e.state.Captures...)
}

// IsLive reports whether the tap reported within models.LivenessWindow. It
// reads a single atomic and never blocks on a report in progress.
func (r *Registry) IsLive(id uuid.UUID) bool {
	e, ok := r.lookup(id.String())
	if !ok {
		return false
	}
	last := e.lastReport.Load()
	if last == 0 {
		return false
	}
	return r.clock.Now().Sub(time.Unix(0, last)) <= models.LivenessWindow
}

func (r *Registry) lookup(key string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.taps[key]
	return e, ok
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
