package taps

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/vesaa/tapwatch/internal/clock"
	"github.com/vesaa/tapwatch/internal/models"
)

// memoryStore is an in-memory Store. failNext makes the next save fail.
type memoryStore struct {
	mu       sync.Mutex
	states   map[string]models.TapState
	saves    int
	failNext bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{states: make(map[string]models.TapState)}
}

func (s *memoryStore) SaveTapState(_ context.Context, state models.TapState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errors.New("disk full")
	}
	s.saves++
	s.states[state.Tap.UUID] = state
	return nil
}

func (s *memoryStore) LoadTapStates(context.Context) ([]models.TapState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.TapState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	return out, nil
}

var (
	testTapID = uuid.MustParse("5b1a8c3e-4a4f-4d1e-9f51-3c0d6f0e2a11")
	testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func ptr[T any](v T) *T { return &v }

func validReport(processed int64) *StatusReport {
	return &StatusReport{
		UUID:           testTapID.String(),
		Name:           "tap-roof",
		Version:        "1.4.0",
		Timestamp:      ptr(testEpoch),
		ProcessedBytes: ptr(processed),
		CPULoad:        ptr(0.42),
		MemoryTotal:    ptr(int64(4096)),
		MemoryFree:     ptr(int64(1024)),
		MemoryUsed:     ptr(int64(3072)),
	}
}

func newTestRegistry(t *testing.T) (*Registry, *memoryStore, *clock.FakeClock) {
	t.Helper()
	store := newMemoryStore()
	clk := clock.Fake(testEpoch)
	return NewRegistry(store, clk, nil), store, clk
}

func TestRegisterCreatesTap(t *testing.T) {
	reg, store, _ := newTestRegistry(t)

	tap, err := reg.Register(context.Background(), validReport(100))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if tap.UUID != testTapID.String() || tap.Name != "tap-roof" {
		t.Fatalf("unexpected tap %+v", tap)
	}
	if !tap.LastReport.Equal(testEpoch) {
		t.Fatalf("expected last report %v, got %v", testEpoch, tap.LastReport)
	}
	if store.saves != 1 {
		t.Fatalf("expected 1 save, got %d", store.saves)
	}
	if _, ok := reg.FindTap(testTapID); !ok {
		t.Fatalf("expected tap to be found")
	}
	if _, ok := reg.FindTap(uuid.New()); ok {
		t.Fatalf("expected unknown tap to be absent")
	}
}

func TestLiveness(t *testing.T) {
	tests := []struct {
		name  string
		since time.Duration
		live  bool
	}{
		{"just reported", 0, true},
		{"thirty seconds ago", 30 * time.Second, true},
		{"exactly at window", models.LivenessWindow, true},
		{"three minutes ago", 3 * time.Minute, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _, clk := newTestRegistry(t)
			if _, err := reg.Register(context.Background(), validReport(1)); err != nil {
				t.Fatalf("register: %v", err)
			}
			clk.Advance(tt.since)
			if got := reg.IsLive(testTapID); got != tt.live {
				t.Fatalf("IsLive after %v = %v, want %v", tt.since, got, tt.live)
			}
			tap, _ := reg.FindTap(testTapID)
			if got := tap.IsLive(clk.Now()); got != tt.live {
				t.Fatalf("Tap.IsLive after %v = %v, want %v", tt.since, got, tt.live)
			}
		})
	}

	reg, _, _ := newTestRegistry(t)
	if reg.IsLive(testTapID) {
		t.Fatalf("unknown tap must not be live")
	}
}

func TestLastReportNeverMovesBackwards(t *testing.T) {
	reg, _, clk := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Register(ctx, validReport(1)); err != nil {
		t.Fatalf("register: %v", err)
	}
	clk.Set(testEpoch.Add(-time.Minute))
	tap, err := reg.Register(ctx, validReport(1))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !tap.LastReport.Equal(testEpoch) {
		t.Fatalf("expected last report to stay at %v, got %v", testEpoch, tap.LastReport)
	}
}

func TestConcurrentReportsSumProcessedBytes(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	const reports = 50
	var wg sync.WaitGroup
	for i := 0; i < reports; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Register(ctx, validReport(100)); err != nil {
				t.Errorf("register: %v", err)
			}
		}()
	}
	wg.Wait()

	tap, _ := reg.FindTap(testTapID)
	if tap.ProcessedBytes.Total != reports*100 {
		t.Fatalf("expected processed total %d, got %d", reports*100, tap.ProcessedBytes.Total)
	}
	if tap.ProcessedBytes.Average != 100 {
		t.Fatalf("expected average 100, got %v", tap.ProcessedBytes.Average)
	}
}

func TestRegisterRejectsMalformedReport(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*StatusReport)
		field  string
	}{
		{"bad uuid", func(r *StatusReport) { r.UUID = "not-a-uuid" }, "uuid"},
		{"missing name", func(r *StatusReport) { r.Name = "" }, "name"},
		{"missing timestamp", func(r *StatusReport) { r.Timestamp = nil }, "timestamp"},
		{"missing processed bytes", func(r *StatusReport) { r.ProcessedBytes = nil }, "processed_bytes"},
		{"negative memory", func(r *StatusReport) { r.MemoryFree = ptr(int64(-1)) }, "memory_free"},
		{"missing cpu", func(r *StatusReport) { r.CPULoad = nil }, "cpu_load"},
		{"unknown capture type", func(r *StatusReport) {
			r.Captures = []CaptureReport{{InterfaceName: "wlan0", CaptureType: "monitor"}}
		}, "captures[0].capture_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, store, _ := newTestRegistry(t)
			report := validReport(1)
			tt.mutate(report)

			_, err := reg.Register(context.Background(), report)
			var mre *MalformedReportError
			if !errors.As(err, &mre) {
				t.Fatalf("expected MalformedReportError, got %v", err)
			}
			if mre.Field != tt.field {
				t.Fatalf("expected field %q, got %q", tt.field, mre.Field)
			}
			if store.saves != 0 {
				t.Fatalf("malformed report must not be persisted")
			}
		})
	}
}

func TestRegisterStoreFailureKeepsPreviousState(t *testing.T) {
	reg, store, clk := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Register(ctx, validReport(100)); err != nil {
		t.Fatalf("register: %v", err)
	}
	clk.Advance(5 * time.Second)
	store.failNext = true
	if _, err := reg.Register(ctx, validReport(900)); err == nil {
		t.Fatalf("expected store error")
	}

	tap, _ := reg.FindTap(testTapID)
	if tap.ProcessedBytes.Total != 100 {
		t.Fatalf("expected processed total to stay 100, got %d", tap.ProcessedBytes.Total)
	}
	if !tap.LastReport.Equal(testEpoch) {
		t.Fatalf("expected last report to stay %v, got %v", testEpoch, tap.LastReport)
	}
}

func TestRegisterMergesChildren(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	first := validReport(1)
	first.Buses = []BusReport{{
		Name: "dot11",
		Channels: []ChannelReport{
			{Name: "frames", Capacity: 1000, Watermark: 40, ThroughputMessages: 10},
			{Name: "broken", Capacity: 100, Errors: 2},
		},
	}}
	first.Captures = []CaptureReport{{InterfaceName: "wlan0", CaptureType: models.CapturePassive, IsRunning: true, Received: 50}}
	if _, err := reg.Register(ctx, first); err != nil {
		t.Fatalf("register: %v", err)
	}

	second := validReport(1)
	second.Buses = []BusReport{{
		Name:     "dot11",
		Channels: []ChannelReport{{Name: "frames", Capacity: 1000, Watermark: 15, ThroughputMessages: 30}},
	}}
	if _, err := reg.Register(ctx, second); err != nil {
		t.Fatalf("register: %v", err)
	}

	buses := reg.FindBusesOfTap(testTapID)
	if len(buses) != 1 || buses[0].Name != "dot11" {
		t.Fatalf("expected bus dot11, got %+v", buses)
	}
	wantBusID := uuid.NewSHA1(testTapID, []byte("dot11")).String()
	if buses[0].ID != wantBusID {
		t.Fatalf("expected stable bus id %s, got %s", wantBusID, buses[0].ID)
	}

	channels := reg.FindChannelsOfBus(buses[0].ID)
	if len(channels) != 2 {
		t.Fatalf("expected both channels to survive a partial report, got %d", len(channels))
	}
	frames := channels[1]
	if frames.Name != "frames" {
		t.Fatalf("expected channels sorted by name, got %s", frames.Name)
	}
	if frames.Watermark != 40 {
		t.Fatalf("expected watermark to keep its high mark 40, got %d", frames.Watermark)
	}
	if frames.ThroughputMessages.Total != 40 || frames.ThroughputMessages.Average != 20 {
		t.Fatalf("unexpected throughput %+v", frames.ThroughputMessages)
	}

	captures := reg.FindCapturesOfTap(testTapID)
	if len(captures) != 1 || captures[0].Received != 50 {
		t.Fatalf("expected capture to be kept, got %+v", captures)
	}
	if got := reg.FindChannelsOfBus("no-such-bus"); got != nil {
		t.Fatalf("expected nil channels for unknown bus, got %v", got)
	}
}

func TestListTapsSortedByName(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, name := range []string{"tap-c", "tap-a", "tap-b"} {
		r := validReport(1)
		r.UUID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
		r.Name = name
		if _, err := reg.Register(ctx, r); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	taps := reg.ListTaps()
	if len(taps) != 3 {
		t.Fatalf("expected 3 taps, got %d", len(taps))
	}
	for i, want := range []string{"tap-a", "tap-b", "tap-c"} {
		if taps[i].Name != want {
			t.Fatalf("taps[%d] = %s, want %s", i, taps[i].Name, want)
		}
	}
}

func TestLoadRestoresRegistry(t *testing.T) {
	reg, store, clk := newTestRegistry(t)
	ctx := context.Background()

	r := validReport(250)
	r.Buses = []BusReport{{Name: "dot11", Channels: []ChannelReport{{Name: "frames"}}}}
	if _, err := reg.Register(ctx, r); err != nil {
		t.Fatalf("register: %v", err)
	}

	restarted := NewRegistry(store, clk, nil)
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	tap, ok := restarted.FindTap(testTapID)
	if !ok || tap.ProcessedBytes.Total != 250 {
		t.Fatalf("expected restored tap with total 250, got %+v ok=%v", tap, ok)
	}
	if !restarted.IsLive(testTapID) {
		t.Fatalf("expected restored tap to be live")
	}
	busID := uuid.NewSHA1(testTapID, []byte("dot11")).String()
	if len(restarted.FindChannelsOfBus(busID)) != 1 {
		t.Fatalf("expected restored bus index")
	}
}

func TestCreatePreRegistersTap(t *testing.T) {
	reg, store, clk := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Create(ctx, "  ", "roof"); !errors.Is(err, ErrNameRequired) {
		t.Fatalf("expected ErrNameRequired, got %v", err)
	}

	tap, err := reg.Create(ctx, "tap-roof", "north antenna")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id, err := uuid.Parse(tap.UUID)
	if err != nil {
		t.Fatalf("expected a UUID, got %q", tap.UUID)
	}
	if tap.Description != "north antenna" || !tap.CreatedAt.Equal(testEpoch) {
		t.Fatalf("unexpected tap %+v", tap)
	}
	if reg.IsLive(id) {
		t.Fatalf("a created tap is not live before its first report")
	}
	if _, ok := store.states[tap.UUID]; !ok {
		t.Fatalf("created tap was not persisted")
	}

	// The first report under the handed-out UUID updates the same tap.
	clk.Advance(time.Minute)
	report := validReport(10)
	report.UUID = tap.UUID
	got, err := reg.Register(ctx, report)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !got.CreatedAt.Equal(testEpoch) || got.Name != "tap-roof" {
		t.Fatalf("expected the created tap to be updated, got %+v", got)
	}
	if !reg.IsLive(id) || len(reg.ListTaps()) != 1 {
		t.Fatalf("expected one live tap after the first report")
	}
}
