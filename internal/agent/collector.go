package agent

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
)

// Snapshot holds a single collection cycle's data.
type Snapshot struct {
	Platform string

	CPULoad           float64
	MemoryTotal       uint64
	MemoryFree        uint64
	MemoryUsed        uint64
	MemoryUsedPercent float64
	DiskUsedPercent   float64
	TCPConnections    int
	UDPConnections    int

	// RxBytes is the number of bytes received since the previous snapshot.
	RxBytes          uint64
	RxBytesPerSecond float64
	TxBytesPerSecond float64

	Interfaces  []InterfaceStats
	CollectedAt time.Time
}

// InterfaceStats are the counters of one capture interface. Counters are
// cumulative, deltas cover the time since the previous snapshot.
type InterfaceStats struct {
	Name             string
	Received         uint64
	DroppedBuffer    uint64
	DroppedInterface uint64

	DeltaBytes   uint64
	DeltaPackets uint64
	DeltaErrors  uint64
}

type nicCounters struct {
	bytes, packets, errors uint64
}

// Collector gathers system telemetry with gopsutil.
type Collector struct {
	interfaces  []string
	cpuInterval time.Duration
	now         func() time.Time

	mu          sync.Mutex
	prevRx      uint64
	prevTx      uint64
	prevTime    time.Time
	prevNIC     map[string]nicCounters
	initialized bool
}

// NewCollector creates a Collector reporting capture counters for the named
// interfaces.
func NewCollector(interfaces []string) *Collector {
	return &Collector{
		interfaces:  interfaces,
		cpuInterval: 500 * time.Millisecond,
		now:         time.Now,
		prevNIC:     make(map[string]nicCounters),
	}
}

// Collect gathers the current system snapshot. Individual probes that fail
// leave their fields zero.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Platform:    platform(ctx),
		CollectedAt: c.now(),
	}

	if pcts, err := cpu.PercentWithContext(ctx, c.cpuInterval, false); err == nil && len(pcts) > 0 {
		snap.CPULoad = pcts[0]
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryTotal = vm.Total
		snap.MemoryFree = vm.Available
		snap.MemoryUsed = vm.Used
		snap.MemoryUsedPercent = vm.UsedPercent
	}

	snap.DiskUsedPercent = maxDiskUsage(ctx)
	snap.TCPConnections, snap.UDPConnections = connectionCounts(ctx)

	counters, err := psnet.IOCountersWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("collect interface counters: %w", err)
	}
	c.applyCounters(snap, counters)
	return snap, nil
}

// applyCounters fills bandwidth and capture fields from per-NIC counters.
func (c *Collector) applyCounters(snap *Snapshot, counters []psnet.IOCountersStat) {
	var rx, tx uint64
	byName := make(map[string]psnet.IOCountersStat, len(counters))
	for _, s := range counters {
		rx += s.BytesRecv
		tx += s.BytesSent
		byName[s.Name] = s
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		snap.RxBytes = counterDelta(c.prevRx, rx)
		if dt := snap.CollectedAt.Sub(c.prevTime).Seconds(); dt > 0 {
			snap.RxBytesPerSecond = float64(snap.RxBytes) / dt
			snap.TxBytesPerSecond = float64(counterDelta(c.prevTx, tx)) / dt
		}
	}

	for _, name := range c.interfaces {
		s, ok := byName[name]
		if !ok {
			continue
		}
		cur := nicCounters{bytes: s.BytesRecv, packets: s.PacketsRecv, errors: s.Errin}
		stats := InterfaceStats{
			Name:             name,
			Received:         s.PacketsRecv,
			DroppedBuffer:    s.Dropin,
			DroppedInterface: s.Errin,
		}
		if prev, seen := c.prevNIC[name]; seen {
			stats.DeltaBytes = counterDelta(prev.bytes, cur.bytes)
			stats.DeltaPackets = counterDelta(prev.packets, cur.packets)
			stats.DeltaErrors = counterDelta(prev.errors, cur.errors)
		}
		c.prevNIC[name] = cur
		snap.Interfaces = append(snap.Interfaces, stats)
	}
	sort.Slice(snap.Interfaces, func(i, j int) bool { return snap.Interfaces[i].Name < snap.Interfaces[j].Name })

	c.prevRx = rx
	c.prevTx = tx
	c.prevTime = snap.CollectedAt
	c.initialized = true
}

// counterDelta returns cur-prev, or zero when the counter was reset.
func counterDelta(prev, cur uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

// platform returns a descriptive OS version string, or runtime.GOOS as fallback.
func platform(ctx context.Context) string {
	info, err := host.InfoWithContext(ctx)
	if err == nil && info.Platform != "" {
		if info.PlatformVersion != "" {
			return fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion)
		}
		return info.Platform
	}
	return runtime.GOOS
}

// maxDiskUsage returns the used percentage of the partition with highest usage.
func maxDiskUsage(ctx context.Context) float64 {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return 0
	}
	var max float64
	for _, p := range partitions {
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			continue
		}
		if usage.UsedPercent > max {
			max = usage.UsedPercent
		}
	}
	return max
}

// connectionCounts returns (tcpCount, udpCount) from the OS connection table.
func connectionCounts(ctx context.Context) (int, int) {
	// "tcp" returns both tcp4 and tcp6; same for udp.
	tcpConns, _ := psnet.ConnectionsWithContext(ctx, "tcp")
	udpConns, _ := psnet.ConnectionsWithContext(ctx, "udp")
	return len(tcpConns), len(udpConns)
}
