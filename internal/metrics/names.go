package metrics

import "sort"

// Metric describes a known gauge name.
type Metric struct {
	Name        string `json:"name"`
	Unit        string `json:"unit"`
	Description string `json:"description"`
}

// Gauge names emitted by the tap reporter.
const (
	CPULoad           = "cpu_load"
	MemoryUsedPercent = "memory_used_percent"
	DiskUsedPercent   = "disk_used_percent"
	RxBytesPerSecond  = "rx_bytes_per_second"
	TxBytesPerSecond  = "tx_bytes_per_second"
	TCPConnections    = "tcp_connections"
	UDPConnections    = "udp_connections"
	ProcessedBytes    = "processed_bytes"
)

// Names is a read-only table of known metric names. Build it once at startup
// and share the pointer; it is never modified after construction.
type Names struct {
	byName map[string]Metric
}

// NewNames builds a table from the given metrics. Later duplicates win.
func NewNames(metrics ...Metric) *Names {
	n := &Names{byName: make(map[string]Metric, len(metrics))}
	for _, m := range metrics {
		n.byName[m.Name] = m
	}
	return n
}

// DefaultNames returns the table of gauges the tap reporter emits.
func DefaultNames() *Names {
	return NewNames(
		Metric{Name: CPULoad, Unit: "percent", Description: "CPU utilization across all cores"},
		Metric{Name: MemoryUsedPercent, Unit: "percent", Description: "Share of physical memory in use"},
		Metric{Name: DiskUsedPercent, Unit: "percent", Description: "Usage of the fullest mounted partition"},
		Metric{Name: RxBytesPerSecond, Unit: "bytes/s", Description: "Bytes received on all interfaces"},
		Metric{Name: TxBytesPerSecond, Unit: "bytes/s", Description: "Bytes sent on all interfaces"},
		Metric{Name: TCPConnections, Unit: "connections", Description: "Open TCP sockets"},
		Metric{Name: UDPConnections, Unit: "connections", Description: "Open UDP sockets"},
		Metric{Name: ProcessedBytes, Unit: "bytes", Description: "Bytes processed by the tap since its previous report"},
	)
}

// Lookup returns the metadata of a known metric.
func (n *Names) Lookup(name string) (Metric, bool) {
	if n == nil {
		return Metric{}, false
	}
	m, ok := n.byName[name]
	return m, ok
}

// All returns every known metric sorted by name.
func (n *Names) All() []Metric {
	if n == nil {
		return nil
	}
	out := make([]Metric, 0, len(n.byName))
	for _, m := range n.byName {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
