package statekv

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/hupe1980/statekv/filemanager"
)

// Operation names used as keys in MetricsSnapshot.Latencies.
const (
	OpGet        = "get"
	OpPut        = "put"
	OpRemove     = "remove"
	OpIterator   = "iterator"
	OpPrefixScan = "prefix_scan"
)

// histogram bounds in nanoseconds. Values are clamped to the range; a single
// hot-path operation taking over a minute is off the chart anyway.
const (
	histMinNanos = 1
	histMaxNanos = int64(time.Minute)
	histSigFigs  = 2
)

// LatencySummary holds summary statistics for one operation's latency
// distribution, in nanoseconds.
type LatencySummary struct {
	Count  int64   `json:"count"`
	Avg    float64 `json:"avg_nanos"`
	StdDev float64 `json:"std_dev_nanos"`
	P50    int64   `json:"p50_nanos"`
	P95    int64   `json:"p95_nanos"`
	P99    int64   `json:"p99_nanos"`
}

// CommitLatency is the phase-latency breakdown of the most recent commit.
type CommitLatency struct {
	Write      time.Duration `json:"write"`
	Flush      time.Duration `json:"flush"`
	Compact    time.Duration `json:"compact"`
	Pause      time.Duration `json:"pause"`
	Checkpoint time.Duration `json:"checkpoint"`
	Sync       time.Duration `json:"sync"`
	Total      time.Duration `json:"total"`
}

// MetricsSnapshot is a point-in-time, immutable view of store metrics,
// recomputed after every successful commit and readable anytime.
type MetricsSnapshot struct {
	// LoadedVersion is the currently loaded version, -1 when none is valid.
	LoadedVersion int64 `json:"loaded_version"`
	// NumKeys is the committed key count of the loaded version.
	NumKeys int64 `json:"num_keys"`
	// NumUncommittedKeys is the working key count including staged writes.
	NumUncommittedKeys int64 `json:"num_uncommitted_keys"`

	// TotalSSTSizeBytes is the engine-reported on-disk size.
	TotalSSTSizeBytes uint64 `json:"total_sst_size_bytes"`
	// MemoryUsageBytes is memtable plus block cache usage.
	MemoryUsageBytes uint64 `json:"memory_usage_bytes"`
	// ReadAmplification is the engine-reported read amplification.
	ReadAmplification int `json:"read_amplification"`

	// Latencies holds per-operation latency summaries, keyed by the Op*
	// constants.
	Latencies map[string]LatencySummary `json:"latencies"`

	// LastCommit is the phase breakdown of the most recent commit.
	LastCommit CommitLatency `json:"last_commit"`

	// LastSave holds the file manager's copy/reuse/byte counters from the
	// most recent checkpoint save.
	LastSave filemanager.SaveResult `json:"last_save"`
}

// collector accumulates hot-path latency histograms. Recording happens only
// under the store's single-owner discipline, but snapshots may be taken
// concurrently, so access is guarded.
type collector struct {
	mu    sync.Mutex
	hists map[string]*hdrhistogram.Histogram
}

func newCollector() *collector {
	c := &collector{hists: make(map[string]*hdrhistogram.Histogram)}
	for _, op := range []string{OpGet, OpPut, OpRemove, OpIterator, OpPrefixScan} {
		c.hists[op] = hdrhistogram.New(histMinNanos, histMaxNanos, histSigFigs)
	}
	return c
}

func (c *collector) record(op string, elapsed time.Duration) {
	nanos := elapsed.Nanoseconds()
	if nanos < histMinNanos {
		nanos = histMinNanos
	}
	if nanos > histMaxNanos {
		nanos = histMaxNanos
	}
	c.mu.Lock()
	_ = c.hists[op].RecordValue(nanos)
	c.mu.Unlock()
}

func (c *collector) summaries() map[string]LatencySummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]LatencySummary, len(c.hists))
	for op, h := range c.hists {
		out[op] = LatencySummary{
			Count:  h.TotalCount(),
			Avg:    h.Mean(),
			StdDev: h.StdDev(),
			P50:    h.ValueAtQuantile(50),
			P95:    h.ValueAtQuantile(95),
			P99:    h.ValueAtQuantile(99),
		}
	}
	return out
}
