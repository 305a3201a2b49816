package stats

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OperationType defines the type of operation being tracked
type OperationType string

const (
	OpSet     OperationType = "set"
	OpGet     OperationType = "get"
	OpDelete  OperationType = "delete"
	OpScan    OperationType = "scan"
	OpFlush   OperationType = "flush"
	OpCompact OperationType = "compact"
)

// AtomicCollector collects statistics with atomic counters. Per-key maps
// only take a lock the first time a key is seen.
type AtomicCollector struct {
	counts     sync.Map // OperationType -> *atomic.Uint64
	lastOpTime sync.Map // OperationType -> *atomic.Int64 (unix nanos)
	errors     sync.Map // string -> *atomic.Uint64
	latencies  sync.Map // OperationType -> *LatencyTracker

	totalBytesRead    atomic.Uint64
	totalBytesWritten atomic.Uint64

	rotations       atomic.Uint64
	compactionCount atomic.Uint64
	reclaimedBytes  atomic.Int64

	recovery struct {
		segments  atomic.Uint64
		hints     atomic.Uint64
		entries   atomic.Uint64
		corrupted atomic.Uint64
		truncated atomic.Uint64
		duration  atomic.Int64
	}
}

// LatencyTracker maintains running statistics about operation latencies
type LatencyTracker struct {
	count atomic.Uint64
	sum   atomic.Uint64 // nanoseconds
	max   atomic.Uint64
	min   atomic.Uint64 // 0 until the first sample
}

// NewAtomicCollector creates a new atomic statistics collector
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{}
}

func loadOrStore[K comparable, V any](m *sync.Map, key K) *V {
	if v, ok := m.Load(key); ok {
		return v.(*V)
	}
	v, _ := m.LoadOrStore(key, new(V))
	return v.(*V)
}

// TrackOperation increments the counter for the specified operation type
func (c *AtomicCollector) TrackOperation(op OperationType) {
	loadOrStore[OperationType, atomic.Uint64](&c.counts, op).Add(1)
	loadOrStore[OperationType, atomic.Int64](&c.lastOpTime, op).Store(time.Now().UnixNano())
}

// TrackOperationWithLatency tracks an operation and its latency
func (c *AtomicCollector) TrackOperationWithLatency(op OperationType, latency time.Duration) {
	c.TrackOperation(op)

	ns := uint64(latency.Nanoseconds())
	tracker := loadOrStore[OperationType, LatencyTracker](&c.latencies, op)
	tracker.count.Add(1)
	tracker.sum.Add(ns)

	for {
		current := tracker.max.Load()
		if ns <= current || tracker.max.CompareAndSwap(current, ns) {
			break
		}
	}
	for {
		current := tracker.min.Load()
		if (current != 0 && ns >= current) || tracker.min.CompareAndSwap(current, ns) {
			break
		}
	}
}

// TrackError increments the counter for the specified error type
func (c *AtomicCollector) TrackError(errorType string) {
	loadOrStore[string, atomic.Uint64](&c.errors, errorType).Add(1)
}

// TrackBytes adds the specified number of bytes to the read or write counter
func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.totalBytesWritten.Add(bytes)
	} else {
		c.totalBytesRead.Add(bytes)
	}
}

func (c *AtomicCollector) TrackRotation() {
	c.rotations.Add(1)
}

func (c *AtomicCollector) TrackCompaction(reclaimedBytes int64) {
	c.compactionCount.Add(1)
	c.reclaimedBytes.Add(reclaimedBytes)
}

func (c *AtomicCollector) StartRecovery() time.Time {
	c.recovery.segments.Store(0)
	c.recovery.hints.Store(0)
	c.recovery.entries.Store(0)
	c.recovery.corrupted.Store(0)
	c.recovery.truncated.Store(0)
	c.recovery.duration.Store(0)
	return time.Now()
}

func (c *AtomicCollector) FinishRecovery(startTime time.Time, result RecoveryResult) {
	c.recovery.segments.Store(result.SegmentsReplayed)
	c.recovery.hints.Store(result.HintFilesUsed)
	c.recovery.entries.Store(result.EntriesRecovered)
	c.recovery.corrupted.Store(result.CorruptedEntries)
	c.recovery.truncated.Store(result.TruncatedBytes)
	c.recovery.duration.Store(time.Since(startTime).Nanoseconds())
}

// GetStats returns all statistics as a map
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	c.counts.Range(func(k, v any) bool {
		stats[string(k.(OperationType))+"_ops"] = v.(*atomic.Uint64).Load()
		return true
	})
	c.lastOpTime.Range(func(k, v any) bool {
		stats["last_"+string(k.(OperationType))+"_time"] = v.(*atomic.Int64).Load()
		return true
	})

	stats["total_bytes_read"] = c.totalBytesRead.Load()
	stats["total_bytes_written"] = c.totalBytesWritten.Load()
	stats["segment_rotations"] = c.rotations.Load()
	stats["compaction_count"] = c.compactionCount.Load()
	stats["compaction_reclaimed_bytes"] = c.reclaimedBytes.Load()

	errorStats := make(map[string]uint64)
	c.errors.Range(func(k, v any) bool {
		errorStats[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	stats["errors"] = errorStats

	recovery := map[string]interface{}{
		"segments_replayed": c.recovery.segments.Load(),
		"hint_files_used":   c.recovery.hints.Load(),
		"entries_recovered": c.recovery.entries.Load(),
		"corrupted_entries": c.recovery.corrupted.Load(),
		"truncated_bytes":   c.recovery.truncated.Load(),
	}
	if d := c.recovery.duration.Load(); d > 0 {
		recovery["duration_ms"] = d / int64(time.Millisecond)
	}
	stats["recovery"] = recovery

	c.latencies.Range(func(k, v any) bool {
		tracker := v.(*LatencyTracker)
		count := tracker.count.Load()
		if count == 0 {
			return true
		}
		latency := map[string]interface{}{
			"count":  count,
			"avg_ns": tracker.sum.Load() / count,
			"min_ns": tracker.min.Load(),
			"max_ns": tracker.max.Load(),
		}
		stats[string(k.(OperationType))+"_latency"] = latency
		return true
	})

	return stats
}

// GetStatsFiltered returns statistics filtered by prefix
func (c *AtomicCollector) GetStatsFiltered(prefix string) map[string]interface{} {
	filtered := make(map[string]interface{})
	for key, value := range c.GetStats() {
		if strings.HasPrefix(key, prefix) {
			filtered[key] = value
		}
	}
	return filtered
}
