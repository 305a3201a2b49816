package engine

import (
	"github.com/KevoDB/logcask/pkg/compaction"
)

// Status reports key count and disk usage.
func (e *Engine) Status() (*Status, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	e.writeMu.Lock()
	infos := e.segmentInfosLocked()
	active := e.active
	logical := e.logicalSize
	e.writeMu.Unlock()

	dead, total, ratio := compaction.DeadRatio(infos)
	return &Status{
		KeyCount:          e.keydir.Len(),
		SegmentCount:      len(infos),
		ActiveSegmentID:   active.ID(),
		ActiveSegmentSize: active.Size(),
		TotalDiskBytes:    total,
		LiveBytes:         total - dead,
		DeadBytes:         dead,
		DeadRatio:         ratio,
		LogicalSize:       logical,
		ObsoleteSegments:  e.tracker.PendingCount(),
	}, nil
}

// Stats returns the operation counters of the engine, plus background
// compaction state when it is enabled.
func (e *Engine) Stats() map[string]interface{} {
	stats := e.stats.GetStats()
	stats["key_count"] = e.keydir.Len()
	stats["segment_count"] = e.segments.len()
	if e.coordinator != nil {
		stats["compaction"] = e.coordinator.GetCompactionStats()
	}
	return stats
}
