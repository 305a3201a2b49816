package interfaces

import (
	"time"

	"github.com/KevoDB/logcask/pkg/common/iterator"
	"github.com/KevoDB/logcask/pkg/segment"
)

// Engine defines the core interface for the storage engine
// This is the primary interface clients will interact with
type Engine interface {
	// Core operations
	Get(key []byte) ([]byte, bool, error)
	Set(key, value []byte) error
	Delete(key []byte) error

	// Iterator access
	Scan() (iterator.Iterator, error)
	ScanPrefix(prefix []byte) (iterator.Iterator, error)
	ScanRange(startKey, endKey []byte) (iterator.Iterator, error)
	Keys(prefix []byte) ([][]byte, error)

	// Maintenance operations
	Flush() error
	Compact() (*CompactionSummary, error)

	// Statistics
	Status() (*Status, error)
	Stats() map[string]interface{}

	// Lifecycle management
	Close() error
}

// Status describes the engine's keys and disk usage at one point in time.
type Status struct {
	// KeyCount is the number of live keys
	KeyCount int64

	SegmentCount      int
	ActiveSegmentID   segment.ID
	ActiveSegmentSize int64

	// TotalDiskBytes covers registered segments; LiveBytes of it is held by
	// the newest entry of a live key and the rest is DeadBytes.
	TotalDiskBytes int64
	LiveBytes      int64
	DeadBytes      int64
	DeadRatio      float64

	// LogicalSize is the sum of key and value lengths of live keys
	LogicalSize int64

	// ObsoleteSegments are retired by compaction but not yet deleted
	ObsoleteSegments int
}

// CompactionSummary reports what one compaction did.
type CompactionSummary struct {
	Reason         string
	InputSegments  int
	OutputSegments int
	MovedKeys      int
	DroppedKeys    int
	CorruptEntries int
	BytesBefore    int64
	BytesAfter     int64
	Duration       time.Duration
}

// ReclaimedBytes returns the disk space freed once the inputs are deleted
func (s *CompactionSummary) ReclaimedBytes() int64 {
	return s.BytesBefore - s.BytesAfter
}
