package compaction

import (
	"github.com/KevoDB/logcask/pkg/keydir"
	"github.com/KevoDB/logcask/pkg/segment"
)

// Index is the view of the keydir a compaction run reads.
type Index interface {
	NewIterator() *keydir.Iterator
}

// Executor defines the interface for executing compaction tasks
type Executor interface {
	// Run copies the live entries of the task's inputs into published output
	// segments and describes how the index must change. It never modifies
	// the index or the inputs. On failure no output is left behind.
	Run(task *Task, index Index) (*Result, error)
}

// FileTracker defines the interface for tracking segments that compaction
// has retired but that may not be deleted yet
type FileTracker interface {
	// MarkObsolete queues retired segments for deletion
	MarkObsolete(segs ...*segment.Segment)

	// IsObsolete reports whether a segment is queued for deletion
	IsObsolete(id segment.ID) bool

	// PendingCount returns the number of segments waiting to be deleted
	PendingCount() int

	// CleanupObsoleteFiles deletes the queued segments that are safe to delete
	CleanupObsoleteFiles() error

	// Close releases queued segments without deleting them
	Close() error
}

// Runner is the engine side of background compaction.
type Runner interface {
	// NeedsCompaction reports whether the current layout is worth compacting
	NeedsCompaction() bool

	// RunCompaction performs one compaction; reason is recorded for diagnostics
	RunCompaction(reason string) error
}

// Coordinator defines the interface for coordinating background compaction
type Coordinator interface {
	// Start begins background compaction
	Start() error

	// Stop halts background compaction and waits for a running cycle to end
	Stop() error

	// Trigger asks for a compaction check without waiting for the interval
	Trigger(reason string)

	// GetCompactionStats returns statistics about the compaction state
	GetCompactionStats() map[string]interface{}
}

var (
	_ Executor    = (*DefaultExecutor)(nil)
	_ FileTracker = (*DefaultFileTracker)(nil)
	_ Coordinator = (*DefaultCoordinator)(nil)
	_ Index       = (*keydir.Keydir)(nil)
)
