package compaction

import (
	"fmt"
	"sort"
	"sync"

	"github.com/KevoDB/logcask/pkg/hint"
	"github.com/KevoDB/logcask/pkg/segment"
)

// DefaultFileTracker deletes retired segments strictly in ascending id
// order and stops at the first one a reader still holds. Deleting a newer
// segment before an older one could lose a tombstone while the value it
// shadows is still on disk, and a crash at that point would bring the value
// back on replay.
type DefaultFileTracker struct {
	dir string

	// Segments obsoleted by compaction, sorted by id
	obsolete []*segment.Segment

	mu sync.Mutex
}

// NewFileTracker creates a new file tracker for the segments in dir
func NewFileTracker(dir string) *DefaultFileTracker {
	return &DefaultFileTracker{dir: dir}
}

// MarkObsolete queues segments for deletion. They must no longer be
// reachable through the index or the segment registry.
func (f *DefaultFileTracker) MarkObsolete(segs ...*segment.Segment) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.obsolete = append(f.obsolete, segs...)
	sort.Slice(f.obsolete, func(i, j int) bool {
		return f.obsolete[i].ID() < f.obsolete[j].ID()
	})
}

// IsObsolete checks if a segment is queued for deletion
func (f *DefaultFileTracker) IsObsolete(id segment.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, seg := range f.obsolete {
		if seg.ID() == id {
			return true
		}
	}
	return false
}

// PendingCount returns the number of segments waiting to be deleted
func (f *DefaultFileTracker) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.obsolete)
}

// CleanupObsoleteFiles removes segments that are no longer needed
func (f *DefaultFileTracker) CleanupObsoleteFiles() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	removed := 0
	defer func() {
		f.obsolete = f.obsolete[removed:]
	}()

	for _, seg := range f.obsolete {
		if seg.Refs() > 0 {
			return nil
		}
		if err := seg.Remove(); err != nil {
			return fmt.Errorf("failed to delete obsolete segment %s: %w", seg.ID(), err)
		}
		if err := hint.Remove(f.dir, seg.ID()); err != nil {
			return fmt.Errorf("failed to delete hint for segment %s: %w", seg.ID(), err)
		}
		removed++
	}
	return nil
}

// Close closes every queued segment without deleting it. The files are
// picked up as ordinary segments by the next startup.
func (f *DefaultFileTracker) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	for _, seg := range f.obsolete {
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.obsolete = nil
	return firstErr
}
