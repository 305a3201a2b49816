package engine

import (
	"sort"
	"sync"

	"github.com/KevoDB/logcask/pkg/segment"
)

// registry maps segment ids to open segments. Readers acquire a segment
// through it; once a segment is removed no new reference can be taken, so
// its reference count only goes down.
type registry struct {
	mu       sync.RWMutex
	segments map[segment.ID]*segment.Segment
}

func newRegistry() *registry {
	return &registry{segments: make(map[segment.ID]*segment.Segment)}
}

// acquire returns the segment with a reference taken, or false if it is gone
func (r *registry) acquire(id segment.ID) (*segment.Segment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seg, ok := r.segments[id]
	if !ok {
		return nil, false
	}
	seg.Acquire()
	return seg, true
}

// add registers segments, replacing any with the same id
func (r *registry) add(segs ...*segment.Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, seg := range segs {
		r.segments[seg.ID()] = seg
	}
}

// remove unregisters the given ids and returns the segments that were registered
func (r *registry) remove(ids ...segment.ID) []*segment.Segment {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := make([]*segment.Segment, 0, len(ids))
	for _, id := range ids {
		if seg, ok := r.segments[id]; ok {
			removed = append(removed, seg)
			delete(r.segments, id)
		}
	}
	return removed
}

// all returns the registered segments in ascending id order
func (r *registry) all() []*segment.Segment {
	r.mu.RLock()
	segs := make([]*segment.Segment, 0, len(r.segments))
	for _, seg := range r.segments {
		segs = append(segs, seg)
	}
	r.mu.RUnlock()

	sort.Slice(segs, func(i, j int) bool { return segs[i].ID() < segs[j].ID() })
	return segs
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.segments)
}
