// Package keydir implements the in-memory index from key to the location of
// the key's newest entry on disk.
package keydir

import (
	"bytes"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevoDB/logcask/pkg/segment"
)

const (
	// MaxHeight is the maximum height of the skip list
	MaxHeight = 12

	// BranchingFactor determines the probability of increasing the height
	BranchingFactor = 4
)

// Location points at one encoded entry inside a segment. Length covers the
// whole entry including its header.
type Location struct {
	SegmentID segment.ID
	Offset    int64
	Length    int64
	Tombstone bool
}

type node struct {
	key    []byte
	loc    atomic.Pointer[Location] // nil once the node is unlinked
	height int
	next   [MaxHeight]atomic.Pointer[node]
}

// Keydir is an ordered skip list keyed by the raw key bytes.
//
// It supports one writer and any number of concurrent readers: mutating
// methods must be serialized by the caller, while Get and iterators need no
// locking. A location is swapped atomically in place, so readers never see a
// partially updated entry.
type Keydir struct {
	head      *node
	maxHeight atomic.Int32
	rnd       *rand.Rand
	rndMu     sync.Mutex

	nodes atomic.Int64 // linked nodes, tombstones included
	live  atomic.Int64 // nodes whose location is not a tombstone
}

// New creates an empty Keydir
func New() *Keydir {
	k := &Keydir{
		head: &node{height: MaxHeight},
		rnd:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	k.maxHeight.Store(1)
	return k
}

func (k *Keydir) randomHeight() int {
	k.rndMu.Lock()
	defer k.rndMu.Unlock()

	height := 1
	for height < MaxHeight && k.rnd.Intn(BranchingFactor) == 0 {
		height++
	}
	return height
}

// findGreaterOrEqual returns the first node whose key is >= key, filling
// prev with the rightmost node before it at every level when prev is non-nil.
func (k *Keydir) findGreaterOrEqual(key []byte, prev *[MaxHeight]*node) *node {
	current := k.head
	for level := int(k.maxHeight.Load()) - 1; level >= 0; level-- {
		for next := current.next[level].Load(); next != nil; next = current.next[level].Load() {
			if bytes.Compare(next.key, key) >= 0 {
				break
			}
			current = next
		}
		if prev != nil {
			prev[level] = current
		}
	}
	return current.next[0].Load()
}

func (k *Keydir) find(key []byte) *node {
	n := k.findGreaterOrEqual(key, nil)
	if n != nil && bytes.Equal(n.key, key) {
		return n
	}
	return nil
}

// Get returns the location recorded for key, which may be a tombstone.
func (k *Keydir) Get(key []byte) (Location, bool) {
	n := k.find(key)
	if n == nil {
		return Location{}, false
	}
	loc := n.loc.Load()
	if loc == nil {
		return Location{}, false
	}
	return *loc, true
}

// Put records loc for key and returns the location it replaced, if any.
// A tombstone location marks the key deleted while remembering where the
// deletion was written.
func (k *Keydir) Put(key []byte, loc Location) (Location, bool) {
	var prev [MaxHeight]*node
	if n := k.findGreaterOrEqual(key, &prev); n != nil && bytes.Equal(n.key, key) {
		old := n.loc.Swap(&loc)
		k.adjustLive(old, &loc)
		return *old, true
	}

	height := k.randomHeight()
	if cur := int(k.maxHeight.Load()); height > cur {
		for level := cur; level < height; level++ {
			prev[level] = k.head
		}
		k.maxHeight.Store(int32(height))
	}

	n := &node{key: append([]byte(nil), key...), height: height}
	n.loc.Store(&loc)

	// Link bottom-up so a reader that finds the node at a high level can
	// always continue below it.
	for level := 0; level < height; level++ {
		n.next[level].Store(prev[level].next[level].Load())
		prev[level].next[level].Store(n)
	}

	k.nodes.Add(1)
	k.adjustLive(nil, &loc)
	return Location{}, false
}

// CompareAndSwap replaces the location of key with loc only if it still equals old.
func (k *Keydir) CompareAndSwap(key []byte, old, loc Location) bool {
	n := k.find(key)
	if n == nil {
		return false
	}
	cur := n.loc.Load()
	if cur == nil || *cur != old {
		return false
	}
	if !n.loc.CompareAndSwap(cur, &loc) {
		return false
	}
	k.adjustLive(cur, &loc)
	return true
}

// Remove unlinks key and returns its last location.
func (k *Keydir) Remove(key []byte) (Location, bool) {
	return k.remove(key, nil)
}

// CompareAndRemove unlinks key only if its location still equals old.
func (k *Keydir) CompareAndRemove(key []byte, old Location) bool {
	_, ok := k.remove(key, &old)
	return ok
}

func (k *Keydir) remove(key []byte, expect *Location) (Location, bool) {
	var prev [MaxHeight]*node
	n := k.findGreaterOrEqual(key, &prev)
	if n == nil || !bytes.Equal(n.key, key) {
		return Location{}, false
	}

	cur := n.loc.Load()
	if cur == nil || (expect != nil && *cur != *expect) {
		return Location{}, false
	}
	if !n.loc.CompareAndSwap(cur, nil) {
		return Location{}, false
	}

	// Unlink top-down. The node keeps its own next pointers so readers
	// positioned on it can move on.
	for level := n.height - 1; level >= 0; level-- {
		if prev[level].next[level].Load() == n {
			prev[level].next[level].Store(n.next[level].Load())
		}
	}

	k.nodes.Add(-1)
	k.adjustLive(cur, nil)
	return *cur, true
}

func (k *Keydir) adjustLive(old, cur *Location) {
	wasLive := old != nil && !old.Tombstone
	isLive := cur != nil && !cur.Tombstone
	switch {
	case isLive && !wasLive:
		k.live.Add(1)
	case wasLive && !isLive:
		k.live.Add(-1)
	}
}

// Len returns the number of live (non-deleted) keys
func (k *Keydir) Len() int64 { return k.live.Load() }

// Size returns the number of indexed keys including tombstones
func (k *Keydir) Size() int64 { return k.nodes.Load() }

// Scan calls fn for every live key in ascending order until fn returns false.
func (k *Keydir) Scan(fn func(key []byte, loc Location) bool) {
	k.ScanPrefix(nil, fn)
}

// ScanPrefix calls fn for every live key starting with prefix, in ascending order.
func (k *Keydir) ScanPrefix(prefix []byte, fn func(key []byte, loc Location) bool) {
	it := k.NewIterator()
	for it.Seek(prefix); it.Valid(); it.Next() {
		if !bytes.HasPrefix(it.Key(), prefix) {
			return
		}
		loc := it.Location()
		if loc.Tombstone {
			continue
		}
		if !fn(it.Key(), loc) {
			return
		}
	}
}

// Iterator walks the Keydir in key order. It observes concurrent updates
// made after it was created on a best-effort basis and never returns
// unlinked nodes. Tombstones are returned; callers filter them.
type Iterator struct {
	k       *Keydir
	current *node
	loc     Location
}

// NewIterator creates an iterator positioned before the first key
func (k *Keydir) NewIterator() *Iterator {
	return &Iterator{k: k}
}

// SeekToFirst positions the iterator at the first key
func (it *Iterator) SeekToFirst() {
	it.settle(it.k.head.next[0].Load())
}

// Seek positions the iterator at the first key >= key
func (it *Iterator) Seek(key []byte) {
	it.settle(it.k.findGreaterOrEqual(key, nil))
}

// Next advances to the following key
func (it *Iterator) Next() {
	if it.current != nil {
		it.settle(it.current.next[0].Load())
	}
}

// settle moves to n or the first node after it that is still linked,
// capturing its location at that moment.
func (it *Iterator) settle(n *node) {
	for ; n != nil; n = n.next[0].Load() {
		if loc := n.loc.Load(); loc != nil {
			it.current = n
			it.loc = *loc
			return
		}
	}
	it.current = nil
}

// Valid reports whether the iterator is positioned at a key
func (it *Iterator) Valid() bool { return it.current != nil }

// Key returns the current key. The slice must not be modified.
func (it *Iterator) Key() []byte {
	if it.current == nil {
		return nil
	}
	return it.current.key
}

// Location returns the location captured when the iterator reached the current key
func (it *Iterator) Location() Location { return it.loc }
