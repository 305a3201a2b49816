// Package bounded restricts an iterator to a half-open key range.
package bounded

import (
	"bytes"

	"github.com/KevoDB/logcask/pkg/common/iterator"
)

// BoundedIterator wraps an iterator and limits it to [start, end).
// A nil bound is open.
type BoundedIterator struct {
	iterator.Iterator
	start   []byte
	end     []byte
	started bool
}

// NewBoundedIterator creates a new bounded iterator
func NewBoundedIterator(iter iterator.Iterator, startKey, endKey []byte) *BoundedIterator {
	bi := &BoundedIterator{
		Iterator: iter,
	}

	// Make copies of the bounds to avoid external modification
	if startKey != nil {
		bi.start = append([]byte{}, startKey...)
	}
	if endKey != nil {
		bi.end = append([]byte{}, endKey...)
	}

	return bi
}

// NewPrefixIterator limits iter to keys starting with prefix
func NewPrefixIterator(iter iterator.Iterator, prefix []byte) *BoundedIterator {
	if len(prefix) == 0 {
		return NewBoundedIterator(iter, nil, nil)
	}
	return NewBoundedIterator(iter, prefix, PrefixEnd(prefix))
}

// PrefixEnd returns the smallest key greater than every key with the given
// prefix, or nil if there is none (the prefix is all 0xff bytes).
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// SeekToFirst positions at the first key in the bounded range
func (b *BoundedIterator) SeekToFirst() {
	b.started = true
	if b.start != nil {
		b.Iterator.Seek(b.start)
	} else {
		b.Iterator.SeekToFirst()
	}
}

// Seek positions at the first key >= target within bounds
func (b *BoundedIterator) Seek(target []byte) bool {
	b.started = true

	// If target is before start bound, use start bound instead
	if b.start != nil && bytes.Compare(target, b.start) < 0 {
		target = b.start
	}

	b.Iterator.Seek(target)
	return b.checkBounds()
}

// Next advances to the next key within bounds
func (b *BoundedIterator) Next() bool {
	if !b.started {
		b.SeekToFirst()
		return b.checkBounds()
	}

	// Stop once we have walked past the end boundary
	if !b.checkBounds() {
		return false
	}
	if !b.Iterator.Next() {
		return false
	}
	return b.checkBounds()
}

// Valid returns true if the iterator is positioned at a valid entry within bounds
func (b *BoundedIterator) Valid() bool {
	return b.checkBounds()
}

// Key returns the current key if within bounds
func (b *BoundedIterator) Key() []byte {
	if !b.Valid() {
		return nil
	}
	return b.Iterator.Key()
}

// Value returns the current value if within bounds
func (b *BoundedIterator) Value() []byte {
	if !b.Valid() {
		return nil
	}
	return b.Iterator.Value()
}

// checkBounds verifies that the current position is within the bounds
func (b *BoundedIterator) checkBounds() bool {
	if !b.Iterator.Valid() {
		return false
	}
	if b.start != nil && bytes.Compare(b.Iterator.Key(), b.start) < 0 {
		return false
	}
	if b.end != nil && bytes.Compare(b.Iterator.Key(), b.end) >= 0 {
		return false
	}
	return true
}
