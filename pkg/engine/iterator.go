package engine

import (
	"context"
	"errors"
	"time"

	"github.com/KevoDB/logcask/pkg/common/iterator"
	"github.com/KevoDB/logcask/pkg/common/iterator/bounded"
	"github.com/KevoDB/logcask/pkg/keydir"
	"github.com/KevoDB/logcask/pkg/stats"
	"github.com/KevoDB/logcask/pkg/telemetry"
)

// Iterator walks live keys in ascending order and reads each value from its
// segment when the iterator reaches it. It sees writes made while it is
// open on a best-effort basis, and stops with an error if a value cannot be
// read.
type Iterator struct {
	e  *Engine
	it *keydir.Iterator

	key     []byte
	value   []byte
	valid   bool
	started bool
	closed  bool
	err     error
}

var _ iterator.Iterator = (*Iterator)(nil)

// Scan returns an iterator over every live key
func (e *Engine) Scan() (iterator.Iterator, error) {
	return e.newScan(nil, nil)
}

// ScanPrefix returns an iterator over the live keys that start with prefix
func (e *Engine) ScanPrefix(prefix []byte) (iterator.Iterator, error) {
	if len(prefix) == 0 {
		return e.newScan(nil, nil)
	}
	return e.newScan(prefix, bounded.PrefixEnd(prefix))
}

// ScanRange returns an iterator over live keys in [startKey, endKey).
// A nil bound is open.
func (e *Engine) ScanRange(startKey, endKey []byte) (iterator.Iterator, error) {
	return e.newScan(startKey, endKey)
}

func (e *Engine) newScan(start, end []byte) (iterator.Iterator, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	began := time.Now()
	defer func() {
		latency := time.Since(began)
		e.stats.TrackOperationWithLatency(stats.OpScan, latency)
		e.metrics.RecordOperation(context.Background(), telemetry.OpTypeScan, latency, true)
	}()

	it := &Iterator{e: e, it: e.keydir.NewIterator()}
	if start == nil && end == nil {
		return it, nil
	}
	return bounded.NewBoundedIterator(it, start, end), nil
}

// SeekToFirst positions the iterator at the first live key
func (it *Iterator) SeekToFirst() {
	if it.closed {
		return
	}
	it.started = true
	it.err = nil
	it.it.SeekToFirst()
	it.settle()
}

// Seek positions the iterator at the first live key >= target
func (it *Iterator) Seek(target []byte) bool {
	if it.closed {
		return false
	}
	it.started = true
	it.err = nil
	it.it.Seek(target)
	it.settle()
	return it.valid
}

// Next advances to the next live key
func (it *Iterator) Next() bool {
	if it.closed || it.err != nil {
		return false
	}
	if !it.started {
		it.SeekToFirst()
		return it.valid
	}
	if !it.it.Valid() {
		it.valid = false
		return false
	}
	it.it.Next()
	it.settle()
	return it.valid
}

// settle stops at the first position from the current one whose value
// can be read, skipping tombstones and keys deleted in the meantime.
func (it *Iterator) settle() {
	it.valid = false
	it.key, it.value = nil, nil

	for ; it.it.Valid(); it.it.Next() {
		key := it.it.Key()
		loc := it.it.Location()
		if loc.Tombstone {
			continue
		}

		value, err := it.e.readLocation(key, loc)
		if errors.Is(err, errSegmentRetired) {
			var found bool
			value, found, err = it.e.get(key)
			if err == nil && !found {
				continue
			}
		}
		if err != nil {
			it.err = err
			return
		}

		it.key = key
		it.value = value
		it.valid = true
		it.e.stats.TrackBytes(false, uint64(len(key)+len(value)))
		return
	}
}

// Key returns the current key. The slice must not be modified.
func (it *Iterator) Key() []byte {
	if !it.valid {
		return nil
	}
	return it.key
}

// Value returns the current value
func (it *Iterator) Value() []byte {
	if !it.valid {
		return nil
	}
	return it.value
}

// Valid returns true if the iterator is positioned at a live key
func (it *Iterator) Valid() bool { return it.valid }

// Err returns the error that stopped iteration, if any
func (it *Iterator) Err() error { return it.err }

// Close releases the iterator
func (it *Iterator) Close() error {
	it.closed = true
	it.valid = false
	it.key, it.value = nil, nil
	return nil
}

// Keys returns the live keys starting with prefix, in ascending order,
// without reading any values.
func (e *Engine) Keys(prefix []byte) ([][]byte, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	var keys [][]byte
	e.keydir.ScanPrefix(prefix, func(key []byte, _ keydir.Location) bool {
		keys = append(keys, append([]byte{}, key...))
		return true
	})
	e.stats.TrackOperation(stats.OpScan)
	return keys, nil
}
