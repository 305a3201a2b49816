package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevoDB/logcask/pkg/entry"
	"github.com/KevoDB/logcask/pkg/keydir"
	"github.com/KevoDB/logcask/pkg/segment"
	"github.com/KevoDB/logcask/pkg/stats"
	"github.com/KevoDB/logcask/pkg/telemetry"
)

// A lookup is retried when compaction retires the segment between reading
// the keydir and acquiring the segment. The keydir is repointed before the
// segment is retired, so one retry is normally enough.
const maxReadAttempts = 8

// Get returns the value stored under key. A missing or deleted key is
// reported with found == false and a nil error.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if e.closed.Load() {
		return nil, false, ErrEngineClosed
	}

	start := time.Now()
	value, found, err := e.get(key)
	latency := time.Since(start)

	e.stats.TrackOperationWithLatency(stats.OpGet, latency)
	e.metrics.RecordOperation(context.Background(), telemetry.OpTypeGet, latency, err == nil)
	switch {
	case err != nil:
		e.stats.TrackError("get_error")
	case found:
		e.stats.TrackBytes(false, uint64(len(key)+len(value)))
		e.metrics.RecordBytes(context.Background(), telemetry.DirectionRead, int64(len(key)+len(value)))
	}
	return value, found, err
}

func (e *Engine) get(key []byte) ([]byte, bool, error) {
	for attempt := 0; attempt < maxReadAttempts; attempt++ {
		loc, ok := e.keydir.Get(key)
		if !ok || loc.Tombstone {
			return nil, false, nil
		}

		value, err := e.readLocation(key, loc)
		if errors.Is(err, errSegmentRetired) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return value, true, nil
	}
	return nil, false, fmt.Errorf("%w: key %q moved %d times during lookup", ErrIO, key, maxReadAttempts)
}

// readLocation reads and verifies the entry at loc.
func (e *Engine) readLocation(key []byte, loc keydir.Location) ([]byte, error) {
	seg, ok := e.segments.acquire(loc.SegmentID)
	if !ok {
		if e.closed.Load() {
			return nil, ErrEngineClosed
		}
		return nil, errSegmentRetired
	}
	defer seg.Release()

	data, err := seg.ReadAt(loc.Offset, loc.Length)
	if err != nil {
		if errors.Is(err, segment.ErrClosed) && e.closed.Load() {
			return nil, ErrEngineClosed
		}
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	ent, n, err := entry.Decode(data)
	if err == nil && (int64(n) != loc.Length || ent.Tombstone || !bytes.Equal(ent.Key, key)) {
		err = fmt.Errorf("%w: entry does not match index", entry.ErrCorruptEntry)
	}
	if err != nil {
		if errors.Is(err, entry.ErrTruncated) {
			err = fmt.Errorf("%w: %v", entry.ErrCorruptEntry, err)
		}
		e.stats.TrackError("corrupt_entry")
		e.metrics.RecordCorruptEntry(context.Background(), loc.SegmentID)
		e.logger.Warn("Corrupt entry for key %q in segment %s at offset %d: %v", key, loc.SegmentID, loc.Offset, err)
		return nil, fmt.Errorf("key %q in segment %s at offset %d: %w", key, loc.SegmentID, loc.Offset, err)
	}
	return ent.Value, nil
}
