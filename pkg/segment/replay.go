package segment

import (
	"errors"

	"github.com/KevoDB/logcask/pkg/entry"
)

// EntryHandler receives each intact entry during replay
type EntryHandler func(e *entry.Entry, offset, length int64) error

// RecoveryStats describes the outcome of replaying one segment.
type RecoveryStats struct {
	EntriesProcessed uint64
	EntriesSkipped   uint64

	// Truncated is set when the segment ends with an incomplete entry;
	// ValidSize is then the length of the intact prefix.
	Truncated bool
	ValidSize int64

	// Corrupt holds the error that ended the scan early, if any
	Corrupt error
}

// Replay feeds every intact entry of seg to handler in write order. A
// handler error or a read error aborts replay and is returned. Corruption
// that ends the scan is reported in the stats rather than as an error, so
// the caller decides whether it is fatal.
func Replay(seg *Segment, handler EntryHandler, onCorrupt func(offset int64, err error)) (*RecoveryStats, error) {
	it := seg.NewIterator()
	it.OnCorrupt = onCorrupt

	stats := &RecoveryStats{}
	for it.Next() {
		if err := handler(it.Entry(), it.Offset(), it.Length()); err != nil {
			return stats, err
		}
		stats.EntriesProcessed++
	}

	stats.EntriesSkipped = uint64(it.Skipped())
	stats.Truncated = it.Truncated()
	stats.ValidSize = it.ValidSize()
	if err := it.Err(); err != nil {
		if !errors.Is(err, entry.ErrCorruptEntry) {
			return stats, err
		}
		stats.Corrupt = err
	}
	return stats, nil
}
