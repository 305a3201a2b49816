package engine

import (
	"errors"

	"github.com/KevoDB/logcask/pkg/compaction"
	"github.com/KevoDB/logcask/pkg/entry"
)

var (
	// ErrEngineClosed is returned when operations are performed on a closed engine
	ErrEngineClosed = errors.New("engine is closed")
	// ErrKeyNotFound is returned when a key is not found
	ErrKeyNotFound = errors.New("key not found")
	// ErrDirectoryLocked is returned by Open when another engine owns the directory
	ErrDirectoryLocked = errors.New("data directory is locked by another process")
	// ErrIO wraps failures to read or write segment files
	ErrIO = errors.New("i/o error")
	// ErrKeyTooLarge is returned when a key exceeds the configured maximum
	ErrKeyTooLarge = errors.New("key too large")
	// ErrValueTooLarge is returned when a value exceeds the configured maximum
	ErrValueTooLarge = errors.New("value too large")

	// ErrCompactionFailed is returned when a compaction could not complete;
	// existing data is untouched and the compaction may be retried
	ErrCompactionFailed = compaction.ErrCompactionFailed
	// ErrCorruptEntry is returned when a stored entry fails verification
	ErrCorruptEntry = entry.ErrCorruptEntry

	// errSegmentRetired means a location was read after compaction retired
	// its segment; the caller looks the key up again
	errSegmentRetired = errors.New("segment retired")
)
