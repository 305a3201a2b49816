// Package segment implements the append-only files that hold log entries.
package segment

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/KevoDB/logcask/pkg/config"
)

const writeBufferSize = 64 * 1024

// Segment status values
const (
	StatusActive int32 = iota
	StatusSealed
	StatusClosed
)

var (
	ErrSealed     = errors.New("segment is sealed")
	ErrClosed     = errors.New("segment is closed")
	ErrOutOfRange = errors.New("read beyond published segment data")

	// ErrFailed is returned by every write to a segment whose file could not
	// be rolled back after a failed write. The segment stays readable up to
	// Size and can still be sealed.
	ErrFailed = errors.New("segment failed")
)

// Options control durability of a writable segment.
type Options struct {
	SyncMode  config.SyncMode
	SyncBytes int64
}

// Segment is one append-only log file. Appends are serialized internally;
// ReadAt may be called concurrently with appends and only sees bytes that
// have been flushed.
type Segment struct {
	id   ID
	dir  string
	path string
	opts Options

	mu       sync.Mutex // guards file writes, writer, unsynced and failure
	file     *os.File
	writer   *bufio.Writer
	unsynced int64
	failure  error

	size    atomic.Int64 // bytes appended, including buffered
	flushed atomic.Int64 // bytes handed to the OS and readable
	status  atomic.Int32
	refs    atomic.Int32
}

func newSegment(dir string, id ID, path string, file *os.File, size int64, status int32, opts Options) *Segment {
	s := &Segment{
		id:   id,
		dir:  dir,
		path: path,
		opts: opts,
		file: file,
	}
	if status == StatusActive {
		s.writer = bufio.NewWriterSize(file, writeBufferSize)
	}
	s.size.Store(size)
	s.flushed.Store(size)
	s.status.Store(status)
	return s
}

// Create makes a new, empty, writable segment file. It fails if the file exists.
func Create(dir string, id ID, opts Options) (*Segment, error) {
	path := Path(dir, id)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment %s: %w", id, err)
	}
	return newSegment(dir, id, path, file, 0, StatusActive, opts), nil
}

// CreateTemp makes a writable segment under a temporary name; Publish moves
// it to its final name. Compaction writes its outputs this way so that an
// interrupted run leaves nothing that replay would pick up.
func CreateTemp(dir string, id ID, opts Options) (*Segment, error) {
	path := Path(dir, id) + TempExt
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary segment %s: %w", id, err)
	}
	return newSegment(dir, id, path, file, 0, StatusActive, opts), nil
}

// OpenForAppend reopens an existing segment so that new entries are appended to it.
func OpenForAppend(dir string, id ID, opts Options) (*Segment, error) {
	path := Path(dir, id)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %s: %w", id, err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment %s: %w", id, err)
	}
	return newSegment(dir, id, path, file, stat.Size(), StatusActive, opts), nil
}

// Open opens an existing segment read-only as a sealed segment.
func Open(dir string, id ID) (*Segment, error) {
	path := Path(dir, id)
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %s: %w", id, err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment %s: %w", id, err)
	}
	return newSegment(dir, id, path, file, stat.Size(), StatusSealed, Options{}), nil
}

func (s *Segment) ID() ID           { return s.id }
func (s *Segment) Path() string     { return s.path }
func (s *Segment) Size() int64      { return s.size.Load() }
func (s *Segment) IsSealed() bool   { return s.status.Load() == StatusSealed }
func (s *Segment) IsWritable() bool { return s.status.Load() == StatusActive }

// Append buffers data at the end of the segment and returns the offset at
// which it starts. The bytes are not readable until Flush.
func (s *Segment) Append(data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(data)
}

func (s *Segment) appendLocked(data []byte) (int64, error) {
	if err := s.checkWritable(); err != nil {
		return 0, err
	}

	offset := s.size.Load()
	if _, err := s.writer.Write(data); err != nil {
		s.rollbackLocked(s.flushed.Load())
		return 0, fmt.Errorf("failed to append to segment %s: %w", s.id, err)
	}
	s.size.Add(int64(len(data)))
	s.unsynced += int64(len(data))
	return offset, nil
}

// Write appends data, flushes it to the OS and syncs according to the
// segment's sync policy. On any failure the segment is rolled back to the
// state it had before the call, so a failed write leaves no trace.
func (s *Segment) Write(data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	offset, err := s.appendLocked(data)
	if err != nil {
		return 0, err
	}
	if err := s.flushLocked(); err != nil {
		s.rollbackLocked(offset)
		return 0, err
	}
	if err := s.maybeSyncLocked(); err != nil {
		s.rollbackLocked(offset)
		return 0, err
	}
	return offset, nil
}

// rollbackLocked drops buffered bytes and truncates the file to size. If
// the file cannot be cut back, bytes past size stay on disk and the next
// append would land after them, so the segment refuses further writes.
func (s *Segment) rollbackLocked(size int64) {
	s.writer.Reset(s.file)
	if err := s.file.Truncate(size); err != nil {
		s.failure = fmt.Errorf("%w: %s could not be rolled back to %d bytes: %v", ErrFailed, s.id, size, err)
	}
	s.size.Store(size)
	s.flushed.Store(size)
}

// Failed reports whether a rollback left the file in an unknown state.
func (s *Segment) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure != nil
}

func (s *Segment) checkWritable() error {
	switch s.status.Load() {
	case StatusSealed:
		return ErrSealed
	case StatusClosed:
		return ErrClosed
	}
	return s.failure
}

// Flush hands buffered bytes to the OS, making them visible to ReadAt.
func (s *Segment) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Load() != StatusActive {
		return nil
	}
	return s.flushLocked()
}

func (s *Segment) flushLocked() error {
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush segment %s: %w", s.id, err)
	}
	s.flushed.Store(s.size.Load())
	return nil
}

func (s *Segment) maybeSyncLocked() error {
	needSync := false

	switch s.opts.SyncMode {
	case config.SyncImmediate:
		needSync = true
	case config.SyncBatch:
		needSync = s.unsynced >= s.opts.SyncBytes
	case config.SyncNone:
	}

	if needSync {
		return s.syncLocked()
	}
	return nil
}

// Sync flushes and fsyncs the segment.
func (s *Segment) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Load() != StatusActive {
		return nil
	}
	return s.syncLocked()
}

func (s *Segment) syncLocked() error {
	if err := s.flushLocked(); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment %s: %w", s.id, err)
	}
	s.unsynced = 0
	return nil
}

// Seal syncs the segment and makes it permanently read-only. A failed
// segment can be sealed; its buffer was already discarded, so only the
// bytes up to Size are synced and readable.
func (s *Segment) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failure != nil && s.status.Load() == StatusActive {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync segment %s: %w", s.id, err)
		}
	} else {
		if err := s.checkWritable(); err != nil {
			return err
		}
		if err := s.syncLocked(); err != nil {
			return err
		}
	}
	s.writer = nil
	s.status.Store(StatusSealed)
	return nil
}

// Publish seals a segment created with CreateTemp and renames it to its final name.
func (s *Segment) Publish() error {
	if err := s.Seal(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	final := Path(s.dir, s.id)
	if err := os.Rename(s.path, final); err != nil {
		return fmt.Errorf("failed to publish segment %s: %w", s.id, err)
	}
	s.path = final
	return SyncDir(s.dir)
}

// Truncate cuts the segment to size bytes. Only meaningful for a writable
// segment whose tail holds an incomplete entry.
func (s *Segment) Truncate(size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable(); err != nil {
		return err
	}
	if err := s.flushLocked(); err != nil {
		return err
	}
	if err := s.file.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate segment %s: %w", s.id, err)
	}
	s.size.Store(size)
	s.flushed.Store(size)
	return s.file.Sync()
}

// ReadAt returns length bytes starting at offset. The range must lie within
// data already flushed.
func (s *Segment) ReadAt(offset, length int64) ([]byte, error) {
	if s.status.Load() == StatusClosed {
		return nil, ErrClosed
	}
	if offset < 0 || length < 0 || offset+length > s.flushed.Load() {
		return nil, fmt.Errorf("%w: segment %s offset %d length %d", ErrOutOfRange, s.id, offset, length)
	}

	buf := make([]byte, length)
	if _, err := s.file.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("failed to read segment %s at %d: %w", s.id, offset, err)
	}
	return buf, nil
}

// Acquire takes a reference that keeps the file from being removed.
func (s *Segment) Acquire() { s.refs.Add(1) }

// Release drops a reference taken with Acquire.
func (s *Segment) Release() { s.refs.Add(-1) }

// Refs returns the number of outstanding references
func (s *Segment) Refs() int32 { return s.refs.Load() }

// Close flushes a writable segment and closes the file. It does not seal.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.status.Load()
	if status == StatusClosed {
		return nil
	}

	var syncErr error
	if status == StatusActive {
		syncErr = s.syncLocked()
	}
	s.status.Store(StatusClosed)

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close segment %s: %w", s.id, err)
	}
	return syncErr
}

// Remove closes the segment and deletes its file. A failure to sync on close
// is irrelevant once the file is gone and is not reported.
func (s *Segment) Remove() error {
	_ = s.Close()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove segment %s: %w", s.id, err)
	}
	return nil
}

// NewIterator returns a single-pass iterator over the segment's flushed entries.
func (s *Segment) NewIterator() *Iterator {
	limit := s.flushed.Load()
	return newIterator(io.NewSectionReader(s.file, 0, limit), limit)
}
