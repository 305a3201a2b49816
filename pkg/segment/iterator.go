package segment

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/KevoDB/logcask/pkg/entry"
)

// Iterator walks the entries of a segment in write order. It is single
// pass; create a new one to start over.
//
// Entries whose checksum does not match are skipped and reported through
// OnCorrupt. An incomplete entry at the end of the data stops iteration
// cleanly with Truncated set. A header with impossible lengths stops
// iteration with an error wrapping entry.ErrCorruptEntry, since the
// position of the next entry is unknown.
type Iterator struct {
	r     *bufio.Reader
	limit int64

	offset    int64 // start of the next entry to read
	current   *entry.Entry
	curOffset int64
	curLen    int64

	skipped   int
	truncated bool
	err       error

	// OnCorrupt, when set, is called for each skipped entry
	OnCorrupt func(offset int64, err error)
}

func newIterator(r io.Reader, limit int64) *Iterator {
	return &Iterator{
		r:     bufio.NewReaderSize(r, writeBufferSize),
		limit: limit,
	}
}

// Next advances to the next intact entry.
func (it *Iterator) Next() bool {
	if it.err != nil || it.truncated {
		return false
	}

	for it.offset < it.limit {
		var hdrBuf [entry.HeaderSize]byte
		if _, err := io.ReadFull(it.r, hdrBuf[:]); err != nil {
			return it.stop(err)
		}

		h, err := entry.DecodeHeader(hdrBuf[:])
		if err != nil {
			it.err = fmt.Errorf("segment offset %d: %w", it.offset, err)
			return false
		}

		total := h.EntryLen()
		if it.offset+total > it.limit {
			it.truncated = true
			return false
		}

		buf := make([]byte, total)
		copy(buf, hdrBuf[:])
		if _, err := io.ReadFull(it.r, buf[entry.HeaderSize:]); err != nil {
			return it.stop(err)
		}

		e, _, err := entry.Decode(buf)
		if err != nil {
			if errors.Is(err, entry.ErrChecksumMismatch) {
				it.skipped++
				if it.OnCorrupt != nil {
					it.OnCorrupt(it.offset, err)
				}
				it.offset += total
				continue
			}
			it.err = fmt.Errorf("segment offset %d: %w", it.offset, err)
			return false
		}

		it.current = e
		it.curOffset = it.offset
		it.curLen = total
		it.offset += total
		return true
	}

	return false
}

func (it *Iterator) stop(err error) bool {
	switch {
	case err == io.EOF:
	case err == io.ErrUnexpectedEOF:
		it.truncated = true
	default:
		it.err = err
	}
	return false
}

// Entry returns the current entry
func (it *Iterator) Entry() *entry.Entry { return it.current }

// Offset returns the offset of the current entry
func (it *Iterator) Offset() int64 { return it.curOffset }

// Length returns the encoded length of the current entry
func (it *Iterator) Length() int64 { return it.curLen }

// Err returns the error that stopped iteration, if any
func (it *Iterator) Err() error { return it.err }

// Truncated reports whether iteration stopped at an incomplete trailing entry
func (it *Iterator) Truncated() bool { return it.truncated }

// Skipped returns the number of corrupt entries passed over
func (it *Iterator) Skipped() int { return it.skipped }

// ValidSize is the offset just past the last entry that was consumed,
// whether returned or skipped. After a truncated stop this is where the
// segment should be cut.
func (it *Iterator) ValidSize() int64 { return it.offset }
