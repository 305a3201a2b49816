// Package hint reads and writes hint files: compact per-segment indexes
// that let startup rebuild the Keydir without scanning segment data.
//
// A hint file holds a fixed header followed by a compressed body:
//
//	magic (4B "LCH1") | codec (1B) | segment size (8B) | count (4B) | checksum (8B) | body
//
// The checksum is xxhash64 of the compressed body. The body is a sequence of
// protobuf-wire records, each a length-delimited field 1 whose payload holds
// key (1, bytes), offset (2, varint), length (3, varint) and tombstone
// (4, varint). A hint describes exactly the segment size it records; a
// mismatch means the hint is stale and must be ignored.
package hint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/KevoDB/logcask/pkg/segment"
)

const (
	// FileExt is the extension of hint files
	FileExt = ".hint"

	headerSize = 4 + 1 + 8 + 4 + 8
	magic      = "LCH1"
)

const (
	fieldRecord    protowire.Number = 1
	fieldKey       protowire.Number = 1
	fieldOffset    protowire.Number = 2
	fieldLength    protowire.Number = 3
	fieldTombstone protowire.Number = 4
)

var (
	// ErrInvalidHint is returned when a hint file cannot be trusted
	ErrInvalidHint = errors.New("invalid hint file")
	// ErrStaleHint is returned when the hint describes a different segment size
	ErrStaleHint = fmt.Errorf("%w: segment size mismatch", ErrInvalidHint)
)

// Record locates one entry of the segment the hint belongs to.
type Record struct {
	Key       []byte
	Offset    int64
	Length    int64
	Tombstone bool
}

// Path returns the hint file path for segment id
func Path(dir string, id segment.ID) string {
	return filepath.Join(dir, fmt.Sprintf("%020d%s", uint64(id), FileExt))
}

// Writer accumulates records for one segment and writes them on Finish.
type Writer struct {
	dir   string
	id    segment.ID
	codec Codec
	body  []byte
	count uint32
}

// NewWriter creates a Writer for segment id in dir
func NewWriter(dir string, id segment.ID, codec Codec) *Writer {
	return &Writer{dir: dir, id: id, codec: codec}
}

// Add appends a record
func (w *Writer) Add(r Record) {
	var rec []byte
	rec = protowire.AppendTag(rec, fieldKey, protowire.BytesType)
	rec = protowire.AppendBytes(rec, r.Key)
	rec = protowire.AppendTag(rec, fieldOffset, protowire.VarintType)
	rec = protowire.AppendVarint(rec, uint64(r.Offset))
	rec = protowire.AppendTag(rec, fieldLength, protowire.VarintType)
	rec = protowire.AppendVarint(rec, uint64(r.Length))
	if r.Tombstone {
		rec = protowire.AppendTag(rec, fieldTombstone, protowire.VarintType)
		rec = protowire.AppendVarint(rec, protowire.EncodeBool(true))
	}

	w.body = protowire.AppendTag(w.body, fieldRecord, protowire.BytesType)
	w.body = protowire.AppendBytes(w.body, rec)
	w.count++
}

// Count returns the number of records added
func (w *Writer) Count() int { return int(w.count) }

// Finish writes the hint file for a segment of segmentSize bytes. The file
// is written under a temporary name, synced and renamed into place.
func (w *Writer) Finish(segmentSize int64) error {
	body, err := compress(w.body, w.codec)
	if err != nil {
		return err
	}

	buf := make([]byte, headerSize, headerSize+len(body))
	copy(buf[0:4], magic)
	buf[4] = byte(w.codec)
	binary.LittleEndian.PutUint64(buf[5:13], uint64(segmentSize))
	binary.LittleEndian.PutUint32(buf[13:17], w.count)
	binary.LittleEndian.PutUint64(buf[17:25], xxhash.Sum64(body))
	buf = append(buf, body...)

	path := Path(w.dir, w.id)
	tmp := path + segment.TempExt
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create hint file: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write hint file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync hint file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close hint file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename hint file: %w", err)
	}
	return nil
}

// Read loads the hint for segment id, which must currently be segmentSize
// bytes long. A missing file returns an error satisfying os.IsNotExist.
func Read(dir string, id segment.ID, segmentSize int64) ([]Record, error) {
	data, err := os.ReadFile(Path(dir, id))
	if err != nil {
		return nil, err
	}
	if len(data) < headerSize || string(data[0:4]) != magic {
		return nil, fmt.Errorf("%w: bad header", ErrInvalidHint)
	}

	codec := Codec(data[4])
	size := int64(binary.LittleEndian.Uint64(data[5:13]))
	count := binary.LittleEndian.Uint32(data[13:17])
	checksum := binary.LittleEndian.Uint64(data[17:25])
	body := data[headerSize:]

	if size != segmentSize {
		return nil, ErrStaleHint
	}
	if xxhash.Sum64(body) != checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidHint)
	}

	raw, err := decompress(body, codec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHint, err)
	}

	records := make([]Record, 0, count)
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidHint, protowire.ParseError(n))
		}
		raw = raw[n:]

		if num != fieldRecord || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, raw)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalidHint, protowire.ParseError(n))
			}
			raw = raw[n:]
			continue
		}

		payload, n := protowire.ConsumeBytes(raw)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidHint, protowire.ParseError(n))
		}
		raw = raw[n:]

		rec, err := decodeRecord(payload)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if uint32(len(records)) != count {
		return nil, fmt.Errorf("%w: expected %d records, found %d", ErrInvalidHint, count, len(records))
	}
	return records, nil
}

func decodeRecord(b []byte) (Record, error) {
	var r Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, fmt.Errorf("%w: %v", ErrInvalidHint, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldKey && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return r, fmt.Errorf("%w: %v", ErrInvalidHint, protowire.ParseError(m))
			}
			r.Key = append([]byte{}, v...)
			n = m
		case typ == protowire.VarintType && (num == fieldOffset || num == fieldLength || num == fieldTombstone):
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return r, fmt.Errorf("%w: %v", ErrInvalidHint, protowire.ParseError(m))
			}
			switch num {
			case fieldOffset:
				r.Offset = int64(v)
			case fieldLength:
				r.Length = int64(v)
			case fieldTombstone:
				r.Tombstone = protowire.DecodeBool(v)
			}
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return r, fmt.Errorf("%w: %v", ErrInvalidHint, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	if r.Key == nil {
		r.Key = []byte{}
	}
	return r, nil
}

// Remove deletes the hint file for segment id if it exists
func Remove(dir string, id segment.ID) error {
	if err := os.Remove(Path(dir, id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove hint file: %w", err)
	}
	return nil
}
