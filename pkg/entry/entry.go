// Package entry implements the on-disk encoding of a single log entry.
//
// Layout (little endian):
//
//	+----------------+-------------+----------------+-----+-------+
//	| checksum (8B)  | keyLen (4B) | valueLen (4B)  | key | value |
//	+----------------+-------------+----------------+-----+-------+
//
// The checksum is xxhash64 over everything after it. A valueLen of -1 marks
// a tombstone, which carries no value bytes.
package entry

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const (
	// HeaderSize is the fixed size of an entry header
	HeaderSize = 16

	// TombstoneLen is the value length recorded for a deletion
	TombstoneLen int32 = -1

	// MaxKeyLen and MaxValueLen bound what the decoder accepts, independent
	// of the configured limits, so that a damaged header never drives a huge read.
	MaxKeyLen   = 1 << 24
	MaxValueLen = 1<<31 - 1
)

var (
	// ErrCorruptEntry is returned when an entry's bytes do not describe a valid entry
	ErrCorruptEntry = errors.New("corrupt entry")
	// ErrChecksumMismatch is a corrupt entry whose lengths are plausible but whose contents are damaged
	ErrChecksumMismatch = fmt.Errorf("%w: checksum mismatch", ErrCorruptEntry)
	// ErrTruncated is returned when fewer bytes are available than the entry needs
	ErrTruncated = errors.New("truncated entry")
)

// Entry is one record of the log.
type Entry struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// Header is the decoded fixed-size prefix of an entry.
type Header struct {
	Checksum uint64
	KeyLen   uint32
	ValueLen int32
}

// IsTombstone reports whether the header describes a deletion
func (h Header) IsTombstone() bool {
	return h.ValueLen == TombstoneLen
}

// EntryLen is the total encoded length of the entry the header belongs to.
func (h Header) EntryLen() int64 {
	n := int64(HeaderSize) + int64(h.KeyLen)
	if h.ValueLen > 0 {
		n += int64(h.ValueLen)
	}
	return n
}

// Len returns the encoded length of e
func (e *Entry) Len() int64 {
	n := int64(HeaderSize + len(e.Key))
	if !e.Tombstone {
		n += int64(len(e.Value))
	}
	return n
}

// Encode returns the serialized form of e.
func (e *Entry) Encode() []byte {
	return Encode(e.Key, e.Value, e.Tombstone)
}

// Encode serializes a key/value pair, or a tombstone for key when tombstone is set.
func Encode(key, value []byte, tombstone bool) []byte {
	valueLen := int32(len(value))
	if tombstone {
		value = nil
		valueLen = TombstoneLen
	}

	buf := make([]byte, HeaderSize+len(key)+len(value))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(key)))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(valueLen))
	copy(buf[HeaderSize:], key)
	copy(buf[HeaderSize+len(key):], value)

	binary.LittleEndian.PutUint64(buf[0:8], xxhash.Sum64(buf[8:]))
	return buf
}

// DecodeHeader parses the fixed header at the start of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrTruncated
	}

	h := Header{
		Checksum: binary.LittleEndian.Uint64(buf[0:8]),
		KeyLen:   binary.LittleEndian.Uint32(buf[8:12]),
		ValueLen: int32(binary.LittleEndian.Uint32(buf[12:16])),
	}

	if h.KeyLen > MaxKeyLen {
		return Header{}, fmt.Errorf("%w: key length %d", ErrCorruptEntry, h.KeyLen)
	}
	if h.ValueLen < TombstoneLen {
		return Header{}, fmt.Errorf("%w: value length %d", ErrCorruptEntry, h.ValueLen)
	}

	return h, nil
}

// Decode parses one entry from the start of data and returns it together
// with the number of bytes it occupied. Key and Value alias data.
func Decode(data []byte) (*Entry, int, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, 0, err
	}

	total := h.EntryLen()
	if int64(len(data)) < total {
		return nil, 0, ErrTruncated
	}

	if xxhash.Sum64(data[8:total]) != h.Checksum {
		return nil, int(total), ErrChecksumMismatch
	}

	keyEnd := HeaderSize + int(h.KeyLen)
	e := &Entry{Key: data[HeaderSize:keyEnd]}
	if h.IsTombstone() {
		e.Tombstone = true
	} else {
		e.Value = data[keyEnd:total]
	}

	return e, int(total), nil
}
