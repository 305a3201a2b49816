package entry

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	testCases := []struct {
		name string
		e    Entry
	}{
		{"simple", Entry{Key: []byte("order_1"), Value: []byte("alice")}},
		{"empty value", Entry{Key: []byte("k"), Value: []byte{}}},
		{"empty key", Entry{Key: []byte{}, Value: []byte("v")}},
		{"tombstone", Entry{Key: []byte("gone"), Tombstone: true}},
		{"binary", Entry{Key: []byte{0, 1, 2}, Value: bytes.Repeat([]byte{0xff}, 1000)}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data := tc.e.Encode()
			assert.Equal(t, tc.e.Len(), int64(len(data)))

			got, n, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, len(data), n)
			assert.Equal(t, tc.e.Key, got.Key)
			assert.Equal(t, tc.e.Tombstone, got.Tombstone)
			if !tc.e.Tombstone {
				assert.True(t, bytes.Equal(tc.e.Value, got.Value))
			}

			h, err := DecodeHeader(data)
			require.NoError(t, err)
			assert.Equal(t, int64(len(data)), h.EntryLen())
			assert.Equal(t, tc.e.Tombstone, h.IsTombstone())
		})
	}
}

func TestTombstoneDropsValue(t *testing.T) {
	data := Encode([]byte("k"), []byte("ignored"), true)
	assert.Len(t, data, HeaderSize+1)
}

func TestDecodeTruncated(t *testing.T) {
	data := Encode([]byte("key"), []byte("value"), false)

	for cut := 0; cut < len(data); cut++ {
		_, _, err := Decode(data[:cut])
		assert.ErrorIs(t, err, ErrTruncated, "cut at %d", cut)
	}
}

func TestDecodeChecksumMismatch(t *testing.T) {
	data := Encode([]byte("key"), []byte("value"), false)
	data[len(data)-1] ^= 0x01

	_, n, err := Decode(data)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruptEntry))
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
	assert.Equal(t, len(data), n, "length must still be reported so callers can skip the entry")
}

func TestDecodeImplausibleHeader(t *testing.T) {
	data := Encode([]byte("key"), []byte("value"), false)
	data[12], data[13], data[14], data[15] = 0xfe, 0xff, 0xff, 0xff // value length -2

	_, _, err := Decode(data)
	assert.ErrorIs(t, err, ErrCorruptEntry)

	data = Encode([]byte("key"), nil, false)
	data[11] = 0x7f // key length far above MaxKeyLen
	_, err = DecodeHeader(data)
	assert.ErrorIs(t, err, ErrCorruptEntry)
}

func TestDecodeSequence(t *testing.T) {
	var log []byte
	log = append(log, Encode([]byte("a"), []byte("1"), false)...)
	log = append(log, Encode([]byte("b"), []byte("22"), false)...)
	log = append(log, Encode([]byte("a"), nil, true)...)

	var keys []string
	for len(log) > 0 {
		e, n, err := Decode(log)
		require.NoError(t, err)
		keys = append(keys, string(e.Key))
		log = log[n:]
	}
	assert.Equal(t, []string{"a", "b", "a"}, keys)
}
