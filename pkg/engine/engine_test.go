package engine

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevoDB/logcask/pkg/common/iterator"
	"github.com/KevoDB/logcask/pkg/common/log"
	"github.com/KevoDB/logcask/pkg/config"
	"github.com/KevoDB/logcask/pkg/entry"
	"github.com/KevoDB/logcask/pkg/hint"
	"github.com/KevoDB/logcask/pkg/segment"
)

func testConfig(dir string) *config.Config {
	cfg := config.NewDefaultConfig(dir)
	cfg.SyncMode = config.SyncNone
	cfg.AutoCompaction = false
	return cfg
}

func openEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	e, err := Open(cfg, WithLogger(log.NewNopLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func mustGet(t *testing.T, e *Engine, key string) (string, bool) {
	t.Helper()
	value, found, err := e.Get([]byte(key))
	require.NoError(t, err)
	return string(value), found
}

func collect(t *testing.T, it iterator.Iterator) []string {
	t.Helper()
	defer it.Close()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(t, it.Err())
	return keys
}

func entrySize(key, value string) int64 {
	return int64(entry.HeaderSize + len(key) + len(value))
}

func TestOrderKeyRoundTrip(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))

	require.NoError(t, e.Set([]byte("order_key"), []byte("xxx")))
	value, found := mustGet(t, e, "order_key")
	assert.True(t, found)
	assert.Equal(t, "xxx", value)

	it, err := e.Scan()
	require.NoError(t, err)
	assert.Equal(t, []string{"order_key"}, collect(t, it))

	st, err := e.Status()
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.KeyCount)

	require.NoError(t, e.Delete([]byte("order_key")))
	_, found = mustGet(t, e, "order_key")
	assert.False(t, found)

	st, err = e.Status()
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.KeyCount)
}

func TestEmptyKeyAndValue(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))

	require.NoError(t, e.Set([]byte{}, []byte("empty key")))
	require.NoError(t, e.Set([]byte("empty value"), nil))

	value, found := mustGet(t, e, "")
	assert.True(t, found)
	assert.Equal(t, "empty key", value)

	value, found = mustGet(t, e, "empty value")
	assert.True(t, found)
	assert.Empty(t, value)
}

func TestDeleteMissingKeyWritesNothing(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))

	require.NoError(t, e.Delete([]byte("missing")))
	st, err := e.Status()
	require.NoError(t, err)
	assert.Zero(t, st.ActiveSegmentSize)

	require.NoError(t, e.Set([]byte("k"), []byte("v")))
	require.NoError(t, e.Delete([]byte("k")))
	require.NoError(t, e.Delete([]byte("k")))

	st, err = e.Status()
	require.NoError(t, err)
	assert.Equal(t, entrySize("k", "v")+entrySize("k", ""), st.ActiveSegmentSize)
}

func TestReopenReplaysLog(t *testing.T) {
	cfg := testConfig(t.TempDir())
	e := openEngine(t, cfg)

	require.NoError(t, e.Set([]byte("A"), []byte("1")))
	require.NoError(t, e.Set([]byte("A"), []byte("2")))
	require.NoError(t, e.Set([]byte("B"), []byte("kept")))
	require.NoError(t, e.Delete([]byte("A")))
	require.NoError(t, e.Close())

	e = openEngine(t, cfg)
	_, found := mustGet(t, e, "A")
	assert.False(t, found)
	value, found := mustGet(t, e, "B")
	assert.True(t, found)
	assert.Equal(t, "kept", value)

	// The newest segment is reused for appends.
	st, err := e.Status()
	require.NoError(t, err)
	assert.Equal(t, segment.NewID(1, 0), st.ActiveSegmentID)
	assert.Equal(t, 1, st.SegmentCount)

	stats := e.Stats()
	recovery := stats["recovery"].(map[string]interface{})
	assert.Equal(t, uint64(4), recovery["entries_recovered"])
}

func TestSizeLimits(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.MaxKeySize = 4
	cfg.MaxValueSize = 8
	e := openEngine(t, cfg)

	assert.ErrorIs(t, e.Set([]byte("toolong"), []byte("v")), ErrKeyTooLarge)
	assert.ErrorIs(t, e.Set([]byte("k"), []byte("much too long")), ErrValueTooLarge)
	assert.ErrorIs(t, e.Delete([]byte("toolong")), ErrKeyTooLarge)
	require.NoError(t, e.Set([]byte("four"), []byte("eight888")))

	st, err := e.Status()
	require.NoError(t, err)
	assert.Equal(t, entrySize("four", "eight888"), st.ActiveSegmentSize)
}

func TestFailedWriteLeavesIndexUnchanged(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.SegmentMaxSize = entrySize("k", "v1")
	e := openEngine(t, cfg)

	require.NoError(t, e.Set([]byte("k"), []byte("v1")))
	before, err := e.Status()
	require.NoError(t, err)
	require.Equal(t, segment.NewID(2, 0), before.ActiveSegmentID)

	// The active segment stops accepting writes.
	require.NoError(t, e.active.Close())

	assert.ErrorIs(t, e.Set([]byte("k"), []byte("v2")), ErrIO)
	assert.ErrorIs(t, e.Set([]byte("n"), []byte("new")), ErrIO)
	assert.ErrorIs(t, e.Delete([]byte("k")), ErrIO)

	value, found := mustGet(t, e, "k")
	assert.True(t, found)
	assert.Equal(t, "v1", value)
	_, found = mustGet(t, e, "n")
	assert.False(t, found)

	after, err := e.Status()
	require.NoError(t, err)
	assert.Equal(t, before.KeyCount, after.KeyCount)
	assert.Equal(t, before.LogicalSize, after.LogicalSize)
	assert.Equal(t, before.LiveBytes, after.LiveBytes)
	assert.Equal(t, int64(0), after.ActiveSegmentSize)

	info, err := os.Stat(segment.Path(cfg.DataDir, segment.NewID(2, 0)))
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())

	errs := e.Stats()["errors"].(map[string]uint64)
	assert.Equal(t, uint64(2), errs["set_error"])
	assert.Equal(t, uint64(1), errs["delete_error"])
}

func TestRotation(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.SegmentMaxSize = 100
	e := openEngine(t, cfg)

	for i := 0; i < 20; i++ {
		require.NoError(t, e.Set([]byte(fmt.Sprintf("key%02d", i)), []byte("0123456789")))
	}

	st, err := e.Status()
	require.NoError(t, err)
	assert.Equal(t, 6, st.SegmentCount)
	assert.Equal(t, segment.NewID(6, 0), st.ActiveSegmentID)
	assert.Zero(t, st.DeadBytes)

	ids, err := segment.FindSegments(cfg.DataDir)
	require.NoError(t, err)
	assert.Len(t, ids, 6)
	require.NoError(t, e.Close())

	e = openEngine(t, cfg)
	for i := 0; i < 20; i++ {
		value, found := mustGet(t, e, fmt.Sprintf("key%02d", i))
		require.True(t, found)
		assert.Equal(t, "0123456789", value)
	}
}

func TestStatusAccounting(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))

	require.NoError(t, e.Set([]byte("a"), []byte("1")))
	require.NoError(t, e.Set([]byte("b"), []byte("22")))

	st, err := e.Status()
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.KeyCount)
	assert.Equal(t, int64(37), st.TotalDiskBytes)
	assert.Equal(t, int64(37), st.LiveBytes)
	assert.Zero(t, st.DeadBytes)
	assert.Equal(t, int64(5), st.LogicalSize)

	require.NoError(t, e.Set([]byte("a"), []byte("333")))
	require.NoError(t, e.Delete([]byte("b")))

	st, err = e.Status()
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.KeyCount)
	assert.Equal(t, int64(74), st.TotalDiskBytes)
	assert.Equal(t, int64(20), st.LiveBytes)
	assert.Equal(t, int64(54), st.DeadBytes)
	assert.InDelta(t, 54.0/74.0, st.DeadRatio, 1e-9)
	assert.Equal(t, int64(4), st.LogicalSize)
}

func TestCompactReclaimsSpace(t *testing.T) {
	cfg := testConfig(t.TempDir())
	e := openEngine(t, cfg)

	require.NoError(t, e.Set([]byte("a"), []byte("1")))
	require.NoError(t, e.Set([]byte("b"), []byte("22")))
	require.NoError(t, e.Set([]byte("a"), []byte("333")))
	require.NoError(t, e.Delete([]byte("b")))

	summary, err := e.Compact()
	require.NoError(t, err)
	assert.Equal(t, "explicit", summary.Reason)
	assert.Equal(t, 1, summary.InputSegments)
	assert.Equal(t, 1, summary.OutputSegments)
	assert.Equal(t, 1, summary.MovedKeys)
	assert.Equal(t, 1, summary.DroppedKeys)
	assert.Equal(t, int64(74), summary.BytesBefore)
	assert.Equal(t, int64(20), summary.BytesAfter)
	assert.Equal(t, int64(54), summary.ReclaimedBytes())

	st, err := e.Status()
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.KeyCount)
	assert.Equal(t, 2, st.SegmentCount)
	assert.Equal(t, int64(20), st.TotalDiskBytes)
	assert.Zero(t, st.DeadBytes)
	assert.Zero(t, st.ObsoleteSegments)
	assert.Equal(t, segment.NewID(2, 0), st.ActiveSegmentID)
	assert.Equal(t, int64(1), e.keydir.Size())

	// The input is gone and the output carries a hint.
	ids, err := segment.FindSegments(cfg.DataDir)
	require.NoError(t, err)
	assert.Equal(t, []segment.ID{segment.NewID(1, 1), segment.NewID(2, 0)}, ids)
	_, err = os.Stat(hint.Path(cfg.DataDir, segment.NewID(1, 1)))
	assert.NoError(t, err)

	value, found := mustGet(t, e, "a")
	assert.True(t, found)
	assert.Equal(t, "333", value)
	_, found = mustGet(t, e, "b")
	assert.False(t, found)

	// Nothing left to reclaim.
	summary, err = e.Compact()
	require.NoError(t, err)
	assert.Zero(t, summary.InputSegments)

	require.NoError(t, e.Close())
	e = openEngine(t, cfg)
	value, found = mustGet(t, e, "a")
	assert.True(t, found)
	assert.Equal(t, "333", value)
	_, found = mustGet(t, e, "b")
	assert.False(t, found)

	recovery := e.Stats()["recovery"].(map[string]interface{})
	assert.Equal(t, uint64(1), recovery["hint_files_used"])
}

func TestCompactWithoutHintFiles(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.UseHintFiles = false
	cfg.SegmentMaxSize = 64
	e := openEngine(t, cfg)

	for i := 0; i < 30; i++ {
		require.NoError(t, e.Set([]byte(fmt.Sprintf("k%d", i%5)), []byte(fmt.Sprintf("v%d", i))))
	}
	_, err := e.Compact()
	require.NoError(t, err)

	hints, err := filepath.Glob(filepath.Join(cfg.DataDir, "*"+hint.FileExt))
	require.NoError(t, err)
	assert.Empty(t, hints)

	require.NoError(t, e.Close())
	e = openEngine(t, cfg)
	for i := 25; i < 30; i++ {
		value, found := mustGet(t, e, fmt.Sprintf("k%d", i%5))
		require.True(t, found)
		assert.Equal(t, fmt.Sprintf("v%d", i), value)
	}
}

// Restarting after compaction published its outputs but before the inputs
// were deleted must not lose or resurrect anything.
func TestCompactionCrashBeforeDeletion(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.SegmentMaxSize = 200
	e := openEngine(t, cfg)

	want := make(map[string]string)
	for i := 0; i < 30; i++ {
		key := fmt.Sprintf("key%d", i%10)
		value := fmt.Sprintf("value%d", i)
		require.NoError(t, e.Set([]byte(key), []byte(value)))
		want[key] = value
	}
	require.NoError(t, e.Delete([]byte("key3")))
	delete(want, "key3")
	require.NoError(t, e.Flush())

	before := make(map[string][]byte)
	ids, err := segment.FindSegments(cfg.DataDir)
	require.NoError(t, err)
	for _, id := range ids {
		data, err := os.ReadFile(segment.Path(cfg.DataDir, id))
		require.NoError(t, err)
		before[segment.Path(cfg.DataDir, id)] = data
	}

	summary, err := e.Compact()
	require.NoError(t, err)
	require.Equal(t, len(ids), summary.InputSegments)
	require.NoError(t, e.Close())

	for _, oldestDeleted := range []bool{false, true} {
		t.Run(fmt.Sprintf("oldest_deleted=%v", oldestDeleted), func(t *testing.T) {
			dir := t.TempDir()
			entries, err := os.ReadDir(cfg.DataDir)
			require.NoError(t, err)
			for _, ent := range entries {
				data, err := os.ReadFile(filepath.Join(cfg.DataDir, ent.Name()))
				require.NoError(t, err)
				require.NoError(t, os.WriteFile(filepath.Join(dir, ent.Name()), data, 0644))
			}
			for i, id := range ids {
				if oldestDeleted && i == 0 {
					continue
				}
				name := filepath.Base(segment.Path(cfg.DataDir, id))
				require.NoError(t, os.WriteFile(filepath.Join(dir, name), before[segment.Path(cfg.DataDir, id)], 0644))
			}

			crashed := testConfig(dir)
			e := openEngine(t, crashed)
			for key, value := range want {
				got, found := mustGet(t, e, key)
				require.True(t, found, key)
				assert.Equal(t, value, got, key)
			}
			_, found := mustGet(t, e, "key3")
			assert.False(t, found)

			keys, err := e.Keys(nil)
			require.NoError(t, err)
			assert.Len(t, keys, len(want))

			_, err = e.Compact()
			require.NoError(t, err)
			_, found = mustGet(t, e, "key3")
			assert.False(t, found)
		})
	}
}

func TestScanPrefixMatchesFilter(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))

	rng := rand.New(rand.NewSource(42))
	live := make(map[string]bool)
	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(4)
		var sb strings.Builder
		for j := 0; j < n; j++ {
			sb.WriteByte("ab"[rng.Intn(2)])
		}
		key := sb.String()
		if rng.Intn(4) == 0 {
			require.NoError(t, e.Delete([]byte(key)))
			delete(live, key)
		} else {
			require.NoError(t, e.Set([]byte(key), []byte("v")))
			live[key] = true
		}
	}

	for _, prefix := range []string{"", "a", "b", "ab", "ba", "aab", "bbbb", "c"} {
		var want []string
		for key := range live {
			if strings.HasPrefix(key, prefix) {
				want = append(want, key)
			}
		}
		sort.Strings(want)

		it, err := e.ScanPrefix([]byte(prefix))
		require.NoError(t, err)
		assert.Equal(t, want, collect(t, it), "prefix %q", prefix)

		keys, err := e.Keys([]byte(prefix))
		require.NoError(t, err)
		var got []string
		for _, k := range keys {
			got = append(got, string(k))
		}
		assert.Equal(t, want, got, "prefix %q", prefix)
	}
}

func TestScanRangeAndValues(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, e.Set([]byte(k), []byte("value-"+k)))
	}
	require.NoError(t, e.Delete([]byte("c")))

	it, err := e.ScanRange([]byte("b"), []byte("e"))
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "d"}, collect(t, it))

	it, err = e.Scan()
	require.NoError(t, err)
	defer it.Close()
	assert.True(t, it.Seek([]byte("c")))
	assert.Equal(t, "d", string(it.Key()))
	assert.Equal(t, "value-d", string(it.Value()))
	assert.True(t, it.Next())
	assert.Equal(t, "e", string(it.Key()))
	assert.False(t, it.Next())
	assert.False(t, it.Valid())
}

func TestTornTailAtEveryOffset(t *testing.T) {
	src := testConfig(t.TempDir())
	e := openEngine(t, src)

	var bounds []int64
	var size int64
	for i := 0; i < 4; i++ {
		key, value := fmt.Sprintf("key%d", i), fmt.Sprintf("value%d", i)
		require.NoError(t, e.Set([]byte(key), []byte(value)))
		size += entrySize(key, value)
		bounds = append(bounds, size)
	}
	require.NoError(t, e.Close())

	name := filepath.Base(segment.Path(src.DataDir, segment.NewID(1, 0)))
	data, err := os.ReadFile(filepath.Join(src.DataDir, name))
	require.NoError(t, err)
	require.Len(t, data, int(size))

	for cut := 0; cut <= len(data); cut++ {
		cfg := testConfig(t.TempDir())
		require.NoError(t, os.WriteFile(filepath.Join(cfg.DataDir, name), data[:cut], 0644))

		complete := 0
		var valid int64
		for _, b := range bounds {
			if b <= int64(cut) {
				complete++
				valid = b
			}
		}

		e, err := Open(cfg, WithLogger(log.NewNopLogger()))
		require.NoError(t, err, "cut %d", cut)
		for i := range bounds {
			_, found, err := e.Get([]byte(fmt.Sprintf("key%d", i)))
			require.NoError(t, err)
			assert.Equal(t, i < complete, found, "cut %d key%d", cut, i)
		}

		st, err := e.Status()
		require.NoError(t, err)
		assert.Equal(t, segment.NewID(1, 0), st.ActiveSegmentID, "cut %d", cut)
		assert.Equal(t, valid, st.ActiveSegmentSize, "cut %d", cut)

		recovery := e.Stats()["recovery"].(map[string]interface{})
		assert.Equal(t, uint64(int64(cut)-valid), recovery["truncated_bytes"], "cut %d", cut)

		// Appends continue from the intact prefix.
		require.NoError(t, e.Set([]byte("after"), []byte("crash")))
		require.NoError(t, e.Close())

		e, err = Open(cfg, WithLogger(log.NewNopLogger()))
		require.NoError(t, err)
		value, found, err := e.Get([]byte("after"))
		require.NoError(t, err)
		assert.True(t, found, "cut %d", cut)
		assert.Equal(t, "crash", string(value))
		require.NoError(t, e.Close())
	}
}

func corruptByte(t *testing.T, path string, offset int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	defer f.Close()

	b := make([]byte, 1)
	_, err = f.ReadAt(b, offset)
	require.NoError(t, err)
	b[0] ^= 0xff
	_, err = f.WriteAt(b, offset)
	require.NoError(t, err)
}

func TestCorruptEntrySkippedOnRecovery(t *testing.T) {
	cfg := testConfig(t.TempDir())
	e := openEngine(t, cfg)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, e.Set([]byte(k), []byte("value-"+k)))
	}
	require.NoError(t, e.Close())

	// Last byte of b's value.
	offset := entrySize("a", "value-a") + entrySize("b", "value-b") - 1
	corruptByte(t, segment.Path(cfg.DataDir, segment.NewID(1, 0)), offset)

	e = openEngine(t, cfg)
	_, found := mustGet(t, e, "b")
	assert.False(t, found)
	for _, k := range []string{"a", "c"} {
		value, found := mustGet(t, e, k)
		assert.True(t, found)
		assert.Equal(t, "value-"+k, value)
	}

	recovery := e.Stats()["recovery"].(map[string]interface{})
	assert.Equal(t, uint64(1), recovery["corrupted_entries"])
}

func TestDamagedLengthInSealedSegmentIsReported(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.SegmentMaxSize = 4 * entrySize("a", "1")
	e := openEngine(t, cfg)
	for _, k := range []string{"a", "b", "c", "z"} {
		require.NoError(t, e.Set([]byte(k), []byte("1")))
	}
	st, err := e.Status()
	require.NoError(t, err)
	require.Equal(t, segment.NewID(2, 0), st.ActiveSegmentID)
	require.NoError(t, e.Close())

	// b's key length now claims more bytes than the sealed segment holds.
	f, err := os.OpenFile(segment.Path(cfg.DataDir, segment.NewID(1, 0)), os.O_RDWR, 0644)
	require.NoError(t, err)
	var keyLen [4]byte
	binary.LittleEndian.PutUint32(keyLen[:], 1000)
	_, err = f.WriteAt(keyLen[:], entrySize("a", "1")+8)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	e = openEngine(t, cfg)
	value, found := mustGet(t, e, "a")
	assert.True(t, found)
	assert.Equal(t, "1", value)
	for _, k := range []string{"b", "c", "z"} {
		_, found := mustGet(t, e, k)
		assert.False(t, found, k)
	}

	stats := e.Stats()
	recovery := stats["recovery"].(map[string]interface{})
	assert.Equal(t, uint64(1), recovery["corrupted_entries"])
	assert.Equal(t, uint64(0), recovery["truncated_bytes"])
	errs := stats["errors"].(map[string]uint64)
	assert.Equal(t, uint64(1), errs["corrupt_entry"])

	// The sealed segment is left as it was.
	info, err := os.Stat(segment.Path(cfg.DataDir, segment.NewID(1, 0)))
	require.NoError(t, err)
	assert.Equal(t, 4*entrySize("a", "1"), info.Size())
}

func TestGetDetectsCorruption(t *testing.T) {
	cfg := testConfig(t.TempDir())
	e := openEngine(t, cfg)
	require.NoError(t, e.Set([]byte("key"), []byte("value")))

	corruptByte(t, segment.Path(cfg.DataDir, segment.NewID(1, 0)), entrySize("key", "value")-1)

	_, found, err := e.Get([]byte("key"))
	assert.ErrorIs(t, err, ErrCorruptEntry)
	assert.False(t, found)

	it, err := e.Scan()
	require.NoError(t, err)
	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), ErrCorruptEntry)
	it.Close()

	errs := e.Stats()["errors"].(map[string]uint64)
	assert.GreaterOrEqual(t, errs["corrupt_entry"], uint64(2))
}

func TestDirectoryLock(t *testing.T) {
	cfg := testConfig(t.TempDir())
	e := openEngine(t, cfg)

	_, err := Open(cfg, WithLogger(log.NewNopLogger()))
	assert.ErrorIs(t, err, ErrDirectoryLocked)

	require.NoError(t, e.Close())
	e2, err := Open(cfg, WithLogger(log.NewNopLogger()))
	require.NoError(t, err)
	require.NoError(t, e2.Close())
}

func TestClosedEngine(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))
	require.NoError(t, e.Set([]byte("k"), []byte("v")))
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, _, err := e.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrEngineClosed)
	assert.ErrorIs(t, e.Set([]byte("k"), []byte("v")), ErrEngineClosed)
	assert.ErrorIs(t, e.Delete([]byte("k")), ErrEngineClosed)
	assert.ErrorIs(t, e.Flush(), ErrEngineClosed)
	_, err = e.Scan()
	assert.ErrorIs(t, err, ErrEngineClosed)
	_, err = e.Keys(nil)
	assert.ErrorIs(t, err, ErrEngineClosed)
	_, err = e.Compact()
	assert.ErrorIs(t, err, ErrEngineClosed)
	_, err = e.Status()
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestConcurrentReadsDuringCompaction(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.SegmentMaxSize = 512
	e := openEngine(t, cfg)

	const numKeys = 50
	key := func(i int) []byte { return []byte(fmt.Sprintf("key%03d", i)) }
	for i := 0; i < numKeys; i++ {
		require.NoError(t, e.Set(key(i), []byte(fmt.Sprintf("key%03d-v0", i))))
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures []string

	fail := func(format string, args ...interface{}) {
		mu.Lock()
		failures = append(failures, fmt.Sprintf(format, args...))
		mu.Unlock()
	}

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for {
				select {
				case <-stop:
					return
				default:
				}
				i := rng.Intn(numKeys)
				value, found, err := e.Get(key(i))
				if err != nil || !found {
					fail("get %s: found=%v err=%v", key(i), found, err)
					continue
				}
				if !strings.HasPrefix(string(value), string(key(i))+"-v") {
					fail("get %s: unexpected value %q", key(i), value)
				}
			}
		}(int64(r))
	}

	for round := 1; round <= 5; round++ {
		for i := 0; i < numKeys; i += 2 {
			require.NoError(t, e.Set(key(i), []byte(fmt.Sprintf("key%03d-v%d", i, round))))
		}
		_, err := e.Compact()
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	assert.Empty(t, failures)
	for i := 0; i < numKeys; i++ {
		want := fmt.Sprintf("key%03d-v0", i)
		if i%2 == 0 {
			want = fmt.Sprintf("key%03d-v5", i)
		}
		value, found := mustGet(t, e, string(key(i)))
		require.True(t, found)
		assert.Equal(t, want, value)
	}
}

func TestBackgroundCompaction(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.AutoCompaction = true
	cfg.SegmentMaxSize = 256
	e := openEngine(t, cfg)

	for i := 0; i < 200; i++ {
		require.NoError(t, e.Set([]byte(fmt.Sprintf("k%d", i%4)), []byte(fmt.Sprintf("v%d", i))))
	}

	require.Eventually(t, func() bool {
		cs, ok := e.Stats()["compaction"].(map[string]interface{})
		return ok && cs["background_runs"].(uint64) > 0
	}, 5*time.Second, 10*time.Millisecond)

	for i := 196; i < 200; i++ {
		value, found := mustGet(t, e, fmt.Sprintf("k%d", i%4))
		require.True(t, found)
		assert.Equal(t, fmt.Sprintf("v%d", i), value)
	}
}

func TestRecoveryRemovesLeftovers(t *testing.T) {
	cfg := testConfig(t.TempDir())
	tmp := segment.Path(cfg.DataDir, segment.NewID(1, 1)) + segment.TempExt
	orphan := hint.Path(cfg.DataDir, segment.NewID(7, 1))
	require.NoError(t, os.WriteFile(tmp, []byte("partial"), 0644))
	require.NoError(t, os.WriteFile(orphan, []byte("stale"), 0644))

	e := openEngine(t, cfg)
	_, err := os.Stat(tmp)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))

	st, err := e.Status()
	require.NoError(t, err)
	assert.Equal(t, segment.NewID(1, 0), st.ActiveSegmentID)
}

func TestReopenAfterCompactionStartsNewGeneration(t *testing.T) {
	cfg := testConfig(t.TempDir())
	e := openEngine(t, cfg)
	require.NoError(t, e.Set([]byte("a"), []byte("1")))
	require.NoError(t, e.Set([]byte("a"), []byte("2")))
	_, err := e.Compact()
	require.NoError(t, err)

	// Remove the empty active segment so that the merged output is newest.
	st, err := e.Status()
	require.NoError(t, err)
	active := st.ActiveSegmentID
	require.NoError(t, e.Close())
	require.NoError(t, os.Remove(segment.Path(cfg.DataDir, active)))

	e = openEngine(t, cfg)
	st, err = e.Status()
	require.NoError(t, err)
	assert.Equal(t, segment.NewID(2, 0), st.ActiveSegmentID)

	value, found := mustGet(t, e, "a")
	assert.True(t, found)
	assert.Equal(t, "2", value)
}

func TestBatchSyncMode(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.SyncMode = config.SyncBatch
	cfg.SyncIntervalMs = 5

	e, err := Open(cfg, WithLogger(log.NewNopLogger()))
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.NoError(t, e.Set([]byte(fmt.Sprintf("k%02d", i)), []byte("v")))
	}
	// Let the sync ticker fire while writes are pending.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.Flush())
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Flush(), ErrEngineClosed)

	e = openEngine(t, testConfig(dir))
	value, found := mustGet(t, e, "k49")
	assert.True(t, found)
	assert.Equal(t, "v", value)
	assert.Equal(t, int64(50), e.keydir.Len())
}
