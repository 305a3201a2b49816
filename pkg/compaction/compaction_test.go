package compaction

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevoDB/logcask/pkg/common/log"
	"github.com/KevoDB/logcask/pkg/config"
	"github.com/KevoDB/logcask/pkg/entry"
	"github.com/KevoDB/logcask/pkg/hint"
	"github.com/KevoDB/logcask/pkg/keydir"
	"github.com/KevoDB/logcask/pkg/segment"
)

// testLog writes entries to segments and indexes them the way the engine does.
type testLog struct {
	t    *testing.T
	dir  string
	kd   *keydir.Keydir
	segs map[segment.ID]*segment.Segment
}

func newTestLog(t *testing.T) *testLog {
	t.Helper()
	l := &testLog{
		t:    t,
		dir:  t.TempDir(),
		kd:   keydir.New(),
		segs: make(map[segment.ID]*segment.Segment),
	}
	t.Cleanup(func() {
		for _, seg := range l.segs {
			seg.Close()
		}
	})
	return l
}

func (l *testLog) segment(gen uint64) *segment.Segment {
	id := segment.NewID(gen, 0)
	if seg, ok := l.segs[id]; ok {
		return seg
	}
	seg, err := segment.Create(l.dir, id, segment.Options{SyncMode: config.SyncNone})
	require.NoError(l.t, err)
	l.segs[id] = seg
	return seg
}

func (l *testLog) write(gen uint64, key, value string, tombstone bool) keydir.Location {
	seg := l.segment(gen)
	data := entry.Encode([]byte(key), []byte(value), tombstone)
	off, err := seg.Write(data)
	require.NoError(l.t, err)

	loc := keydir.Location{SegmentID: seg.ID(), Offset: off, Length: int64(len(data)), Tombstone: tombstone}
	l.kd.Put([]byte(key), loc)
	return loc
}

func (l *testLog) set(gen uint64, key, value string) keydir.Location {
	return l.write(gen, key, value, false)
}

func (l *testLog) del(gen uint64, key string) keydir.Location {
	return l.write(gen, key, "", true)
}

func (l *testLog) seal(gens ...uint64) []*segment.Segment {
	var out []*segment.Segment
	for _, gen := range gens {
		seg := l.segment(gen)
		require.NoError(l.t, seg.Seal())
		out = append(out, seg)
	}
	return out
}

func (l *testLog) readValue(loc keydir.Location, outputs []*segment.Segment) string {
	for _, seg := range outputs {
		if seg.ID() != loc.SegmentID {
			continue
		}
		data, err := seg.ReadAt(loc.Offset, loc.Length)
		require.NoError(l.t, err)
		e, _, err := entry.Decode(data)
		require.NoError(l.t, err)
		return string(e.Value)
	}
	l.t.Fatalf("segment %s not among outputs", loc.SegmentID)
	return ""
}

func newTestExecutor(maxSize int64, hints bool) *DefaultExecutor {
	return NewExecutor(ExecutorOptions{
		SegmentMaxSize: maxSize,
		UseHintFiles:   hints,
		HintCodec:      hint.CodecZstd,
		Logger:         log.NewNopLogger(),
	})
}

func TestNewTaskOutputIDs(t *testing.T) {
	l := newTestLog(t)
	l.set(1, "a", "1")
	l.set(2, "b", "1")
	inputs := l.seal(1, 2)

	merged, err := segment.CreateTemp(l.dir, segment.NewID(2, 3), segment.Options{})
	require.NoError(t, err)
	defer merged.Remove()
	inputs = append(inputs, merged)

	task, err := NewTask(l.dir, inputs)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), task.OutputGeneration)
	assert.Equal(t, uint16(4), task.FirstMerge)
	assert.True(t, task.Contains(segment.NewID(1, 0)))
	assert.False(t, task.Contains(segment.NewID(3, 0)))

	id, err := task.OutputID(1)
	require.NoError(t, err)
	assert.Equal(t, segment.NewID(2, 5), id)
	assert.Less(t, uint64(id), uint64(segment.NewID(3, 0)))

	_, err = NewTask(l.dir, nil)
	assert.ErrorIs(t, err, ErrCompactionFailed)
}

func TestExecutorCopiesLiveEntries(t *testing.T) {
	l := newTestLog(t)
	l.set(1, "a", "a1")
	l.set(1, "b", "b1")
	l.set(1, "c", "c1")
	l.set(2, "a", "a2")
	l.del(2, "b")
	l.set(3, "c", "c3") // active, not an input

	inputs := l.seal(1, 2)
	task, err := NewTask(l.dir, inputs)
	require.NoError(t, err)

	res, err := newTestExecutor(1<<20, true).Run(task, l.kd)
	require.NoError(t, err)

	require.Len(t, res.Outputs, 1)
	assert.Equal(t, segment.NewID(2, 1), res.Outputs[0].ID())
	assert.True(t, res.Outputs[0].IsSealed())
	assert.Equal(t, 1, res.HintFiles)

	require.Len(t, res.Moves, 1)
	assert.Equal(t, "a", string(res.Moves[0].Key))
	assert.Equal(t, "a2", l.readValue(res.Moves[0].To, res.Outputs))

	require.Len(t, res.Drops, 1)
	assert.Equal(t, "b", string(res.Drops[0].Key))
	assert.True(t, res.Drops[0].Loc.Tombstone)

	assert.Equal(t, res.Outputs[0].Size(), res.BytesWritten)
	assert.Greater(t, res.ReclaimedBytes(), int64(0))

	// The index is left for the engine to repoint.
	loc, ok := l.kd.Get([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, segment.NewID(2, 0), loc.SegmentID)

	// Output is published under its final name with a matching hint.
	_, err = os.Stat(segment.Path(l.dir, res.Outputs[0].ID()))
	require.NoError(t, err)
	records, err := hint.Read(l.dir, res.Outputs[0].ID(), res.Outputs[0].Size())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, res.Moves[0].To.Offset, records[0].Offset)

	tmps, err := filepath.Glob(filepath.Join(l.dir, "*"+segment.TempExt))
	require.NoError(t, err)
	assert.Empty(t, tmps)
}

func TestExecutorRotatesOutputs(t *testing.T) {
	l := newTestLog(t)
	for i := 0; i < 20; i++ {
		l.set(1, fmt.Sprintf("key%02d", i), "0123456789")
	}
	task, err := NewTask(l.dir, l.seal(1))
	require.NoError(t, err)

	const maxSize = 100
	res, err := newTestExecutor(maxSize, false).Run(task, l.kd)
	require.NoError(t, err)

	require.Greater(t, len(res.Outputs), 1)
	for i, out := range res.Outputs {
		assert.Equal(t, segment.NewID(1, uint16(i+1)), out.ID())
		assert.LessOrEqual(t, out.Size(), int64(maxSize))
	}
	assert.Len(t, res.Moves, 20)
	assert.Zero(t, res.HintFiles)

	for _, mv := range res.Moves {
		assert.Equal(t, "0123456789", l.readValue(mv.To, res.Outputs))
	}
}

func TestExecutorOnlyTombstones(t *testing.T) {
	l := newTestLog(t)
	l.set(1, "a", "1")
	l.del(1, "a")
	task, err := NewTask(l.dir, l.seal(1))
	require.NoError(t, err)

	res, err := newTestExecutor(1<<20, true).Run(task, l.kd)
	require.NoError(t, err)
	assert.Empty(t, res.Outputs)
	assert.Empty(t, res.Moves)
	assert.Len(t, res.Drops, 1)
	assert.Equal(t, task.InputBytes(), res.ReclaimedBytes())
}

func TestExecutorDropsCorruptEntry(t *testing.T) {
	l := newTestLog(t)
	l.set(1, "good", "value")
	bad := l.set(1, "bad", "value")
	seg := l.seal(1)[0]

	// Flip a value byte on disk.
	f, err := os.OpenFile(seg.Path(), os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{'X'}, bad.Offset+bad.Length-1)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	task, err := NewTask(l.dir, []*segment.Segment{seg})
	require.NoError(t, err)
	res, err := newTestExecutor(1<<20, false).Run(task, l.kd)
	require.NoError(t, err)

	assert.Equal(t, 1, res.CorruptEntries)
	require.Len(t, res.Drops, 1)
	assert.Equal(t, "bad", string(res.Drops[0].Key))
	require.Len(t, res.Moves, 1)
	assert.Equal(t, "good", string(res.Moves[0].Key))
}

func TestExecutorFailureRemovesOutputs(t *testing.T) {
	l := newTestLog(t)
	l.set(1, "a", "1")
	l.set(2, "b", "2")
	inputs := l.seal(1, 2)

	// A closed input makes the read of "b" fail after "a" was copied.
	require.NoError(t, inputs[1].Close())

	task, err := NewTask(l.dir, inputs)
	require.NoError(t, err)
	res, err := newTestExecutor(1<<20, true).Run(task, l.kd)
	require.ErrorIs(t, err, ErrCompactionFailed)
	assert.Nil(t, res)

	out := segment.NewID(2, 1)
	_, err = os.Stat(segment.Path(l.dir, out))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(segment.Path(l.dir, out) + segment.TempExt)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(hint.Path(l.dir, out))
	assert.True(t, os.IsNotExist(err))

	// Inputs are untouched.
	_, err = os.Stat(inputs[0].Path())
	assert.NoError(t, err)
}

func TestRatioStrategy(t *testing.T) {
	s := NewRatioStrategy(0.2)

	clean := []SegmentInfo{
		{ID: segment.NewID(1, 0), Size: 100, LiveBytes: 100},
		{ID: segment.NewID(2, 0), Size: 50, LiveBytes: 50, Active: true},
	}
	assert.False(t, s.NeedsCompaction(clean))
	assert.Nil(t, s.SelectCompaction(clean))

	dirty := []SegmentInfo{
		{ID: segment.NewID(2, 0), Size: 100, LiveBytes: 100},
		{ID: segment.NewID(1, 0), Size: 100, LiveBytes: 40},
		{ID: segment.NewID(3, 0), Size: 10, LiveBytes: 10, Active: true},
	}
	dead, total, ratio := DeadRatio(dirty)
	assert.Equal(t, int64(60), dead)
	assert.Equal(t, int64(210), total)
	assert.InDelta(t, 60.0/210.0, ratio, 1e-9)
	assert.True(t, s.NeedsCompaction(dirty))
	assert.Equal(t, []segment.ID{segment.NewID(1, 0), segment.NewID(2, 0)}, s.SelectCompaction(dirty))

	// Garbage only in the active segment is not selectable.
	activeOnly := []SegmentInfo{
		{ID: segment.NewID(1, 0), Size: 100, LiveBytes: 100},
		{ID: segment.NewID(2, 0), Size: 100, LiveBytes: 0, Active: true},
	}
	assert.True(t, s.NeedsCompaction(activeOnly))
	assert.Nil(t, s.SelectCompaction(activeOnly))

	assert.Zero(t, SegmentInfo{Size: 10, LiveBytes: 20}.DeadBytes())
}
