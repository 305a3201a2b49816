package compaction

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/KevoDB/logcask/pkg/common/log"
	"github.com/KevoDB/logcask/pkg/config"
	"github.com/KevoDB/logcask/pkg/entry"
	"github.com/KevoDB/logcask/pkg/hint"
	"github.com/KevoDB/logcask/pkg/keydir"
	"github.com/KevoDB/logcask/pkg/segment"
)

// ExecutorOptions configures a DefaultExecutor
type ExecutorOptions struct {
	// SegmentMaxSize caps the size of each output segment
	SegmentMaxSize int64

	// UseHintFiles writes a hint file next to every output
	UseHintFiles bool
	HintCodec    hint.Codec

	Logger log.Logger
}

// DefaultExecutor copies live entries out of the input segments by walking
// the index, so only the newest entry of each key is ever read.
type DefaultExecutor struct {
	opts   ExecutorOptions
	logger log.Logger
}

// NewExecutor creates a new compaction executor
func NewExecutor(opts ExecutorOptions) *DefaultExecutor {
	logger := opts.Logger
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &DefaultExecutor{
		opts:   opts,
		logger: logger.WithField("component", "compaction"),
	}
}

type output struct {
	seg   *segment.Segment
	hints *hint.Writer
}

// Run performs the copy phase of a compaction.
func (e *DefaultExecutor) Run(task *Task, index Index) (*Result, error) {
	start := time.Now()

	inputs := make(map[segment.ID]*segment.Segment, len(task.Inputs))
	for _, seg := range task.Inputs {
		inputs[seg.ID()] = seg
	}

	res := &Result{Task: task}
	var outputs []*output

	fail := func(err error) (*Result, error) {
		for _, o := range outputs {
			if rmErr := o.seg.Remove(); rmErr != nil {
				e.logger.Warn("Failed to remove partial output %s: %v", o.seg.ID(), rmErr)
			}
			_ = hint.Remove(task.Dir, o.seg.ID())
		}
		return nil, fmt.Errorf("%w: %v", ErrCompactionFailed, err)
	}

	var current *output
	it := index.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		loc := it.Location()
		seg, ok := inputs[loc.SegmentID]
		if !ok {
			continue
		}
		key := it.Key()

		if loc.Tombstone {
			res.Drops = append(res.Drops, Drop{Key: key, Loc: loc})
			continue
		}

		value, err := readValue(seg, key, loc)
		if err != nil {
			if !errors.Is(err, entry.ErrCorruptEntry) {
				return fail(err)
			}
			e.logger.Warn("Dropping corrupt entry for key %q in segment %s at offset %d: %v",
				key, loc.SegmentID, loc.Offset, err)
			res.CorruptEntries++
			res.Drops = append(res.Drops, Drop{Key: key, Loc: loc})
			continue
		}

		data := entry.Encode(key, value, false)
		if current == nil || e.full(current.seg, len(data)) {
			current, err = e.newOutput(task, len(outputs))
			if err != nil {
				return fail(err)
			}
			outputs = append(outputs, current)
		}

		offset, err := current.seg.Append(data)
		if err != nil {
			return fail(err)
		}
		to := keydir.Location{
			SegmentID: current.seg.ID(),
			Offset:    offset,
			Length:    int64(len(data)),
		}
		if current.hints != nil {
			current.hints.Add(hint.Record{Key: key, Offset: to.Offset, Length: to.Length})
		}
		res.Moves = append(res.Moves, Move{Key: key, From: loc, To: to})
		res.BytesWritten += to.Length
	}

	for _, o := range outputs {
		if err := o.seg.Publish(); err != nil {
			return fail(err)
		}
		res.Outputs = append(res.Outputs, o.seg)
	}

	// A missing hint only slows down the next startup.
	for _, o := range outputs {
		if o.hints == nil {
			continue
		}
		if err := o.hints.Finish(o.seg.Size()); err != nil {
			e.logger.Warn("Failed to write hint file for segment %s: %v", o.seg.ID(), err)
			_ = hint.Remove(task.Dir, o.seg.ID())
			continue
		}
		res.HintFiles++
	}

	res.Duration = time.Since(start)
	e.logger.Debug("Copied %d entries from %d segments into %d outputs (%d dropped)",
		len(res.Moves), len(task.Inputs), len(res.Outputs), len(res.Drops))
	return res, nil
}

func (e *DefaultExecutor) full(seg *segment.Segment, next int) bool {
	size := seg.Size()
	return size > 0 && size+int64(next) > e.opts.SegmentMaxSize
}

func (e *DefaultExecutor) newOutput(task *Task, n int) (*output, error) {
	id, err := task.OutputID(n)
	if err != nil {
		return nil, err
	}
	seg, err := segment.CreateTemp(task.Dir, id, segment.Options{SyncMode: config.SyncNone})
	if err != nil {
		return nil, err
	}

	o := &output{seg: seg}
	if e.opts.UseHintFiles {
		o.hints = hint.NewWriter(task.Dir, id, e.opts.HintCodec)
	}
	return o, nil
}

// readValue loads the entry at loc and checks that it is the live entry
// the index expects.
func readValue(seg *segment.Segment, key []byte, loc keydir.Location) ([]byte, error) {
	data, err := seg.ReadAt(loc.Offset, loc.Length)
	if err != nil {
		return nil, err
	}

	e, n, err := entry.Decode(data)
	if err != nil {
		if errors.Is(err, entry.ErrTruncated) {
			return nil, fmt.Errorf("%w: %v", entry.ErrCorruptEntry, err)
		}
		return nil, err
	}
	if int64(n) != loc.Length || e.Tombstone || !bytes.Equal(e.Key, key) {
		return nil, fmt.Errorf("%w: entry does not match index", entry.ErrCorruptEntry)
	}
	return e.Value, nil
}
