// Package compaction rewrites the live entries of sealed segments into fresh
// segments so that superseded values and tombstones stop taking disk space.
package compaction

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/KevoDB/logcask/pkg/keydir"
	"github.com/KevoDB/logcask/pkg/segment"
)

// ErrCompactionFailed is returned when a run could not produce its outputs.
// The inputs are untouched and the run can be retried.
var ErrCompactionFailed = errors.New("compaction failed")

// Task represents a set of sealed segments to be compacted
type Task struct {
	// Directory holding the inputs; outputs are written next to them
	Dir string

	// Input segments in ascending id order
	Inputs []*segment.Segment

	// Outputs are numbered NewID(OutputGeneration, FirstMerge+i), which
	// sorts them after every input and before any later normal segment.
	OutputGeneration uint64
	FirstMerge       uint16

	inputs map[segment.ID]struct{}
}

// NewTask builds a task over inputs, which must be sorted by id.
func NewTask(dir string, inputs []*segment.Segment) (*Task, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: no input segments", ErrCompactionFailed)
	}

	t := &Task{
		Dir:    dir,
		Inputs: inputs,
		inputs: make(map[segment.ID]struct{}, len(inputs)),
	}

	var maxMerge uint16
	for _, seg := range inputs {
		id := seg.ID()
		t.inputs[id] = struct{}{}
		switch {
		case id.Generation() > t.OutputGeneration:
			t.OutputGeneration = id.Generation()
			maxMerge = id.Merge()
		case id.Generation() == t.OutputGeneration && id.Merge() > maxMerge:
			maxMerge = id.Merge()
		}
	}
	if maxMerge == math.MaxUint16 {
		return nil, fmt.Errorf("%w: merge sequence exhausted for generation %d", ErrCompactionFailed, t.OutputGeneration)
	}
	t.FirstMerge = maxMerge + 1
	return t, nil
}

// Contains reports whether id is one of the task's inputs
func (t *Task) Contains(id segment.ID) bool {
	_, ok := t.inputs[id]
	return ok
}

// OutputID returns the id of the n-th output segment.
func (t *Task) OutputID(n int) (segment.ID, error) {
	merge := int(t.FirstMerge) + n
	if merge > math.MaxUint16 {
		return 0, fmt.Errorf("%w: merge sequence exhausted for generation %d", ErrCompactionFailed, t.OutputGeneration)
	}
	return segment.NewID(t.OutputGeneration, uint16(merge)), nil
}

// InputIDs returns the ids of the inputs
func (t *Task) InputIDs() []segment.ID {
	ids := make([]segment.ID, len(t.Inputs))
	for i, seg := range t.Inputs {
		ids[i] = seg.ID()
	}
	return ids
}

// InputBytes returns the combined size of the inputs
func (t *Task) InputBytes() int64 {
	var total int64
	for _, seg := range t.Inputs {
		total += seg.Size()
	}
	return total
}

// Move repoints a key from its location in an input to its copy in an output.
type Move struct {
	Key  []byte
	From keydir.Location
	To   keydir.Location
}

// Drop removes a key whose newest entry is a tombstone (or could not be
// read back) from the index.
type Drop struct {
	Key []byte
	Loc keydir.Location
}

// Result is what a successful run hands to the engine for commit.
type Result struct {
	Task    *Task
	Outputs []*segment.Segment

	Moves []Move
	Drops []Drop

	BytesWritten   int64
	CorruptEntries int
	HintFiles      int
	Duration       time.Duration
}

// OutputIDs returns the ids of the published outputs
func (r *Result) OutputIDs() []segment.ID {
	ids := make([]segment.ID, len(r.Outputs))
	for i, seg := range r.Outputs {
		ids[i] = seg.ID()
	}
	return ids
}

// ReclaimedBytes is the disk space the run frees once its inputs are deleted.
func (r *Result) ReclaimedBytes() int64 {
	return r.Task.InputBytes() - r.BytesWritten
}
