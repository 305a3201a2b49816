package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/KevoDB/logcask/pkg/compaction"
	"github.com/KevoDB/logcask/pkg/segment"
	"github.com/KevoDB/logcask/pkg/stats"
	"github.com/KevoDB/logcask/pkg/telemetry"
)

// Compact rewrites the live entries of every sealed segment into new
// segments and retires the old ones. It runs in the foreground and returns
// what it did; a store with nothing to reclaim yields an empty summary.
func (e *Engine) Compact() (*CompactionSummary, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	start := time.Now()
	summary, err := e.compact(compaction.ReasonExplicit)
	e.stats.TrackOperationWithLatency(stats.OpCompact, time.Since(start))
	if err != nil {
		e.stats.TrackError("compaction_error")
		return nil, err
	}
	return summary, nil
}

// NeedsCompaction reports whether the dead-byte ratio calls for compaction
func (e *Engine) NeedsCompaction() bool {
	if e.closed.Load() {
		return false
	}
	e.writeMu.Lock()
	infos := e.segmentInfosLocked()
	e.writeMu.Unlock()
	return e.strategy.NeedsCompaction(infos)
}

// RunCompaction runs one compaction on behalf of the background coordinator
func (e *Engine) RunCompaction(reason string) error {
	_, err := e.compact(reason)
	if err != nil {
		e.stats.TrackError("compaction_error")
	}
	return err
}

func (e *Engine) compact(reason string) (*CompactionSummary, error) {
	e.compactMu.Lock()
	defer e.compactMu.Unlock()

	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	ctx, span := e.tel.StartSpan(context.Background(), "compaction.run",
		attribute.String(telemetry.AttrReason, reason))
	defer span.End()

	// Segments retired by an earlier run may be free to go now.
	if err := e.tracker.CleanupObsoleteFiles(); err != nil {
		e.logger.Warn("Cleanup of obsolete segments failed: %v", err)
	}

	summary := &CompactionSummary{Reason: reason}
	task, err := e.prepareCompaction()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if task == nil {
		return summary, nil
	}

	inputBytes := task.InputBytes()
	summary.InputSegments = len(task.Inputs)
	summary.BytesBefore = inputBytes
	e.compactionMetrics.RecordCompactionStart(ctx, reason, len(task.Inputs), inputBytes)
	e.logger.Info("Compacting %d segments (%d bytes), reason: %s", len(task.Inputs), inputBytes, reason)

	start := time.Now()
	res, err := e.executor.Run(task, e.keydir)
	if err != nil {
		e.releaseInputs(task)
		e.compactionMetrics.RecordCompactionComplete(ctx, time.Since(start), inputBytes, 0, 0, false)
		e.logger.Error("Compaction of %d segments failed: %v", len(task.Inputs), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	moved, dropped := e.commitCompaction(res)
	e.releaseInputs(task)

	if err := e.tracker.CleanupObsoleteFiles(); err != nil {
		e.logger.Warn("Retired segments kept until their readers finish: %v", err)
	}

	duration := time.Since(start)
	summary.OutputSegments = len(res.Outputs)
	summary.MovedKeys = moved
	summary.DroppedKeys = dropped
	summary.CorruptEntries = res.CorruptEntries
	summary.BytesAfter = res.BytesWritten
	summary.Duration = duration

	e.stats.TrackCompaction(res.ReclaimedBytes())
	e.compactionMetrics.RecordCompactionComplete(ctx, duration, inputBytes, res.BytesWritten, int64(dropped), true)
	e.compactionMetrics.RecordFileOperations(ctx, telemetry.FileOpCreated, len(res.Outputs), res.BytesWritten)
	e.compactionMetrics.RecordFileOperations(ctx, telemetry.FileOpDeleted, len(task.Inputs), inputBytes)
	e.logger.Info("Compacted %d segments into %d in %v: %d keys moved, %d dropped, %d bytes reclaimed",
		summary.InputSegments, summary.OutputSegments, duration, moved, dropped, summary.ReclaimedBytes())
	return summary, nil
}

// prepareCompaction selects the input segments and takes a reference on
// each. The active segment is sealed first when it holds dead bytes so that
// every superseded entry is within reach. It returns nil when there is
// nothing to compact.
func (e *Engine) prepareCompaction() (*compaction.Task, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	if e.active.Size() > e.liveBytes[e.active.ID()] {
		if err := e.rotateLocked(); err != nil {
			return nil, fmt.Errorf("%w: sealing active segment: %v", ErrCompactionFailed, err)
		}
	}

	ids := e.strategy.SelectCompaction(e.segmentInfosLocked())
	if len(ids) == 0 {
		return nil, nil
	}

	inputs := make([]*segment.Segment, 0, len(ids))
	for _, id := range ids {
		seg, ok := e.segments.acquire(id)
		if !ok {
			for _, in := range inputs {
				in.Release()
			}
			return nil, fmt.Errorf("%w: segment %s is not registered", ErrCompactionFailed, id)
		}
		inputs = append(inputs, seg)
	}

	task, err := compaction.NewTask(e.dir, inputs)
	if err != nil {
		for _, in := range inputs {
			in.Release()
		}
		return nil, err
	}
	return task, nil
}

// commitCompaction makes the outputs visible and retires the inputs. Keys
// written since the copy started keep their newer location.
func (e *Engine) commitCompaction(res *compaction.Result) (moved, dropped int) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	for _, out := range res.Outputs {
		e.liveBytes[out.ID()] = 0
	}
	e.segments.add(res.Outputs...)

	for _, mv := range res.Moves {
		if e.keydir.CompareAndSwap(mv.Key, mv.From, mv.To) {
			e.accountLocked(mv.From, true, mv.To)
			moved++
		}
	}
	for _, d := range res.Drops {
		if e.keydir.CompareAndRemove(d.Key, d.Loc) {
			e.unaccountLocked(d.Loc)
			dropped++
		}
	}

	ids := res.Task.InputIDs()
	retired := e.segments.remove(ids...)
	for _, id := range ids {
		delete(e.liveBytes, id)
	}
	e.tracker.MarkObsolete(retired...)
	return moved, dropped
}

func (e *Engine) releaseInputs(task *compaction.Task) {
	for _, seg := range task.Inputs {
		seg.Release()
	}
}

// segmentInfosLocked returns the space accounting of every registered segment.
func (e *Engine) segmentInfosLocked() []compaction.SegmentInfo {
	segs := e.segments.all()
	infos := make([]compaction.SegmentInfo, 0, len(segs))
	for _, seg := range segs {
		infos = append(infos, compaction.SegmentInfo{
			ID:        seg.ID(),
			Size:      seg.Size(),
			LiveBytes: e.liveBytes[seg.ID()],
			Active:    seg == e.active,
		})
	}
	return infos
}
