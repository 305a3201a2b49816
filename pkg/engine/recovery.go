package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/KevoDB/logcask/pkg/entry"
	"github.com/KevoDB/logcask/pkg/hint"
	"github.com/KevoDB/logcask/pkg/keydir"
	"github.com/KevoDB/logcask/pkg/segment"
	"github.com/KevoDB/logcask/pkg/stats"
)

// recover rebuilds the keydir from the segments in the data directory and
// opens the active segment. Segments are applied in ascending id order, so
// the newest entry for every key wins.
func (e *Engine) recover() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	start := e.stats.StartRecovery()
	var result stats.RecoveryResult

	removed, err := segment.RemoveTempFiles(e.dir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	for _, path := range removed {
		e.logger.Info("Removed leftover from interrupted compaction: %s", filepath.Base(path))
	}

	ids, err := segment.FindSegments(e.dir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	e.removeOrphanHints(ids)

	var last *segment.RecoveryStats
	for i, id := range ids {
		seg, err := segment.Open(e.dir, id)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
		e.segments.add(seg)
		e.liveBytes[id] = 0

		if e.cfg.UseHintFiles && e.loadHint(seg, &result) {
			last = &segment.RecoveryStats{ValidSize: seg.Size()}
			continue
		}

		// Only the newest plain segment can legitimately end mid-entry.
		tail := i == len(ids)-1 && !id.IsMerged()
		rs, err := e.replaySegment(seg, tail, &result)
		if err != nil {
			return err
		}
		last = rs
	}

	if err := e.openActive(ids, last, &result); err != nil {
		return err
	}
	e.nextGen = e.active.ID().Generation() + 1

	e.stats.FinishRecovery(start, result)
	e.logger.Info("Recovered %d keys from %d segments (%d from hint files, %d corrupt entries skipped), active segment %s",
		e.keydir.Len(), result.SegmentsReplayed, result.HintFilesUsed, result.CorruptedEntries, e.active.ID())
	return nil
}

// loadHint applies the hint file of seg if there is a usable one.
func (e *Engine) loadHint(seg *segment.Segment, result *stats.RecoveryResult) bool {
	records, err := hint.Read(e.dir, seg.ID(), seg.Size())
	if err != nil {
		if !os.IsNotExist(err) {
			e.logger.Warn("Ignoring hint file for segment %s: %v", seg.ID(), err)
			if err := hint.Remove(e.dir, seg.ID()); err != nil {
				e.logger.Warn("Failed to remove hint file for segment %s: %v", seg.ID(), err)
			}
		}
		return false
	}

	for _, r := range records {
		e.applyLocked(r.Key, keydir.Location{
			SegmentID: seg.ID(),
			Offset:    r.Offset,
			Length:    r.Length,
			Tombstone: r.Tombstone,
		})
	}
	result.SegmentsReplayed++
	result.HintFilesUsed++
	result.EntriesRecovered += uint64(len(records))
	return true
}

// replaySegment applies every intact entry of seg. An incomplete last entry
// is expected only on the tail segment, where openActive cuts it off; on any
// other segment it means a damaged header hid the rest of the file.
func (e *Engine) replaySegment(seg *segment.Segment, tail bool, result *stats.RecoveryResult) (*segment.RecoveryStats, error) {
	onCorrupt := func(offset int64, err error) {
		e.metrics.RecordCorruptEntry(context.Background(), seg.ID())
		e.logger.Warn("Skipping corrupt entry in segment %s at offset %d: %v", seg.ID(), offset, err)
	}
	apply := func(ent *entry.Entry, offset, length int64) error {
		e.applyLocked(append([]byte{}, ent.Key...), keydir.Location{
			SegmentID: seg.ID(),
			Offset:    offset,
			Length:    length,
			Tombstone: ent.Tombstone,
		})
		return nil
	}

	rs, err := segment.Replay(seg, apply, onCorrupt)
	if err != nil {
		return nil, fmt.Errorf("%w: replaying segment %s: %w", ErrIO, seg.ID(), err)
	}

	result.SegmentsReplayed++
	result.EntriesRecovered += rs.EntriesProcessed
	result.CorruptedEntries += rs.EntriesSkipped
	if rs.EntriesSkipped > 0 {
		e.stats.TrackError("corrupt_entry")
	}
	if rs.Corrupt != nil {
		result.CorruptedEntries++
		e.stats.TrackError("corrupt_entry")
		e.metrics.RecordCorruptEntry(context.Background(), seg.ID())
		e.logger.Warn("Segment %s is unreadable past offset %d: %v", seg.ID(), rs.ValidSize, rs.Corrupt)
	}
	if rs.Truncated && !tail {
		result.CorruptedEntries++
		e.stats.TrackError("corrupt_entry")
		e.metrics.RecordCorruptEntry(context.Background(), seg.ID())
		e.logger.Warn("Segment %s is unreadable past offset %d of %d bytes: entry length runs past the end of a sealed segment",
			seg.ID(), rs.ValidSize, seg.Size())
	}
	return rs, nil
}

// applyLocked records a recovered entry. A tombstone stays in the keydir so
// that compaction can later drop it together with the values it shadows.
func (e *Engine) applyLocked(key []byte, loc keydir.Location) {
	prev, hadPrev := e.keydir.Put(key, loc)
	e.accountLocked(prev, hadPrev, loc)
}

// openActive picks the segment new writes go to. The newest segment is
// reused when it is a plain segment with room left; a torn tail on it is
// cut off first. Otherwise a new generation is started.
func (e *Engine) openActive(ids []segment.ID, last *segment.RecoveryStats, result *stats.RecoveryResult) error {
	if len(ids) == 0 {
		return e.createActive(1)
	}

	newest := ids[len(ids)-1]
	reusable := !newest.IsMerged() && last.Corrupt == nil
	if !reusable {
		return e.createActive(newest.Generation() + 1)
	}

	if last.Truncated {
		seg, _ := e.segments.acquire(newest)
		size := seg.Size()
		seg.Release()

		e.logger.Warn("Truncating torn tail of segment %s from %d to %d bytes", newest, size, last.ValidSize)
		result.TruncatedBytes += uint64(size - last.ValidSize)
	}
	if last.ValidSize >= e.cfg.SegmentMaxSize {
		if last.Truncated {
			if err := e.truncate(newest, last.ValidSize); err != nil {
				return err
			}
		}
		return e.createActive(newest.Generation() + 1)
	}

	active, err := segment.OpenForAppend(e.dir, newest, e.segmentOptions())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	if last.Truncated {
		if err := active.Truncate(last.ValidSize); err != nil {
			active.Close()
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
	}
	for _, old := range e.segments.remove(newest) {
		old.Close()
	}
	e.segments.add(active)
	e.active = active
	return nil
}

// truncate cuts a segment that stays sealed back to size.
func (e *Engine) truncate(id segment.ID, size int64) error {
	seg, err := segment.OpenForAppend(e.dir, id, e.segmentOptions())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	if err := seg.Truncate(size); err != nil {
		seg.Close()
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	if err := seg.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	reopened, err := segment.Open(e.dir, id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	for _, old := range e.segments.remove(id) {
		old.Close()
	}
	e.segments.add(reopened)
	return nil
}

func (e *Engine) createActive(generation uint64) error {
	id := segment.NewID(generation, 0)
	seg, err := segment.Create(e.dir, id, e.segmentOptions())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	if err := segment.SyncDir(e.dir); err != nil {
		seg.Remove()
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	e.segments.add(seg)
	e.liveBytes[id] = 0
	e.active = seg
	return nil
}

// removeOrphanHints deletes hint files whose segment no longer exists.
func (e *Engine) removeOrphanHints(ids []segment.ID) {
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[hint.Path(e.dir, id)] = struct{}{}
	}

	matches, err := filepath.Glob(filepath.Join(e.dir, "*"+hint.FileExt))
	if err != nil {
		return
	}
	for _, path := range matches {
		if _, ok := known[path]; ok {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("Failed to remove orphaned hint file %s: %v", filepath.Base(path), err)
		}
	}
}
