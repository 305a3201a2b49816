package compaction

import (
	"sort"

	"github.com/KevoDB/logcask/pkg/segment"
)

// SegmentInfo is the space accounting the engine keeps for one segment.
type SegmentInfo struct {
	ID segment.ID

	// Size is the number of bytes in the file
	Size int64

	// LiveBytes is the encoded size of the values the index still points at.
	// Tombstones are never live, so a segment holding them has dead bytes.
	LiveBytes int64

	// Active is set for the segment currently receiving writes
	Active bool
}

// DeadBytes returns the bytes held by superseded entries
func (s SegmentInfo) DeadBytes() int64 {
	if dead := s.Size - s.LiveBytes; dead > 0 {
		return dead
	}
	return 0
}

// Strategy decides when compaction is worthwhile and which segments it covers.
type Strategy interface {
	// NeedsCompaction reports whether enough space is reclaimable to run
	NeedsCompaction(segments []SegmentInfo) bool

	// SelectCompaction returns the ids of the segments to compact, in
	// ascending order, or nil when nothing would be reclaimed
	SelectCompaction(segments []SegmentInfo) []segment.ID
}

// RatioStrategy compacts once the fraction of dead bytes on disk exceeds a
// threshold. It always selects every sealed segment: compacting only part of
// the sealed history could drop a tombstone while an older value for the same
// key survives in a segment that was not selected.
type RatioStrategy struct {
	ratio float64
}

// NewRatioStrategy creates a strategy with the given dead-byte threshold
func NewRatioStrategy(ratio float64) *RatioStrategy {
	return &RatioStrategy{ratio: ratio}
}

// Ratio returns the configured threshold
func (s *RatioStrategy) Ratio() float64 { return s.ratio }

// NeedsCompaction reports whether the dead ratio of all segments exceeds the threshold.
func (s *RatioStrategy) NeedsCompaction(segments []SegmentInfo) bool {
	dead, _, ratio := DeadRatio(segments)
	return dead > 0 && ratio > s.ratio
}

// SelectCompaction returns all sealed segments if any of them holds dead bytes.
func (s *RatioStrategy) SelectCompaction(segments []SegmentInfo) []segment.ID {
	var ids []segment.ID
	reclaimable := false
	for _, info := range segments {
		if info.Active {
			continue
		}
		ids = append(ids, info.ID)
		if info.DeadBytes() > 0 {
			reclaimable = true
		}
	}
	if !reclaimable {
		return nil
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DeadRatio sums dead and total bytes over segments.
func DeadRatio(segments []SegmentInfo) (dead, total int64, ratio float64) {
	for _, info := range segments {
		dead += info.DeadBytes()
		total += info.Size
	}
	if total > 0 {
		ratio = float64(dead) / float64(total)
	}
	return dead, total, ratio
}
