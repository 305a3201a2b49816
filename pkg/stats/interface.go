package stats

import "time"

// Provider defines the interface for components that provide statistics
type Provider interface {
	// GetStats returns all statistics
	GetStats() map[string]interface{}

	// GetStatsFiltered returns statistics whose key starts with prefix
	GetStatsFiltered(prefix string) map[string]interface{}
}

// Collector interface defines methods for collecting statistics
type Collector interface {
	Provider

	TrackOperation(op OperationType)
	TrackOperationWithLatency(op OperationType, latency time.Duration)
	TrackError(errorType string)
	TrackBytes(isWrite bool, bytes uint64)

	// TrackRotation counts a sealed segment
	TrackRotation()

	// TrackCompaction records one finished compaction and the bytes it reclaimed
	TrackCompaction(reclaimedBytes int64)

	// StartRecovery resets recovery statistics and returns the start time
	StartRecovery() time.Time

	// FinishRecovery stores the outcome of replaying the data directory
	FinishRecovery(startTime time.Time, result RecoveryResult)
}

// RecoveryResult summarizes one startup replay.
type RecoveryResult struct {
	SegmentsReplayed uint64
	HintFilesUsed    uint64
	EntriesRecovered uint64
	CorruptedEntries uint64
	TruncatedBytes   uint64
}

var _ Collector = (*AtomicCollector)(nil)
