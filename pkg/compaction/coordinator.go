package compaction

import (
	"sync"
	"time"

	"github.com/KevoDB/logcask/pkg/common/log"
)

// Trigger reasons
const (
	ReasonInterval = "interval"
	ReasonRotation = "rotation"
	ReasonOpen     = "open"
	ReasonExplicit = "explicit"
)

// CoordinatorOptions holds configuration options for the coordinator
type CoordinatorOptions struct {
	// Runner checks and performs compactions
	Runner Runner

	// FileTracker holds segments waiting for deletion
	FileTracker FileTracker

	// Interval between periodic checks
	Interval time.Duration

	Logger log.Logger
}

// DefaultCoordinator runs compaction checks in the background, periodically
// and whenever Trigger is called.
type DefaultCoordinator struct {
	runner      Runner
	fileTracker FileTracker
	interval    time.Duration
	logger      log.Logger

	// Compaction state
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	triggerCh chan string
	stateMu   sync.Mutex

	// Statistics
	runs       uint64
	failures   uint64
	lastReason string
	lastError  error
	lastRun    time.Time
	resultsMu  sync.RWMutex
}

// NewCoordinator creates a new compaction coordinator
func NewCoordinator(options CoordinatorOptions) *DefaultCoordinator {
	if options.Interval <= 0 {
		options.Interval = 30 * time.Second
	}
	logger := options.Logger
	if logger == nil {
		logger = log.GetDefaultLogger()
	}

	return &DefaultCoordinator{
		runner:      options.Runner,
		fileTracker: options.FileTracker,
		interval:    options.Interval,
		logger:      logger.WithField("component", "compaction"),
		triggerCh:   make(chan string, 1),
	}
}

// Start begins background compaction
func (c *DefaultCoordinator) Start() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.running {
		return nil
	}

	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	go c.compactionWorker(c.stopCh, c.doneCh)
	return nil
}

// Stop halts background compaction and waits for the worker to exit
func (c *DefaultCoordinator) Stop() error {
	c.stateMu.Lock()
	if !c.running {
		c.stateMu.Unlock()
		return nil
	}
	close(c.stopCh)
	c.running = false
	done := c.doneCh
	c.stateMu.Unlock()

	<-done
	return nil
}

// Trigger requests a check. Requests made while one is pending are coalesced.
func (c *DefaultCoordinator) Trigger(reason string) {
	select {
	case c.triggerCh <- reason:
	default:
	}
}

func (c *DefaultCoordinator) compactionWorker(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			c.runCycle(ReasonInterval)
		case reason := <-c.triggerCh:
			c.runCycle(reason)
		}
	}
}

// runCycle deletes what earlier runs left behind and compacts if needed.
func (c *DefaultCoordinator) runCycle(reason string) {
	if c.fileTracker != nil {
		if err := c.fileTracker.CleanupObsoleteFiles(); err != nil {
			c.logger.Warn("Cleanup of obsolete segments failed: %v", err)
		}
	}

	if c.runner == nil || !c.runner.NeedsCompaction() {
		return
	}

	err := c.runner.RunCompaction(reason)

	c.resultsMu.Lock()
	c.runs++
	c.lastReason = reason
	c.lastError = err
	c.lastRun = time.Now()
	if err != nil {
		c.failures++
	}
	c.resultsMu.Unlock()

	if err != nil {
		c.logger.Error("Background compaction (%s) failed: %v", reason, err)
	}
}

// GetCompactionStats returns statistics about background compaction
func (c *DefaultCoordinator) GetCompactionStats() map[string]interface{} {
	c.resultsMu.RLock()
	defer c.resultsMu.RUnlock()

	stats := map[string]interface{}{
		"background_runs":     c.runs,
		"background_failures": c.failures,
	}
	if c.fileTracker != nil {
		stats["obsolete_segments"] = c.fileTracker.PendingCount()
	}
	if c.runs > 0 {
		stats["last_reason"] = c.lastReason
		stats["last_run"] = c.lastRun.UnixNano()
	}
	if c.lastError != nil {
		stats["last_error"] = c.lastError.Error()
	}
	return stats
}
