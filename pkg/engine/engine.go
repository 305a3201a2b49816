// Package engine implements the log-structured key-value store: an
// append-only set of segment files plus an in-memory keydir that maps every
// key to the location of its newest entry.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevoDB/logcask/pkg/common/log"
	"github.com/KevoDB/logcask/pkg/compaction"
	"github.com/KevoDB/logcask/pkg/config"
	"github.com/KevoDB/logcask/pkg/engine/interfaces"
	"github.com/KevoDB/logcask/pkg/entry"
	"github.com/KevoDB/logcask/pkg/hint"
	"github.com/KevoDB/logcask/pkg/keydir"
	"github.com/KevoDB/logcask/pkg/segment"
	"github.com/KevoDB/logcask/pkg/stats"
	"github.com/KevoDB/logcask/pkg/telemetry"
)

// Ensure Engine implements the public interfaces
var (
	_ interfaces.Engine = (*Engine)(nil)
	_ compaction.Runner = (*Engine)(nil)
)

// Status and CompactionSummary are re-exported for callers of this package
type (
	Status            = interfaces.Status
	CompactionSummary = interfaces.CompactionSummary
)

// Engine is a single-process key-value store over one data directory.
//
// Set, Delete, rotation, Flush and the commit step of compaction are
// serialized by writeMu. Reads take no engine lock: the keydir is safe for
// concurrent readers and segments are reached through the registry.
type Engine struct {
	cfg    *config.Config
	dir    string
	logger log.Logger

	stats             stats.Collector
	tel               telemetry.Telemetry
	metrics           EngineMetrics
	compactionMetrics compaction.CompactionMetrics

	lock     *dirLock
	keydir   *keydir.Keydir
	segments *registry

	// Guarded by writeMu
	writeMu     sync.Mutex
	active      *segment.Segment
	nextGen     uint64
	liveBytes   map[segment.ID]int64
	logicalSize int64

	compactMu   sync.Mutex
	strategy    compaction.Strategy
	executor    compaction.Executor
	tracker     *compaction.DefaultFileTracker
	coordinator *compaction.DefaultCoordinator
	hintCodec   hint.Codec

	syncStop chan struct{}
	syncDone chan struct{}

	closed atomic.Bool
}

// Option configures optional collaborators of an Engine
type Option func(*options)

type options struct {
	logger    log.Logger
	telemetry telemetry.Telemetry
	stats     stats.Collector
}

// WithLogger sets the logger; by default one is built from cfg.LogLevel
func WithLogger(logger log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTelemetry sets the telemetry sink; the caller remains responsible for shutting it down
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(o *options) { o.telemetry = tel }
}

// WithStatsCollector sets the statistics collector
func WithStatsCollector(collector stats.Collector) Option {
	return func(o *options) { o.stats = collector }
}

// Open opens or creates the store in cfg.DataDir, rebuilding the keydir from
// the segments found there.
func Open(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Snapshot()

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		level, err := log.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
		}
		o.logger = log.NewStandardLogger(log.WithLevel(level))
	}
	if o.telemetry == nil {
		o.telemetry = telemetry.NewNoop()
	}
	if o.stats == nil {
		o.stats = stats.NewAtomicCollector()
	}

	codec, err := hint.ParseCodec(cfg.HintCompression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	lock, err := lockDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	logger := o.logger.WithField("component", "engine")
	e := &Engine{
		cfg:               cfg,
		dir:               cfg.DataDir,
		logger:            logger,
		stats:             o.stats,
		tel:               o.telemetry,
		metrics:           NewEngineMetrics(o.telemetry),
		compactionMetrics: compaction.NewCompactionMetrics(o.telemetry),
		lock:              lock,
		keydir:            keydir.New(),
		segments:          newRegistry(),
		liveBytes:         make(map[segment.ID]int64),
		strategy:          compaction.NewRatioStrategy(cfg.CompactionRatio),
		tracker:           compaction.NewFileTracker(cfg.DataDir),
		hintCodec:         codec,
	}
	e.executor = compaction.NewExecutor(compaction.ExecutorOptions{
		SegmentMaxSize: cfg.SegmentMaxSize,
		UseHintFiles:   cfg.UseHintFiles,
		HintCodec:      codec,
		Logger:         o.logger,
	})

	if err := e.recover(); err != nil {
		for _, seg := range e.segments.all() {
			seg.Close()
		}
		lock.release()
		return nil, err
	}

	if cfg.SyncMode == config.SyncBatch && cfg.SyncIntervalMs > 0 {
		e.syncStop = make(chan struct{})
		e.syncDone = make(chan struct{})
		go e.syncLoop(time.Duration(cfg.SyncIntervalMs) * time.Millisecond)
	}

	if cfg.AutoCompaction {
		e.coordinator = compaction.NewCoordinator(compaction.CoordinatorOptions{
			Runner:      e,
			FileTracker: e.tracker,
			Interval:    time.Duration(cfg.CompactionIntervalSec) * time.Second,
			Logger:      o.logger,
		})
		if err := e.coordinator.Start(); err != nil {
			e.stats.TrackError("compaction_start_error")
			e.logger.Error("Failed to start background compaction: %v", err)
		} else {
			e.coordinator.Trigger(compaction.ReasonOpen)
		}
	}

	return e, nil
}

// Dir returns the data directory
func (e *Engine) Dir() string { return e.dir }

// Set stores value under key
func (e *Engine) Set(key, value []byte) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	start := time.Now()
	err := e.set(key, value)
	latency := time.Since(start)

	e.stats.TrackOperationWithLatency(stats.OpSet, latency)
	e.metrics.RecordOperation(context.Background(), telemetry.OpTypeSet, latency, err == nil)
	if err == nil {
		e.stats.TrackBytes(true, uint64(len(key)+len(value)))
		e.metrics.RecordBytes(context.Background(), telemetry.DirectionWritten, int64(len(key)+len(value)))
	} else {
		e.stats.TrackError("set_error")
	}
	return err
}

func (e *Engine) set(key, value []byte) error {
	if len(key) > e.cfg.MaxKeySize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrKeyTooLarge, len(key), e.cfg.MaxKeySize)
	}
	if len(value) > e.cfg.MaxValueSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrValueTooLarge, len(value), e.cfg.MaxValueSize)
	}
	return e.write(key, value, false)
}

// Delete removes key. Deleting a key that does not exist succeeds and
// writes nothing.
func (e *Engine) Delete(key []byte) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	start := time.Now()
	var err error
	if len(key) > e.cfg.MaxKeySize {
		err = fmt.Errorf("%w: %d bytes, limit %d", ErrKeyTooLarge, len(key), e.cfg.MaxKeySize)
	} else {
		err = e.write(key, nil, true)
	}
	latency := time.Since(start)

	e.stats.TrackOperationWithLatency(stats.OpDelete, latency)
	e.metrics.RecordOperation(context.Background(), telemetry.OpTypeDelete, latency, err == nil)
	if err == nil {
		e.stats.TrackBytes(true, uint64(len(key)))
	} else {
		e.stats.TrackError("delete_error")
	}
	return err
}

// write appends one entry to the active segment and only then publishes
// it in the keydir. A failed append leaves the keydir untouched.
func (e *Engine) write(key, value []byte, tombstone bool) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed.Load() {
		return ErrEngineClosed
	}
	if tombstone {
		if loc, ok := e.keydir.Get(key); !ok || loc.Tombstone {
			return nil
		}
	}

	data := entry.Encode(key, value, tombstone)
	offset, err := e.active.Write(data)
	if err != nil {
		if e.active.Failed() {
			e.retireFailedLocked()
		}
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	loc := keydir.Location{
		SegmentID: e.active.ID(),
		Offset:    offset,
		Length:    int64(len(data)),
		Tombstone: tombstone,
	}
	prev, hadPrev := e.keydir.Put(key, loc)
	e.accountLocked(prev, hadPrev, loc)

	if e.active.Size() >= e.cfg.SegmentMaxSize {
		// The write is already durable per policy; a failed rotation is
		// retried on the next write.
		if err := e.rotateLocked(); err != nil {
			e.stats.TrackError("rotation_error")
			e.logger.Error("Failed to rotate segment %s: %v", e.active.ID(), err)
		} else if e.coordinator != nil {
			e.coordinator.Trigger(compaction.ReasonRotation)
		}
	}
	return nil
}

// accountLocked moves the live byte count of a key from its previous
// location to its new one. Tombstones never count as live.
func (e *Engine) accountLocked(prev keydir.Location, hadPrev bool, loc keydir.Location) {
	if hadPrev {
		e.unaccountLocked(prev)
	}
	if !loc.Tombstone {
		e.liveBytes[loc.SegmentID] += loc.Length
		e.logicalSize += loc.Length - entry.HeaderSize
	}
}

func (e *Engine) unaccountLocked(loc keydir.Location) {
	if loc.Tombstone {
		return
	}
	e.liveBytes[loc.SegmentID] -= loc.Length
	e.logicalSize -= loc.Length - entry.HeaderSize
}

func (e *Engine) segmentOptions() segment.Options {
	return segment.Options{SyncMode: e.cfg.SyncMode, SyncBytes: e.cfg.SyncBytes}
}

// rotateLocked seals the active segment and starts the next generation.
// The new segment is created first so that a failure leaves the current
// one active.
func (e *Engine) rotateLocked() error {
	id := segment.NewID(e.nextGen, 0)
	next, err := segment.Create(e.dir, id, e.segmentOptions())
	if err != nil {
		return err
	}
	if err := segment.SyncDir(e.dir); err != nil {
		next.Remove()
		return err
	}

	sealed := e.active
	if err := sealed.Seal(); err != nil {
		next.Remove()
		return err
	}

	e.segments.add(next)
	e.active = next
	e.nextGen++

	e.stats.TrackRotation()
	e.metrics.RecordRotation(context.Background(), sealed.ID())
	e.logger.Debug("Sealed segment %s at %d bytes, active segment is now %s", sealed.ID(), sealed.Size(), id)
	return nil
}

// retireFailedLocked moves writes off an active segment that can no longer
// be appended to. Its intact prefix stays readable as a sealed segment.
func (e *Engine) retireFailedLocked() {
	failed := e.active.ID()
	e.stats.TrackError("segment_failed")
	if err := e.rotateLocked(); err != nil {
		e.stats.TrackError("rotation_error")
		e.logger.Error("Failed to rotate away from failed segment %s: %v", failed, err)
		return
	}
	e.logger.Error("Segment %s failed to roll back a write and was sealed, active segment is now %s", failed, e.active.ID())
}

// Flush syncs the active segment to stable storage.
func (e *Engine) Flush() error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	start := time.Now()
	err := e.syncActive()
	latency := time.Since(start)

	e.stats.TrackOperationWithLatency(stats.OpFlush, latency)
	e.metrics.RecordOperation(context.Background(), telemetry.OpTypeFlush, latency, err == nil)
	if err != nil {
		e.stats.TrackError("flush_error")
	}
	return err
}

func (e *Engine) syncActive() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed.Load() {
		return ErrEngineClosed
	}
	if err := e.active.Sync(); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}

// syncLoop bounds how long batched writes stay unsynced.
func (e *Engine) syncLoop(interval time.Duration) {
	defer close(e.syncDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.syncStop:
			return
		case <-ticker.C:
			if err := e.syncActive(); err != nil && !errors.Is(err, ErrEngineClosed) {
				e.stats.TrackError("sync_error")
				e.logger.Warn("Background sync failed: %v", err)
			}
		}
	}
}

// Close stops background work, syncs the active segment and releases the
// data directory. Retired segments that could not be deleted yet are left
// on disk and handled by the next Open.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if e.coordinator != nil {
		errs = append(errs, e.coordinator.Stop())
	}
	if e.syncStop != nil {
		close(e.syncStop)
		<-e.syncDone
	}

	// Wait for an explicit compaction and any in-flight write.
	e.compactMu.Lock()
	defer e.compactMu.Unlock()
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.tracker.CleanupObsoleteFiles(); err != nil {
		e.logger.Warn("Obsolete segments left for next startup: %v", err)
	}
	errs = append(errs, e.tracker.Close())

	for _, seg := range e.segments.all() {
		if err := seg.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, e.metrics.Close(), e.compactionMetrics.Close(), e.lock.release())

	e.logger.Info("Closed %s", e.dir)
	return errors.Join(errs...)
}
