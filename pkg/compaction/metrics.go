// ABOUTME: This file defines telemetry metrics for compaction runs
// ABOUTME: covering trigger reasons, copy performance and reclaimed space

package compaction

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/logcask/pkg/telemetry"
)

// CompactionMetrics interface defines telemetry methods for compaction operations
type CompactionMetrics interface {
	telemetry.ComponentMetrics

	// RecordCompactionStart records the start of a compaction run
	RecordCompactionStart(ctx context.Context, reason string, inputFileCount int, inputSize int64)

	// RecordCompactionComplete records the outcome of a compaction run
	RecordCompactionComplete(ctx context.Context, duration time.Duration, inputSize, outputSize, droppedKeys int64, success bool)

	// RecordFileOperations records segment files created or deleted by compaction
	RecordFileOperations(ctx context.Context, operation string, fileCount int, totalSize int64)
}

// compactionMetrics implements CompactionMetrics using the telemetry package
type compactionMetrics struct {
	tel telemetry.Telemetry
}

// NewCompactionMetrics creates a new CompactionMetrics implementation
func NewCompactionMetrics(tel telemetry.Telemetry) CompactionMetrics {
	if tel == nil {
		return NewNoopCompactionMetrics()
	}
	return &compactionMetrics{tel: tel}
}

// NewNoopCompactionMetrics creates a no-op CompactionMetrics for testing/disabled scenarios
func NewNoopCompactionMetrics() CompactionMetrics {
	return &noopCompactionMetrics{}
}

func (m *compactionMetrics) RecordCompactionStart(ctx context.Context, reason string, inputFileCount int, inputSize int64) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.String(telemetry.AttrReason, reason),
	}
	m.tel.RecordCounter(ctx, telemetry.MetricCompactionRuns, 1, attrs...)
	m.tel.RecordCounter(ctx, telemetry.MetricCompactionBytes, inputSize,
		append(attrs, attribute.String(telemetry.AttrDirection, telemetry.DirectionRead))...)
	m.tel.RecordCounter(ctx, telemetry.MetricCompactionFiles, int64(inputFileCount),
		append(attrs, attribute.String(telemetry.AttrDirection, telemetry.DirectionRead))...)
}

func (m *compactionMetrics) RecordCompactionComplete(ctx context.Context, duration time.Duration, inputSize, outputSize, droppedKeys int64, success bool) {
	status := statusToString(success)
	m.tel.RecordHistogram(ctx, telemetry.MetricCompactionDuration, duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.String(telemetry.AttrStatus, status),
	)
	if !success {
		return
	}

	m.tel.RecordCounter(ctx, telemetry.MetricCompactionBytes, outputSize,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.String(telemetry.AttrDirection, telemetry.DirectionWritten),
	)
	m.tel.RecordCounter(ctx, telemetry.MetricCompactionDropped, droppedKeys,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
	)
}

func (m *compactionMetrics) RecordFileOperations(ctx context.Context, operation string, fileCount int, totalSize int64) {
	m.tel.RecordCounter(ctx, telemetry.MetricCompactionFiles, int64(fileCount),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.String(telemetry.AttrOperationType, operation),
	)
}

// Close cleans up any resources used by the metrics
func (m *compactionMetrics) Close() error {
	return nil
}

type noopCompactionMetrics struct{}

func (n *noopCompactionMetrics) RecordCompactionStart(ctx context.Context, reason string, inputFileCount int, inputSize int64) {
}
func (n *noopCompactionMetrics) RecordCompactionComplete(ctx context.Context, duration time.Duration, inputSize, outputSize, droppedKeys int64, success bool) {
}
func (n *noopCompactionMetrics) RecordFileOperations(ctx context.Context, operation string, fileCount int, totalSize int64) {
}
func (n *noopCompactionMetrics) Close() error { return nil }

func statusToString(success bool) string {
	if success {
		return telemetry.StatusSuccess
	}
	return telemetry.StatusError
}
