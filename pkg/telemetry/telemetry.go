// ABOUTME: Telemetry abstraction over OpenTelemetry used by the engine and compactor
// ABOUTME: Components record counters, histograms and spans without importing the SDK

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry records metrics and spans on behalf of logcask components.
type Telemetry interface {
	// RecordHistogram records a histogram value with optional attributes.
	RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue)

	// RecordCounter records a counter increment with optional attributes.
	RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue)

	// StartSpan creates a new tracing span with the given name and attributes.
	StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)

	// Shutdown flushes pending data and releases exporters.
	Shutdown(ctx context.Context) error
}

// ComponentMetrics is embedded by the metrics interface of each component.
type ComponentMetrics interface {
	// Close releases any resources held by the metrics implementation.
	Close() error
}

// NoopTelemetry discards everything.
type NoopTelemetry struct{}

// NewNoop creates a new no-operation telemetry instance.
func NewNoop() Telemetry {
	return &NoopTelemetry{}
}

func (n *NoopTelemetry) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
}

func (n *NoopTelemetry) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
}

// StartSpan returns the original context and the span already in it, if any.
func (n *NoopTelemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

func (n *NoopTelemetry) Shutdown(ctx context.Context) error {
	return nil
}

// RecordDuration records the seconds elapsed since start in a histogram.
func RecordDuration(ctx context.Context, tel Telemetry, name string, start time.Time, attrs ...attribute.KeyValue) {
	tel.RecordHistogram(ctx, name, time.Since(start).Seconds(), attrs...)
}

// Metric names
const (
	MetricEngineOps          = "logcask.engine.ops"
	MetricEngineLatency      = "logcask.engine.latency"
	MetricEngineBytes        = "logcask.engine.bytes"
	MetricSegmentRotations   = "logcask.segment.rotations"
	MetricCorruptEntries     = "logcask.segment.corrupt_entries"
	MetricCompactionRuns     = "logcask.compaction.runs"
	MetricCompactionDuration = "logcask.compaction.duration"
	MetricCompactionBytes    = "logcask.compaction.bytes"
	MetricCompactionFiles    = "logcask.compaction.files"
	MetricCompactionDropped  = "logcask.compaction.dropped_keys"
)

// Attribute keys
const (
	AttrComponent     = "component"
	AttrOperationType = "operation.type"
	AttrStatus        = "status"
	AttrDirection     = "direction"
	AttrSegmentID     = "segment.id"
	AttrReason        = "reason"
)

// Attribute values
const (
	OpTypeGet    = "get"
	OpTypeSet    = "set"
	OpTypeDelete = "delete"
	OpTypeScan   = "scan"
	OpTypeFlush  = "flush"

	StatusSuccess = "success"
	StatusError   = "error"

	DirectionRead    = "read"
	DirectionWritten = "written"

	FileOpCreated = "created"
	FileOpDeleted = "deleted"

	ComponentEngine     = "engine"
	ComponentSegment    = "segment"
	ComponentCompaction = "compaction"
)
