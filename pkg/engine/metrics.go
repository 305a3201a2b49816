// ABOUTME: Engine telemetry metrics interface and implementation for tracking foreground operations
// ABOUTME: Provides instrumentation for Get/Set/Delete/Scan/Flush, segment rotation and corrupt entries

package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/logcask/pkg/segment"
	"github.com/KevoDB/logcask/pkg/telemetry"
)

// EngineMetrics defines the interface for engine telemetry operations.
// All metrics are optional - implementations can safely be no-op.
type EngineMetrics interface {
	telemetry.ComponentMetrics

	// RecordOperation records the latency and outcome of one engine operation.
	RecordOperation(ctx context.Context, op string, duration time.Duration, success bool)

	// RecordBytes records bytes of keys and values read or written.
	RecordBytes(ctx context.Context, direction string, bytes int64)

	// RecordRotation records that the active segment was sealed.
	RecordRotation(ctx context.Context, sealed segment.ID)

	// RecordCorruptEntry records an entry that failed verification.
	RecordCorruptEntry(ctx context.Context, id segment.ID)
}

// engineMetrics implements EngineMetrics using the telemetry interface.
type engineMetrics struct {
	tel telemetry.Telemetry
}

// NewEngineMetrics creates a new engine metrics implementation.
// If tel is nil, returns a no-op implementation.
func NewEngineMetrics(tel telemetry.Telemetry) EngineMetrics {
	if tel == nil {
		return NewNoopEngineMetrics()
	}
	return &engineMetrics{tel: tel}
}

// NewNoopEngineMetrics creates a no-op engine metrics implementation for testing.
func NewNoopEngineMetrics() EngineMetrics {
	return &noopEngineMetrics{}
}

func (m *engineMetrics) RecordOperation(ctx context.Context, op string, duration time.Duration, success bool) {
	m.tel.RecordHistogram(ctx, telemetry.MetricEngineLatency, duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
		attribute.String(telemetry.AttrOperationType, op),
	)
	m.tel.RecordCounter(ctx, telemetry.MetricEngineOps, 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
		attribute.String(telemetry.AttrOperationType, op),
		attribute.String(telemetry.AttrStatus, statusFromSuccess(success)),
	)
}

func (m *engineMetrics) RecordBytes(ctx context.Context, direction string, bytes int64) {
	m.tel.RecordCounter(ctx, telemetry.MetricEngineBytes, bytes,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
		attribute.String(telemetry.AttrDirection, direction),
	)
}

func (m *engineMetrics) RecordRotation(ctx context.Context, sealed segment.ID) {
	m.tel.RecordCounter(ctx, telemetry.MetricSegmentRotations, 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentSegment),
		attribute.String(telemetry.AttrSegmentID, sealed.String()),
	)
}

func (m *engineMetrics) RecordCorruptEntry(ctx context.Context, id segment.ID) {
	m.tel.RecordCounter(ctx, telemetry.MetricCorruptEntries, 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentSegment),
		attribute.String(telemetry.AttrSegmentID, id.String()),
	)
}

// Close is a no-op; the Telemetry instance is owned by the caller.
func (m *engineMetrics) Close() error {
	return nil
}

type noopEngineMetrics struct{}

func (n *noopEngineMetrics) RecordOperation(ctx context.Context, op string, duration time.Duration, success bool) {
}
func (n *noopEngineMetrics) RecordBytes(ctx context.Context, direction string, bytes int64) {}
func (n *noopEngineMetrics) RecordRotation(ctx context.Context, sealed segment.ID)          {}
func (n *noopEngineMetrics) RecordCorruptEntry(ctx context.Context, id segment.ID)          {}
func (n *noopEngineMetrics) Close() error                                                   { return nil }

func statusFromSuccess(success bool) string {
	if success {
		return telemetry.StatusSuccess
	}
	return telemetry.StatusError
}
