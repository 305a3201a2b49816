// ABOUTME: Tests for the no-op telemetry implementation and helpers

package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

func TestNoopTelemetry(t *testing.T) {
	tel := NewNoop()
	ctx := context.Background()

	tel.RecordHistogram(ctx, MetricEngineLatency, 1.5, attribute.String(AttrOperationType, OpTypeGet))
	tel.RecordCounter(ctx, MetricEngineOps, 10, attribute.String(AttrStatus, StatusSuccess))

	spanCtx, span := tel.StartSpan(ctx, "compaction.run")
	if spanCtx == nil {
		t.Error("StartSpan returned nil context")
	}
	if span == nil {
		t.Error("StartSpan returned nil span")
	}
	span.End()

	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown returned error: %v", err)
	}
}

func TestRecordDuration(t *testing.T) {
	tel := NewNoop()
	start := time.Now().Add(-time.Millisecond)
	RecordDuration(context.Background(), tel, MetricCompactionDuration, start,
		attribute.String(AttrComponent, ComponentCompaction))
}
