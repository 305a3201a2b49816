// ABOUTME: Tests for provider creation against the real OpenTelemetry SDK
// ABOUTME: Exports go to an in-memory buffer and are checked after shutdown

package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

func TestNewDisabledReturnsNoop(t *testing.T) {
	tel, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := tel.(*NoopTelemetry); !ok {
		t.Errorf("expected *NoopTelemetry, got %T", tel)
	}
}

func TestNewInvalidConfig(t *testing.T) {
	if _, err := New(Config{Enabled: true}); err == nil {
		t.Error("expected error for empty service name")
	}
}

func TestProviderExportsOnShutdown(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Output = &buf
	cfg.ExportInterval = time.Hour
	cfg.BatchTimeout = time.Hour

	tel, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := tel.(*TelemetryProvider); !ok {
		t.Fatalf("expected *TelemetryProvider, got %T", tel)
	}

	ctx := context.Background()
	tel.RecordCounter(ctx, MetricEngineOps, 3, attribute.String(AttrOperationType, OpTypeSet))
	tel.RecordCounter(ctx, MetricEngineOps, 2, attribute.String(AttrOperationType, OpTypeSet))
	tel.RecordHistogram(ctx, MetricEngineLatency, 0.25)

	_, span := tel.StartSpan(ctx, "compaction.run", attribute.Int("inputs", 2))
	span.End()

	if err := tel.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{MetricEngineOps, MetricEngineLatency, "compaction.run", "logcask"} {
		if !strings.Contains(out, want) {
			t.Errorf("export output missing %q", want)
		}
	}
}
