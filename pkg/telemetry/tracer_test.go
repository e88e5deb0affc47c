package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestNewTracerDisabled(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: false}, "verge", "test", "dev")
	if err != nil {
		t.Fatalf("disabled tracer must still construct: %v", err)
	}

	ctx, span := tracer.StartReconcileSpan(context.Background(), "run-1", "/tmp/manifest.json")
	if ctx == nil || span == nil {
		t.Fatal("disabled tracer must hand out usable spans")
	}
	span.End()

	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}

func TestNewTracerNoneExporter(t *testing.T) {
	cfg := TracingConfig{
		Enabled:      true,
		Exporter:     "none",
		SamplingRate: 1.0,
	}
	tracer, err := NewTracer(cfg, "verge", "test", "dev")
	if err != nil {
		t.Fatalf("tracer construction failed: %v", err)
	}

	ctx, parent := tracer.StartReconcileSpan(context.Background(), "run-1", "/tmp/manifest.json")
	_, child := tracer.StartPhaseSpan(ctx, "apply")
	RecordSuccess(child)
	child.End()
	RecordError(parent, context.DeadlineExceeded)
	parent.End()

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracer.Shutdown(shutCtx); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}

func TestNewTracerUnsupportedExporter(t *testing.T) {
	_, err := NewTracer(TracingConfig{Enabled: true, Exporter: "carrier-pigeon"}, "verge", "test", "dev")
	if err == nil {
		t.Fatal("expected an error for an unsupported exporter")
	}
}
