package telemetry

import (
	"context"
	"testing"
)

func TestInit_DisabledInstallsNoop(t *testing.T) {
	t.Setenv("LD_OTEL_ENABLED", "")
	if Enabled() {
		t.Fatalf("telemetry should be off by default")
	}
	if err := Init(context.Background(), "test", "dev"); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer Shutdown(context.Background())

	m := NewRoundMetrics()
	ctx, span := Tracer("").Start(context.Background(), "round")
	m.Round(ctx, "T1", 120)
	m.Removal(ctx, "T1", "term_limit")
	m.Stage(ctx, "VOTE", 3, 1)
	m.Concluded(ctx, "T1", "max rounds reached")
	span.End()
	if span.SpanContext().IsValid() {
		t.Fatalf("no-op tracer produced a recording span")
	}
}

func TestRoundMetrics_NilSafe(t *testing.T) {
	var m *RoundMetrics
	m.Round(context.Background(), "T1", 1)
	m.Removal(context.Background(), "T1", "voted_out")
	m.Stage(context.Background(), "PRODUCTION", 1, 2)
	m.Concluded(context.Background(), "T1", "pool exhausted")
}
