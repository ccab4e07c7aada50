package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const roundsScopeName = "lameduck.lab/rounds"

// RoundMetrics records per-round engine activity. The zero value is not
// usable; build one with NewRoundMetrics.
type RoundMetrics struct {
	rounds    metric.Int64Counter
	removals  metric.Int64Counter
	timeouts  metric.Int64Counter
	concluded metric.Int64Counter
	pot       metric.Float64Histogram
	stageDur  metric.Float64Histogram
}

func NewRoundMetrics() *RoundMetrics {
	m := Meter(roundsScopeName)
	rounds, _ := m.Int64Counter("lameduck.rounds",
		metric.WithDescription("Committed rounds"),
	)
	removals, _ := m.Int64Counter("lameduck.removals",
		metric.WithDescription("Representative removals by mechanism"),
	)
	timeouts, _ := m.Int64Counter("lameduck.stage.timeouts",
		metric.WithDescription("Participants who missed a stage window"),
	)
	concluded, _ := m.Int64Counter("lameduck.sessions.concluded",
		metric.WithDescription("Concluded sessions by reason"),
	)
	pot, _ := m.Float64Histogram("lameduck.round.pot",
		metric.WithDescription("Collective pot per round"),
	)
	stageDur, _ := m.Float64Histogram("lameduck.stage.duration",
		metric.WithDescription("Stage barrier wait"),
		metric.WithUnit("ms"),
	)
	return &RoundMetrics{
		rounds:    rounds,
		removals:  removals,
		timeouts:  timeouts,
		concluded: concluded,
		pot:       pot,
		stageDur:  stageDur,
	}
}

func (m *RoundMetrics) Round(ctx context.Context, treatment string, pot float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("treatment", treatment))
	m.rounds.Add(ctx, 1, attrs)
	m.pot.Record(ctx, pot, attrs)
}

func (m *RoundMetrics) Removal(ctx context.Context, treatment, mechanism string) {
	if m == nil {
		return
	}
	m.removals.Add(ctx, 1, metric.WithAttributes(
		attribute.String("treatment", treatment),
		attribute.String("mechanism", mechanism),
	))
}

func (m *RoundMetrics) Stage(ctx context.Context, stage string, waitedMS float64, missing int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("stage", stage))
	m.stageDur.Record(ctx, waitedMS, attrs)
	if missing > 0 {
		m.timeouts.Add(ctx, int64(missing), attrs)
	}
}

func (m *RoundMetrics) Concluded(ctx context.Context, treatment, reason string) {
	if m == nil {
		return
	}
	m.concluded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("treatment", treatment),
		attribute.String("reason", reason),
	))
}
