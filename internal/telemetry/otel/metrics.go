package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the session-engine counters. A nil *Metrics is a valid no-op
// receiver so callers can run without a MeterProvider.
type Metrics struct {
	sessionsCreated metric.Int64Counter
	sessionsRevoked metric.Int64Counter
	rotations       metric.Int64Counter
	reuseAttacks    metric.Int64Counter
	limitHits       metric.Int64Counter
	anomalies       metric.Int64Counter
}

// NewMetrics registers the session-engine instruments on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("sessionguard")
	m := &Metrics{}
	var err error
	if m.sessionsCreated, err = meter.Int64Counter("sessionguard.sessions.created"); err != nil {
		return nil, err
	}
	if m.sessionsRevoked, err = meter.Int64Counter("sessionguard.sessions.revoked"); err != nil {
		return nil, err
	}
	if m.rotations, err = meter.Int64Counter("sessionguard.rotations"); err != nil {
		return nil, err
	}
	if m.reuseAttacks, err = meter.Int64Counter("sessionguard.reuse_attacks"); err != nil {
		return nil, err
	}
	if m.limitHits, err = meter.Int64Counter("sessionguard.limit_hits"); err != nil {
		return nil, err
	}
	if m.anomalies, err = meter.Int64Counter("sessionguard.anomalies"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) SessionCreated(ctx context.Context) {
	if m != nil {
		m.sessionsCreated.Add(ctx, 1)
	}
}

func (m *Metrics) SessionRevoked(ctx context.Context, reason string) {
	if m != nil {
		m.sessionsRevoked.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (m *Metrics) Rotation(ctx context.Context) {
	if m != nil {
		m.rotations.Add(ctx, 1)
	}
}

func (m *Metrics) ReuseAttack(ctx context.Context) {
	if m != nil {
		m.reuseAttacks.Add(ctx, 1)
	}
}

func (m *Metrics) LimitHit(ctx context.Context, scope string) {
	if m != nil {
		m.limitHits.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
	}
}

func (m *Metrics) Anomaly(ctx context.Context, severity string) {
	if m != nil {
		m.anomalies.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", severity)))
	}
}
