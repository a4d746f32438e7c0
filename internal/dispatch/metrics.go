package dispatch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type dispatchMetrics struct {
	rounds        metric.Int64Counter
	calls         metric.Int64Counter
	requeued      metric.Int64Counter
	roundDuration metric.Int64Histogram
}

func newDispatchMetrics(logger pslog.Logger) *dispatchMetrics {
	meter := otel.Meter("pkt.systems/paydist/dispatch")
	m := &dispatchMetrics{}
	var err error

	m.rounds, err = meter.Int64Counter(
		"paydist.dispatch.rounds",
		metric.WithDescription("Dispatch rounds started"),
	)
	logMetricInitError(logger, "paydist.dispatch.rounds", err)

	m.calls, err = meter.Int64Counter(
		"paydist.dispatch.calls",
		metric.WithDescription("Handler invocations by resulting health"),
	)
	logMetricInitError(logger, "paydist.dispatch.calls", err)

	m.requeued, err = meter.Int64Counter(
		"paydist.dispatch.requeued",
		metric.WithDescription("Items returned to the queue after an unhealthy call"),
	)
	logMetricInitError(logger, "paydist.dispatch.requeued", err)

	m.roundDuration, err = meter.Int64Histogram(
		"paydist.dispatch.round.duration_ms",
		metric.WithDescription("Wall time of a dispatch round"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "paydist.dispatch.round.duration_ms", err)

	return m
}

func (m *dispatchMetrics) recordRound(ctx context.Context, pool string, elapsed time.Duration) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(attribute.String("paydist.dispatch.pool", pool))
	if m.rounds != nil {
		m.rounds.Add(ctx, 1, attrs)
	}
	if m.roundDuration != nil {
		m.roundDuration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}

func (m *dispatchMetrics) recordCall(ctx context.Context, pool, result string) {
	if m == nil || m.calls == nil {
		return
	}
	m.calls.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("paydist.dispatch.pool", pool),
		attribute.String("paydist.dispatch.result", result),
	))
}

func (m *dispatchMetrics) recordRequeue(ctx context.Context, pool string) {
	if m == nil || m.requeued == nil {
		return
	}
	m.requeued.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("paydist.dispatch.pool", pool)))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
