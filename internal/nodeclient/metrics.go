package nodeclient

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type nodeMetrics struct {
	calls     metric.Int64Counter
	duration  metric.Int64Histogram
	throttled metric.Int64Counter
	unhealthy metric.Int64Counter
}

func newNodeMetrics(logger pslog.Logger) *nodeMetrics {
	meter := otel.Meter("pkt.systems/paydist/nodeclient")
	m := &nodeMetrics{}
	var err error

	m.calls, err = meter.Int64Counter(
		"paydist.node.calls",
		metric.WithDescription("Requests sent to ledger nodes"),
	)
	logMetricInitError(logger, "paydist.node.calls", err)

	m.duration, err = meter.Int64Histogram(
		"paydist.node.call.duration_ms",
		metric.WithDescription("Time spent on a single node operation including retries"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "paydist.node.call.duration_ms", err)

	m.throttled, err = meter.Int64Counter(
		"paydist.node.throttled",
		metric.WithDescription("BUSY answers received from ledger nodes"),
	)
	logMetricInitError(logger, "paydist.node.throttled", err)

	m.unhealthy, err = meter.Int64Counter(
		"paydist.node.unhealthy",
		metric.WithDescription("Operations that marked a node unhealthy"),
	)
	logMetricInitError(logger, "paydist.node.unhealthy", err)

	return m
}

func (m *nodeMetrics) recordCall(ctx context.Context, node, op string) {
	if m == nil || m.calls == nil {
		return
	}
	m.calls.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("paydist.node", node),
		attribute.String("paydist.node.op", op),
	))
}

func (m *nodeMetrics) recordOutcome(ctx context.Context, node, op string, kind Kind, elapsed time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(
		attribute.String("paydist.node", node),
		attribute.String("paydist.node.op", op),
		attribute.String("paydist.node.result", kind.String()),
	)
	m.duration.Record(ctx, elapsed.Milliseconds(), attrs)
	if kind == TransientError && m.unhealthy != nil {
		m.unhealthy.Add(ctx, 1, attrs)
	}
}

func (m *nodeMetrics) recordThrottled(ctx context.Context, node, op string) {
	if m == nil || m.throttled == nil {
		return
	}
	m.throttled.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("paydist.node", node),
		attribute.String("paydist.node.op", op),
	))
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
