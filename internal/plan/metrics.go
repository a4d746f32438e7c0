package plan

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type planMetrics struct {
	payments metric.Int64Counter
	passes   metric.Int64Counter
	warnings metric.Int64Counter
}

func newPlanMetrics(logger pslog.Logger) *planMetrics {
	meter := otel.Meter("pkt.systems/paydist/plan")
	m := &planMetrics{}
	var err error

	m.payments, err = meter.Int64Counter(
		"paydist.plan.payments",
		metric.WithDescription("Payments by stage at the end of a run"),
	)
	logMetricInitError(logger, "paydist.plan.payments", err)

	m.passes, err = meter.Int64Counter(
		"paydist.plan.reconcile.passes",
		metric.WithDescription("Reconciliation passes over deferred payments"),
	)
	logMetricInitError(logger, "paydist.plan.reconcile.passes", err)

	m.warnings, err = meter.Int64Counter(
		"paydist.plan.findings",
		metric.WithDescription("Plan errors and warnings raised during plan generation"),
	)
	logMetricInitError(logger, "paydist.plan.findings", err)

	return m
}

func (m *planMetrics) recordPayment(ctx context.Context, stage string) {
	if m == nil || m.payments == nil {
		return
	}
	m.payments.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("paydist.payment.stage", stage)))
}

func (m *planMetrics) recordPass(ctx context.Context, final bool, size int) {
	if m == nil || m.passes == nil {
		return
	}
	m.passes.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.Bool("paydist.reconcile.final", final),
		attribute.Int("paydist.reconcile.size", size),
	))
}

func (m *planMetrics) recordFindings(ctx context.Context, errs, warnings int) {
	if m == nil || m.warnings == nil {
		return
	}
	ctx = metricContext(ctx)
	if errs > 0 {
		m.warnings.Add(ctx, int64(errs), metric.WithAttributes(attribute.String("paydist.plan.severity", "error")))
	}
	if warnings > 0 {
		m.warnings.Add(ctx, int64(warnings), metric.WithAttributes(attribute.String("paydist.plan.severity", "warning")))
	}
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
