package report

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/paydist/internal/correlation"
)

type tracedSink struct {
	inner  Sink
	logger pslog.Logger
	tracer trace.Tracer
	scheme string
}

// Traced decorates inner with spans and debug logging around every call.
func Traced(inner Sink, logger pslog.Logger, scheme string) Sink {
	if inner == nil {
		return nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &tracedSink{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/paydist/report"),
		scheme: scheme,
	}
}

func (s *tracedSink) start(ctx context.Context, op, name string) (context.Context, trace.Span, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := s.tracer.Start(ctx, "paydist.report."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("paydist.report.scheme", s.scheme),
		attribute.String("paydist.report.name", name),
	)
	logger := s.logger.With("op", op, "name", name)
	if corr := correlation.ID(ctx); corr != "" {
		span.SetAttributes(attribute.String("paydist.correlation_id", corr))
		logger = logger.With("cid", corr)
	}
	return ctx, span, logger, func(err error) {
		elapsed := time.Since(begin)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "report_error")
			logger.Debug("report.sink.call_failed", "elapsed", elapsed, "error", err)
			return
		}
		span.SetStatus(codes.Ok, "")
		logger.Debug("report.sink.call", "elapsed", elapsed)
	}
}

func (s *tracedSink) Put(ctx context.Context, name string, body io.Reader, size int64) (string, error) {
	ctx, span, _, finish := s.start(ctx, "put", name)
	defer span.End()
	span.SetAttributes(attribute.Int64("paydist.report.size", size))
	location, err := s.inner.Put(ctx, name, body, size)
	finish(err)
	return location, err
}

func (s *tracedSink) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	getter, ok := s.inner.(Getter)
	if !ok {
		return nil, fmt.Errorf("report: %s sink cannot read reports", s.scheme)
	}
	ctx, span, _, finish := s.start(ctx, "get", name)
	defer span.End()
	rc, err := getter.Get(ctx, name)
	finish(err)
	return rc, err
}
