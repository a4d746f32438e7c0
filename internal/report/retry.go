package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/paydist/internal/clock"
)

// RetryConfig controls the backoff between attempts.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig is used by the sink factory.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 5,
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    5 * time.Second,
	Multiplier:  2,
}

// WithRetry returns a sink that retries transient Put and Get failures.
// Non seekable bodies are buffered in memory so every attempt uploads the
// whole report.
func WithRetry(inner Sink, logger pslog.Logger, clk clock.Clock, cfg RetryConfig) Sink {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &retrySink{inner: inner, logger: logger, clock: clock.Ensure(clk), cfg: cfg}
}

type retrySink struct {
	inner  Sink
	logger pslog.Logger
	clock  clock.Clock
	cfg    RetryConfig
}

func (r *retrySink) Put(ctx context.Context, name string, body io.Reader, size int64) (string, error) {
	seeker, ok := body.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(body)
		if err != nil {
			return "", fmt.Errorf("report: buffer body: %w", err)
		}
		seeker = bytes.NewReader(data)
		size = int64(len(data))
	}
	var location string
	first := true
	err := r.withRetry(ctx, "put", name, func(ctx context.Context) error {
		if !first {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("report: rewind body: %w", err)
			}
		}
		first = false
		var err error
		location, err = r.inner.Put(ctx, name, seeker, size)
		return err
	})
	return location, err
}

func (r *retrySink) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	getter, ok := r.inner.(Getter)
	if !ok {
		return nil, fmt.Errorf("report: sink %T cannot read objects", r.inner)
	}
	var rc io.ReadCloser
	err := r.withRetry(ctx, "get", name, func(ctx context.Context) error {
		var err error
		rc, err = getter.Get(ctx, name)
		return err
	})
	return rc, err
}

func (r *retrySink) withRetry(ctx context.Context, op, name string, fn func(context.Context) error) error {
	delay := r.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == r.cfg.MaxAttempts {
			return err
		}
		r.logger.Warn("report.sink.transient_error",
			"operation", op,
			"name", name,
			"attempt", attempt,
			"max_attempts", r.cfg.MaxAttempts,
			"error", err,
		)
		if err := clock.SleepContext(ctx, r.clock, delay); err != nil {
			return err
		}
		delay = min(time.Duration(float64(delay)*r.cfg.Multiplier), r.cfg.MaxDelay)
	}
	return lastErr
}
