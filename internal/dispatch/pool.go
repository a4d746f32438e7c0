// Package dispatch fans a list of work items out over a set of endpoints,
// adapting per-endpoint concurrency to how each endpoint reports its health.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/paydist/internal/clock"
	"pkt.systems/paydist/internal/health"
	"pkt.systems/paydist/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	// DefaultMaxInFlightTotal is divided between endpoints to size each
	// endpoint's concurrency cap.
	DefaultMaxInFlightTotal = 500
	// DefaultMaxInFlightPerEndpoint bounds any single endpoint.
	DefaultMaxInFlightPerEndpoint = 50
	// DefaultUnhealthySettle is the pause after an unhealthy endpoint drained.
	DefaultUnhealthySettle = 10 * time.Millisecond
)

var (
	// ErrNoEndpoints is returned when Run is given no endpoints.
	ErrNoEndpoints = errors.New("dispatch: no endpoints available to process work")
	// ErrRoundsExhausted is returned when MaxRounds rounds left work queued.
	ErrRoundsExhausted = errors.New("dispatch: rounds exhausted with work remaining")
)

// Handler processes one item on one endpoint and reports the endpoint's
// health. An Unhealthy result or a non-nil error returns the item to the
// queue.
type Handler[E, T any] func(ctx context.Context, endpoint E, item T) (health.Health, error)

type config struct {
	name            string
	maxTotal        int
	maxPerEndpoint  int
	unhealthySettle time.Duration
	maxRounds       int
	clock           clock.Clock
	logger          pslog.Logger
}

// Option customises a Pool.
type Option func(*config)

// WithName labels logs and metrics of the pool.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithMaxInFlight overrides the total budget and the per-endpoint ceiling.
func WithMaxInFlight(total, perEndpoint int) Option {
	return func(c *config) {
		c.maxTotal = total
		c.maxPerEndpoint = perEndpoint
	}
}

// WithUnhealthySettle overrides the pause taken after an unhealthy endpoint
// drained its in-flight calls.
func WithUnhealthySettle(d time.Duration) Option {
	return func(c *config) { c.unhealthySettle = d }
}

// WithMaxRounds stops Run after n rounds (0 means unlimited).
func WithMaxRounds(n int) Option {
	return func(c *config) { c.maxRounds = n }
}

// WithClock overrides the clock used for the unhealthy settle pause.
func WithClock(clk clock.Clock) Option {
	return func(c *config) { c.clock = clk }
}

// WithLogger sets the base logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// Pool runs handlers over endpoints. A Pool holds no per-run state and may
// serve concurrent Run calls.
type Pool[E, T any] struct {
	cfg     config
	logger  pslog.Logger
	metrics *dispatchMetrics
}

// New constructs a Pool.
func New[E, T any](opts ...Option) *Pool[E, T] {
	cfg := config{
		name:            "default",
		maxTotal:        DefaultMaxInFlightTotal,
		maxPerEndpoint:  DefaultMaxInFlightPerEndpoint,
		unhealthySettle: DefaultUnhealthySettle,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxTotal <= 0 {
		cfg.maxTotal = DefaultMaxInFlightTotal
	}
	if cfg.maxPerEndpoint <= 0 {
		cfg.maxPerEndpoint = DefaultMaxInFlightPerEndpoint
	}
	if cfg.unhealthySettle < 0 {
		cfg.unhealthySettle = 0
	}
	cfg.clock = clock.Ensure(cfg.clock)
	logger := svcfields.WithSubsystem(cfg.logger, svcfields.Subsystem("dispatch", cfg.name))
	return &Pool[E, T]{cfg: cfg, logger: logger, metrics: newDispatchMetrics(logger)}
}

// Capacity returns the per-endpoint in-flight cap for n endpoints.
func (p *Pool[E, T]) Capacity(n int) int {
	if n <= 0 {
		return 0
	}
	return min(max(p.cfg.maxTotal/n, 1), p.cfg.maxPerEndpoint)
}

// Run processes items until none remain queued. Each round starts one
// worker per endpoint; rounds repeat while requeued items are left behind
// by workers that gave up on an unhealthy endpoint. Cancelling ctx stops new
// calls; Run then waits for in-flight calls and returns ctx.Err().
func (p *Pool[E, T]) Run(ctx context.Context, endpoints []E, items []T, handler Handler[E, T]) error {
	if len(endpoints) == 0 {
		return ErrNoEndpoints
	}
	if handler == nil {
		return fmt.Errorf("dispatch: nil handler")
	}
	q := newQueue(items)
	capacity := p.Capacity(len(endpoints))
	for round := 1; q.len() > 0; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.cfg.maxRounds > 0 && round > p.cfg.maxRounds {
			p.logger.Warn("dispatch.rounds.exhausted", "rounds", p.cfg.maxRounds, "remaining", q.len())
			return ErrRoundsExhausted
		}
		started := p.cfg.clock.Now()
		p.logger.Debug("dispatch.round.start", "round", round, "queued", q.len(), "endpoints", len(endpoints), "cap", capacity)
		var wg sync.WaitGroup
		for _, ep := range endpoints {
			w := &worker[E, T]{
				pool:      p,
				endpoint:  ep,
				queue:     q,
				handler:   handler,
				capacity:  capacity,
				endpoints: len(endpoints),
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.run(ctx)
			}()
		}
		wg.Wait()
		elapsed := p.cfg.clock.Now().Sub(started)
		p.metrics.recordRound(ctx, p.cfg.name, elapsed)
		p.logger.Debug("dispatch.round.done", "round", round, "remaining", q.len(), "elapsed", elapsed)
	}
	return ctx.Err()
}

type completion[T any] struct {
	item   T
	health health.Health
	err    error
}

// worker drives one endpoint for one round.
type worker[E, T any] struct {
	pool      *Pool[E, T]
	endpoint  E
	queue     *queue[T]
	handler   Handler[E, T]
	capacity  int
	endpoints int

	inFlight  int
	throttled bool
	unhealthy bool
	done      chan completion[T]
}

func (w *worker[E, T]) start(ctx context.Context) bool {
	if ctx.Err() != nil || w.inFlight >= w.capacity {
		return false
	}
	item, ok := w.queue.pop()
	if !ok {
		return false
	}
	w.inFlight++
	go func() {
		h, err := w.handler(ctx, w.endpoint, item)
		w.done <- completion[T]{item: item, health: h, err: err}
	}()
	return true
}

func (w *worker[E, T]) run(ctx context.Context) {
	w.done = make(chan completion[T], w.capacity)
	if !w.start(ctx) {
		return
	}
	for w.inFlight > 0 {
		c := <-w.done
		w.inFlight--
		w.observe(ctx, c)

		switch {
		case w.unhealthy:
			if w.inFlight > 0 {
				continue
			}
			if err := clock.SleepContext(ctx, w.pool.cfg.clock, w.pool.cfg.unhealthySettle); err != nil {
				return
			}
			if w.queue.len() > w.endpoints {
				w.unhealthy = false
				w.throttled = false
				w.start(ctx)
			}
		case w.queue.len() == 0:
		case w.throttled:
			if w.inFlight == 0 {
				w.start(ctx)
			}
		case w.queue.len() > 1:
			if w.start(ctx) {
				w.start(ctx)
			}
		default:
			w.start(ctx)
		}
	}
}

func (w *worker[E, T]) observe(ctx context.Context, c completion[T]) {
	pool := w.pool
	switch {
	case c.err != nil || c.health == health.Unhealthy:
		w.queue.push(c.item)
		w.unhealthy = true
		pool.metrics.recordRequeue(ctx, pool.cfg.name)
		pool.metrics.recordCall(ctx, pool.cfg.name, health.Unhealthy.String())
		if c.err != nil {
			pool.logger.Debug("dispatch.call.failed", "endpoint", fmt.Sprint(w.endpoint), "error", c.err)
		}
	case c.health == health.Throttled:
		w.throttled = true
		pool.metrics.recordCall(ctx, pool.cfg.name, health.Throttled.String())
	default:
		w.throttled = false
		pool.metrics.recordCall(ctx, pool.cfg.name, health.Healthy.String())
	}
}
