// Package nodeclient talks to a single ledger node. It hides retries caused
// by throttling, bounds every attempt with a timeout, and reports how healthy
// the node looked while serving the request. It never falls back to another
// node; that decision belongs to the dispatcher.
package nodeclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/paydist/internal/clock"
	"pkt.systems/paydist/internal/health"
	"pkt.systems/paydist/internal/ledger"
	"pkt.systems/paydist/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	// DefaultSubmitTimeout bounds one submission attempt, just beyond the
	// lifetime of a paying transaction.
	DefaultSubmitTimeout = 200 * time.Second
	// DefaultQueryTimeout bounds one query attempt.
	DefaultQueryTimeout = 30 * time.Second
	// DefaultReceiptPollInterval separates receipt polls while consensus is pending.
	DefaultReceiptPollInterval = 500 * time.Millisecond
	// DefaultRetryDelay separates retries after a BUSY answer.
	DefaultRetryDelay = 250 * time.Millisecond
)

// Config tunes per-attempt timeouts and retry pacing. Zero values select
// the defaults; a negative RetryDelay retries immediately.
type Config struct {
	SubmitTimeout       time.Duration
	QueryTimeout        time.Duration
	ReceiptPollInterval time.Duration
	RetryDelay          time.Duration
}

func (c Config) withDefaults() Config {
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = DefaultSubmitTimeout
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.ReceiptPollInterval <= 0 {
		c.ReceiptPollInterval = DefaultReceiptPollInterval
	}
	switch {
	case c.RetryDelay == 0:
		c.RetryDelay = DefaultRetryDelay
	case c.RetryDelay < 0:
		c.RetryDelay = 0
	}
	return c
}

// TxFactory builds and signs a fresh transaction addressed to node. It is
// called again for every retry so each attempt carries a new identifier.
type TxFactory func(node ledger.AccountID) (*ledger.Transaction, error)

// QueryFactory builds a query addressed to node.
type QueryFactory func(node ledger.AccountID) (ledger.Query, error)

// Option customises a Client.
type Option func(*Client)

// WithClock overrides the clock used for timeouts and pacing.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clock.Ensure(clk) }
}

// WithLogger sets the base logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithConfig sets timeouts and pacing.
func WithConfig(cfg Config) Option {
	return func(c *Client) { c.cfg = cfg }
}

// Client is bound to one node for its whole life.
type Client struct {
	endpoint  Endpoint
	transport Transport
	clock     clock.Clock
	logger    pslog.Logger
	cfg       Config
	metrics   *nodeMetrics
}

// New returns a client for ep using transport.
func New(ep Endpoint, transport Transport, opts ...Option) *Client {
	c := &Client{
		endpoint:  ep,
		transport: transport,
		clock:     clock.Real{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg = c.cfg.withDefaults()
	c.logger = svcfields.WithNode(svcfields.WithSubsystem(c.logger, "node.client"), ep.String())
	c.metrics = newNodeMetrics(c.logger)
	return c
}

// Endpoint returns the node this client is bound to.
func (c *Client) Endpoint() Endpoint { return c.endpoint }

func (c *Client) String() string { return c.endpoint.String() }

type attemptResult[T any] struct {
	value T
	err   error
}

var errAttemptTimeout = errors.New("nodeclient: attempt timed out")

// attempt runs fn under its own deadline. The goroutine writes into a
// channel owned by this attempt only, so an answer arriving after the
// timeout is discarded and cannot leak into a later retry.
func attempt[T any](ctx context.Context, clk clock.Clock, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan attemptResult[T], 1)
	go func() {
		v, err := fn(actx)
		done <- attemptResult[T]{value: v, err: err}
	}()
	var zero T
	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(r.err, context.DeadlineExceeded) && actx.Err() != nil {
			return zero, errAttemptTimeout
		}
		return r.value, r.err
	case <-clk.After(timeout):
		return zero, errAttemptTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Submit sends a transaction and waits for its receipt. BUSY and expired
// answers at precheck are retried with a freshly built transaction. Any
// receipt is a Success, including receipts carrying failure statuses.
func (c *Client) Submit(ctx context.Context, factory TxFactory) TxOutcome {
	const op = "submit"
	start := c.clock.Now()
	out := c.submit(ctx, factory)
	c.metrics.recordOutcome(ctx, c.endpoint.Address, op, out.Kind, c.clock.Now().Sub(start))
	return out
}

func (c *Client) submit(ctx context.Context, factory TxFactory) TxOutcome {
	out := TxOutcome{Health: health.Healthy}
	var accepted ledger.TransactionID
	for accepted.IsZero() {
		if err := ctx.Err(); err != nil {
			return transient(out, ReasonCancelled, err)
		}
		tx, err := factory(c.endpoint.Account)
		if err != nil {
			return definitive(out, "submit", "", fmt.Errorf("nodeclient: build transaction: %w", err))
		}
		c.metrics.recordCall(ctx, c.endpoint.Address, "submit")
		resp, err := attempt(ctx, c.clock, c.cfg.SubmitTimeout, func(actx context.Context) (ledger.SubmitResponse, error) {
			return c.transport.Submit(actx, c.endpoint, tx)
		})
		if err != nil {
			return failed(c, out, "submit", err, ErrPrecheckTimeout)
		}
		switch resp.Status {
		case ledger.StatusOK:
			accepted = tx.ID
		case ledger.StatusBusy, ledger.StatusTransactionExpired:
			out.Health = health.Throttled
			c.metrics.recordThrottled(ctx, c.endpoint.Address, "submit")
			c.logger.Debug("node.submit.throttled", "tx_id", tx.ID.String(), "status", resp.Status)
			if err := clock.SleepContext(ctx, c.clock, c.cfg.RetryDelay); err != nil {
				return transient(out, ReasonCancelled, err)
			}
		default:
			return definitive(out, "submit", resp.Status, nil)
		}
	}
	out.TransactionID = accepted

	for {
		if err := ctx.Err(); err != nil {
			return transient(out, ReasonCancelled, err)
		}
		c.metrics.recordCall(ctx, c.endpoint.Address, "receipt")
		receipt, err := attempt(ctx, c.clock, c.cfg.SubmitTimeout, func(actx context.Context) (ledger.Receipt, error) {
			return c.transport.Receipt(actx, c.endpoint, accepted)
		})
		if err != nil {
			return failed(c, out, "receipt", err, ErrReceiptTimeout)
		}
		switch receipt.Status {
		case ledger.StatusUnknown:
			if err := clock.SleepContext(ctx, c.clock, c.cfg.ReceiptPollInterval); err != nil {
				return transient(out, ReasonCancelled, err)
			}
		case ledger.StatusBusy:
			out.Health = health.Throttled
			c.metrics.recordThrottled(ctx, c.endpoint.Address, "receipt")
			if err := clock.SleepContext(ctx, c.clock, c.cfg.RetryDelay); err != nil {
				return transient(out, ReasonCancelled, err)
			}
		case ledger.StatusReceiptNotFound, ledger.StatusTransactionExpired:
			c.logger.Warn("node.receipt.lost", "tx_id", accepted.String(), "status", receipt.Status)
			return transient(out, ReasonReceiptLost, &StatusError{Op: "receipt", Status: receipt.Status})
		default:
			return success(out, receipt)
		}
	}
}

// Query sends a query and waits for the answer. BUSY and expired answers are
// retried; any other non-OK status is a DefinitiveError.
func (c *Client) Query(ctx context.Context, factory QueryFactory) Outcome[ledger.QueryResponse] {
	start := c.clock.Now()
	out := Outcome[ledger.QueryResponse]{Health: health.Healthy}
	defer func() {
		c.metrics.recordOutcome(ctx, c.endpoint.Address, "query", out.Kind, c.clock.Now().Sub(start))
	}()
	for {
		if err := ctx.Err(); err != nil {
			out = transient(out, ReasonCancelled, err)
			return out
		}
		q, err := factory(c.endpoint.Account)
		if err != nil {
			out = definitive(out, "query", "", fmt.Errorf("nodeclient: build query: %w", err))
			return out
		}
		c.metrics.recordCall(ctx, c.endpoint.Address, "query")
		resp, err := attempt(ctx, c.clock, c.cfg.QueryTimeout, func(actx context.Context) (ledger.QueryResponse, error) {
			return c.transport.Query(actx, c.endpoint, q)
		})
		if err != nil {
			out = failed(c, out, "query", err, ErrQueryTimeout)
			return out
		}
		switch resp.Status {
		case ledger.StatusOK:
			out = success(out, resp)
			return out
		case ledger.StatusBusy, ledger.StatusTransactionExpired:
			out.Health = health.Throttled
			c.metrics.recordThrottled(ctx, c.endpoint.Address, "query")
			if err := clock.SleepContext(ctx, c.clock, c.cfg.RetryDelay); err != nil {
				out = transient(out, ReasonCancelled, err)
				return out
			}
		default:
			out = definitive(out, "query", resp.Status, nil)
			return out
		}
	}
}

// QueryBalance fetches the balance of account.
func (c *Client) QueryBalance(ctx context.Context, account ledger.AccountID) Outcome[*ledger.Balance] {
	res := c.Query(ctx, func(ledger.AccountID) (ledger.Query, error) {
		return ledger.Query{Balance: &ledger.BalanceQuery{Account: account}}, nil
	})
	return narrow(res, "balance", func(r ledger.QueryResponse) (*ledger.Balance, bool) {
		return r.Balance, r.Balance != nil
	})
}

// QueryReceipt fetches the receipt of id without waiting for it to exist.
// A missing receipt is a DefinitiveError with RECEIPT_NOT_FOUND.
func (c *Client) QueryReceipt(ctx context.Context, id ledger.TransactionID) Outcome[ledger.Receipt] {
	res := c.Query(ctx, func(ledger.AccountID) (ledger.Query, error) {
		return ledger.Query{Receipt: &ledger.ReceiptQuery{TransactionID: id}}, nil
	})
	return narrow(res, "receipt", func(r ledger.QueryResponse) (ledger.Receipt, bool) {
		if r.Receipt == nil {
			return ledger.Receipt{}, false
		}
		return *r.Receipt, true
	})
}

func narrow[T any](res Outcome[ledger.QueryResponse], what string, pick func(ledger.QueryResponse) (T, bool)) Outcome[T] {
	out := Outcome[T]{
		Kind:   res.Kind,
		Health: res.Health,
		Code:   res.Code,
		Reason: res.Reason,
		Err:    res.Err,
	}
	if res.Kind != Success {
		return out
	}
	v, ok := pick(res.Value)
	if !ok {
		return transient(out, ReasonMalformed, fmt.Errorf("nodeclient: %s missing from query response", what))
	}
	return success(out, v)
}

func failed[T any](c *Client, out Outcome[T], op string, err, timeout error) Outcome[T] {
	switch {
	case errors.Is(err, errAttemptTimeout):
		c.logger.Warn("node.timeout", "op", op, "error", timeout)
		return transient(out, ReasonTimeout, timeout)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return transient(out, ReasonCancelled, err)
	default:
		c.logger.Warn("node.unreachable", "op", op, "error", err)
		return transient(out, ReasonUnreachable, err)
	}
}
