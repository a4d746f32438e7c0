// Package payment drives a single distribution payment through scheduling,
// countersigning and confirmation. Every step can be re-entered after the
// node serving it failed, without submitting a transaction twice once its
// receipt is known.
package payment

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"pkt.systems/paydist/internal/clock"
	"pkt.systems/paydist/internal/health"
	"pkt.systems/paydist/internal/ledger"
	"pkt.systems/paydist/internal/nodeclient"
	"pkt.systems/paydist/internal/svcfields"
	"pkt.systems/pslog"
)

// Node is the part of a node client the processor uses.
type Node interface {
	Endpoint() nodeclient.Endpoint
	Submit(ctx context.Context, factory nodeclient.TxFactory) nodeclient.TxOutcome
	QueryReceipt(ctx context.Context, id ledger.TransactionID) nodeclient.Outcome[ledger.Receipt]
}

// Params identifies the parties of a distribution.
type Params struct {
	Token         ledger.TokenID
	Treasury      ledger.AccountID
	SubmitPayer   ledger.AccountID
	TransferPayer ledger.AccountID
	Memo          string
	Signer        ledger.Signer
}

// ErrorLog collects item-fatal errors of a run.
type ErrorLog struct {
	mu      sync.Mutex
	entries []string
}

// Add appends a message.
func (l *ErrorLog) Add(msg string) {
	l.mu.Lock()
	l.entries = append(l.entries, msg)
	l.mu.Unlock()
}

// Entries returns a copy of the messages in insertion order.
func (l *ErrorLog) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries)
}

// Deferred holds payments whose schedule awaits signatures from other
// parties and must be confirmed later.
type Deferred struct {
	mu      sync.Mutex
	records map[int]*Record
}

// NewDeferred returns an empty set.
func NewDeferred() *Deferred {
	return &Deferred{records: make(map[int]*Record)}
}

// Add inserts rec.
func (d *Deferred) Add(rec *Record) {
	d.mu.Lock()
	d.records[rec.Index] = rec
	d.mu.Unlock()
}

// Len returns the number of deferred payments.
func (d *Deferred) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

// Drain empties the set and returns its payments ordered by index.
func (d *Deferred) Drain() []*Record {
	d.mu.Lock()
	out := make([]*Record, 0, len(d.records))
	for _, rec := range d.records {
		out = append(out, rec)
	}
	d.records = make(map[int]*Record)
	d.mu.Unlock()
	slices.SortFunc(out, func(a, b *Record) int { return a.Index - b.Index })
	return out
}

// Option customises a Processor.
type Option func(*Processor)

// WithClock overrides the clock stamping payment timestamps.
func WithClock(clk clock.Clock) Option {
	return func(p *Processor) { p.clock = clock.Ensure(clk) }
}

// WithLogger sets the base logger.
func WithLogger(logger pslog.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

// WithObserver registers fn to be called after every state change.
func WithObserver(fn func(*Record)) Option {
	return func(p *Processor) { p.observe = fn }
}

// Processor executes the payment state machine. It is shared by every
// worker of a run.
type Processor struct {
	params   Params
	clock    clock.Clock
	logger   pslog.Logger
	observe  func(*Record)
	errors   *ErrorLog
	deferred *Deferred
}

// NewProcessor returns a processor writing item-fatal errors to errs and
// payments awaiting signatures to deferred.
func NewProcessor(params Params, errs *ErrorLog, deferred *Deferred, opts ...Option) *Processor {
	p := &Processor{
		params:   params,
		clock:    clock.Real{},
		errors:   errs,
		deferred: deferred,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.errors == nil {
		p.errors = &ErrorLog{}
	}
	if p.deferred == nil {
		p.deferred = NewDeferred()
	}
	p.logger = svcfields.WithSubsystem(p.logger, "payment")
	return p
}

// Errors returns the run's error log.
func (p *Processor) Errors() *ErrorLog { return p.errors }

// Deferred returns the run's deferred set.
func (p *Processor) Deferred() *Deferred { return p.deferred }

type phase int

const (
	phaseScheduling phase = iota
	phaseCountersigning
	phaseConfirming
	phaseUnhealthy
	phaseFailed
	phaseFinished
)

func (p *Processor) notify(rec *Record) {
	if p.observe != nil {
		p.observe(rec)
	}
}

// Process is the dispatcher handler. It returns Unhealthy, leaving the
// record in Processing, when the node failed mid-flight so the dispatcher
// requeues it; every other exit leaves the record terminal or deferred.
func (p *Processor) Process(ctx context.Context, node Node, rec *Record) (health.Health, error) {
	rec.mu.Lock()
	if rec.stage == StageNotStarted {
		rec.stage = StageProcessing
		rec.step = StepScheduling
		rec.started = p.clock.Now()
	}
	rec.passHealth = health.Healthy
	rec.mu.Unlock()

	logger := p.logger.With("payment", rec.Index, "account", rec.Account.String())
	next := phaseScheduling
	for next != phaseFinished {
		p.notify(rec)
		switch next {
		case phaseScheduling:
			next = p.schedule(ctx, node, rec)
		case phaseCountersigning:
			next = p.countersign(ctx, node, rec)
		case phaseConfirming:
			next = p.confirm(ctx, node, rec)
		case phaseUnhealthy:
			logger.Debug("payment.node.unhealthy", "node", node.Endpoint().String())
			return health.Unhealthy, nil
		case phaseFailed:
			next = phaseFinished
		}
	}
	rec.mu.Lock()
	if rec.stage.Terminal() {
		rec.finished = p.clock.Now()
	}
	h := rec.passHealth
	stage := rec.stage
	rec.mu.Unlock()
	p.notify(rec)
	logger.Debug("payment.processed", "stage", stage.Label())
	return h, nil
}

func (p *Processor) fail(rec *Record, format string, args ...any) phase {
	msg := fmt.Sprintf("Payment no. %d to %s ", rec.Index, rec.Account) + fmt.Sprintf(format, args...)
	p.errors.Add(msg)
	p.logger.Warn("payment.failed", "payment", rec.Index, "account", rec.Account.String(), "reason", msg)
	rec.set(StageFailed, StepFinished)
	return phaseFailed
}

func (p *Processor) schedule(ctx context.Context, node Node, rec *Record) phase {
	if prior := rec.schedulingOutcome(); prior != nil && prior.OK() {
		switch prior.Value.Status {
		case ledger.StatusSuccess:
			rec.setStep(StepConfirming)
			return phaseConfirming
		case ledger.StatusIdenticalScheduleAlreadyCreated:
			rec.setStep(StepCountersigning)
			return phaseCountersigning
		}
	}
	out := node.Submit(ctx, func(nodeAccount ledger.AccountID) (*ledger.Transaction, error) {
		tx := &ledger.Transaction{
			ID:   ledger.NewTransactionID(p.params.SubmitPayer, p.clock.Now()),
			Node: nodeAccount,
			Body: ledger.Body{ScheduleCreate: &ledger.ScheduleCreate{
				Payer: p.params.TransferPayer,
				Memo:  p.params.Memo,
				Transfer: ledger.TokenTransfer{
					Token:  p.params.Token,
					From:   p.params.Treasury,
					To:     rec.Account,
					Amount: rec.Units,
				},
			}},
		}
		return tx, p.sign(tx)
	})
	rec.mu.Lock()
	rec.scheduling = &out
	rec.passHealth = rec.passHealth.Worse(out.Health)
	rec.scheduled = p.clock.Now()
	rec.mu.Unlock()

	switch {
	case out.Health == health.Unhealthy:
		return phaseUnhealthy
	case out.OK():
		switch out.Value.Status {
		case ledger.StatusSuccess:
			rec.setStep(StepConfirming)
			return phaseConfirming
		case ledger.StatusIdenticalScheduleAlreadyCreated:
			rec.setStep(StepCountersigning)
			return phaseCountersigning
		default:
			return p.fail(rec, "scheduling failed with code %s.", out.Value.Status)
		}
	case out.Kind == nodeclient.DefinitiveError && out.Code != "":
		if out.Code == ledger.StatusDuplicateTransaction {
			return phaseScheduling
		}
		return p.fail(rec, "scheduling failed with code %s.", out.Code)
	}
	return p.fail(rec, "scheduling failed for an unknown reason.")
}

func (p *Processor) countersign(ctx context.Context, node Node, rec *Record) phase {
	if prior := rec.countersigningOutcome(); prior != nil && prior.OK() {
		switch prior.Value.Status {
		case ledger.StatusSuccess, ledger.StatusScheduleAlreadyExecuted, ledger.StatusNoNewValidSignatures:
			rec.setStep(StepConfirming)
			return phaseConfirming
		case ledger.StatusInvalidScheduleID:
			rec.resetSchedule(StepNotStarted)
			return phaseScheduling
		}
	}
	scheduling := rec.schedulingOutcome()
	if scheduling == nil || !scheduling.OK() || scheduling.Value.ScheduleID == nil {
		return p.fail(rec, "countersigning failed for an unknown reason.")
	}
	scheduleID := *scheduling.Value.ScheduleID
	out := node.Submit(ctx, func(nodeAccount ledger.AccountID) (*ledger.Transaction, error) {
		tx := &ledger.Transaction{
			ID:   ledger.NewTransactionID(p.params.SubmitPayer, p.clock.Now()),
			Node: nodeAccount,
			Body: ledger.Body{ScheduleSign: &ledger.ScheduleSign{ScheduleID: scheduleID}},
		}
		return tx, p.sign(tx)
	})
	rec.mu.Lock()
	rec.countersigning = &out
	rec.passHealth = rec.passHealth.Worse(out.Health)
	rec.countersigned = p.clock.Now()
	rec.mu.Unlock()

	switch {
	case out.Health == health.Unhealthy:
		return phaseUnhealthy
	case out.OK():
		switch out.Value.Status {
		case ledger.StatusSuccess, ledger.StatusNoNewValidSignatures, ledger.StatusScheduleAlreadyExecuted:
			rec.setStep(StepConfirming)
			return phaseConfirming
		case ledger.StatusInvalidScheduleID:
			rec.resetSchedule(StepScheduling)
			return phaseScheduling
		default:
			return p.fail(rec, "countersigning failed with code %s.", out.Value.Status)
		}
	case out.Kind == nodeclient.DefinitiveError && out.Code != "":
		if out.Code == ledger.StatusDuplicateTransaction {
			return phaseCountersigning
		}
		return p.fail(rec, "countersigning failed with code %s.", out.Code)
	}
	return p.fail(rec, "countersigning failed for an unknown reason.")
}

// resetSchedule forgets the schedule after the network declared it invalid.
func (r *Record) resetSchedule(step Step) {
	r.mu.Lock()
	r.step = step
	r.scheduling = nil
	r.countersigning = nil
	r.mu.Unlock()
}

func (p *Processor) confirm(ctx context.Context, node Node, rec *Record) phase {
	if prior := rec.confirmationOutcome(); prior != nil && prior.OK() {
		rec.set(completionStage(prior.Value.Status), StepFinished)
		return phaseFinished
	}
	scheduled, ok := scheduledTransaction(rec)
	if !ok {
		return p.fail(rec, "confirmation request failed for an unknown reason.")
	}
	out := node.QueryReceipt(ctx, scheduled)
	rec.mu.Lock()
	rec.confirmation = &out
	rec.passHealth = rec.passHealth.Worse(out.Health)
	rec.mu.Unlock()

	switch {
	case out.Health == health.Unhealthy:
		return phaseUnhealthy
	case out.OK():
		rec.set(completionStage(out.Value.Status), StepFinished)
		return phaseFinished
	case out.Kind == nodeclient.DefinitiveError && out.Code != "":
		if out.Code == ledger.StatusReceiptNotFound {
			p.awaitSignatures(rec)
			return phaseFinished
		}
		return p.fail(rec, "confirmation request failed with code %s.", out.Code)
	}
	return p.fail(rec, "confirmation request failed for an unknown reason.")
}

// CheckCompletion is the reconciliation handler for deferred payments. It
// only queries; it never submits. Payments still awaiting signatures go
// back into the deferred set for the next pass, except after an unhealthy
// lookup, which the dispatcher requeues instead.
func (p *Processor) CheckCompletion(ctx context.Context, node Node, rec *Record) (health.Health, error) {
	scheduled, ok := scheduledTransaction(rec)
	if !ok {
		p.fail(rec, "confirmation request failed for an unknown reason.")
		rec.mu.Lock()
		rec.finished = p.clock.Now()
		rec.mu.Unlock()
		p.notify(rec)
		return health.Healthy, nil
	}
	out := node.QueryReceipt(ctx, scheduled)
	rec.mu.Lock()
	rec.confirmation = &out
	rec.mu.Unlock()
	switch {
	case out.OK():
		rec.set(completionStage(out.Value.Status), StepFinished)
		rec.mu.Lock()
		rec.finished = p.clock.Now()
		rec.mu.Unlock()
	case out.Kind == nodeclient.DefinitiveError && out.Code != "" && out.Code != ledger.StatusReceiptNotFound:
		rec.set(StageFailed, StepFinished)
		rec.mu.Lock()
		rec.finished = p.clock.Now()
		rec.mu.Unlock()
	case out.Health == health.Unhealthy:
		rec.Defer()
	default:
		p.awaitSignatures(rec)
	}
	p.notify(rec)
	return out.Health, nil
}

// awaitSignatures parks rec until other parties signed. The stage is
// written before the record becomes visible to the reconciliation monitor,
// which may complete it at once.
func (p *Processor) awaitSignatures(rec *Record) {
	rec.Defer()
	p.deferred.Add(rec)
}

func scheduledTransaction(rec *Record) (ledger.TransactionID, bool) {
	s := rec.schedulingOutcome()
	if s == nil || !s.OK() || s.Value.ScheduledTransactionID == nil {
		return ledger.TransactionID{}, false
	}
	return *s.Value.ScheduledTransactionID, true
}

func completionStage(status ledger.Status) Stage {
	if status == ledger.StatusSuccess {
		return StageCompleted
	}
	return StageFailed
}

func (p *Processor) sign(tx *ledger.Transaction) error {
	if p.params.Signer == nil {
		return fmt.Errorf("payment: no signer configured")
	}
	return p.params.Signer.Sign(tx)
}
