// Package plan coordinates one distribution run: it validates the requested
// transfers against the ledger, then drives every payment through the
// payment state machine over all reachable nodes while reconciling payments
// that wait on signatures from other parties.
package plan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"pkt.systems/paydist/internal/amount"
	"pkt.systems/paydist/internal/clock"
	"pkt.systems/paydist/internal/discovery"
	"pkt.systems/paydist/internal/dispatch"
	"pkt.systems/paydist/internal/distfile"
	"pkt.systems/paydist/internal/health"
	"pkt.systems/paydist/internal/ids"
	"pkt.systems/paydist/internal/ledger"
	"pkt.systems/paydist/internal/nodeclient"
	"pkt.systems/paydist/internal/payment"
	"pkt.systems/paydist/internal/progress"
	"pkt.systems/paydist/internal/report"
	"pkt.systems/paydist/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	// DefaultReconcileInterval separates reconciliation passes while
	// payments are still being scheduled.
	DefaultReconcileInterval = 60 * time.Second
	// DefaultFinalReconcileDelay lets the network settle before the last pass.
	DefaultFinalReconcileDelay = 10 * time.Second
	// DefaultReconcileMaxRounds bounds dispatcher rounds within one
	// reconciliation pass.
	DefaultReconcileMaxRounds = 3
)

// ErrNoEndpointReachable is returned by ExecutePlan when no node answered
// the reachability probe. No payment is touched.
var ErrNoEndpointReachable = errors.New("no endpoint reachable")

const (
	msgInputErrors   = "There are errors in the CSV Distribution file and/or Token Details, please correct before continuing."
	msgNoNodes       = "Unable to reach any network nodes at this time."
	msgPlanErrors    = "There are errors with distribution plan that prevent execution."
	descSubmitPayer  = "Scheduling Payer Account"
	descTransferPays = "Transfer Payer Account"
	descTreasury     = "Treasury Account"
)

// Node is the node client surface a run needs.
type Node interface {
	payment.Node
	QueryBalance(ctx context.Context, account ledger.AccountID) nodeclient.Outcome[*ledger.Balance]
}

// Dialer returns a client bound to ep.
type Dialer func(ep nodeclient.Endpoint) Node

// Config wires a RunContext to the network and tunes its timers.
type Config struct {
	Book      discovery.Book
	Dial      Dialer
	Discovery discovery.Options
	// Dispatch options apply to every dispatcher the run creates.
	Dispatch            []dispatch.Option
	ReconcileInterval   time.Duration
	FinalReconcileDelay time.Duration
	ReconcileMaxRounds  int
	ProgressInterval    time.Duration
	// Clock drives payment timestamps and reconciliation timers.
	Clock  clock.Clock
	Logger pslog.Logger
}

func (c Config) withDefaults() Config {
	if c.Book == nil {
		c.Book = discovery.DefaultBook()
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = DefaultReconcileInterval
	}
	if c.FinalReconcileDelay < 0 {
		c.FinalReconcileDelay = 0
	} else if c.FinalReconcileDelay == 0 {
		c.FinalReconcileDelay = DefaultFinalReconcileDelay
	}
	if c.ReconcileMaxRounds <= 0 {
		c.ReconcileMaxRounds = DefaultReconcileMaxRounds
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = progress.DefaultInterval
	}
	c.Clock = clock.Ensure(c.Clock)
	return c
}

// TransferSummary is one planned payment in token units.
type TransferSummary struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// Summary is the outcome of GeneratePlan. Amounts are decimal strings in
// whole tokens.
type Summary struct {
	Errors          []string          `json:"errors"`
	Warnings        []string          `json:"warnings"`
	TreasuryBalance string            `json:"treasury_balance"`
	Decimals        uint8             `json:"decimals"`
	TotalAmount     string            `json:"total_amount"`
	Transfers       []TransferSummary `json:"transfers"`
}

// ExecutionResult is the state of a run after ExecutePlan.
type ExecutionResult struct {
	Errors   []string
	Payments []payment.Result
}

type distribution struct {
	distfile.Transfer
	balance *ledger.Balance
	units   *amount.Units
}

// RunContext holds every piece of state of one distribution run. Separate
// RunContexts share nothing and may run concurrently.
type RunContext struct {
	id          string
	cfg         Config
	params      Params
	inputErrors []string
	file        *distfile.File
	logger      pslog.Logger
	metrics     *planMetrics
	stream      *progress.Stream

	mu              sync.Mutex
	planned         bool
	planErrors      []string
	planWarnings    []string
	decimals        uint8
	treasuryBalance amount.Units
	total           amount.Units
	distributions   []*distribution
	payments        []*payment.Record
	execErrors      *payment.ErrorLog
	deferred        *payment.Deferred
}

// New prepares a run over the transfers of file. paramErrors are problems
// found while parsing the run parameters; they block planning.
func New(file *distfile.File, params Params, paramErrors []string, cfg Config) *RunContext {
	cfg = cfg.withDefaults()
	id := ids.RunID()
	logger := svcfields.WithRun(svcfields.WithSubsystem(cfg.Logger, "plan"), id)
	if file == nil {
		file = &distfile.File{}
	}
	rc := &RunContext{
		id:          id,
		cfg:         cfg,
		params:      params,
		inputErrors: append(paramErrors, params.Validate()...),
		file:        file,
		logger:      logger,
		metrics:     newPlanMetrics(logger),
		execErrors:  &payment.ErrorLog{},
		deferred:    payment.NewDeferred(),
	}
	rc.stream = progress.NewStream(rc.views, progress.WithInterval(cfg.ProgressInterval))
	return rc
}

// ID returns the run identifier.
func (rc *RunContext) ID() string { return rc.id }

// Progress returns the run's progress stream.
func (rc *RunContext) Progress() *progress.Stream { return rc.stream }

func (rc *RunContext) views() []payment.Result {
	rc.mu.Lock()
	payments := rc.payments
	rc.mu.Unlock()
	out := make([]payment.Result, len(payments))
	for i, rec := range payments {
		out[i] = rec.View()
	}
	return out
}

func (rc *RunContext) clients() []Node {
	candidates, err := rc.cfg.Book.ListCandidates(rc.params.Network)
	if err != nil {
		rc.logger.Warn("plan.network.unknown", "network", rc.params.Network, "error", err)
		return nil
	}
	if rc.cfg.Dial == nil {
		rc.logger.Warn("plan.dialer.missing")
		return nil
	}
	nodes := make([]Node, 0, len(candidates))
	for _, ep := range candidates {
		nodes = append(nodes, rc.cfg.Dial(ep))
	}
	return nodes
}

func (rc *RunContext) reachable(ctx context.Context) []Node {
	opts := rc.cfg.Discovery
	if opts.Logger == nil {
		opts.Logger = rc.logger
	}
	return discovery.Reachable(ctx, rc.clients(), opts)
}

func (rc *RunContext) pool(name string, extra ...dispatch.Option) *dispatch.Pool[Node, *payment.Record] {
	opts := append([]dispatch.Option{dispatch.WithLogger(rc.logger), dispatch.WithName(name)}, rc.cfg.Dispatch...)
	return dispatch.New[Node, *payment.Record](append(opts, extra...)...)
}

func (rc *RunContext) addError(msg string) {
	rc.mu.Lock()
	rc.planErrors = append(rc.planErrors, msg)
	rc.mu.Unlock()
}

func (rc *RunContext) addWarning(msg string) {
	rc.mu.Lock()
	rc.planWarnings = append(rc.planWarnings, msg)
	rc.mu.Unlock()
}

// GeneratePlan validates the run against the ledger and computes the
// payments to make. Findings are reported in the Summary; the error is
// non-nil only when ctx ended first.
func (rc *RunContext) GeneratePlan(ctx context.Context) (Summary, error) {
	rc.mu.Lock()
	rc.planned = true
	rc.planErrors = nil
	rc.planWarnings = nil
	rc.decimals = 0
	rc.treasuryBalance = amount.Units{}
	rc.total = amount.Units{}
	rc.distributions = make([]*distribution, 0, len(rc.file.Transfers))
	for _, t := range rc.file.Transfers {
		rc.distributions = append(rc.distributions, &distribution{Transfer: t})
	}
	rc.mu.Unlock()

	nodes := rc.reachable(ctx)
	if rc.checkPrerequisites(nodes) {
		ok, err := rc.confirmAccountsExist(ctx, nodes)
		if err != nil {
			return rc.summary(), err
		}
		if ok {
			rc.verifyTreasuryBalance()
		}
	}
	if err := ctx.Err(); err != nil {
		return rc.summary(), err
	}
	s := rc.summary()
	rc.metrics.recordFindings(ctx, len(s.Errors), len(s.Warnings))
	rc.logger.Info("plan.generated", "errors", len(s.Errors), "warnings", len(s.Warnings), "transfers", len(s.Transfers), "total", s.TotalAmount)
	return s, nil
}

func (rc *RunContext) checkPrerequisites(nodes []Node) bool {
	rc.stream.Publish("Checking prerequisites ...")
	if len(rc.file.Errors) > 0 || len(rc.inputErrors) > 0 {
		rc.addError(msgInputErrors)
		return false
	}
	if len(nodes) == 0 {
		rc.addError(msgNoNodes)
		return false
	}
	return true
}

func (rc *RunContext) confirmAccountsExist(ctx context.Context, nodes []Node) (bool, error) {
	rc.stream.Publish("Verifying treasury and paying accounts ...")
	submit := rc.sourceBalance(ctx, nodes[0], rc.params.SubmitPayer, descSubmitPayer)
	transfer := rc.sourceBalance(ctx, nodes[0], rc.params.TransferPayer, descTransferPays)
	treasury := rc.sourceBalance(ctx, nodes[0], rc.params.Treasury, descTreasury)
	if submit == nil || transfer == nil || treasury == nil {
		return false, ctx.Err()
	}
	held, ok := treasury.Token(rc.params.Token)
	if !ok {
		rc.addError(fmt.Sprintf("Treasury Account %s does not hold the token %s.", rc.params.Treasury, rc.params.Token))
		return false, nil
	}
	rc.mu.Lock()
	rc.treasuryBalance = held.Balance
	rc.decimals = held.Decimals
	dists := rc.distributions
	rc.mu.Unlock()
	for _, d := range dists {
		if d.Account == rc.params.Treasury {
			rc.addError(fmt.Sprintf("Distribution account %s is the same address as the treasury.", d.Account))
		}
	}

	var (
		countMu sync.Mutex
		checked int
	)
	handler := func(ctx context.Context, node Node, d *distribution) (health.Health, error) {
		out := node.QueryBalance(ctx, d.Account)
		if out.Health == health.Unhealthy {
			return out.Health, nil
		}
		switch {
		case out.OK():
			rc.mu.Lock()
			d.balance = out.Value
			rc.mu.Unlock()
		case out.Code == ledger.StatusInvalidAccountID:
			rc.addWarning(fmt.Sprintf("Receiving account at %s does not exist.", d.Account))
		default:
			rc.addWarning(fmt.Sprintf("%s will be excluded from the distribution, Unable to verify it exists: %v", d.Account, out.Err))
		}
		countMu.Lock()
		checked++
		n := checked
		countMu.Unlock()
		rc.stream.Publish(fmt.Sprintf("Checking %d of %d distribution accounts.", n, len(dists)))
		return out.Health, nil
	}
	pool := dispatch.New[Node, *distribution](append([]dispatch.Option{dispatch.WithLogger(rc.logger), dispatch.WithName("balances")}, rc.cfg.Dispatch...)...)
	if err := pool.Run(ctx, nodes, dists, handler); err != nil {
		return false, err
	}
	rc.stream.Publish("Done Retrieving Accounts Information.")
	return true, nil
}

func (rc *RunContext) sourceBalance(ctx context.Context, node Node, account ledger.AccountID, description string) *ledger.Balance {
	out := node.QueryBalance(ctx, account)
	switch {
	case out.OK():
		return out.Value
	case out.Code == ledger.StatusInvalidAccountID:
		rc.addError(fmt.Sprintf("%s at %s does not exist.", description, account))
	default:
		rc.addError(fmt.Sprintf("Unable to verify %s at %s: %v", description, account, out.Err))
	}
	return nil
}

func (rc *RunContext) verifyTreasuryBalance() {
	rc.stream.Publish("Reviewing Distribution Amounts ...")
	rc.mu.Lock()
	defer rc.mu.Unlock()
	total := amount.Units{}
	found := false
	for _, d := range rc.distributions {
		if d.balance == nil {
			continue
		}
		if _, ok := d.balance.Token(rc.params.Token); !ok {
			rc.planWarnings = append(rc.planWarnings, fmt.Sprintf(
				"Account %s does not appear to be associated with this token, if the account has not enabled auto-association, this distribution can fail.", d.Account))
		}
		units, err := d.Amount.ToUnits(rc.decimals)
		if err != nil {
			rc.planErrors = append(rc.planErrors, fmt.Sprintf(
				"Distribution account %s amount decimal places exceed token decimal places of %d.", d.Account, rc.decimals))
			continue
		}
		sum, overflow := total.Add(units)
		if overflow {
			rc.planErrors = append(rc.planErrors, fmt.Sprintf("Distribution total for %s overflows the token amount range.", rc.params.Token))
			continue
		}
		total = sum
		d.units = &units
		found = true
	}
	rc.total = total
	if rc.treasuryBalance.Cmp(total) < 0 {
		rc.planErrors = append(rc.planErrors, fmt.Sprintf(
			"Treasury Account %s does not hold a sufficient balance of %s to complete the distribution.", rc.params.Treasury, rc.params.Token))
	}
	if !found {
		rc.planErrors = append(rc.planErrors, fmt.Sprintf(
			"Could not find any accounts in the list that are associated with token %s.", rc.params.Token))
	}
}

func (rc *RunContext) summary() Summary {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	s := Summary{
		Errors:          append([]string(nil), rc.planErrors...),
		Warnings:        append([]string(nil), rc.planWarnings...),
		TreasuryBalance: amount.FromUnits(rc.treasuryBalance, rc.decimals).String(),
		Decimals:        rc.decimals,
		TotalAmount:     amount.FromUnits(rc.total, rc.decimals).String(),
		Transfers:       []TransferSummary{},
	}
	for _, d := range rc.distributions {
		if d.units == nil {
			continue
		}
		s.Transfers = append(s.Transfers, TransferSummary{
			Account: d.Account.String(),
			Amount:  amount.FromUnits(*d.units, rc.decimals).String(),
		})
	}
	return s
}

// ExecutePlan makes every planned payment. It returns ErrNoEndpointReachable
// when no node answered, and ctx.Err() when the run was cancelled; in both
// cases the result still reflects the payments' state.
func (rc *RunContext) ExecutePlan(ctx context.Context) (ExecutionResult, error) {
	rc.mu.Lock()
	rc.payments = nil
	rc.execErrors = &payment.ErrorLog{}
	rc.deferred = payment.NewDeferred()
	for _, d := range rc.distributions {
		if d.units == nil {
			continue
		}
		rc.payments = append(rc.payments, payment.NewRecord(len(rc.payments), d.Account, amount.FromUnits(*d.units, rc.decimals), *d.units))
	}
	blocked := !rc.planned || len(rc.planErrors) > 0
	payments := rc.payments
	errs, deferred := rc.execErrors, rc.deferred
	rc.mu.Unlock()
	defer rc.stream.Close()
	rc.stream.Publish("Starting distribution ...")

	nodes := rc.reachable(ctx)
	switch {
	case len(nodes) == 0:
		errs.Add(ErrNoEndpointReachable.Error())
		rc.logger.Warn("plan.execute.no_endpoints")
		return rc.Results(), ErrNoEndpointReachable
	case blocked || len(rc.file.Errors) > 0 || len(rc.inputErrors) > 0:
		errs.Add(msgPlanErrors)
		return rc.Results(), nil
	}

	processor := payment.NewProcessor(payment.Params{
		Token:         rc.params.Token,
		Treasury:      rc.params.Treasury,
		SubmitPayer:   rc.params.SubmitPayer,
		TransferPayer: rc.params.TransferPayer,
		Memo:          rc.params.Memo,
		Signer:        rc.params.Keys,
	}, errs, deferred,
		payment.WithClock(rc.cfg.Clock),
		payment.WithLogger(rc.logger),
		payment.WithObserver(func(*payment.Record) { rc.stream.Notify() }))

	rc.logger.Info("plan.execute.start", "payments", len(payments), "nodes", len(nodes))
	stop := make(chan struct{})
	monitorDone := make(chan struct{})
	go rc.monitor(ctx, nodes, processor, stop, monitorDone)

	runErr := rc.pool("payments").Run(ctx, nodes, payments, func(ctx context.Context, node Node, rec *payment.Record) (health.Health, error) {
		return processor.Process(ctx, node, rec)
	})
	close(stop)
	<-monitorDone

	if runErr == nil && deferred.Len() > 0 {
		if err := clock.SleepContext(ctx, rc.cfg.Clock, rc.cfg.FinalReconcileDelay); err != nil {
			runErr = err
		} else {
			rc.reconcile(ctx, nodes, processor, true)
		}
	}
	res := rc.Results()
	for _, p := range res.Payments {
		rc.metrics.recordPayment(ctx, p.Stage.Label())
	}
	rc.logger.Info("plan.execute.done", "payments", len(res.Payments), "errors", len(res.Errors), "error", runErr)
	return res, runErr
}

// monitor reconciles deferred payments every ReconcileInterval until stop
// is closed.
func (rc *RunContext) monitor(ctx context.Context, nodes []Node, processor *payment.Processor, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		rc.reconcile(ctx, nodes, processor, false)
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-rc.cfg.Clock.After(rc.cfg.ReconcileInterval):
		}
		select {
		case <-stop:
			return
		default:
		}
	}
}

func (rc *RunContext) reconcile(ctx context.Context, nodes []Node, processor *payment.Processor, final bool) {
	inputs := processor.Deferred().Drain()
	if len(inputs) == 0 {
		return
	}
	for _, rec := range inputs {
		rec.BeginReconcile()
	}
	rc.stream.Notify()
	rc.metrics.recordPass(ctx, final, len(inputs))
	rc.logger.Debug("plan.reconcile.pass", "payments", len(inputs), "final", final)
	err := rc.pool("reconcile", dispatch.WithMaxRounds(rc.cfg.ReconcileMaxRounds)).Run(ctx, nodes, inputs, func(ctx context.Context, node Node, rec *payment.Record) (health.Health, error) {
		return processor.CheckCompletion(ctx, node, rec)
	})
	if err != nil {
		rc.logger.Warn("plan.reconcile.incomplete", "error", err, "final", final)
	}
	for _, rec := range inputs {
		if st := rec.Stage(); st == payment.StageScheduled || st == payment.StageProcessing {
			if st == payment.StageProcessing {
				rec.Defer()
			}
			processor.Deferred().Add(rec)
		}
	}
}

// Results re-reads the state of the last execution.
func (rc *RunContext) Results() ExecutionResult {
	rc.mu.Lock()
	errs := rc.execErrors
	rc.mu.Unlock()
	return ExecutionResult{Errors: errs.Entries(), Payments: rc.views()}
}

// WriteReport writes the CSV report of the last execution to w.
func (rc *RunContext) WriteReport(w io.Writer) error {
	return report.WriteCSV(w, rc.views())
}
