package payment

import (
	"sync"
	"time"

	"pkt.systems/paydist/internal/amount"
	"pkt.systems/paydist/internal/health"
	"pkt.systems/paydist/internal/ledger"
	"pkt.systems/paydist/internal/nodeclient"
)

// Stage is the externally visible progress of a payment.
type Stage int

const (
	StageNotStarted Stage = iota
	StageProcessing
	StageScheduled
	StageCompleted
	StageFailed
)

// Label returns the human readable stage name used in reports.
func (s Stage) Label() string {
	switch s {
	case StageNotStarted:
		return "Not Started"
	case StageProcessing:
		return "Processing"
	case StageScheduled:
		return "Scheduled"
	case StageCompleted:
		return "Completed"
	case StageFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

func (s Stage) String() string { return s.Label() }

// Terminal reports whether no further processing will change the stage.
func (s Stage) Terminal() bool { return s == StageCompleted || s == StageFailed }

// Step is the network operation a payment is on.
type Step int

const (
	StepNotStarted Step = iota
	StepScheduling
	StepCountersigning
	StepConfirming
	StepFinished
)

func (s Step) String() string {
	switch s {
	case StepNotStarted:
		return "not_started"
	case StepScheduling:
		return "scheduling"
	case StepCountersigning:
		return "countersigning"
	case StepConfirming:
		return "confirming"
	case StepFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Record is one payment of a distribution run. The worker that dequeued it
// is its only writer; the mutex lets progress snapshots and reports read it
// while that worker runs.
type Record struct {
	Index   int
	Account ledger.AccountID
	Amount  amount.Decimal
	Units   amount.Units

	mu             sync.Mutex
	stage          Stage
	step           Step
	scheduling     *nodeclient.TxOutcome
	countersigning *nodeclient.TxOutcome
	confirmation   *nodeclient.Outcome[ledger.Receipt]
	// passHealth is the worst health seen by the current Process call.
	passHealth     health.Health
	started        time.Time
	scheduled      time.Time
	countersigned  time.Time
	finished       time.Time
}

// NewRecord returns a NotStarted payment.
func NewRecord(index int, account ledger.AccountID, amt amount.Decimal, units amount.Units) *Record {
	return &Record{Index: index, Account: account, Amount: amt, Units: units}
}

// Stage returns the current stage.
func (r *Record) Stage() Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}

// Step returns the current step.
func (r *Record) Step() Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.step
}

// BeginReconcile marks a deferred payment as being confirmed again.
func (r *Record) BeginReconcile() { r.set(StageProcessing, StepConfirming) }

// Defer returns a payment to waiting on other parties' signatures.
func (r *Record) Defer() { r.set(StageScheduled, StepConfirming) }

// set moves the record to stage/step. Completed and Failed are final.
func (r *Record) set(stage Stage, step Step) {
	r.mu.Lock()
	if !r.stage.Terminal() {
		r.stage, r.step = stage, step
	}
	r.mu.Unlock()
}

func (r *Record) setStep(step Step) {
	r.mu.Lock()
	r.step = step
	r.mu.Unlock()
}

func (r *Record) schedulingOutcome() *nodeclient.TxOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scheduling
}

func (r *Record) countersigningOutcome() *nodeclient.TxOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countersigning
}

func (r *Record) confirmationOutcome() *nodeclient.Outcome[ledger.Receipt] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confirmation
}

// Result is an immutable view of a Record.
type Result struct {
	Index   int
	Account ledger.AccountID
	Amount  amount.Decimal
	Stage   Stage
	Step    Step

	ScheduleID           string
	SchedulingTxID       string
	SchedulingStatus     string
	CountersigningTxID   string
	CountersigningStatus string
	ScheduledTxID        string
	ConfirmationStatus   string

	Started       time.Time
	Scheduled     time.Time
	Countersigned time.Time
	Finished      time.Time
}

// View snapshots the record.
func (r *Record) View() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := Result{
		Index:         r.Index,
		Account:       r.Account,
		Amount:        r.Amount,
		Stage:         r.stage,
		Step:          r.step,
		Started:       r.started,
		Scheduled:     r.scheduled,
		Countersigned: r.countersigned,
		Finished:      r.finished,
	}
	if s := r.scheduling; s != nil {
		res.SchedulingTxID = s.TransactionID.String()
		res.SchedulingStatus = outcomeStatus(*s)
		if s.OK() {
			if s.Value.ScheduleID != nil {
				res.ScheduleID = s.Value.ScheduleID.String()
			}
			if s.Value.ScheduledTransactionID != nil {
				res.ScheduledTxID = s.Value.ScheduledTransactionID.String()
			}
		}
	}
	if c := r.countersigning; c != nil {
		res.CountersigningTxID = c.TransactionID.String()
		res.CountersigningStatus = outcomeStatus(*c)
	}
	if c := r.confirmation; c != nil {
		res.ConfirmationStatus = outcomeStatus(*c)
	}
	return res
}

// outcomeStatus prefers the receipt status, then the rejection code, then
// the error text.
func outcomeStatus(o nodeclient.Outcome[ledger.Receipt]) string {
	switch {
	case o.OK():
		return o.Value.Status.String()
	case o.Code != "":
		return o.Code.String()
	case o.Err != nil:
		return o.Err.Error()
	}
	return ""
}
