// Package devnode simulates a small ledger network over the node wire
// protocol. It keeps accounts, tokens and schedules in memory and executes a
// scheduled transfer once both the source account and the fee payer signed
// it, which is enough to drive multi-party distributions end to end without
// a real network.
package devnode

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/paydist/internal/amount"
	"pkt.systems/paydist/internal/clock"
	"pkt.systems/paydist/internal/ledger"
	"pkt.systems/paydist/internal/svcfields"
)

// Errors returned by the setup API.
var (
	ErrAccountExists  = errors.New("devnode: account already exists")
	ErrUnknownAccount = errors.New("devnode: unknown account")
	ErrTokenExists    = errors.New("devnode: token already exists")
	ErrUnknownToken   = errors.New("devnode: unknown token")
)

// LedgerConfig configures a Ledger.
type LedgerConfig struct {
	// SettleDelay is how long a receipt reads UNKNOWN after submission.
	SettleDelay time.Duration
	// FirstEntity is the number handed to the first schedule created.
	FirstEntity uint64
	Clock       clock.Clock
	Logger      pslog.Logger
}

// Ledger is the shared state every simulated node serves.
type Ledger struct {
	mu       sync.Mutex
	clock    clock.Clock
	logger   pslog.Logger
	settle   time.Duration
	next     uint64
	accounts map[ledger.AccountID]*account
	tokens   map[ledger.TokenID]*token
	txs      map[string]*txEntry
	sched    map[ledger.ScheduleID]*schedule
	byBody   map[string]ledger.ScheduleID
}

type account struct {
	fee      amount.Units
	keys     []ed25519.PublicKey
	holdings map[ledger.TokenID]amount.Units
}

type token struct {
	treasury ledger.AccountID
	decimals uint8
}

type txEntry struct {
	receipt   ledger.Receipt
	visibleAt time.Time
}

type schedule struct {
	id        ledger.ScheduleID
	create    ledger.ScheduleCreate
	scheduled ledger.TransactionID
	signers   map[string]struct{}
	executed  bool
}

// NewLedger returns an empty ledger.
func NewLedger(cfg LedgerConfig) *Ledger {
	next := cfg.FirstEntity
	if next == 0 {
		next = 7000
	}
	return &Ledger{
		clock:    clock.Ensure(cfg.Clock),
		logger:   svcfields.WithSubsystem(cfg.Logger, "devnode.ledger"),
		settle:   cfg.SettleDelay,
		next:     next,
		accounts: make(map[ledger.AccountID]*account),
		tokens:   make(map[ledger.TokenID]*token),
		txs:      make(map[string]*txEntry),
		sched:    make(map[ledger.ScheduleID]*schedule),
		byBody:   make(map[string]ledger.ScheduleID),
	}
}

// CreateAccount opens an account holding fee units of the fee currency.
// An account without keys accepts any signature.
func (l *Ledger) CreateAccount(id ledger.AccountID, fee amount.Units, keys ...ed25519.PublicKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[id]; ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, id)
	}
	l.accounts[id] = &account{
		fee:      fee,
		keys:     append([]ed25519.PublicKey(nil), keys...),
		holdings: make(map[ledger.TokenID]amount.Units),
	}
	return nil
}

// CreateToken mints supply units of a new token into treasury, which is
// associated with it implicitly.
func (l *Ledger) CreateToken(id ledger.TokenID, treasury ledger.AccountID, decimals uint8, supply amount.Units) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.tokens[id]; ok {
		return fmt.Errorf("%w: %s", ErrTokenExists, id)
	}
	acct, ok := l.accounts[treasury]
	if !ok {
		return fmt.Errorf("%w: treasury %s", ErrUnknownAccount, treasury)
	}
	l.tokens[id] = &token{treasury: treasury, decimals: decimals}
	acct.holdings[id] = supply
	return nil
}

// Associate lets account hold token.
func (l *Ledger) Associate(id ledger.AccountID, tok ledger.TokenID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	if _, ok := l.tokens[tok]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, tok)
	}
	if _, ok := acct.holdings[tok]; !ok {
		acct.holdings[tok] = amount.Units{}
	}
	return nil
}

// Balance returns a snapshot of the account.
func (l *Ledger) Balance(id ledger.AccountID) (*ledger.Balance, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(id)
}

func (l *Ledger) balanceLocked(id ledger.AccountID) (*ledger.Balance, bool) {
	acct, ok := l.accounts[id]
	if !ok {
		return nil, false
	}
	bal := &ledger.Balance{Account: id, Fee: acct.fee}
	if len(acct.holdings) > 0 {
		bal.Tokens = make(map[ledger.TokenID]ledger.TokenBalance, len(acct.holdings))
		for tok, units := range acct.holdings {
			bal.Tokens[tok] = ledger.TokenBalance{Balance: units, Decimals: l.tokens[tok].decimals}
		}
	}
	return bal, true
}

// Submit runs the precheck on tx and, when it passes, applies it. The
// returned status is what a node answers on submission; the outcome of the
// transaction itself is recorded in its receipt.
func (l *Ledger) Submit(tx *ledger.Transaction) ledger.Status {
	if err := tx.Validate(); err != nil {
		return ledger.StatusInvalidTransaction
	}
	keys, err := tx.VerifiedKeys()
	if err != nil {
		return ledger.StatusInvalidSignature
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	idKey := tx.ID.String()
	if _, dup := l.txs[idKey]; dup {
		return ledger.StatusDuplicateTransaction
	}
	payer, ok := l.accounts[tx.ID.Payer]
	if !ok {
		return ledger.StatusInvalidAccountID
	}
	if !payer.signedBy(keys) {
		return ledger.StatusInvalidSignature
	}
	if payer.fee.IsZero() {
		return ledger.StatusInsufficientPayerBalance
	}

	var receipt ledger.Receipt
	switch {
	case tx.Body.ScheduleCreate != nil:
		receipt = l.scheduleCreate(tx, keys)
	default:
		receipt = l.scheduleSign(tx.Body.ScheduleSign.ScheduleID, keys)
	}
	l.txs[idKey] = &txEntry{receipt: receipt, visibleAt: l.clock.Now().Add(l.settle)}
	l.logger.Debug("devnode.tx.applied", "tx", idKey, "status", receipt.Status)
	return ledger.StatusOK
}

func (l *Ledger) scheduleCreate(tx *ledger.Transaction, keys []ed25519.PublicKey) ledger.Receipt {
	create := *tx.Body.ScheduleCreate
	key := scheduleKey(create)
	if id, ok := l.byBody[key]; ok {
		existing := l.sched[id]
		return scheduleReceipt(ledger.StatusIdenticalScheduleAlreadyCreated, existing)
	}
	for _, id := range []ledger.AccountID{create.Payer, create.Transfer.From, create.Transfer.To} {
		if _, ok := l.accounts[id]; !ok {
			return ledger.Receipt{Status: ledger.StatusInvalidAccountID}
		}
	}
	if _, ok := l.tokens[create.Transfer.Token]; !ok {
		return ledger.Receipt{Status: ledger.StatusInvalidTokenID}
	}
	s := &schedule{
		id:        ledger.ScheduleID{Num: l.next},
		create:    create,
		scheduled: tx.ID.AsScheduled(),
		signers:   make(map[string]struct{}),
	}
	l.next++
	s.addSigners(keys)
	l.sched[s.id] = s
	l.byBody[key] = s.id
	l.tryExecute(s)
	return scheduleReceipt(ledger.StatusSuccess, s)
}

func (l *Ledger) scheduleSign(id ledger.ScheduleID, keys []ed25519.PublicKey) ledger.Receipt {
	s, ok := l.sched[id]
	if !ok {
		return ledger.Receipt{Status: ledger.StatusInvalidScheduleID}
	}
	if s.executed {
		return ledger.Receipt{Status: ledger.StatusScheduleAlreadyExecuted}
	}
	if !s.addSigners(keys) {
		return ledger.Receipt{Status: ledger.StatusNoNewValidSignatures}
	}
	l.tryExecute(s)
	return scheduleReceipt(ledger.StatusSuccess, s)
}

// tryExecute runs the scheduled transfer once the source account and the fee
// payer have both signed.
func (l *Ledger) tryExecute(s *schedule) {
	for _, id := range []ledger.AccountID{s.create.Payer, s.create.Transfer.From} {
		if !l.accounts[id].signedBySet(s.signers) {
			return
		}
	}
	s.executed = true
	status := l.transfer(s.create.Transfer)
	l.txs[s.scheduled.String()] = &txEntry{
		receipt:   ledger.Receipt{Status: status},
		visibleAt: l.clock.Now().Add(l.settle),
	}
	l.logger.Info("devnode.schedule.executed",
		"schedule_id", s.id.String(),
		"scheduled_tx", s.scheduled.String(),
		"status", status,
	)
}

func (l *Ledger) transfer(t ledger.TokenTransfer) ledger.Status {
	from := l.accounts[t.From]
	to := l.accounts[t.To]
	src, ok := from.holdings[t.Token]
	if !ok {
		return ledger.StatusTokenNotAssociatedToAccount
	}
	dst, ok := to.holdings[t.Token]
	if !ok {
		return ledger.StatusTokenNotAssociatedToAccount
	}
	if src.Cmp(t.Amount) < 0 {
		return ledger.StatusInsufficientTokenBalance
	}
	sum, overflow := dst.Add(t.Amount)
	if overflow {
		return ledger.StatusInvalidTransaction
	}
	from.holdings[t.Token] = src.Sub(t.Amount)
	to.holdings[t.Token] = sum
	return ledger.StatusSuccess
}

// Receipt returns the receipt of id as a node would serve it: UNKNOWN until
// the settle delay passed, RECEIPT_NOT_FOUND for transactions never applied.
func (l *Ledger) Receipt(id ledger.TransactionID) ledger.Receipt {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.txs[id.String()]
	if !ok {
		return ledger.Receipt{Status: ledger.StatusReceiptNotFound}
	}
	if l.clock.Now().Before(entry.visibleAt) {
		return ledger.Receipt{Status: ledger.StatusUnknown}
	}
	return cloneReceipt(entry.receipt)
}

// Query answers a balance or receipt query.
func (l *Ledger) Query(q ledger.Query) ledger.QueryResponse {
	switch {
	case q.Balance != nil && q.Receipt == nil:
		l.mu.Lock()
		defer l.mu.Unlock()
		bal, ok := l.balanceLocked(q.Balance.Account)
		if !ok {
			return ledger.QueryResponse{Status: ledger.StatusInvalidAccountID}
		}
		return ledger.QueryResponse{Status: ledger.StatusOK, Balance: bal}
	case q.Receipt != nil && q.Balance == nil:
		receipt := l.Receipt(q.Receipt.TransactionID)
		if receipt.Status == ledger.StatusReceiptNotFound || receipt.Status == ledger.StatusUnknown {
			return ledger.QueryResponse{Status: ledger.StatusReceiptNotFound}
		}
		return ledger.QueryResponse{Status: ledger.StatusOK, Receipt: &receipt}
	default:
		return ledger.QueryResponse{Status: ledger.StatusInvalidTransaction}
	}
}

// Executed reports whether the schedule with id ran.
func (l *Ledger) Executed(id ledger.ScheduleID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sched[id]
	return ok && s.executed
}

func (a *account) signedBy(keys []ed25519.PublicKey) bool {
	if len(a.keys) == 0 {
		return true
	}
	for _, want := range a.keys {
		for _, got := range keys {
			if want.Equal(got) {
				return true
			}
		}
	}
	return false
}

func (a *account) signedBySet(signers map[string]struct{}) bool {
	if len(a.keys) == 0 {
		return true
	}
	for _, want := range a.keys {
		if _, ok := signers[hex.EncodeToString(want)]; ok {
			return true
		}
	}
	return false
}

// addSigners records keys and reports whether any of them was new.
func (s *schedule) addSigners(keys []ed25519.PublicKey) bool {
	added := false
	for _, k := range keys {
		h := hex.EncodeToString(k)
		if _, ok := s.signers[h]; ok {
			continue
		}
		s.signers[h] = struct{}{}
		added = true
	}
	return added
}

func scheduleKey(c ledger.ScheduleCreate) string {
	data, _ := json.Marshal(c)
	return string(data)
}

func scheduleReceipt(status ledger.Status, s *schedule) ledger.Receipt {
	id := s.id
	scheduled := s.scheduled
	return ledger.Receipt{Status: status, ScheduleID: &id, ScheduledTransactionID: &scheduled}
}

func cloneReceipt(r ledger.Receipt) ledger.Receipt {
	out := ledger.Receipt{Status: r.Status}
	if r.ScheduleID != nil {
		id := *r.ScheduleID
		out.ScheduleID = &id
	}
	if r.ScheduledTransactionID != nil {
		id := *r.ScheduledTransactionID
		out.ScheduledTransactionID = &id
	}
	return out
}
