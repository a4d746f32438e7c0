package plan

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/paydist/internal/amount"
	"pkt.systems/paydist/internal/clock"
	"pkt.systems/paydist/internal/discovery"
	"pkt.systems/paydist/internal/dispatch"
	"pkt.systems/paydist/internal/distfile"
	"pkt.systems/paydist/internal/health"
	"pkt.systems/paydist/internal/ledger"
	"pkt.systems/paydist/internal/nodeclient"
	"pkt.systems/paydist/internal/payment"
)

var (
	testToken    = ledger.MustParseEntityID("0.0.5000")
	testTreasury = ledger.MustParseEntityID("0.0.1001")
	testSubmit   = ledger.MustParseEntityID("0.0.1002")
	testTransfer = ledger.MustParseEntityID("0.0.1003")
)

// fakeNetwork is a shared ledger behind every fake node of a test.
type fakeNetwork struct {
	mu        sync.Mutex
	down      bool
	identical bool
	balances  map[ledger.AccountID]*ledger.Balance
	notFound  map[ledger.AccountID]int
	block     map[ledger.AccountID]chan struct{}
	started   map[ledger.AccountID]chan struct{}
	creates   map[ledger.AccountID]int
	receipts  map[ledger.AccountID]int
	schedules map[ledger.AccountID]ledger.Receipt
	scheduled map[string]ledger.AccountID
	signs     int
}

func newFakeNetwork() *fakeNetwork {
	n := &fakeNetwork{
		balances:  make(map[ledger.AccountID]*ledger.Balance),
		notFound:  make(map[ledger.AccountID]int),
		block:     make(map[ledger.AccountID]chan struct{}),
		started:   make(map[ledger.AccountID]chan struct{}),
		creates:   make(map[ledger.AccountID]int),
		receipts:  make(map[ledger.AccountID]int),
		schedules: make(map[ledger.AccountID]ledger.Receipt),
		scheduled: make(map[string]ledger.AccountID),
	}
	fee := amount.NewUnits(100_000_000)
	for _, acct := range []ledger.AccountID{testSubmit, testTransfer} {
		n.balances[acct] = &ledger.Balance{Account: acct, Fee: fee}
	}
	n.balances[testTreasury] = &ledger.Balance{Account: testTreasury, Fee: fee, Tokens: map[ledger.TokenID]ledger.TokenBalance{
		testToken: {Balance: amount.NewUnits(1_000_000), Decimals: 2},
	}}
	return n
}

func (n *fakeNetwork) addRecipient(account string, associated bool) ledger.AccountID {
	id := ledger.MustParseEntityID(account)
	bal := &ledger.Balance{Account: id}
	if associated {
		bal.Tokens = map[ledger.TokenID]ledger.TokenBalance{testToken: {Decimals: 2}}
	}
	n.mu.Lock()
	n.balances[id] = bal
	n.mu.Unlock()
	return id
}

func (n *fakeNetwork) setDown(down bool) {
	n.mu.Lock()
	n.down = down
	n.mu.Unlock()
}

func (n *fakeNetwork) counts(account ledger.AccountID) (creates, receipts int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.creates[account], n.receipts[account]
}

func (n *fakeNetwork) totalCreates() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, c := range n.creates {
		total += c
	}
	return total
}

type fakeNode struct {
	net *fakeNetwork
	ep  nodeclient.Endpoint
}

func (f *fakeNode) Endpoint() nodeclient.Endpoint { return f.ep }

func unhealthy[T any]() nodeclient.Outcome[T] {
	return nodeclient.Outcome[T]{Kind: nodeclient.TransientError, Health: health.Unhealthy, Reason: nodeclient.ReasonUnreachable, Err: errors.New("connection refused")}
}

func definitive[T any](code ledger.Status) nodeclient.Outcome[T] {
	return nodeclient.Outcome[T]{Kind: nodeclient.DefinitiveError, Health: health.Healthy, Code: code, Err: &nodeclient.StatusError{Op: "fake", Status: code}}
}

func (f *fakeNode) QueryBalance(_ context.Context, account ledger.AccountID) nodeclient.Outcome[*ledger.Balance] {
	f.net.mu.Lock()
	defer f.net.mu.Unlock()
	if f.net.down {
		return unhealthy[*ledger.Balance]()
	}
	if account == f.ep.Account {
		return nodeclient.Outcome[*ledger.Balance]{Kind: nodeclient.Success, Health: health.Healthy, Value: &ledger.Balance{Account: account}}
	}
	bal, ok := f.net.balances[account]
	if !ok {
		return definitive[*ledger.Balance](ledger.StatusInvalidAccountID)
	}
	return nodeclient.Outcome[*ledger.Balance]{Kind: nodeclient.Success, Health: health.Healthy, Value: bal}
}

func (f *fakeNode) Submit(ctx context.Context, factory nodeclient.TxFactory) nodeclient.TxOutcome {
	f.net.mu.Lock()
	down := f.net.down
	f.net.mu.Unlock()
	if down {
		return unhealthy[ledger.Receipt]()
	}
	tx, err := factory(f.ep.Account)
	if err != nil {
		return nodeclient.TxOutcome{Kind: nodeclient.DefinitiveError, Health: health.Healthy, Err: err}
	}
	if create := tx.Body.ScheduleCreate; create != nil {
		to := create.Transfer.To
		f.net.mu.Lock()
		started, block := f.net.started[to], f.net.block[to]
		delete(f.net.started, to)
		f.net.mu.Unlock()
		if started != nil {
			close(started)
		}
		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				return unhealthy[ledger.Receipt]()
			}
		}
		f.net.mu.Lock()
		defer f.net.mu.Unlock()
		f.net.creates[to]++
		rcpt, exists := f.net.schedules[to]
		if !exists {
			sid := ledger.EntityID{Num: 7000 + uint64(len(f.net.schedules))}
			scheduled := tx.ID.AsScheduled()
			rcpt = ledger.Receipt{ScheduleID: &sid, ScheduledTransactionID: &scheduled}
			f.net.schedules[to] = rcpt
			f.net.scheduled[scheduled.String()] = to
		}
		rcpt.Status = ledger.StatusSuccess
		if f.net.identical {
			rcpt.Status = ledger.StatusIdenticalScheduleAlreadyCreated
		}
		return nodeclient.TxOutcome{Kind: nodeclient.Success, Health: health.Healthy, Value: rcpt, TransactionID: tx.ID}
	}
	f.net.mu.Lock()
	f.net.signs++
	f.net.mu.Unlock()
	return nodeclient.TxOutcome{Kind: nodeclient.Success, Health: health.Healthy, Value: ledger.Receipt{Status: ledger.StatusSuccess}, TransactionID: tx.ID}
}

func (f *fakeNode) QueryReceipt(_ context.Context, id ledger.TransactionID) nodeclient.Outcome[ledger.Receipt] {
	f.net.mu.Lock()
	defer f.net.mu.Unlock()
	if f.net.down {
		return unhealthy[ledger.Receipt]()
	}
	to, ok := f.net.scheduled[id.String()]
	if !ok {
		return definitive[ledger.Receipt](ledger.StatusReceiptNotFound)
	}
	f.net.receipts[to]++
	if f.net.receipts[to] <= f.net.notFound[to] {
		return definitive[ledger.Receipt](ledger.StatusReceiptNotFound)
	}
	return nodeclient.Outcome[ledger.Receipt]{Kind: nodeclient.Success, Health: health.Healthy, Value: ledger.Receipt{Status: ledger.StatusSuccess}}
}

func testParams(t *testing.T) Params {
	t.Helper()
	key, err := ledger.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keys := ledger.NewKeyRing()
	keys.Add(ledger.RoleSubmitPayer, key)
	return Params{
		Network:       "test",
		Token:         testToken,
		Treasury:      testTreasury,
		SubmitPayer:   testSubmit,
		TransferPayer: testTransfer,
		Keys:          keys,
	}
}

func testConfig(net *fakeNetwork, nodes int) Config {
	var book []nodeclient.Endpoint
	for i := range nodes {
		book = append(book, nodeclient.Endpoint{
			Address: fmt.Sprintf("http://node-%d", i),
			Account: ledger.EntityID{Num: uint64(3 + i)},
		})
	}
	return Config{
		Book:      discovery.Book{"test": book},
		Dial:      func(ep nodeclient.Endpoint) Node { return &fakeNode{net: net, ep: ep} },
		Discovery: discovery.Options{ProbeStep: 20 * time.Millisecond, Rounds: 2},
		Dispatch:  []dispatch.Option{dispatch.WithUnhealthySettle(time.Millisecond), dispatch.WithMaxRounds(50)},
		// Payments in these tests never wait for the final reconciliation
		// unless a test installs a manual clock.
		FinalReconcileDelay: time.Millisecond,
	}
}

func parseFile(t *testing.T, body string) *distfile.File {
	t.Helper()
	f := distfile.Parse("dist.csv", strings.NewReader(body))
	if len(f.Errors) != 0 {
		t.Fatalf("distribution file errors: %+v", f.Errors)
	}
	return f
}

func TestFivePaymentIdenticalScheduleScenario(t *testing.T) {
	net := newFakeNetwork()
	net.identical = true
	var lines []string
	for i := range 5 {
		acct := fmt.Sprintf("0.0.%d", 9001+i)
		net.addRecipient(acct, true)
		lines = append(lines, fmt.Sprintf("%s,%d.5", acct, i+1))
	}
	rc := New(parseFile(t, strings.Join(lines, "\n")), testParams(t), nil, testConfig(net, 1))
	ctx := context.Background()

	summary, err := rc.GeneratePlan(ctx)
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	if len(summary.Errors) != 0 || len(summary.Warnings) != 0 {
		t.Fatalf("unexpected findings %+v", summary)
	}
	if summary.TotalAmount != "17.5" || len(summary.Transfers) != 5 || summary.Decimals != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.TreasuryBalance != "10000" {
		t.Fatalf("treasury balance = %s", summary.TreasuryBalance)
	}

	res, err := rc.ExecutePlan(ctx)
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("execution errors %v", res.Errors)
	}
	for _, p := range res.Payments {
		if p.Stage != payment.StageCompleted {
			t.Fatalf("payment %d ended %s", p.Index, p.Stage)
		}
	}
	if net.signs != 5 {
		t.Fatalf("expected 5 countersignatures, got %d", net.signs)
	}

	var buf bytes.Buffer
	if err := rc.WriteReport(&buf); err != nil {
		t.Fatalf("WriteReport: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if len(rows) != 6 {
		t.Fatalf("report rows = %d, want 6", len(rows))
	}
	for _, row := range rows[1:] {
		if row[6] != "SUCCESS" {
			t.Fatalf("countersigning status = %q", row[6])
		}
		if row[4] != string(ledger.StatusIdenticalScheduleAlreadyCreated) {
			t.Fatalf("scheduling status = %q", row[4])
		}
	}
}

func TestExecuteWithAllEndpointsUnhealthy(t *testing.T) {
	net := newFakeNetwork()
	net.addRecipient("0.0.9001", true)
	rc := New(parseFile(t, "0.0.9001,1\n"), testParams(t), nil, testConfig(net, 3))
	ctx := context.Background()
	if _, err := rc.GeneratePlan(ctx); err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}

	net.setDown(true)
	res, err := rc.ExecutePlan(ctx)
	if !errors.Is(err, ErrNoEndpointReachable) {
		t.Fatalf("expected ErrNoEndpointReachable, got %v", err)
	}
	if err.Error() != "no endpoint reachable" {
		t.Fatalf("error text = %q", err.Error())
	}
	if !slices.Contains(res.Errors, "no endpoint reachable") {
		t.Fatalf("errors = %v", res.Errors)
	}
	if n := net.totalCreates(); n != 0 {
		t.Fatalf("expected no schedule requests, got %d", n)
	}
	if len(res.Payments) != 1 || res.Payments[0].Stage != payment.StageNotStarted {
		t.Fatalf("payments touched: %+v", res.Payments)
	}
}

func TestGeneratePlanWithoutReachableNodes(t *testing.T) {
	net := newFakeNetwork()
	net.setDown(true)
	rc := New(parseFile(t, "0.0.9001,1\n"), testParams(t), nil, testConfig(net, 2))
	summary, err := rc.GeneratePlan(context.Background())
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	if len(summary.Errors) != 1 || summary.Errors[0] != msgNoNodes {
		t.Fatalf("errors = %v", summary.Errors)
	}
}

func TestReceiptFoundOnThirdReconciliationPass(t *testing.T) {
	net := newFakeNetwork()
	deferred := net.addRecipient("0.0.9001", true)
	slow := net.addRecipient("0.0.9002", true)
	net.notFound[deferred] = 3
	release := make(chan struct{})
	slowStarted := make(chan struct{})
	net.block[slow] = release
	net.started[slow] = slowStarted

	clk := clock.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig(net, 2)
	cfg.Clock = clk
	cfg.FinalReconcileDelay = 0
	rc := New(parseFile(t, "0.0.9001,1\n0.0.9002,2\n"), testParams(t), nil, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if summary, err := rc.GeneratePlan(ctx); err != nil || len(summary.Errors) != 0 {
		t.Fatalf("GeneratePlan: %+v, %v", summary, err)
	}

	type outcome struct {
		res ExecutionResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := rc.ExecutePlan(ctx)
		done <- outcome{res, err}
	}()

	select {
	case <-slowStarted:
	case <-ctx.Done():
		t.Fatalf("slow payment never submitted")
	}
	waitFor(t, ctx, func() bool {
		_, receipts := net.counts(deferred)
		return receipts >= 1 && stageOf(rc, deferred) == payment.StageScheduled
	})

	for range 10 {
		if _, receipts := net.counts(deferred); receipts >= 4 {
			break
		}
		if err := clk.WaitForTimers(ctx, 1); err != nil {
			t.Fatalf("monitor timer: %v", err)
		}
		clk.Advance(DefaultReconcileInterval)
	}
	waitFor(t, ctx, func() bool { return stageOf(rc, deferred) == payment.StageCompleted })
	close(release)

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		t.Fatalf("ExecutePlan did not return")
	}
	if out.err != nil {
		t.Fatalf("ExecutePlan: %v", out.err)
	}
	creates, receipts := net.counts(deferred)
	if receipts != 4 {
		t.Fatalf("expected the receipt on the third reconciliation query (4 lookups), got %d", receipts)
	}
	if creates != 1 {
		t.Fatalf("deferred payment scheduled %d times", creates)
	}
	for _, p := range out.res.Payments {
		if p.Stage != payment.StageCompleted {
			t.Fatalf("payment to %s ended %s", p.Account, p.Stage)
		}
	}
}

func TestFinalReconciliationAfterScheduling(t *testing.T) {
	net := newFakeNetwork()
	acct := net.addRecipient("0.0.9001", true)
	net.notFound[acct] = 1
	clk := clock.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig(net, 1)
	cfg.Clock = clk
	cfg.FinalReconcileDelay = 0
	rc := New(parseFile(t, "0.0.9001,4.25\n"), testParams(t), nil, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := rc.GeneratePlan(ctx); err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := rc.ExecutePlan(ctx)
		done <- err
	}()
	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("ExecutePlan: %v", err)
			}
			if st := stageOf(rc, acct); st != payment.StageCompleted {
				t.Fatalf("payment ended %s", st)
			}
			if _, receipts := net.counts(acct); receipts != 2 {
				t.Fatalf("receipt lookups = %d, want 2", receipts)
			}
			return
		case <-ctx.Done():
			t.Fatalf("ExecutePlan did not return")
		case <-time.After(5 * time.Millisecond):
			clk.Advance(DefaultFinalReconcileDelay)
		}
	}
}

func TestGeneratePlanFindings(t *testing.T) {
	net := newFakeNetwork()
	net.addRecipient("0.0.9001", true)
	net.addRecipient("0.0.9002", false)
	file := parseFile(t, "0.0.9001,5000\n0.0.9002,6000\n0.0.9003,1\n0.0.1001,1\n0.0.9001,0.001\n")
	rc := New(file, testParams(t), nil, testConfig(net, 1))
	summary, err := rc.GeneratePlan(context.Background())
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	wantErrors := []string{
		"Distribution account 0.0.1001 is the same address as the treasury.",
		"Distribution account 0.0.9001 amount decimal places exceed token decimal places of 2.",
		"Treasury Account 0.0.1001 does not hold a sufficient balance of 0.0.5000 to complete the distribution.",
	}
	for _, want := range wantErrors {
		if !slices.Contains(summary.Errors, want) {
			t.Fatalf("missing error %q in %v", want, summary.Errors)
		}
	}
	wantWarnings := []string{
		"Receiving account at 0.0.9003 does not exist.",
		"Account 0.0.9002 does not appear to be associated with this token, if the account has not enabled auto-association, this distribution can fail.",
	}
	for _, want := range wantWarnings {
		if !slices.Contains(summary.Warnings, want) {
			t.Fatalf("missing warning %q in %v", want, summary.Warnings)
		}
	}

	res, err := rc.ExecutePlan(context.Background())
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	if !slices.Contains(res.Errors, msgPlanErrors) {
		t.Fatalf("expected plan error message, got %v", res.Errors)
	}
	if net.totalCreates() != 0 {
		t.Fatalf("blocked plan submitted schedules")
	}
}

func TestGeneratePlanMissingSourceAccounts(t *testing.T) {
	net := newFakeNetwork()
	delete(net.balances, testTransfer)
	net.balances[testTreasury].Tokens = nil
	net.addRecipient("0.0.9001", true)
	rc := New(parseFile(t, "0.0.9001,1\n"), testParams(t), nil, testConfig(net, 1))
	summary, err := rc.GeneratePlan(context.Background())
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	if len(summary.Errors) != 1 || summary.Errors[0] != "Transfer Payer Account at 0.0.1003 does not exist." {
		t.Fatalf("errors = %v", summary.Errors)
	}

	net.balances[testTransfer] = &ledger.Balance{Account: testTransfer}
	summary, err = rc.GeneratePlan(context.Background())
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	if len(summary.Errors) != 1 || summary.Errors[0] != "Treasury Account 0.0.1001 does not hold the token 0.0.5000." {
		t.Fatalf("errors = %v", summary.Errors)
	}
}

func TestInputErrorsBlockPlanning(t *testing.T) {
	net := newFakeNetwork()
	params, problems := Input{
		Network:         "test",
		Token:           "0.0.5000",
		Treasury:        "0.0.1001",
		SubmitPayer:     "bogus",
		TransferPayer:   "0.0.1003",
		SubmitPayerKeys: []string{"zz"},
	}.Parse()
	if len(problems) != 2 {
		t.Fatalf("problems = %v", problems)
	}
	if !strings.HasPrefix(problems[0], "Invalid Submit Payer ID") {
		t.Fatalf("unexpected first problem %q", problems[0])
	}
	rc := New(parseFile(t, "0.0.9001,1\n"), params, problems, testConfig(net, 1))
	summary, err := rc.GeneratePlan(context.Background())
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	if len(summary.Errors) != 1 || summary.Errors[0] != msgInputErrors {
		t.Fatalf("errors = %v", summary.Errors)
	}
}

func TestParamsValidate(t *testing.T) {
	problems := Params{}.Validate()
	if len(problems) != 2 {
		t.Fatalf("problems = %v", problems)
	}
	if got := testParams(t).Validate(); len(got) != 0 {
		t.Fatalf("valid params rejected: %v", got)
	}
}

func TestRunContextsAreIndependent(t *testing.T) {
	net := newFakeNetwork()
	net.addRecipient("0.0.9001", true)
	a := New(parseFile(t, "0.0.9001,1\n"), testParams(t), nil, testConfig(net, 1))
	b := New(parseFile(t, "0.0.9001,2\n"), testParams(t), nil, testConfig(net, 1))
	if a.ID() == b.ID() {
		t.Fatalf("run ids collide")
	}
	sa, _ := a.GeneratePlan(context.Background())
	sb, _ := b.GeneratePlan(context.Background())
	if sa.TotalAmount != "1" || sb.TotalAmount != "2" {
		t.Fatalf("totals leaked between runs: %s / %s", sa.TotalAmount, sb.TotalAmount)
	}
}

func stageOf(rc *RunContext, account ledger.AccountID) payment.Stage {
	for _, p := range rc.Results().Payments {
		if p.Account == account {
			return p.Stage
		}
	}
	return payment.StageNotStarted
}

func waitFor(t *testing.T, ctx context.Context, cond func() bool) {
	t.Helper()
	for !cond() {
		select {
		case <-ctx.Done():
			t.Fatalf("condition not reached: %v", ctx.Err())
		case <-time.After(2 * time.Millisecond):
		}
	}
}
