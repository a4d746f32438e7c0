package nodeclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/paydist/internal/clock"
	"pkt.systems/paydist/internal/correlation"
	"pkt.systems/paydist/internal/health"
	"pkt.systems/paydist/internal/ledger"
)

type scriptedTransport struct {
	mu       sync.Mutex
	submits  []func(*ledger.Transaction) (ledger.SubmitResponse, error)
	receipts []func(ledger.TransactionID) (ledger.Receipt, error)
	queries  []func(ledger.Query) (ledger.QueryResponse, error)
	seen     []ledger.TransactionID
}

func (s *scriptedTransport) Submit(ctx context.Context, ep Endpoint, tx *ledger.Transaction) (ledger.SubmitResponse, error) {
	s.mu.Lock()
	s.seen = append(s.seen, tx.ID)
	step := s.submits[0]
	if len(s.submits) > 1 {
		s.submits = s.submits[1:]
	}
	s.mu.Unlock()
	return step(tx)
}

func (s *scriptedTransport) Receipt(ctx context.Context, ep Endpoint, id ledger.TransactionID) (ledger.Receipt, error) {
	s.mu.Lock()
	step := s.receipts[0]
	if len(s.receipts) > 1 {
		s.receipts = s.receipts[1:]
	}
	s.mu.Unlock()
	return step(id)
}

func (s *scriptedTransport) Query(ctx context.Context, ep Endpoint, q ledger.Query) (ledger.QueryResponse, error) {
	s.mu.Lock()
	step := s.queries[0]
	if len(s.queries) > 1 {
		s.queries = s.queries[1:]
	}
	s.mu.Unlock()
	return step(q)
}

func precheck(status ledger.Status) func(*ledger.Transaction) (ledger.SubmitResponse, error) {
	return func(*ledger.Transaction) (ledger.SubmitResponse, error) {
		return ledger.SubmitResponse{Status: status}, nil
	}
}

func receipt(status ledger.Status) func(ledger.TransactionID) (ledger.Receipt, error) {
	return func(ledger.TransactionID) (ledger.Receipt, error) {
		return ledger.Receipt{Status: status}, nil
	}
}

var testEndpoint = Endpoint{Address: "127.0.0.1:50211", Account: ledger.MustParseEntityID("0.0.3")}

func newTestClient(tr Transport, opts ...Option) *Client {
	opts = append([]Option{WithConfig(Config{ReceiptPollInterval: time.Millisecond, RetryDelay: -1})}, opts...)
	return New(testEndpoint, tr, opts...)
}

func factoryCounting(calls *int) TxFactory {
	payer := ledger.MustParseEntityID("0.0.1001")
	return func(node ledger.AccountID) (*ledger.Transaction, error) {
		*calls++
		return &ledger.Transaction{
			ID:   ledger.NewTransactionID(payer, time.Now()),
			Node: node,
			Body: ledger.Body{ScheduleSign: &ledger.ScheduleSign{ScheduleID: ledger.MustParseEntityID("0.0.9")}},
		}, nil
	}
}

func TestSubmitRetriesBusyWithFreshTransaction(t *testing.T) {
	tr := &scriptedTransport{
		submits:  []func(*ledger.Transaction) (ledger.SubmitResponse, error){precheck(ledger.StatusBusy), precheck(ledger.StatusTransactionExpired), precheck(ledger.StatusOK)},
		receipts: []func(ledger.TransactionID) (ledger.Receipt, error){receipt(ledger.StatusUnknown), receipt(ledger.StatusSuccess)},
	}
	var calls int
	out := newTestClient(tr).Submit(context.Background(), factoryCounting(&calls))
	if out.Kind != Success {
		t.Fatalf("expected success, got %v (%v)", out.Kind, out.Err)
	}
	if out.Health != health.Throttled {
		t.Fatalf("expected throttled health, got %v", out.Health)
	}
	if calls != 3 {
		t.Fatalf("expected 3 factory calls, got %d", calls)
	}
	if out.Value.Status != ledger.StatusSuccess {
		t.Fatalf("unexpected receipt %+v", out.Value)
	}
	if out.TransactionID.String() != tr.seen[2].String() {
		t.Fatalf("expected accepted id %s, got %s", tr.seen[2], out.TransactionID)
	}
	if tr.seen[0].String() == tr.seen[1].String() {
		t.Fatal("retry reused transaction id")
	}
}

func TestSubmitFailureReceiptIsSuccess(t *testing.T) {
	tr := &scriptedTransport{
		submits:  []func(*ledger.Transaction) (ledger.SubmitResponse, error){precheck(ledger.StatusOK)},
		receipts: []func(ledger.TransactionID) (ledger.Receipt, error){receipt(ledger.StatusIdenticalScheduleAlreadyCreated)},
	}
	var calls int
	out := newTestClient(tr).Submit(context.Background(), factoryCounting(&calls))
	if out.Kind != Success || out.Health != health.Healthy {
		t.Fatalf("expected healthy success, got %v/%v", out.Kind, out.Health)
	}
	if out.Value.Status != ledger.StatusIdenticalScheduleAlreadyCreated {
		t.Fatalf("unexpected receipt status %s", out.Value.Status)
	}
}

func TestSubmitPrecheckRejectionIsDefinitive(t *testing.T) {
	tr := &scriptedTransport{
		submits: []func(*ledger.Transaction) (ledger.SubmitResponse, error){precheck(ledger.StatusDuplicateTransaction)},
	}
	var calls int
	out := newTestClient(tr).Submit(context.Background(), factoryCounting(&calls))
	if out.Kind != DefinitiveError || out.Code != ledger.StatusDuplicateTransaction {
		t.Fatalf("expected definitive DUPLICATE_TRANSACTION, got %v %s", out.Kind, out.Code)
	}
	var statusErr *StatusError
	if !errors.As(out.Err, &statusErr) {
		t.Fatalf("expected StatusError, got %T", out.Err)
	}
	if out.Health != health.Healthy {
		t.Fatalf("definitive rejection should not degrade health, got %v", out.Health)
	}
}

func TestSubmitTransportErrorIsUnhealthy(t *testing.T) {
	tr := &scriptedTransport{
		submits: []func(*ledger.Transaction) (ledger.SubmitResponse, error){
			func(*ledger.Transaction) (ledger.SubmitResponse, error) {
				return ledger.SubmitResponse{}, errors.New("connection refused")
			},
		},
	}
	var calls int
	out := newTestClient(tr).Submit(context.Background(), factoryCounting(&calls))
	if out.Kind != TransientError || out.Reason != ReasonUnreachable || out.Health != health.Unhealthy {
		t.Fatalf("expected unreachable transient, got %v %v %v", out.Kind, out.Reason, out.Health)
	}
}

func TestSubmitLostReceiptIsUnhealthy(t *testing.T) {
	tr := &scriptedTransport{
		submits:  []func(*ledger.Transaction) (ledger.SubmitResponse, error){precheck(ledger.StatusOK)},
		receipts: []func(ledger.TransactionID) (ledger.Receipt, error){receipt(ledger.StatusBusy), receipt(ledger.StatusReceiptNotFound)},
	}
	var calls int
	out := newTestClient(tr).Submit(context.Background(), factoryCounting(&calls))
	if out.Kind != TransientError || out.Reason != ReasonReceiptLost || out.Health != health.Unhealthy {
		t.Fatalf("expected lost receipt, got %v %v %v", out.Kind, out.Reason, out.Health)
	}
	if out.TransactionID.IsZero() {
		t.Fatal("expected accepted transaction id to be reported")
	}
}

func TestSubmitTimeoutDiscardsLateAnswer(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	release := make(chan struct{})
	tr := &scriptedTransport{
		submits: []func(*ledger.Transaction) (ledger.SubmitResponse, error){
			func(*ledger.Transaction) (ledger.SubmitResponse, error) {
				<-release
				return ledger.SubmitResponse{Status: ledger.StatusOK}, nil
			},
		},
	}
	client := newTestClient(tr, WithClock(clk))
	done := make(chan TxOutcome, 1)
	var calls int
	go func() { done <- client.Submit(context.Background(), factoryCounting(&calls)) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := clk.WaitForTimers(ctx, 1); err != nil {
		t.Fatalf("wait for attempt timer: %v", err)
	}
	clk.Advance(DefaultSubmitTimeout)
	out := <-done
	close(release)
	if out.Kind != TransientError || out.Reason != ReasonTimeout {
		t.Fatalf("expected timeout, got %v %v", out.Kind, out.Reason)
	}
	if !errors.Is(out.Err, ErrPrecheckTimeout) {
		t.Fatalf("expected precheck timeout error, got %v", out.Err)
	}
	if out.Health != health.Unhealthy {
		t.Fatalf("expected unhealthy, got %v", out.Health)
	}
}

func TestQueryReceiptNotFoundIsDefinitive(t *testing.T) {
	tr := &scriptedTransport{
		queries: []func(ledger.Query) (ledger.QueryResponse, error){
			func(ledger.Query) (ledger.QueryResponse, error) {
				return ledger.QueryResponse{Status: ledger.StatusBusy}, nil
			},
			func(q ledger.Query) (ledger.QueryResponse, error) {
				if q.Receipt == nil {
					return ledger.QueryResponse{}, errors.New("expected receipt query")
				}
				return ledger.QueryResponse{Status: ledger.StatusReceiptNotFound}, nil
			},
		},
	}
	id := ledger.NewTransactionID(ledger.MustParseEntityID("0.0.2"), time.Now()).AsScheduled()
	out := newTestClient(tr).QueryReceipt(context.Background(), id)
	if out.Kind != DefinitiveError || out.Code != ledger.StatusReceiptNotFound {
		t.Fatalf("expected RECEIPT_NOT_FOUND, got %v %s (%v)", out.Kind, out.Code, out.Err)
	}
	if out.Health != health.Throttled {
		t.Fatalf("expected throttled health after BUSY, got %v", out.Health)
	}
}

func TestQueryBalanceMissingPayloadIsTransient(t *testing.T) {
	tr := &scriptedTransport{
		queries: []func(ledger.Query) (ledger.QueryResponse, error){
			func(ledger.Query) (ledger.QueryResponse, error) {
				return ledger.QueryResponse{Status: ledger.StatusOK}, nil
			},
		},
	}
	out := newTestClient(tr).QueryBalance(context.Background(), ledger.MustParseEntityID("0.0.3"))
	if out.Kind != TransientError || out.Reason != ReasonMalformed {
		t.Fatalf("expected malformed transient, got %v %v", out.Kind, out.Reason)
	}
}

func TestHTTPTransportRoundTrip(t *testing.T) {
	var gotCorrelation string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/transactions", func(w http.ResponseWriter, r *http.Request) {
		gotCorrelation = r.Header.Get(correlation.Header)
		var tx ledger.Transaction
		if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(ledger.SubmitResponse{Status: ledger.StatusOK})
	})
	mux.HandleFunc("GET /v1/transactions/{id}/receipt", func(w http.ResponseWriter, r *http.Request) {
		if _, err := ledger.ParseTransactionID(r.PathValue("id")); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(ledger.Receipt{Status: ledger.StatusSuccess})
	})
	mux.HandleFunc("POST /v1/queries", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	httpClient, err := NewHTTPClient(HTTPConfig{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("http client: %v", err)
	}
	ep := Endpoint{Address: srv.URL, Account: ledger.MustParseEntityID("0.0.3")}
	client := New(ep, NewHTTPTransport(httpClient, "http"), WithConfig(Config{ReceiptPollInterval: time.Millisecond, RetryDelay: -1}))
	ctx := correlation.Set(context.Background(), "corr-1")
	var calls int
	out := client.Submit(ctx, factoryCounting(&calls))
	if out.Kind != Success || out.Value.Status != ledger.StatusSuccess {
		t.Fatalf("unexpected outcome %v %+v (%v)", out.Kind, out.Value, out.Err)
	}
	if gotCorrelation != "corr-1" {
		t.Fatalf("expected correlation header, got %q", gotCorrelation)
	}

	bal := client.QueryBalance(ctx, ep.Account)
	if bal.Kind != TransientError || bal.Reason != ReasonUnreachable {
		t.Fatalf("expected unreachable on http 500, got %v %v", bal.Kind, bal.Reason)
	}
	if !strings.Contains(bal.Err.Error(), "http 500") {
		t.Fatalf("unexpected error %v", bal.Err)
	}
}
