package devnode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/jpact"
	"pkt.systems/pslog"

	"pkt.systems/paydist/internal/correlation"
	"pkt.systems/paydist/internal/ledger"
	"pkt.systems/paydist/internal/svcfields"
)

// DefaultMaxBodyBytes bounds request bodies.
const DefaultMaxBodyBytes int64 = 64 << 10

// NodeConfig configures one simulated node.
type NodeConfig struct {
	Account      ledger.AccountID
	Ledger       *Ledger
	MaxBodyBytes int64
	// BusyRatio is the fraction of submissions and queries answered BUSY.
	BusyRatio float64
	Logger    pslog.Logger
}

// Node serves the wire protocol for one node account.
type Node struct {
	account   ledger.AccountID
	ledger    *Ledger
	maxBody   int64
	logger    pslog.Logger
	unhealthy atomic.Bool
	metrics   *nodeMetrics

	mu   sync.Mutex
	busy float64
	rng  *rand.Rand
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return e.Code + ": " + e.Detail
	}
	return e.Code
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// NewNode returns a node serving cfg.Ledger. The ledger must already hold
// the node account so balance probes succeed.
func NewNode(cfg NodeConfig) (*Node, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("devnode: ledger required")
	}
	if _, ok := cfg.Ledger.Balance(cfg.Account); !ok {
		return nil, fmt.Errorf("%w: node %s", ErrUnknownAccount, cfg.Account)
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	logger := svcfields.WithNode(svcfields.WithSubsystem(cfg.Logger, "devnode.http"), cfg.Account.String())
	seed := uint64(time.Now().UnixNano())
	return &Node{
		account: cfg.Account,
		ledger:  cfg.Ledger,
		maxBody: maxBody,
		logger:  logger,
		metrics: newNodeMetrics(logger),
		busy:    cfg.BusyRatio,
		rng:     rand.New(rand.NewPCG(seed, seed>>1|1)),
	}, nil
}

// Account returns the node account.
func (n *Node) Account() ledger.AccountID { return n.account }

// SetUnhealthy makes every request fail with 503 until cleared.
func (n *Node) SetUnhealthy(v bool) { n.unhealthy.Store(v) }

// SetBusyRatio changes the fraction of BUSY answers.
func (n *Node) SetBusyRatio(r float64) {
	n.mu.Lock()
	n.busy = r
	n.mu.Unlock()
}

func (n *Node) throttle() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.busy > 0 && n.rng.Float64() < n.busy
}

// Handler returns the HTTP surface of the node.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /v1/transactions", n.wrap("submit", n.handleSubmit))
	mux.Handle("GET /v1/transactions/{id}/receipt", n.wrap("receipt", n.handleReceipt))
	mux.Handle("POST /v1/queries", n.wrap("query", n.handleQuery))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		if n.unhealthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return otelhttp.NewHandler(mux, "paydist.devnode")
}

func (n *Node) wrap(operation string, fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := correlation.FromRequest(r)
		logger := n.logger.With(
			"req_id", uuid.Must(uuid.NewV7()).String(),
			"correlation_id", correlation.ID(ctx),
			"operation", operation,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)
		w.Header().Set(correlation.Header, correlation.ID(ctx))

		status := http.StatusOK
		if n.unhealthy.Load() {
			status = http.StatusServiceUnavailable
			writeJSON(w, status, errorResponse{Error: "node_unavailable"})
		} else if err := fn(w, r); err != nil {
			var herr httpError
			if !errors.As(err, &herr) {
				herr = httpError{Status: http.StatusInternalServerError, Code: "internal_error", Detail: err.Error()}
			}
			status = herr.Status
			logger.Warn("devnode.request.failed", "status", status, "error", err)
			writeJSON(w, status, errorResponse{Error: herr.Code, Detail: herr.Detail})
		}
		n.metrics.recordRequest(ctx, operation, status)
		logger.Trace("devnode.request.done", "status", status, "elapsed", time.Since(start))
	})
}

func (n *Node) handleSubmit(w http.ResponseWriter, r *http.Request) error {
	var tx ledger.Transaction
	if err := n.decode(w, r, &tx); err != nil {
		return err
	}
	if n.throttle() {
		writeJSON(w, http.StatusOK, ledger.SubmitResponse{Status: ledger.StatusBusy})
		return nil
	}
	if !tx.Node.IsZero() && tx.Node != n.account {
		writeJSON(w, http.StatusOK, ledger.SubmitResponse{Status: ledger.StatusInvalidTransaction})
		return nil
	}
	status := n.ledger.Submit(&tx)
	pslog.LoggerFromContext(r.Context()).Debug("devnode.submit", "tx", tx.ID.String(), "status", status)
	writeJSON(w, http.StatusOK, ledger.SubmitResponse{Status: status})
	return nil
}

func (n *Node) handleReceipt(w http.ResponseWriter, r *http.Request) error {
	id, err := ledger.ParseTransactionID(r.PathValue("id"))
	if err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_transaction_id", Detail: err.Error()}
	}
	if n.throttle() {
		writeJSON(w, http.StatusOK, ledger.Receipt{Status: ledger.StatusBusy})
		return nil
	}
	writeJSON(w, http.StatusOK, n.ledger.Receipt(id))
	return nil
}

func (n *Node) handleQuery(w http.ResponseWriter, r *http.Request) error {
	var q ledger.Query
	if err := n.decode(w, r, &q); err != nil {
		return err
	}
	if n.throttle() {
		writeJSON(w, http.StatusOK, ledger.QueryResponse{Status: ledger.StatusBusy})
		return nil
	}
	writeJSON(w, http.StatusOK, n.ledger.Query(q))
	return nil
}

func (n *Node) decode(w http.ResponseWriter, r *http.Request, out any) error {
	body := http.MaxBytesReader(w, r.Body, n.maxBody)
	defer body.Close()
	payload, err := jpact.CompactToBuffer(body, n.maxBody)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return httpError{Status: http.StatusRequestEntityTooLarge, Code: "body_too_large"}
		}
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type nodeMetrics struct {
	requests metric.Int64Counter
}

func newNodeMetrics(logger pslog.Logger) *nodeMetrics {
	meter := otel.Meter("pkt.systems/paydist/devnode")
	counter, err := meter.Int64Counter(
		"paydist.devnode.requests",
		metric.WithDescription("Requests served by simulated nodes"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "metric", "paydist.devnode.requests", "error", err)
		return &nodeMetrics{}
	}
	return &nodeMetrics{requests: counter}
}

func (m *nodeMetrics) recordRequest(ctx context.Context, op string, status int) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("paydist.devnode.op", op),
		attribute.Int("http.status", status),
	))
}
