package paydist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"pkt.systems/pslog"

	"pkt.systems/paydist/internal/clock"
	"pkt.systems/paydist/internal/discovery"
	"pkt.systems/paydist/internal/distfile"
	"pkt.systems/paydist/internal/nodeclient"
	"pkt.systems/paydist/internal/plan"
	"pkt.systems/paydist/internal/report"
	"pkt.systems/paydist/internal/svcfields"
)

// ErrPlanRejected is returned by Execute when the plan has errors.
var ErrPlanRejected = errors.New("paydist: distribution plan has errors")

// Runner wires configuration to the network: it owns the address book and
// the node transport, and starts runs over them.
type Runner struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock
	book   discovery.Book
	dial   plan.Dialer
}

type runnerOptions struct {
	logger     pslog.Logger
	clock      clock.Clock
	httpClient *http.Client
	book       discovery.Book
	dial       plan.Dialer
}

// RunnerOption customises a Runner.
type RunnerOption func(*runnerOptions)

// WithLogger sets the base logger.
func WithLogger(logger pslog.Logger) RunnerOption {
	return func(o *runnerOptions) { o.logger = logger }
}

// WithClock overrides the clock driving runs.
func WithClock(clk clock.Clock) RunnerOption {
	return func(o *runnerOptions) { o.clock = clk }
}

// WithHTTPClient overrides the HTTP client used to reach nodes.
func WithHTTPClient(client *http.Client) RunnerOption {
	return func(o *runnerOptions) { o.httpClient = client }
}

// WithBook replaces the address book.
func WithBook(book discovery.Book) RunnerOption {
	return func(o *runnerOptions) { o.book = book }
}

// WithDialer replaces the node client constructor.
func WithDialer(dial plan.Dialer) RunnerOption {
	return func(o *runnerOptions) { o.dial = dial }
}

// NewRunner validates cfg and prepares the node transport.
func NewRunner(cfg Config, opts ...RunnerOption) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o runnerOptions
	for _, opt := range opts {
		opt(&o)
	}
	r := &Runner{
		cfg:    cfg,
		logger: svcfields.Ensure(o.logger),
		clock:  clock.Ensure(o.clock),
		book:   o.book,
		dial:   o.dial,
	}
	if r.book == nil {
		if cfg.AddressBook != "" {
			book, err := discovery.LoadBook(cfg.AddressBook)
			if err != nil {
				return nil, err
			}
			r.book = book
		} else {
			r.book = discovery.DefaultBook()
		}
	}
	if r.dial == nil {
		client := o.httpClient
		if client == nil {
			httpCfg := nodeclient.HTTPConfig{
				Timeout:            cfg.NodeHTTPTimeout,
				InsecureSkipVerify: cfg.NodeInsecureSkipVerify,
			}
			if cfg.NodeCAFile != "" {
				pem, err := os.ReadFile(cfg.NodeCAFile)
				if err != nil {
					return nil, fmt.Errorf("paydist: read node CA: %w", err)
				}
				httpCfg.TrustPEM = [][]byte{pem}
			}
			var err error
			client, err = nodeclient.NewHTTPClient(httpCfg)
			if err != nil {
				return nil, err
			}
		}
		transport := nodeclient.NewHTTPTransport(client, cfg.NodeScheme)
		nodeOpts := []nodeclient.Option{
			nodeclient.WithClock(r.clock),
			nodeclient.WithLogger(r.logger),
			nodeclient.WithConfig(cfg.nodeConfig()),
		}
		r.dial = func(ep nodeclient.Endpoint) plan.Node {
			return nodeclient.New(ep, transport, nodeOpts...)
		}
	}
	return r, nil
}

// Config returns the validated configuration.
func (r *Runner) Config() Config { return r.cfg }

func (r *Runner) planConfig() plan.Config {
	return plan.Config{
		Book: r.book,
		Dial: r.dial,
		Discovery: discovery.Options{
			Clock:     r.clock,
			ProbeStep: r.cfg.ProbeStep,
			Rounds:    r.cfg.ProbeRounds,
		},
		Dispatch:            r.cfg.dispatchOptions(),
		ReconcileInterval:   r.cfg.ReconcileInterval,
		FinalReconcileDelay: r.cfg.FinalReconcileDelay,
		ReconcileMaxRounds:  r.cfg.ReconcileMaxRounds,
		ProgressInterval:    r.cfg.ProgressInterval,
		Clock:               r.clock,
		Logger:              r.logger,
	}
}

// LoadFile reads the distribution file at path. Oversized files are
// rejected before parsing.
func (r *Runner) LoadFile(path string) (*distfile.File, error) {
	if info, err := os.Stat(path); err == nil && info.Size() > r.cfg.MaxFileBytes {
		return nil, fmt.Errorf("paydist: distribution file %s is %d bytes, limit is %d", path, info.Size(), r.cfg.MaxFileBytes)
	}
	return distfile.Load(path)
}

// NewRun prepares a run over file with the configured parameters.
func (r *Runner) NewRun(file *distfile.File) *plan.RunContext {
	params, problems := r.cfg.Input().Parse()
	return plan.New(file, params, problems, r.planConfig())
}

// Probe returns the endpoints of the configured network that answered the
// reachability probe.
func (r *Runner) Probe(ctx context.Context) ([]nodeclient.Endpoint, error) {
	candidates, err := r.book.ListCandidates(r.cfg.Network)
	if err != nil {
		return nil, err
	}
	nodes := make([]plan.Node, 0, len(candidates))
	for _, ep := range candidates {
		nodes = append(nodes, r.dial(ep))
	}
	reachable := discovery.Reachable(ctx, nodes, r.planConfig().Discovery)
	out := make([]nodeclient.Endpoint, 0, len(reachable))
	for _, n := range reachable {
		out = append(out, n.Endpoint())
	}
	return out, ctx.Err()
}

// StoreReport renders the report of rc and puts it into sink.
func (r *Runner) StoreReport(ctx context.Context, sink report.Sink, rc *plan.RunContext) (string, error) {
	var buf bytes.Buffer
	if err := rc.WriteReport(&buf); err != nil {
		return "", err
	}
	name := report.Name(rc.ID(), r.clock.Now())
	location, err := sink.Put(ctx, name, bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		return "", fmt.Errorf("paydist: store report %s: %w", name, err)
	}
	svcfields.WithRun(r.logger, rc.ID()).Info("report.stored", "location", location, "bytes", buf.Len())
	return location, nil
}

// Outcome is the result of Execute.
type Outcome struct {
	Plan           plan.Summary
	Result         plan.ExecutionResult
	ReportLocation string
}

// Execute plans rc, refuses to continue on plan errors, executes the
// payments and stores the report. The report is stored even when the run
// was cancelled, so partial progress is never lost.
func (r *Runner) Execute(ctx context.Context, rc *plan.RunContext, sink report.Sink) (Outcome, error) {
	var out Outcome
	summary, err := rc.GeneratePlan(ctx)
	out.Plan = summary
	if err != nil {
		return out, err
	}
	if len(summary.Errors) > 0 {
		return out, ErrPlanRejected
	}
	res, runErr := rc.ExecutePlan(ctx)
	out.Result = res
	if sink != nil {
		location, err := r.StoreReport(context.WithoutCancel(ctx), sink, rc)
		if err != nil {
			return out, errors.Join(runErr, err)
		}
		out.ReportLocation = location
	}
	return out, runErr
}
