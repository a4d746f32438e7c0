// Package discovery decides which ledger nodes are usable before work is
// dispatched to them.
package discovery

import (
	"context"
	"sync"
	"time"

	"pkt.systems/paydist/internal/clock"
	"pkt.systems/paydist/internal/health"
	"pkt.systems/paydist/internal/ledger"
	"pkt.systems/paydist/internal/nodeclient"
	"pkt.systems/paydist/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	// DefaultProbeStep is the timeout increment between probe rounds.
	DefaultProbeStep = 250 * time.Millisecond
	// DefaultProbeRounds is the number of escalating probe rounds.
	DefaultProbeRounds = 12
)

// Prober is the slice of a node client discovery needs.
type Prober interface {
	Endpoint() nodeclient.Endpoint
	QueryBalance(ctx context.Context, account ledger.AccountID) nodeclient.Outcome[*ledger.Balance]
}

// Options tunes Reachable.
type Options struct {
	Clock     clock.Clock
	Logger    pslog.Logger
	ProbeStep time.Duration
	Rounds    int
}

func (o Options) withDefaults() Options {
	o.Clock = clock.Ensure(o.Clock)
	o.Logger = svcfields.WithSubsystem(o.Logger, "discovery")
	if o.ProbeStep <= 0 {
		o.ProbeStep = DefaultProbeStep
	}
	if o.Rounds <= 0 {
		o.Rounds = DefaultProbeRounds
	}
	return o
}

// FilterResponsive probes every node concurrently by asking for the balance
// of the node's own account, and returns, in input order, the nodes that
// answered within timeout with a value and without turning unhealthy. The
// result is a snapshot; answers arriving after the deadline are ignored.
func FilterResponsive[P Prober](ctx context.Context, probes []P, timeout time.Duration, clk clock.Clock) []P {
	clk = clock.Ensure(clk)
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu     sync.Mutex
		closed bool
		alive  = make([]bool, len(probes))
		wg     sync.WaitGroup
	)
	for i, p := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := p.QueryBalance(pctx, p.Endpoint().Account)
			if out.Kind != nodeclient.Success || out.Value == nil || out.Health == health.Unhealthy {
				return
			}
			mu.Lock()
			if !closed {
				alive[i] = true
			}
			mu.Unlock()
		}()
	}
	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()
	select {
	case <-allDone:
	case <-clk.After(timeout):
	case <-ctx.Done():
	}

	mu.Lock()
	closed = true
	live := make([]P, 0, len(probes))
	for i, ok := range alive {
		if ok {
			live = append(live, probes[i])
		}
	}
	mu.Unlock()
	return live
}

// Reachable escalates the probe timeout by ProbeStep per round until at
// least two thirds of the nodes (and at least one) answered, then returns
// the responsive nodes. After the last round it returns whatever answered,
// which may be nothing.
func Reachable[P Prober](ctx context.Context, probes []P, opts Options) []P {
	opts = opts.withDefaults()
	target := max(float64(len(probes))*2/3, 1)
	var live []P
	for round := 1; round <= opts.Rounds; round++ {
		if ctx.Err() != nil {
			break
		}
		timeout := time.Duration(round) * opts.ProbeStep
		live = FilterResponsive(ctx, probes, timeout, opts.Clock)
		opts.Logger.Debug("discovery.probe.round", "round", round, "timeout", timeout, "responsive", len(live), "candidates", len(probes))
		if float64(len(live)) >= target {
			break
		}
	}
	opts.Logger.Info("discovery.reachable", "responsive", len(live), "candidates", len(probes))
	return live
}
