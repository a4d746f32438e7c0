package paydist

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/paydist/internal/clock"
	"pkt.systems/paydist/internal/devnode"
	"pkt.systems/paydist/internal/discovery"
	"pkt.systems/paydist/internal/nodeclient"
	"pkt.systems/paydist/internal/svcfields"
)

// DevnetName is the address book name of a started Devnet.
const DevnetName = "devnet"

// Devnet is a set of simulated nodes serving one in-memory ledger.
type Devnet struct {
	Ledger    *devnode.Ledger
	nodes     []*devnode.Node
	servers   []*http.Server
	endpoints []nodeclient.Endpoint
	logger    pslog.Logger
}

// StartDevnet applies g to a fresh ledger and serves every genesis node on
// its listen address. Port 0 picks a free port; Endpoints reports the bound
// addresses.
func StartDevnet(ctx context.Context, g *devnode.Genesis, clk clock.Clock, logger pslog.Logger) (*Devnet, error) {
	if g == nil || len(g.Nodes) == 0 {
		return nil, errors.New("paydist: devnet needs at least one node")
	}
	logger = svcfields.WithSubsystem(logger, "devnet")
	led := devnode.NewLedger(devnode.LedgerConfig{SettleDelay: g.SettleDelay, Clock: clk, Logger: logger})
	if err := g.Apply(led); err != nil {
		return nil, err
	}
	d := &Devnet{Ledger: led, logger: logger}
	var lc net.ListenConfig
	for _, gn := range g.Nodes {
		node, err := devnode.NewNode(devnode.NodeConfig{
			Account:   gn.Account,
			Ledger:    led,
			BusyRatio: gn.BusyRatio,
			Logger:    logger,
		})
		if err != nil {
			_ = d.Close(ctx)
			return nil, err
		}
		addr := gn.Listen
		if addr == "" {
			addr = "127.0.0.1:0"
		}
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			_ = d.Close(ctx)
			return nil, fmt.Errorf("paydist: devnet listen %s: %w", addr, err)
		}
		srv := &http.Server{Handler: node.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("devnet.serve_error", "node", gn.Account.String(), "error", err)
			}
		}()
		ep := nodeclient.Endpoint{Address: "http://" + ln.Addr().String(), Account: gn.Account}
		d.nodes = append(d.nodes, node)
		d.servers = append(d.servers, srv)
		d.endpoints = append(d.endpoints, ep)
		logger.Info("devnet.node.listening", "node", ep.String())
	}
	return d, nil
}

// Endpoints returns the bound node endpoints.
func (d *Devnet) Endpoints() []nodeclient.Endpoint {
	return append([]nodeclient.Endpoint(nil), d.endpoints...)
}

// Nodes returns the simulated nodes in genesis order.
func (d *Devnet) Nodes() []*devnode.Node {
	return append([]*devnode.Node(nil), d.nodes...)
}

// Book returns an address book holding the devnet as DevnetName.
func (d *Devnet) Book() discovery.Book {
	return discovery.Book{DevnetName: d.Endpoints()}
}

// Close shuts every node server down.
func (d *Devnet) Close(ctx context.Context) error {
	var errs []error
	for _, srv := range d.servers {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}
	d.servers = nil
	return errors.Join(errs...)
}
