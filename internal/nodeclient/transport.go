package nodeclient

import (
	"context"

	"pkt.systems/paydist/internal/ledger"
)

// Endpoint is a node's network address paired with the account that
// receives its fees. It is immutable once constructed.
type Endpoint struct {
	Address string           `json:"address" yaml:"address"`
	Account ledger.AccountID `json:"account" yaml:"account"`
}

func (e Endpoint) String() string {
	return e.Account.String() + "@" + e.Address
}

// Transport delivers requests to a node. Errors mean no answer was obtained;
// node verdicts travel in the response statuses. Implementations must honour
// ctx cancellation.
type Transport interface {
	Submit(ctx context.Context, ep Endpoint, tx *ledger.Transaction) (ledger.SubmitResponse, error)
	Receipt(ctx context.Context, ep Endpoint, id ledger.TransactionID) (ledger.Receipt, error)
	Query(ctx context.Context, ep Endpoint, q ledger.Query) (ledger.QueryResponse, error)
}
