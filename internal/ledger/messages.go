package ledger

import "pkt.systems/paydist/internal/amount"

// SubmitResponse is a node's precheck answer to a submitted transaction.
type SubmitResponse struct {
	Status Status `json:"status"`
}

// Receipt records the consensus outcome of a transaction.
type Receipt struct {
	Status                 Status         `json:"status"`
	ScheduleID             *ScheduleID    `json:"schedule_id,omitempty"`
	ScheduledTransactionID *TransactionID `json:"scheduled_transaction_id,omitempty"`
}

// TokenBalance is an account's holding of one token.
type TokenBalance struct {
	Balance  amount.Units `json:"balance"`
	Decimals uint8        `json:"decimals"`
}

// Balance reports an account's fee currency and token holdings. A token is
// present in Tokens exactly when the account is associated with it.
type Balance struct {
	Account AccountID                `json:"account"`
	Fee     amount.Units             `json:"fee"`
	Tokens  map[TokenID]TokenBalance `json:"tokens,omitempty"`
}

// Token returns the holding of token and whether the account is associated.
func (b *Balance) Token(token TokenID) (TokenBalance, bool) {
	if b == nil || b.Tokens == nil {
		return TokenBalance{}, false
	}
	tb, ok := b.Tokens[token]
	return tb, ok
}

// BalanceQuery asks for an account's balance.
type BalanceQuery struct {
	Account AccountID `json:"account"`
}

// ReceiptQuery asks for the receipt of a transaction.
type ReceiptQuery struct {
	TransactionID TransactionID `json:"transaction_id"`
}

// Query carries exactly one question for a node.
type Query struct {
	Balance *BalanceQuery `json:"balance,omitempty"`
	Receipt *ReceiptQuery `json:"receipt,omitempty"`
}

// QueryResponse answers a Query. Status is OK when the answer is present.
type QueryResponse struct {
	Status  Status   `json:"status"`
	Balance *Balance `json:"balance,omitempty"`
	Receipt *Receipt `json:"receipt,omitempty"`
}
