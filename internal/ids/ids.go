// Package ids mints the identifiers paydist attaches to runs, transactions
// and requests.
package ids

import (
	"github.com/google/uuid"
	"github.com/rs/xid"
)

// RunID returns a time-ordered UUIDv7 identifying one distribution run.
func RunID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Nonce returns a globally unique, sortable 20 character token. Transaction
// identifiers embed it so two ids minted within the same clock tick differ.
func Nonce() string {
	return xid.New().String()
}

// ValidNonce reports whether s is a nonce produced by Nonce.
func ValidNonce(s string) bool {
	_, err := xid.FromString(s)
	return err == nil
}
