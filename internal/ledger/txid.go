package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"pkt.systems/paydist/internal/ids"
)

const scheduledSuffix = "?scheduled"

// TransactionID names a transaction: the paying account, the start of its
// validity window and a nonce that keeps identifiers minted in the same
// instant distinct. Scheduled marks the inner transaction a schedule
// executes once it gathered its signatures.
type TransactionID struct {
	Payer      AccountID
	ValidStart time.Time
	Nonce      string
	Scheduled  bool
}

// NewTransactionID returns a fresh identifier paid by payer, valid from now.
func NewTransactionID(payer AccountID, now time.Time) TransactionID {
	return TransactionID{Payer: payer, ValidStart: now.UTC(), Nonce: ids.Nonce()}
}

// AsScheduled returns the identifier of the transaction executed by the
// schedule created with id.
func (id TransactionID) AsScheduled() TransactionID {
	id.Scheduled = true
	return id
}

// IsZero reports whether id is unset.
func (id TransactionID) IsZero() bool {
	return id.Payer.IsZero() && id.ValidStart.IsZero() && id.Nonce == ""
}

// String renders payer@seconds.nanos#nonce with an optional ?scheduled flag.
func (id TransactionID) String() string {
	if id.IsZero() {
		return ""
	}
	var b strings.Builder
	b.WriteString(id.Payer.String())
	b.WriteByte('@')
	b.WriteString(strconv.FormatInt(id.ValidStart.Unix(), 10))
	b.WriteByte('.')
	fmt.Fprintf(&b, "%09d", id.ValidStart.Nanosecond())
	if id.Nonce != "" {
		b.WriteByte('#')
		b.WriteString(id.Nonce)
	}
	if id.Scheduled {
		b.WriteString(scheduledSuffix)
	}
	return b.String()
}

// ParseTransactionID parses the String form.
func ParseTransactionID(s string) (TransactionID, error) {
	var id TransactionID
	rest, scheduled := strings.CutSuffix(s, scheduledSuffix)
	id.Scheduled = scheduled
	rest, nonce, hasNonce := strings.Cut(rest, "#")
	if hasNonce {
		if nonce == "" {
			return TransactionID{}, fmt.Errorf("ledger: transaction id %q: empty nonce", s)
		}
		id.Nonce = nonce
	}
	payer, start, ok := strings.Cut(rest, "@")
	if !ok {
		return TransactionID{}, fmt.Errorf("ledger: transaction id %q: missing valid start", s)
	}
	account, err := ParseEntityID(payer)
	if err != nil {
		return TransactionID{}, fmt.Errorf("ledger: transaction id %q: %w", s, err)
	}
	id.Payer = account
	secs, nanos, ok := strings.Cut(start, ".")
	if !ok || len(nanos) != 9 {
		return TransactionID{}, fmt.Errorf("ledger: transaction id %q: malformed valid start", s)
	}
	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return TransactionID{}, fmt.Errorf("ledger: transaction id %q: %w", s, err)
	}
	nsec, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return TransactionID{}, fmt.Errorf("ledger: transaction id %q: %w", s, err)
	}
	id.ValidStart = time.Unix(sec, nsec).UTC()
	return id, nil
}

// MarshalText implements encoding.TextMarshaler.
func (id TransactionID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *TransactionID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*id = TransactionID{}
		return nil
	}
	parsed, err := ParseTransactionID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
