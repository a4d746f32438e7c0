package nodeclient

import (
	"errors"
	"fmt"

	"pkt.systems/paydist/internal/health"
	"pkt.systems/paydist/internal/ledger"
)

// Kind classifies an Outcome.
type Kind int

const (
	// Success means the node answered; the answer may still carry a failure
	// status, as receipts do.
	Success Kind = iota
	// DefinitiveError means the node rejected the request and retrying the
	// same request elsewhere will not help.
	DefinitiveError
	// TransientError means no answer was obtained; the request may be retried
	// on another node.
	TransientError
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case DefinitiveError:
		return "definitive_error"
	case TransientError:
		return "transient_error"
	default:
		return "unknown"
	}
}

// Reason explains a TransientError.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonUnreachable
	ReasonTimeout
	ReasonReceiptLost
	ReasonCancelled
	ReasonMalformed
)

var (
	// ErrPrecheckTimeout reports a submission that got no precheck answer in time.
	ErrPrecheckTimeout = errors.New("transaction failed with a timeout during precheck")
	// ErrReceiptTimeout reports a submission whose receipt did not arrive in time.
	ErrReceiptTimeout = errors.New("transaction failed with a timeout while retrieving receipt")
	// ErrQueryTimeout reports a query that got no answer in time.
	ErrQueryTimeout = errors.New("query failed with a timeout")
)

// StatusError is the error carried by a DefinitiveError outcome, and by
// TransientError outcomes caused by a lost receipt.
type StatusError struct {
	Op     string
	Status ledger.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("nodeclient: %s returned %s", e.Op, e.Status)
}

// Outcome is the result of one client operation against a single node.
// Health is always populated. Value is meaningful only for Success; Err is
// set only for the error kinds.
type Outcome[T any] struct {
	Kind   Kind
	Health health.Health
	Value  T
	// Code is the node status behind a DefinitiveError, empty when the
	// failure happened before the node was involved.
	Code   ledger.Status
	Reason Reason
	Err    error
	// TransactionID is the identifier the node accepted, set for submissions
	// that passed precheck.
	TransactionID ledger.TransactionID
}

// OK reports whether the outcome is a Success.
func (o Outcome[T]) OK() bool { return o.Kind == Success }

// TxOutcome is the result of Submit.
type TxOutcome = Outcome[ledger.Receipt]

func definitive[T any](out Outcome[T], op string, code ledger.Status, err error) Outcome[T] {
	var zero T
	out.Kind = DefinitiveError
	out.Value = zero
	out.Code = code
	if err == nil {
		err = &StatusError{Op: op, Status: code}
	}
	out.Err = err
	return out
}

func transient[T any](out Outcome[T], reason Reason, err error) Outcome[T] {
	var zero T
	out.Kind = TransientError
	out.Health = health.Unhealthy
	out.Value = zero
	out.Reason = reason
	out.Err = err
	return out
}

func success[T any](out Outcome[T], value T) Outcome[T] {
	out.Kind = Success
	out.Value = value
	out.Err = nil
	return out
}
