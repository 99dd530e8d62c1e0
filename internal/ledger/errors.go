package ledger

import (
	"context"
	"errors"
)

var (
	// ErrInvalidOrder is returned for a non-positive quantity, price or
	// amount, a price finer than one cent, or an unrecognized side.
	ErrInvalidOrder = errors.New("ledger: invalid order")

	// ErrInsufficientFunds is returned when a BUY costs more than the
	// available cash.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInsufficientQuantity is returned when a SELL exceeds the held
	// quantity.
	ErrInsufficientQuantity = errors.New("ledger: insufficient quantity")

	// ErrAggregateNotFound is returned when the owner has no portfolio.
	ErrAggregateNotFound = errors.New("ledger: portfolio not found")

	// ErrConcurrencyConflict signals a revision mismatch. It is retried
	// internally and only escapes wrapped in ErrConcurrencyExhausted.
	ErrConcurrencyConflict = errors.New("ledger: concurrent modification")

	// ErrConcurrencyExhausted is returned when every retry lost the race.
	// The caller may retry the whole call.
	ErrConcurrencyExhausted = errors.New("ledger: retries exhausted under contention")

	// ErrStorageUnavailable wraps any failure of the backing store.
	ErrStorageUnavailable = errors.New("ledger: storage unavailable")

	// ErrInvariantViolated is returned when a computed aggregate fails
	// CheckInvariants. Nothing is written; it indicates a bug, not bad input.
	ErrInvariantViolated = errors.New("ledger: aggregate invariant violated")
)

// Kind classifies an error returned by the engine.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidOrder
	KindInsufficientFunds
	KindInsufficientQuantity
	KindAggregateNotFound
	KindConcurrencyConflict
	KindConcurrencyExhausted
	KindStorageUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindInvalidOrder:
		return "invalid_order"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindInsufficientQuantity:
		return "insufficient_quantity"
	case KindAggregateNotFound:
		return "not_found"
	case KindConcurrencyConflict:
		return "conflict"
	case KindConcurrencyExhausted:
		return "concurrency_exhausted"
	case KindStorageUnavailable:
		return "storage_unavailable"
	default:
		return "unknown"
	}
}

// Retryable reports whether the caller may repeat the identical call and
// expect a different outcome.
func (k Kind) Retryable() bool {
	return k == KindConcurrencyExhausted || k == KindStorageUnavailable
}

// KindOf returns the kind of err. Exhaustion is checked before conflict
// because an exhausted error also wraps the last conflict.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrInvalidOrder):
		return KindInvalidOrder
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrInsufficientQuantity):
		return KindInsufficientQuantity
	case errors.Is(err, ErrAggregateNotFound):
		return KindAggregateNotFound
	case errors.Is(err, ErrConcurrencyExhausted):
		return KindConcurrencyExhausted
	case errors.Is(err, ErrConcurrencyConflict):
		return KindConcurrencyConflict
	case errors.Is(err, ErrStorageUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindStorageUnavailable
	default:
		return KindUnknown
	}
}
