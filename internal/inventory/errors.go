package inventory

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidMovement rejects malformed input before any write.
	ErrInvalidMovement = errors.New("inventory: invalid movement")
	// ErrInsufficientStock indicates on-hand or available would go negative.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrInsufficientLotStock indicates lots cannot cover the requested quantity.
	ErrInsufficientLotStock = errors.New("inventory: insufficient lot stock")
	// ErrInsufficientCostBasis indicates cost layers cannot cover an outbound quantity.
	ErrInsufficientCostBasis = errors.New("inventory: insufficient cost basis")
	// ErrDuplicateLot indicates the lot number already exists for the variant.
	ErrDuplicateLot = errors.New("inventory: duplicate lot")
	// ErrNegativeLotQty guards a lot from dropping below zero.
	ErrNegativeLotQty = errors.New("inventory: lot quantity cannot be negative")
	// ErrConcurrencyConflict signals lock or version contention; retry the whole operation.
	ErrConcurrencyConflict = errors.New("inventory: concurrency conflict")
	// ErrLedgerInconsistency signals that a projection disagrees with the ledger.
	ErrLedgerInconsistency = errors.New("inventory: ledger inconsistency")
	// ErrNotFound indicates a missing lot, reservation or balance.
	ErrNotFound = errors.New("inventory: not found")
	// ErrReservationClosed indicates a consumed or released reservation.
	ErrReservationClosed = errors.New("inventory: reservation closed")
)

// Finding is a single reconciliation mismatch.
type Finding struct {
	Check    string `json:"check"`
	Scope    string `json:"scope"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s %s: expected %s, got %s", f.Check, f.Scope, f.Expected, f.Actual)
}

// InconsistencyError carries the findings behind ErrLedgerInconsistency.
type InconsistencyError struct {
	Findings []Finding
}

func (e *InconsistencyError) Error() string {
	parts := make([]string, 0, len(e.Findings))
	for _, f := range e.Findings {
		parts = append(parts, f.String())
	}
	return fmt.Sprintf("%s: %s", ErrLedgerInconsistency, strings.Join(parts, "; "))
}

// Unwrap exposes the sentinel for errors.Is.
func (e *InconsistencyError) Unwrap() error {
	return ErrLedgerInconsistency
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMovement, fmt.Sprintf(format, args...))
}

// Retryable reports whether err may be retried by re-running the whole operation.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
