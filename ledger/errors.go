/*
errors.go - Centralized error taxonomy for the entitlement engine core

PURPOSE:
  Sentinel errors and structured error types shared by the ledger and the
  packages built on top of it. Boundary operations never panic and never
  encode machine-readable data in message strings; callers branch with
  errors.Is/errors.As and read structured fields.

ERROR CATEGORIES:
  1. Ledger errors - balance and idempotency violations
  2. Store errors  - persistence-level conflicts
  3. Helpers       - classification for transport layers

USAGE:
  Domain packages wrap these with additional context:

    if errors.Is(err, ledger.ErrInsufficientBalance) {
        var ib *ledger.InsufficientBalanceError
        errors.As(err, &ib)
        // ib.Required, ib.Current
    }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when a debit exceeds the current
	// balance. The balance is left unchanged.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateReference is returned by stores when an entry with the
	// same (reference type, reference id) already exists. The ledger
	// translates it into an idempotent no-op, callers normally never see it.
	ErrDuplicateReference = errors.New("duplicate reference")

	// ErrConcurrentModification is returned when the balance moved between
	// read and write. The ledger retries internally; surfacing it means the
	// retry budget was exhausted under heavy contention.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInvalidCurrency is returned for an unknown currency.
	ErrInvalidCurrency = errors.New("unknown currency")

	// ErrEmptyReference is returned when an operation is missing its
	// idempotency reference.
	ErrEmptyReference = errors.New("reference type and id are required")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError reports a rejected debit with the amounts a
// client needs to build a top-up flow. No message-string parsing required.
type InsufficientBalanceError struct {
	UserID   string
	Currency Currency
	Required int64
	Current  int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance: required %d, current %d",
		e.Currency, e.Required, e.Current)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable reports whether the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError reports whether the error is a deterministic rejection of
// client input rather than an internal failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidCurrency) ||
		errors.Is(err, ErrEmptyReference)
}
