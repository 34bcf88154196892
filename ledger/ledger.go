/*
ledger.go - Credit and Debit over the append-only entry log

PURPOSE:
  The Ledger is the single mutation path for user balances. Credit adds
  currency, Debit removes it, and both are idempotent on their reference:
  a retried unlock or a retried payment confirmation settles against the
  original entry instead of writing a second one.

CRITICAL INVARIANTS:
  1. balance(currency) == sum of entry deltas for that currency
  2. balance >= 0 at all times (Debit fails closed)
  3. one reference = one entry, forever
  4. BalanceAfter == BalanceBefore + Delta on every entry

CONCURRENCY:
  Atomicity is a compare-and-swap loop over Store.Append (see store.go).
  A debit that passes its balance check can only commit if the balance it
  checked is still current; otherwise the store rejects the write and the
  loop re-reads. The loop is bounded; under pathological contention the
  caller gets ErrConcurrentModification rather than livelock.

EXAMPLE:
  led := ledger.New(store)
  res, err := led.Debit(ctx, "user-1", ledger.CurrencyKey, 1,
      ledger.Reference{Type: ledger.RefChapterUnlock, ID: "user-1:ch-9:key"})
  if err != nil { ... }
  if res.Duplicate { // retried request, original entry returned }
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// casAttempts bounds the compare-and-swap retry loop. Contention on a
// single user's balance is rare enough that three attempts is generous.
const casAttempts = 3

// Ledger owns all balance mutations. Safe for concurrent use.
type Ledger struct {
	store Store

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// New creates a Ledger over the given store.
func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// WithClock overrides the time source. Intended for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// =============================================================================
// CORE OPERATIONS
// =============================================================================

// Credit adds amount to (userID, currency). Idempotent on ref: a reference
// that already settled returns the original entry with Duplicate set.
func (l *Ledger) Credit(ctx context.Context, userID string, c Currency, amount int64, ref Reference) (Result, error) {
	return l.apply(ctx, userID, c, amount, ref)
}

// Debit removes amount from (userID, currency). Fails closed with
// InsufficientBalanceError when the balance does not cover the amount;
// the balance is left untouched. Idempotent on ref like Credit.
func (l *Ledger) Debit(ctx context.Context, userID string, c Currency, amount int64, ref Reference) (Result, error) {
	return l.apply(ctx, userID, c, -amount, ref)
}

func (l *Ledger) apply(ctx context.Context, userID string, c Currency, delta int64, ref Reference) (Result, error) {
	if delta == 0 {
		return Result{}, ErrInvalidAmount
	}
	if !c.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, c)
	}
	if ref.Type == "" || ref.ID == "" {
		return Result{}, ErrEmptyReference
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		// Idempotency check first: a settled reference is a no-op.
		if existing, err := l.store.FindByReference(ctx, ref); err != nil {
			return Result{}, err
		} else if existing != nil {
			bal, err := l.Balances(ctx, userID)
			if err != nil {
				return Result{}, err
			}
			return Result{Entry: *existing, Duplicate: true, Balances: bal}, nil
		}

		before, err := l.store.Balance(ctx, userID, c)
		if err != nil {
			return Result{}, err
		}
		after := before + delta
		if after < 0 {
			return Result{}, &InsufficientBalanceError{
				UserID:   userID,
				Currency: c,
				Required: -delta,
				Current:  before,
			}
		}

		e := Entry{
			ID:            uuid.NewString(),
			UserID:        userID,
			Currency:      c,
			Delta:         delta,
			BalanceBefore: before,
			BalanceAfter:  after,
			ReferenceType: ref.Type,
			ReferenceID:   ref.ID,
			OccurredAt:    l.now().UTC(),
		}

		switch err := l.store.Append(ctx, e); {
		case err == nil:
			bal, err := l.Balances(ctx, userID)
			if err != nil {
				return Result{}, err
			}
			return Result{Entry: e, Balances: bal}, nil
		case IsRetryable(err):
			continue // balance moved under us, re-read
		case errors.Is(err, ErrDuplicateReference):
			// A racing request settled the same reference first; the
			// next loop iteration resolves it as a duplicate no-op.
			continue
		default:
			return Result{}, err
		}
	}
	return Result{}, ErrConcurrentModification
}

// =============================================================================
// READ SURFACE
// =============================================================================

// Balances returns the user's holdings across all currencies.
func (l *Ledger) Balances(ctx context.Context, userID string) (Balances, error) {
	var b Balances
	for _, c := range Currencies {
		v, err := l.store.Balance(ctx, userID, c)
		if err != nil {
			return Balances{}, err
		}
		b = b.With(c, v)
	}
	return b, nil
}

// Entries returns the user's full entry history, oldest first.
func (l *Ledger) Entries(ctx context.Context, userID string) ([]Entry, error) {
	return l.store.Entries(ctx, userID)
}

// FindByReference exposes the idempotency lookup for callers that need to
// know whether an economic event already settled (the settlement
// coordinator uses it during reconciliation).
func (l *Ledger) FindByReference(ctx context.Context, ref Reference) (*Entry, error) {
	return l.store.FindByReference(ctx, ref)
}
