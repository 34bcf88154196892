/*
Package payment ties provider payment intents to ledger credits, unlock
grants, and subscription activations, exactly once each.

PURPOSE:
  The settlement coordinator owns the money boundary. A PaymentIntent is
  created against a provider (Stripe or PayPal), the provider charges the
  customer, and Confirm settles the platform side: one ledger credit, one
  grant, or one subscription activation per intent, no matter how many
  times Confirm is retried or raced.

KEY CONCEPTS IN THIS FILE (intent.go):
  - Intent: the persisted record of one provider payment
  - Status: forward-only lifecycle, never regresses
  - Fulfillment: what the money buys, typed per purpose
  - IntentStore: persistence with CAS status transitions

SEE ALSO:
  - coordinator.go: Confirm retry loop and fulfillment dispatch
  - gateway.go: provider contract and adapters
*/
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PROVIDER / PURPOSE / STATUS
// =============================================================================

type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderPayPal Provider = "paypal"
)

type Purpose string

const (
	PurposeChapterUnlock Purpose = "chapter_unlock"
	PurposeKarmaPurchase Purpose = "karma_purchase"
	PurposeChampionSub   Purpose = "champion_subscription"
)

// Status is the intent lifecycle. Transitions are forward-only:
//
//	created -> provider_succeeded -> confirmed   (terminal success)
//	created -> failed                            (terminal failure)
//	provider_succeeded -> failed                 (terminal failure)
type Status string

const (
	StatusCreated           Status = "created"
	StatusProviderSucceeded Status = "provider_succeeded"
	StatusConfirmed         Status = "confirmed"
	StatusFailed            Status = "failed"
)

// rank orders statuses for the forward-only check.
func (s Status) rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusProviderSucceeded:
		return 1
	case StatusConfirmed, StatusFailed:
		return 2
	}
	return -1
}

// CanTransitionTo reports whether s -> next is a legal forward move.
func (s Status) CanTransitionTo(next Status) bool {
	if s == StatusConfirmed || s == StatusFailed {
		return false
	}
	return next.rank() > s.rank()
}

// =============================================================================
// FULFILLMENT - What the money buys
// =============================================================================

// Fulfillment carries the purpose-specific payload settled on the first
// transition into confirmed. Exactly one of the groups is used.
type Fulfillment struct {
	// Karma purchase: golden karma credited to the user.
	KarmaAmount int64

	// Chapter unlock.
	ChapterID string

	// Champion subscription.
	NovelID   string
	TierLevel int
}

// =============================================================================
// INTENT
// =============================================================================

// Intent is the persisted record of one provider payment.
type Intent struct {
	ID           string
	Provider     Provider
	Purpose      Purpose
	UserID       string
	Amount       decimal.Decimal
	CurrencyCode string
	Status       Status

	// ConfirmRetryCount counts confirmation attempts beyond the first.
	ConfirmRetryCount int

	// IdempotencyKey is the provider's intent id; re-creating against
	// the provider reuses it, and ledger references derive from it.
	IdempotencyKey string

	Fulfillment Fulfillment

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrIntentNotFound is returned for unknown intent ids.
	ErrIntentNotFound = errors.New("payment intent not found")

	// ErrConfirmationFailed is terminal: the confirmation retry budget
	// is exhausted. The provider may have captured funds that are not
	// reflected in the ledger: manual reconciliation, not silent retry.
	ErrConfirmationFailed = errors.New("payment confirmation failed")

	// ErrIllegalTransition is returned by stores for a status move that
	// would regress the forward-only lifecycle.
	ErrIllegalTransition = errors.New("illegal intent status transition")
)

// ConfirmationFailedError reports the terminal failure with enough
// context for the reconciliation queue.
type ConfirmationFailedError struct {
	IntentID string
	Provider Provider
	Attempts int
	Last     error
}

func (e *ConfirmationFailedError) Error() string {
	return fmt.Sprintf("payment confirmation failed for intent %s (%s) after %d attempts: %v",
		e.IntentID, e.Provider, e.Attempts, e.Last)
}

func (e *ConfirmationFailedError) Unwrap() error { return ErrConfirmationFailed }

// =============================================================================
// STORE
// =============================================================================

// IntentStore persists intents.
//
// CONTRACT: Transition applies status moves atomically and enforces the
// forward-only lifecycle. The move into a terminal status must be a
// compare-and-set: exactly one caller wins it, every other concurrent
// caller observes ok == false. This CAS is what makes Confirm safe to
// race with itself.
type IntentStore interface {
	CreateIntent(ctx context.Context, in Intent) error
	GetIntent(ctx context.Context, id string) (*Intent, error)

	// Transition moves the intent to next and persists retryCount.
	// Returns ok == false (and no error) when the intent is already in
	// a terminal status, which callers treat as "someone else settled".
	Transition(ctx context.Context, id string, next Status, retryCount int) (ok bool, err error)

	// IntentsFor lists a user's intents, newest first.
	IntentsFor(ctx context.Context, userID string) ([]Intent, error)
}
