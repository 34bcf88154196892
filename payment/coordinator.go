/*
coordinator.go - Payment settlement with bounded retry and exactly-once
fulfillment

CONFIRMATION FLOW:
  1. Idempotency guard: an intent already confirmed returns success
     immediately, no provider call, no second fulfillment.
  2. Bounded retry loop (explicit RetryPolicy, not recursion): read the
     provider charge status; transient lookup failures and pending
     charges wait out the fixed delay and try again.
  3. On a succeeded charge: fulfill, then compare-and-set the intent to
     confirmed. Fulfillment is itself idempotent (ledger reference =
     intent id, grant insert keyed by triple, renewal routed via provider
     subscription id), so the order survives a crash between the two
     steps: the retry re-runs fulfillment as a no-op and completes the
     CAS. Exactly one credit/grant/activation ever lands.
  4. On a definitively failed charge, or on retry exhaustion: the intent
     is marked failed and the caller gets ConfirmationFailedError. The
     provider may hold captured funds at that point; this error feeds a
     reconciliation queue, it is never silently retried further.

CONCURRENCY:
  Confirm racing Confirm (client retry vs server retry) is safe: both
  pass the same idempotent fulfillment, and the store-level CAS lets
  exactly one of them claim the confirmed transition; the loser sees
  ok == false and reports success.
*/
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/inkgate/entitlement-engine/grant"
	"github.com/inkgate/entitlement-engine/ledger"
	"github.com/inkgate/entitlement-engine/subscription"
)

// RetryPolicy bounds the confirmation loop. The zero value is invalid;
// use DefaultRetryPolicy.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy: 3 attempts, fixed 1-second backoff.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Delay: time.Second}

// Coordinator creates and settles payment intents.
type Coordinator struct {
	store    IntentStore
	gateways Gateways

	ledger *ledger.Ledger
	grants *grant.Service
	subs   *subscription.Manager

	// Retry bounds the confirmation loop; defaults to DefaultRetryPolicy.
	Retry RetryPolicy

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCoordinator wires a settlement coordinator.
func NewCoordinator(store IntentStore, gateways Gateways, led *ledger.Ledger, gr *grant.Service, subs *subscription.Manager) *Coordinator {
	return &Coordinator{
		store:    store,
		gateways: gateways,
		ledger:   led,
		grants:   gr,
		subs:     subs,
		Retry:    DefaultRetryPolicy,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// =============================================================================
// CREATE
// =============================================================================

// CreateIntentParams describes a payment to set up.
type CreateIntentParams struct {
	Provider    Provider
	Purpose     Purpose
	UserID      string
	Amount      Amount
	Fulfillment Fulfillment
}

// Amount is a provider money amount in major units with its ISO code.
type Amount struct {
	Value        decimal.Decimal
	CurrencyCode string
}

// CreateIntent registers the payment with the provider and persists the
// intent in status created, keyed by the provider's intent id.
func (c *Coordinator) CreateIntent(ctx context.Context, p CreateIntentParams) (Intent, error) {
	gw, err := c.gateways.For(p.Provider)
	if err != nil {
		return Intent{}, err
	}

	providerID, err := gw.CreateIntent(ctx, CreateIntentRequest{
		Amount:       p.Amount.Value,
		CurrencyCode: p.Amount.CurrencyCode,
		Purpose:      p.Purpose,
		UserID:       p.UserID,
	})
	if err != nil {
		return Intent{}, fmt.Errorf("create provider intent: %w", err)
	}

	now := c.now().UTC()
	in := Intent{
		ID:             uuid.NewString(),
		Provider:       p.Provider,
		Purpose:        p.Purpose,
		UserID:         p.UserID,
		Amount:         p.Amount.Value,
		CurrencyCode:   p.Amount.CurrencyCode,
		Status:         StatusCreated,
		IdempotencyKey: providerID,
		Fulfillment:    p.Fulfillment,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.store.CreateIntent(ctx, in); err != nil {
		return Intent{}, err
	}
	return in, nil
}

// =============================================================================
// CONFIRM
// =============================================================================

// Confirm settles the intent. Safe to call any number of times,
// concurrently or sequentially; exactly one fulfillment ever fires.
func (c *Coordinator) Confirm(ctx context.Context, intentID string) (Intent, error) {
	in, err := c.store.GetIntent(ctx, intentID)
	if err != nil {
		return Intent{}, err
	}
	if in == nil {
		return Intent{}, ErrIntentNotFound
	}

	// Idempotency guard: terminal intents are settled, full stop.
	switch in.Status {
	case StatusConfirmed:
		return *in, nil
	case StatusFailed:
		return *in, &ConfirmationFailedError{IntentID: in.ID, Provider: in.Provider, Attempts: in.ConfirmRetryCount + 1, Last: ErrConfirmationFailed}
	}

	gw, err := c.gateways.For(in.Provider)
	if err != nil {
		return Intent{}, err
	}

	var lastErr error
	retries := in.ConfirmRetryCount
	for attempt := 0; attempt < c.Retry.Attempts; attempt++ {
		if attempt > 0 {
			retries++
			if err := c.sleep(ctx, c.Retry.Delay); err != nil {
				return *in, err
			}
		}

		status, err := gw.ChargeStatus(ctx, in.IdempotencyKey)
		if err != nil {
			lastErr = err
			continue // transient lookup failure
		}

		switch status {
		case ChargePending:
			lastErr = fmt.Errorf("charge still pending")
			continue
		case ChargeFailed:
			// Definitive provider failure: no retry budget spent on it.
			if _, err := c.store.Transition(ctx, in.ID, StatusFailed, retries); err != nil {
				return *in, err
			}
			in.Status = StatusFailed
			return *in, &ConfirmationFailedError{IntentID: in.ID, Provider: in.Provider, Attempts: attempt + 1, Last: errors.New("provider reported charge failed")}
		case ChargeSucceeded:
			// Record the provider-side success before settling our side.
			if _, err := c.store.Transition(ctx, in.ID, StatusProviderSucceeded, retries); err != nil && !errors.Is(err, ErrIllegalTransition) {
				lastErr = err
				continue
			}

			if err := c.fulfill(ctx, in); err != nil {
				lastErr = err
				continue // fulfillment is idempotent; retry is safe
			}

			// A racing Confirm may claim the terminal transition first
			// (ok == false); both fulfillments settled the same
			// idempotent references, so either way this is success.
			if _, err := c.store.Transition(ctx, in.ID, StatusConfirmed, retries); err != nil {
				lastErr = err
				continue
			}
			settled, err := c.store.GetIntent(ctx, in.ID)
			if err != nil || settled == nil {
				in.Status = StatusConfirmed
				in.ConfirmRetryCount = retries
				return *in, nil
			}
			return *settled, nil
		}
	}

	if _, err := c.store.Transition(ctx, in.ID, StatusFailed, retries); err != nil {
		return *in, err
	}
	in.Status = StatusFailed
	in.ConfirmRetryCount = retries
	return *in, &ConfirmationFailedError{IntentID: in.ID, Provider: in.Provider, Attempts: c.Retry.Attempts, Last: lastErr}
}

// fulfill settles the platform side of a succeeded charge. Every branch
// is idempotent under the intent id, so re-running is a no-op.
func (c *Coordinator) fulfill(ctx context.Context, in *Intent) error {
	switch in.Purpose {
	case PurposeKarmaPurchase:
		if in.Fulfillment.KarmaAmount <= 0 {
			return fmt.Errorf("karma purchase intent %s has no karma amount", in.ID)
		}
		_, err := c.ledger.Credit(ctx, in.UserID, ledger.CurrencyGoldenKarma, in.Fulfillment.KarmaAmount,
			ledger.Reference{Type: ledger.RefKarmaPurchase, ID: in.ID})
		return err

	case PurposeChapterUnlock:
		if in.Fulfillment.ChapterID == "" {
			return fmt.Errorf("chapter unlock intent %s has no chapter", in.ID)
		}
		_, _, err := c.grants.GrantPermanent(ctx, in.UserID, in.Fulfillment.ChapterID, grant.MethodKarma)
		return err

	case PurposeChampionSub:
		return c.settleSubscription(ctx, in)

	default:
		return fmt.Errorf("unknown intent purpose %q", in.Purpose)
	}
}

// settleSubscription activates a new champion subscription, or renews
// the one already tied to this provider subscription id (auto-renew
// charges reuse the id, so retries and renewals converge here).
func (c *Coordinator) settleSubscription(ctx context.Context, in *Intent) error {
	existing, err := c.subs.ByProviderID(ctx, in.IdempotencyKey)
	if err != nil {
		return err
	}
	if existing != nil {
		// Already activated by this intent (retry); nothing to do.
		return nil
	}

	_, err = c.subs.Subscribe(ctx, in.UserID, in.Fulfillment.NovelID, in.Fulfillment.TierLevel, in.IdempotencyKey)
	if err != nil {
		var active *subscription.AlreadyActiveError
		if errors.As(err, &active) {
			// A live subscription from a different provider intent:
			// this settlement is a renewal charge for it.
			_, err := c.subs.Renew(ctx, active.Existing.ID)
			return err
		}
		return err
	}
	return nil
}

// =============================================================================
// READ SURFACE
// =============================================================================

// Get returns an intent by id.
func (c *Coordinator) Get(ctx context.Context, id string) (*Intent, error) {
	return c.store.GetIntent(ctx, id)
}

// ForUser lists a user's intents, newest first.
func (c *Coordinator) ForUser(ctx context.Context, userID string) ([]Intent, error) {
	return c.store.IntentsFor(ctx, userID)
}
