package payment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkgate/entitlement-engine/grant"
	"github.com/inkgate/entitlement-engine/ledger"
	"github.com/inkgate/entitlement-engine/payment"
	"github.com/inkgate/entitlement-engine/store/memory"
	"github.com/inkgate/entitlement-engine/subscription"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testCoordinator struct {
	coord  *payment.Coordinator
	fake   *payment.FakeGateway
	ledger *ledger.Ledger
	grants *grant.Service
	subs   *subscription.Manager
}

func newTestCoordinator(t *testing.T) *testCoordinator {
	t.Helper()
	store := memory.New()
	fake := payment.NewFakeGateway()

	led := ledger.New(store)
	grants := grant.NewService(store)
	subs := subscription.NewManager(store, subscription.DefaultTiers)

	coord := payment.NewCoordinator(store, payment.Gateways{
		payment.ProviderStripe: fake,
		payment.ProviderPayPal: fake,
	}, led, grants, subs)
	// Tests never wait out real backoff.
	coord.Retry = payment.RetryPolicy{Attempts: 3, Delay: time.Millisecond}

	return &testCoordinator{coord: coord, fake: fake, ledger: led, grants: grants, subs: subs}
}

func karmaIntent(t *testing.T, tc *testCoordinator, userID string, karma int64) payment.Intent {
	t.Helper()
	in, err := tc.coord.CreateIntent(context.Background(), payment.CreateIntentParams{
		Provider:    payment.ProviderStripe,
		Purpose:     payment.PurposeKarmaPurchase,
		UserID:      userID,
		Amount:      payment.Amount{Value: decimal.RequireFromString("4.99"), CurrencyCode: "USD"},
		Fulfillment: payment.Fulfillment{KarmaAmount: karma},
	})
	require.NoError(t, err)
	return in
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestStatus_ForwardOnly(t *testing.T) {
	assert.True(t, payment.StatusCreated.CanTransitionTo(payment.StatusProviderSucceeded))
	assert.True(t, payment.StatusCreated.CanTransitionTo(payment.StatusFailed))
	assert.True(t, payment.StatusProviderSucceeded.CanTransitionTo(payment.StatusConfirmed))

	assert.False(t, payment.StatusConfirmed.CanTransitionTo(payment.StatusFailed), "terminal")
	assert.False(t, payment.StatusFailed.CanTransitionTo(payment.StatusCreated), "terminal")
	assert.False(t, payment.StatusProviderSucceeded.CanTransitionTo(payment.StatusCreated), "no regression")
}

func TestCreateIntent_RegistersWithProvider(t *testing.T) {
	tc := newTestCoordinator(t)

	in := karmaIntent(t, tc, "user-1", 500)
	assert.Equal(t, payment.StatusCreated, in.Status)
	assert.NotEmpty(t, in.IdempotencyKey, "provider intent id must be recorded")
	assert.Zero(t, in.ConfirmRetryCount)
}

// =============================================================================
// CONFIRMATION TESTS
// =============================================================================

func TestConfirm_KarmaPurchase_CreditsGoldenOnce(t *testing.T) {
	// GIVEN: A succeeded provider charge for 500 golden karma
	// WHEN: Confirming the intent five times
	// THEN: The intent confirms and exactly one credit lands

	tc := newTestCoordinator(t)
	ctx := context.Background()
	in := karmaIntent(t, tc, "user-1", 500)

	for i := 0; i < 5; i++ {
		settled, err := tc.coord.Confirm(ctx, in.ID)
		require.NoError(t, err, "confirm #%d", i+1)
		assert.Equal(t, payment.StatusConfirmed, settled.Status)
	}

	balances, err := tc.ledger.Balances(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balances.Get(ledger.CurrencyGoldenKarma))

	entries, err := tc.ledger.Entries(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, entries, 1, "one confirmation, one entry")
	assert.Equal(t, ledger.RefKarmaPurchase, entries[0].ReferenceType)
	assert.Equal(t, in.ID, entries[0].ReferenceID)
}

func TestConfirm_Concurrent_CreditsGoldenOnce(t *testing.T) {
	// GIVEN: A succeeded provider charge for 500 golden karma
	// WHEN: Ten Confirm calls race (client retry against server retry)
	// THEN: All report success, the intent is confirmed, and exactly one
	//       credit lands

	tc := newTestCoordinator(t)
	ctx := context.Background()
	in := karmaIntent(t, tc, "user-1", 500)

	const racers = 10
	results := make([]payment.Intent, racers)
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = tc.coord.Confirm(ctx, in.ID)
		}(i)
	}
	wg.Wait()

	for i := 0; i < racers; i++ {
		require.NoError(t, errs[i], "confirm racer %d", i)
		assert.Equal(t, payment.StatusConfirmed, results[i].Status, "confirm racer %d", i)
	}

	balances, err := tc.ledger.Balances(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balances.Get(ledger.CurrencyGoldenKarma))

	entries, err := tc.ledger.Entries(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, entries, 1, "racing confirms settle one entry")
	assert.Equal(t, in.ID, entries[0].ReferenceID)

	settled, err := tc.coord.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusConfirmed, settled.Status)
}

func TestConfirm_TransientFailures_RetriesWithinBudget(t *testing.T) {
	// GIVEN: A provider whose status lookup fails twice before answering
	// WHEN: Confirming with a 3-attempt budget
	// THEN: The third attempt settles; ConfirmRetryCount records the two
	//       extra attempts

	tc := newTestCoordinator(t)
	ctx := context.Background()
	in := karmaIntent(t, tc, "user-1", 100)

	tc.fake.FailStatusTimes(in.IdempotencyKey, 2, errors.New("gateway timeout"))

	settled, err := tc.coord.Confirm(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusConfirmed, settled.Status)
	assert.Equal(t, 2, settled.ConfirmRetryCount)

	balances, err := tc.ledger.Balances(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balances.Get(ledger.CurrencyGoldenKarma))
}

func TestConfirm_RetryBudgetExhausted_FailsTerminally(t *testing.T) {
	// GIVEN: A provider that never answers within the budget
	// WHEN: Confirming
	// THEN: The intent lands in failed with ConfirmationFailedError, and
	//       no credit ever happens; this feeds reconciliation, not retry

	tc := newTestCoordinator(t)
	ctx := context.Background()
	in := karmaIntent(t, tc, "user-1", 100)

	tc.fake.FailStatusTimes(in.IdempotencyKey, 10, errors.New("gateway down"))

	_, err := tc.coord.Confirm(ctx, in.ID)

	require.Error(t, err)
	assert.ErrorIs(t, err, payment.ErrConfirmationFailed)
	var failed *payment.ConfirmationFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, in.ID, failed.IntentID)
	assert.Equal(t, 3, failed.Attempts)

	stored, err := tc.coord.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, stored.Status)

	balances, err := tc.ledger.Balances(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, balances.Get(ledger.CurrencyGoldenKarma))

	// A later confirm does not resurrect the intent.
	_, err = tc.coord.Confirm(ctx, in.ID)
	assert.ErrorIs(t, err, payment.ErrConfirmationFailed)
}

func TestConfirm_ProviderReportedFailure_IsTerminal(t *testing.T) {
	tc := newTestCoordinator(t)
	ctx := context.Background()
	in := karmaIntent(t, tc, "user-1", 100)

	tc.fake.SetStatus(in.IdempotencyKey, payment.ChargeFailed)

	_, err := tc.coord.Confirm(ctx, in.ID)
	assert.ErrorIs(t, err, payment.ErrConfirmationFailed)

	stored, err := tc.coord.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, stored.Status)
}

func TestConfirm_UnknownIntent(t *testing.T) {
	tc := newTestCoordinator(t)

	_, err := tc.coord.Confirm(context.Background(), "nope")
	assert.ErrorIs(t, err, payment.ErrIntentNotFound)
}

// =============================================================================
// FULFILLMENT DISPATCH TESTS
// =============================================================================

func TestConfirm_ChapterUnlockPurchase_GrantsPermanently(t *testing.T) {
	tc := newTestCoordinator(t)
	ctx := context.Background()

	in, err := tc.coord.CreateIntent(ctx, payment.CreateIntentParams{
		Provider:    payment.ProviderPayPal,
		Purpose:     payment.PurposeChapterUnlock,
		UserID:      "user-1",
		Amount:      payment.Amount{Value: decimal.RequireFromString("0.99"), CurrencyCode: "USD"},
		Fulfillment: payment.Fulfillment{ChapterID: "ch-9"},
	})
	require.NoError(t, err)

	_, err = tc.coord.Confirm(ctx, in.ID)
	require.NoError(t, err)

	has, err := tc.grants.HasGrant(ctx, "user-1", "ch-9")
	require.NoError(t, err)
	assert.True(t, has)

	// Re-confirming does not duplicate anything.
	_, err = tc.coord.Confirm(ctx, in.ID)
	require.NoError(t, err)
	grants, err := tc.grants.GrantsFor(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, grants, 1)
}

func TestConfirm_ChampionSubscription_ActivatesOnce(t *testing.T) {
	// GIVEN: A champion subscription intent
	// WHEN: Confirming twice
	// THEN: One subscription exists, tied to the provider id

	tc := newTestCoordinator(t)
	ctx := context.Background()

	in, err := tc.coord.CreateIntent(ctx, payment.CreateIntentParams{
		Provider:    payment.ProviderStripe,
		Purpose:     payment.PurposeChampionSub,
		UserID:      "user-1",
		Amount:      payment.Amount{Value: decimal.RequireFromString("9.99"), CurrencyCode: "USD"},
		Fulfillment: payment.Fulfillment{NovelID: "novel-1", TierLevel: 2},
	})
	require.NoError(t, err)

	_, err = tc.coord.Confirm(ctx, in.ID)
	require.NoError(t, err)
	_, err = tc.coord.Confirm(ctx, in.ID)
	require.NoError(t, err)

	subs, err := tc.subs.ForUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, 5, subs[0].AdvanceChapters)
	assert.Equal(t, in.IdempotencyKey, subs[0].ProviderSubscriptionID)
}

func TestConfirm_SecondChampionIntent_RenewsInsteadOfStacking(t *testing.T) {
	// GIVEN: A live subscription from one settled intent
	// WHEN: A second intent for the same (user, novel) settles
	// THEN: The existing subscription extends one period; no second row

	tc := newTestCoordinator(t)
	ctx := context.Background()

	first, err := tc.coord.CreateIntent(ctx, payment.CreateIntentParams{
		Provider:    payment.ProviderStripe,
		Purpose:     payment.PurposeChampionSub,
		UserID:      "user-1",
		Amount:      payment.Amount{Value: decimal.RequireFromString("9.99"), CurrencyCode: "USD"},
		Fulfillment: payment.Fulfillment{NovelID: "novel-1", TierLevel: 2},
	})
	require.NoError(t, err)
	_, err = tc.coord.Confirm(ctx, first.ID)
	require.NoError(t, err)

	subs, err := tc.subs.ForUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	originalEnd := subs[0].EndDate

	second, err := tc.coord.CreateIntent(ctx, payment.CreateIntentParams{
		Provider:    payment.ProviderStripe,
		Purpose:     payment.PurposeChampionSub,
		UserID:      "user-1",
		Amount:      payment.Amount{Value: decimal.RequireFromString("9.99"), CurrencyCode: "USD"},
		Fulfillment: payment.Fulfillment{NovelID: "novel-1", TierLevel: 2},
	})
	require.NoError(t, err)
	_, err = tc.coord.Confirm(ctx, second.ID)
	require.NoError(t, err)

	subs, err = tc.subs.ForUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, subs, 1, "renewal must not stack subscriptions")
	assert.Equal(t, originalEnd.Add(30*24*time.Hour), subs[0].EndDate)
}

// =============================================================================
// READ SURFACE
// =============================================================================

func TestIntentsFor_NewestFirst(t *testing.T) {
	tc := newTestCoordinator(t)
	ctx := context.Background()

	karmaIntent(t, tc, "user-1", 100)
	karmaIntent(t, tc, "user-1", 200)
	karmaIntent(t, tc, "user-2", 300)

	intents, err := tc.coord.ForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, intents, 2)
}
