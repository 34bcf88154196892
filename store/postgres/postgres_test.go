package postgres_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkgate/entitlement-engine/ledger"
	"github.com/inkgate/entitlement-engine/store/postgres"
	"github.com/inkgate/entitlement-engine/subscription"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// These tests need a live database; set POSTGRES_TEST_URL to run them.
// They use unique user/novel ids per run so a shared database stays clean
// enough to rerun against.

var epoch = time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	url := os.Getenv("POSTGRES_TEST_URL")
	if url == "" {
		t.Skip("POSTGRES_TEST_URL not set")
	}
	store, err := postgres.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func uniqueID(t *testing.T, prefix string) string {
	return fmt.Sprintf("%s-%s-%d", prefix, t.Name(), time.Now().UnixNano())
}

func entry(id, userID string, delta, before int64, refID string) ledger.Entry {
	return ledger.Entry{
		ID:            id,
		UserID:        userID,
		Currency:      ledger.CurrencyKey,
		Delta:         delta,
		BalanceBefore: before,
		BalanceAfter:  before + delta,
		ReferenceType: ledger.RefCheckinReward,
		ReferenceID:   refID,
		OccurredAt:    epoch,
	}
}

// =============================================================================
// LEDGER STORE TESTS
// =============================================================================

func TestAppend_ConcurrentDistinctReferences_SingleWriterWins(t *testing.T) {
	// GIVEN: A balance of 1 Key
	// WHEN: Many concurrent debits with DISTINCT references all race,
	//       each claiming BalanceBefore == 1
	// THEN: Exactly one commits; the rest fail the balance CAS, and the
	//       final balance still equals the sum of deltas

	store := newTestStore(t)
	ctx := context.Background()
	userID := uniqueID(t, "user")

	require.NoError(t, store.Append(ctx, entry(uniqueID(t, "e0"), userID, 1, 0, uniqueID(t, "seed"))))

	const racers = 8
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.Append(ctx, entry(
				fmt.Sprintf("%s-%d", uniqueID(t, "e"), i), userID, -1, 1,
				fmt.Sprintf("%s-%d", uniqueID(t, "ref"), i)))
		}(i)
	}
	wg.Wait()

	committed := 0
	for _, err := range errs {
		if err == nil {
			committed++
		} else {
			assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
		}
	}
	assert.Equal(t, 1, committed, "exactly one distinct-reference debit may land")

	bal, err := store.Balance(ctx, userID, ledger.CurrencyKey)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)

	entries, err := store.Entries(ctx, userID)
	require.NoError(t, err)
	var sum int64
	for _, e := range entries {
		sum += e.Delta
	}
	assert.Equal(t, bal, sum, "balance equals the sum of deltas")
}

func TestAppend_EnforcesReferenceUniqueness(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID := uniqueID(t, "user")
	ref := uniqueID(t, "ref")

	require.NoError(t, store.Append(ctx, entry(uniqueID(t, "e1"), userID, 5, 0, ref)))

	err := store.Append(ctx, entry(uniqueID(t, "e2"), userID, 5, 5, ref))
	assert.ErrorIs(t, err, ledger.ErrDuplicateReference)
}

// =============================================================================
// SUBSCRIPTION STORE TESTS
// =============================================================================

func TestCreate_ConcurrentSameUserNovel_SingleActive(t *testing.T) {
	// GIVEN: No subscription for (user, novel)
	// WHEN: Concurrent Create calls race for the same pair
	// THEN: Exactly one row lands; the rest get ErrAlreadyActive

	store := newTestStore(t)
	ctx := context.Background()
	userID := uniqueID(t, "user")
	novelID := uniqueID(t, "novel")

	const racers = 6
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.Create(ctx, subscription.Subscription{
				ID:              fmt.Sprintf("%s-%d", uniqueID(t, "sub"), i),
				UserID:          userID,
				NovelID:         novelID,
				TierLevel:       1,
				AdvanceChapters: 3,
				StartDate:       epoch,
				EndDate:         epoch.Add(30 * 24 * time.Hour),
				AutoRenew:       true,
				Status:          subscription.StatusActive,
			}, epoch)
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
		} else {
			assert.ErrorIs(t, err, subscription.ErrAlreadyActive)
		}
	}
	assert.Equal(t, 1, created, "exactly one subscription row may land")

	subs, err := store.ForUserNovel(ctx, userID, novelID)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}
