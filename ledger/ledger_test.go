package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkgate/entitlement-engine/ledger"
	"github.com/inkgate/entitlement-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger() *ledger.Ledger {
	return ledger.New(memory.New())
}

func checkinRef(id string) ledger.Reference {
	return ledger.Reference{Type: ledger.RefCheckinReward, ID: id}
}

func unlockRef(id string) ledger.Reference {
	return ledger.Reference{Type: ledger.RefChapterUnlock, ID: id}
}

// =============================================================================
// BALANCE INVARIANT TESTS
// =============================================================================

func TestLedger_BalanceEqualsSumOfDeltas(t *testing.T) {
	// GIVEN: A series of credits and debits on one currency
	// WHEN: Reading the balance afterwards
	// THEN: Balance equals the sum of entry deltas, and every entry links
	//       BalanceBefore + Delta == BalanceAfter

	led := newTestLedger()
	ctx := context.Background()

	_, err := led.Credit(ctx, "user-1", ledger.CurrencyKey, 5, checkinRef("c1"))
	require.NoError(t, err)
	_, err = led.Credit(ctx, "user-1", ledger.CurrencyKey, 3, checkinRef("c2"))
	require.NoError(t, err)
	_, err = led.Debit(ctx, "user-1", ledger.CurrencyKey, 2, unlockRef("u1"))
	require.NoError(t, err)

	balances, err := led.Balances(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), balances.Get(ledger.CurrencyKey))

	entries, err := led.Entries(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	var sum int64
	for _, e := range entries {
		assert.Equal(t, e.BalanceBefore+e.Delta, e.BalanceAfter, "entry %s breaks the chain", e.ID)
		sum += e.Delta
	}
	assert.Equal(t, int64(6), sum)
}

func TestLedger_CurrenciesAreIndependent(t *testing.T) {
	// GIVEN: Credits on all three currencies
	// WHEN: Debiting one of them
	// THEN: The other balances are untouched

	led := newTestLedger()
	ctx := context.Background()

	_, err := led.Credit(ctx, "user-1", ledger.CurrencyKey, 2, checkinRef("k"))
	require.NoError(t, err)
	_, err = led.Credit(ctx, "user-1", ledger.CurrencyRegularKarma, 50, ledger.Reference{Type: ledger.RefMissionReward, ID: "m"})
	require.NoError(t, err)
	_, err = led.Credit(ctx, "user-1", ledger.CurrencyGoldenKarma, 100, ledger.Reference{Type: ledger.RefKarmaPurchase, ID: "p"})
	require.NoError(t, err)

	_, err = led.Debit(ctx, "user-1", ledger.CurrencyGoldenKarma, 40, unlockRef("u"))
	require.NoError(t, err)

	balances, err := led.Balances(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), balances.Get(ledger.CurrencyKey))
	assert.Equal(t, int64(50), balances.Get(ledger.CurrencyRegularKarma))
	assert.Equal(t, int64(60), balances.Get(ledger.CurrencyGoldenKarma))
}

// =============================================================================
// NON-NEGATIVITY TESTS
// =============================================================================

func TestLedger_Debit_InsufficientBalance_FailsClosed(t *testing.T) {
	// GIVEN: A brand new user with zero Keys
	// WHEN: Debiting 1 Key
	// THEN: InsufficientBalanceError reports required 1 / current 0 and no
	//       entry is written

	led := newTestLedger()
	ctx := context.Background()

	_, err := led.Debit(ctx, "user-1", ledger.CurrencyKey, 1, unlockRef("u1"))

	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	var insufficient *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(1), insufficient.Required)
	assert.Equal(t, int64(0), insufficient.Current)
	assert.Equal(t, ledger.CurrencyKey, insufficient.Currency)

	entries, err := led.Entries(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, entries, "failed debit must not write an entry")
}

func TestLedger_Debit_FailedAttemptLeavesBalanceUntouched(t *testing.T) {
	// GIVEN: A user holding 3 golden karma
	// WHEN: Debiting 5
	// THEN: The debit fails and the balance is still 3; the same reference
	//       can settle later once funds exist

	led := newTestLedger()
	ctx := context.Background()

	_, err := led.Credit(ctx, "user-1", ledger.CurrencyGoldenKarma, 3, ledger.Reference{Type: ledger.RefKarmaPurchase, ID: "p1"})
	require.NoError(t, err)

	_, err = led.Debit(ctx, "user-1", ledger.CurrencyGoldenKarma, 5, unlockRef("u1"))
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	balances, err := led.Balances(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), balances.Get(ledger.CurrencyGoldenKarma))

	// Top up and retry with the same reference; it was never consumed.
	_, err = led.Credit(ctx, "user-1", ledger.CurrencyGoldenKarma, 10, ledger.Reference{Type: ledger.RefKarmaPurchase, ID: "p2"})
	require.NoError(t, err)
	res, err := led.Debit(ctx, "user-1", ledger.CurrencyGoldenKarma, 5, unlockRef("u1"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(8), res.Balances.Get(ledger.CurrencyGoldenKarma))
}

// =============================================================================
// IDEMPOTENCY TESTS
// =============================================================================

func TestLedger_Debit_SameReference_SettlesOnce(t *testing.T) {
	// GIVEN: A completed debit
	// WHEN: Re-running it with the same reference
	// THEN: The original entry is returned with Duplicate set and the
	//       balance is debited exactly once

	led := newTestLedger()
	ctx := context.Background()

	_, err := led.Credit(ctx, "user-1", ledger.CurrencyKey, 5, checkinRef("c1"))
	require.NoError(t, err)

	first, err := led.Debit(ctx, "user-1", ledger.CurrencyKey, 1, unlockRef("user-1:ch-9:key"))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := led.Debit(ctx, "user-1", ledger.CurrencyKey, 1, unlockRef("user-1:ch-9:key"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Entry.ID, second.Entry.ID, "duplicate must return the original entry")
	assert.Equal(t, int64(4), second.Balances.Get(ledger.CurrencyKey))
}

func TestLedger_ConcurrentDebits_SameReference_OneEntry(t *testing.T) {
	// GIVEN: Many goroutines retrying the same unlock debit
	// WHEN: They all race on one reference
	// THEN: Exactly one entry commits; everyone else settles as a
	//       duplicate against it

	led := newTestLedger()
	ctx := context.Background()

	_, err := led.Credit(ctx, "user-1", ledger.CurrencyKey, 10, checkinRef("c1"))
	require.NoError(t, err)

	const racers = 8
	results := make([]ledger.Result, racers)
	errs := make([]error, racers)

	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = led.Debit(ctx, "user-1", ledger.CurrencyKey, 1, unlockRef("user-1:ch-9:key"))
		}(i)
	}
	wg.Wait()

	originals := 0
	for i := 0; i < racers; i++ {
		require.NoError(t, errs[i])
		if !results[i].Duplicate {
			originals++
		}
	}
	assert.Equal(t, 1, originals, "exactly one racer wins the reference")

	balances, err := led.Balances(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), balances.Get(ledger.CurrencyKey))
}

// =============================================================================
// VALIDATION TESTS
// =============================================================================

func TestLedger_RejectsInvalidInput(t *testing.T) {
	led := newTestLedger()
	ctx := context.Background()

	_, err := led.Credit(ctx, "user-1", ledger.CurrencyKey, 0, checkinRef("c1"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount, "zero amount")

	_, err = led.Credit(ctx, "user-1", ledger.Currency("doubloons"), 1, checkinRef("c2"))
	assert.ErrorIs(t, err, ledger.ErrInvalidCurrency, "unknown currency")

	_, err = led.Credit(ctx, "user-1", ledger.CurrencyKey, 1, ledger.Reference{})
	assert.ErrorIs(t, err, ledger.ErrEmptyReference, "empty reference")
}

func TestLedger_ErrorPredicates(t *testing.T) {
	// Client errors are permanent; concurrent modification is retryable.
	assert.True(t, ledger.IsClientError(ledger.ErrInsufficientBalance))
	assert.True(t, ledger.IsClientError(ledger.ErrInvalidAmount))
	assert.False(t, ledger.IsClientError(ledger.ErrConcurrentModification))

	assert.True(t, ledger.IsRetryable(ledger.ErrConcurrentModification))
	assert.False(t, ledger.IsRetryable(ledger.ErrInsufficientBalance))

	wrapped := &ledger.InsufficientBalanceError{UserID: "u", Currency: ledger.CurrencyKey, Required: 2, Current: 1}
	assert.True(t, errors.Is(wrapped, ledger.ErrInsufficientBalance))
}

// =============================================================================
// CLOCK TESTS
// =============================================================================

func TestLedger_EntriesCarryInjectedClock(t *testing.T) {
	fixed := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	led := newTestLedger().WithClock(func() time.Time { return fixed })
	ctx := context.Background()

	res, err := led.Credit(ctx, "user-1", ledger.CurrencyKey, 1, checkinRef("c1"))
	require.NoError(t, err)
	assert.Equal(t, fixed, res.Entry.OccurredAt)
}
