package entitlement_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkgate/entitlement-engine/catalog"
	"github.com/inkgate/entitlement-engine/entitlement"
	"github.com/inkgate/entitlement-engine/grant"
	"github.com/inkgate/entitlement-engine/ledger"
	"github.com/inkgate/entitlement-engine/promo"
	"github.com/inkgate/entitlement-engine/store/memory"
	"github.com/inkgate/entitlement-engine/subscription"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var epoch = time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

type testEngine struct {
	resolver *entitlement.Resolver
	catalog  *catalog.Memory
	ledger   *ledger.Ledger
	subs     *subscription.Manager
	promos   *promo.StaticFinder
	now      *time.Time
}

// newTestEngine wires the full resolver stack over one memory store,
// with a shared movable clock.
func newTestEngine() *testEngine {
	now := epoch
	clock := func() time.Time { return now }

	store := memory.New()
	cat := catalog.NewMemory()
	promos := &promo.StaticFinder{}

	led := ledger.New(store).WithClock(clock)
	grants := grant.NewService(store)
	grants.WithClock(clock)
	subs := subscription.NewManager(store, subscription.DefaultTiers).WithClock(clock)

	resolver := entitlement.NewResolver(cat, led, grants, subs, promos).WithClock(clock)

	return &testEngine{
		resolver: resolver,
		catalog:  cat,
		ledger:   led,
		subs:     subs,
		promos:   promos,
		now:      &now,
	}
}

func (e *testEngine) advance(d time.Duration) { *e.now = e.now.Add(d) }

// seedNovel publishes chapters 1..published (chapter 1 free, rest priced
// at 100 karma) and adds advance chapters published+1..published+extra.
func (e *testEngine) seedNovel(novelID string, published, extra int) {
	for i := 1; i <= published+extra; i++ {
		ch := catalog.Chapter{
			ID:            fmt.Sprintf("%s-ch-%d", novelID, i),
			NovelID:       novelID,
			ChapterNumber: i,
			BasePrice:     100,
		}
		if i == 1 {
			ch.BasePrice = 0
		}
		if i > published {
			ch.IsAdvanceEligible = true
		}
		e.catalog.AddChapter(ch)
	}
}

func (e *testEngine) fund(t *testing.T, userID string, c ledger.Currency, amount int64) {
	t.Helper()
	_, err := e.ledger.Credit(context.Background(), userID, c, amount,
		ledger.Reference{Type: ledger.RefManualAdjust, ID: fmt.Sprintf("seed:%s:%s:%d", userID, c, amount)})
	require.NoError(t, err)
}

// =============================================================================
// DECISION ORDER TESTS
// =============================================================================

func TestResolve_FreeChapter(t *testing.T) {
	e := newTestEngine()
	e.seedNovel("novel-1", 10, 0)

	d, err := e.resolver.Resolve(context.Background(), "user-1", "novel-1-ch-1")
	require.NoError(t, err)
	assert.True(t, d.Accessible)
	assert.Equal(t, entitlement.PathFree, d.Path)
	assert.Empty(t, d.Options)
}

func TestResolve_UnknownChapter(t *testing.T) {
	e := newTestEngine()

	_, err := e.resolver.Resolve(context.Background(), "user-1", "nope")
	assert.ErrorIs(t, err, catalog.ErrChapterNotFound)
}

func TestResolve_LockedChapter_ListsOptionsAndStartsCountdown(t *testing.T) {
	// GIVEN: A paid published chapter the user has no access to
	// WHEN: Resolving
	// THEN: Locked, with key (1), karma (base price), and champion
	//       options, and a 24h countdown deadline

	e := newTestEngine()
	e.seedNovel("novel-1", 10, 0)
	ctx := context.Background()

	d, err := e.resolver.Resolve(ctx, "user-1", "novel-1-ch-5")
	require.NoError(t, err)

	assert.False(t, d.Accessible)
	require.Len(t, d.Options, 3)
	assert.Equal(t, entitlement.OptionKey, d.Options[0].Kind)
	assert.Equal(t, int64(1), d.Options[0].Price)
	assert.Equal(t, entitlement.OptionKarma, d.Options[1].Kind)
	assert.Equal(t, int64(100), d.Options[1].Price)
	assert.Equal(t, entitlement.OptionChampion, d.Options[2].Kind)

	require.NotNil(t, d.TimeUnlockAt)
	assert.Equal(t, epoch.Add(24*time.Hour), *d.TimeUnlockAt)
}

func TestResolve_RepeatedResolves_KeepTheOriginalDeadline(t *testing.T) {
	// Re-reading a locked chapter must never push the free unlock away.
	e := newTestEngine()
	e.seedNovel("novel-1", 10, 0)
	ctx := context.Background()

	first, err := e.resolver.Resolve(ctx, "user-1", "novel-1-ch-5")
	require.NoError(t, err)

	e.advance(10 * time.Hour)
	second, err := e.resolver.Resolve(ctx, "user-1", "novel-1-ch-5")
	require.NoError(t, err)

	require.NotNil(t, second.TimeUnlockAt)
	assert.Equal(t, *first.TimeUnlockAt, *second.TimeUnlockAt)
}

func TestResolve_ElapsedCountdown_MaterializesPermanentGrant(t *testing.T) {
	// GIVEN: A countdown started 24h ago
	// WHEN: Resolving after the deadline
	// THEN: Accessible via time_unlock, and the grant persists so access
	//       survives even if the timer row were cleaned up

	e := newTestEngine()
	e.seedNovel("novel-1", 10, 0)
	ctx := context.Background()

	_, err := e.resolver.Resolve(ctx, "user-1", "novel-1-ch-5")
	require.NoError(t, err)

	e.advance(24 * time.Hour)
	d, err := e.resolver.Resolve(ctx, "user-1", "novel-1-ch-5")
	require.NoError(t, err)
	assert.True(t, d.Accessible)
	assert.Equal(t, entitlement.PathTimeUnlock, d.Path)

	has, err := e.resolver.Grants.HasGrant(ctx, "user-1", "novel-1-ch-5")
	require.NoError(t, err)
	assert.True(t, has, "elapsed countdown must write a permanent grant")

	// Later resolves take the grant path directly.
	d, err = e.resolver.Resolve(ctx, "user-1", "novel-1-ch-5")
	require.NoError(t, err)
	assert.Equal(t, entitlement.PathGrant, d.Path)
}

func TestResolve_GrantBeatsEverything(t *testing.T) {
	// Once granted, accessibility never flips back; not for price
	// changes, not for lapsed subscriptions.
	e := newTestEngine()
	e.seedNovel("novel-1", 10, 0)
	ctx := context.Background()

	_, _, err := e.resolver.Grants.GrantPermanent(ctx, "user-1", "novel-1-ch-5", grant.MethodKey)
	require.NoError(t, err)

	d, err := e.resolver.Resolve(ctx, "user-1", "novel-1-ch-5")
	require.NoError(t, err)
	assert.True(t, d.Accessible)
	assert.Equal(t, entitlement.PathGrant, d.Path)
}

// =============================================================================
// ADVANCE WINDOW TESTS
// =============================================================================

func TestResolve_AdvanceChapters_WindowBoundary(t *testing.T) {
	// GIVEN: 100 published chapters, tier 3 (10 advance), subscriber
	// WHEN: Resolving chapters 101..110 and 111
	// THEN: The window covers exactly 101..110

	e := newTestEngine()
	e.seedNovel("novel-1", 100, 15)
	ctx := context.Background()

	_, err := e.subs.Subscribe(ctx, "user-1", "novel-1", 3, "prov-1")
	require.NoError(t, err)

	for i := 101; i <= 110; i++ {
		d, err := e.resolver.Resolve(ctx, "user-1", fmt.Sprintf("novel-1-ch-%d", i))
		require.NoError(t, err)
		assert.True(t, d.Accessible, "chapter %d is inside the window", i)
		assert.Equal(t, entitlement.PathSubscription, d.Path)
	}

	d, err := e.resolver.Resolve(ctx, "user-1", "novel-1-ch-111")
	require.NoError(t, err)
	assert.False(t, d.Accessible, "chapter 111 is past the window")
	require.Len(t, d.Options, 1, "advance chapters have exactly one door")
	assert.Equal(t, entitlement.OptionChampion, d.Options[0].Kind)
	assert.Nil(t, d.TimeUnlockAt, "no free countdown on advance chapters")
}

func TestResolve_AdvanceChapter_NoSubscription(t *testing.T) {
	e := newTestEngine()
	e.seedNovel("novel-1", 100, 10)

	d, err := e.resolver.Resolve(context.Background(), "user-1", "novel-1-ch-105")
	require.NoError(t, err)
	assert.False(t, d.Accessible)
	require.Len(t, d.Options, 1)
	assert.Equal(t, entitlement.OptionChampion, d.Options[0].Kind)
}

func TestResolve_AdvanceAccess_DisappearsWhenSubscriptionLapses(t *testing.T) {
	// GIVEN: A subscriber reading inside the advance window
	// WHEN: The subscription period ends
	// THEN: The same chapter resolves locked; the window was never
	//       cached, and no grant rows were written for it

	e := newTestEngine()
	e.seedNovel("novel-1", 100, 10)
	ctx := context.Background()

	_, err := e.subs.Subscribe(ctx, "user-1", "novel-1", 3, "prov-1")
	require.NoError(t, err)

	d, err := e.resolver.Resolve(ctx, "user-1", "novel-1-ch-105")
	require.NoError(t, err)
	require.True(t, d.Accessible)

	e.advance(31 * 24 * time.Hour)
	d, err = e.resolver.Resolve(ctx, "user-1", "novel-1-ch-105")
	require.NoError(t, err)
	assert.False(t, d.Accessible, "advance access must lapse with the subscription")

	has, err := e.resolver.Grants.HasGrant(ctx, "user-1", "novel-1-ch-105")
	require.NoError(t, err)
	assert.False(t, has, "subscription reads must not write grants")
}

// =============================================================================
// PROMOTION QUOTE TESTS
// =============================================================================

func TestResolve_PromotedKarmaOption(t *testing.T) {
	e := newTestEngine()
	e.seedNovel("novel-1", 10, 0)
	e.promos.Promotions = []promo.Promotion{{
		ID: "sale", Scope: promo.ScopeNovel, TargetID: "novel-1",
		DiscountValue: decimal.RequireFromString("0.3"),
		StartAt:       epoch.Add(-time.Hour), EndAt: epoch.Add(time.Hour),
	}}

	d, err := e.resolver.Resolve(context.Background(), "user-1", "novel-1-ch-5")
	require.NoError(t, err)

	require.Len(t, d.Options, 3)
	karma := d.Options[1]
	assert.Equal(t, int64(30), karma.Price)
	assert.True(t, karma.Promoted)
	assert.Equal(t, time.Hour, karma.PromoRemaining)
}
