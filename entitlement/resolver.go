/*
Package entitlement composes the ledger, grants, subscriptions, and
promotions into a single access decision per (user, chapter).

PURPOSE:
  Resolve answers "can this user read this chapter right now, and if not,
  what would it cost". Every input to the decision is time-sensitive:
  promotion windows close, subscriptions lapse, time-unlock countdowns
  elapse, so resolution is recomputed on every call and must never be
  cached past the quote's TimeRemaining or the subscription's EndDate.

DECISION ORDER (first match wins):
  1. Public free chapter (no price, not advance-eligible)
  2. Permanent unlock grant exists
  3. Active subscription advance window covers the chapter (live check)
  4. Time-unlock countdown has elapsed (materializes a permanent grant
     so the decision never flips back)
  5. Locked: list unlock options at live prices

SIDE EFFECTS OF RESOLVE:
  Resolve is read-mostly but not pure. On the first view of a locked,
  non-advance chapter it starts the (idempotent) time-unlock countdown;
  on the first elapsed evaluation it writes the permanent `time` grant.
  Both writes are idempotent, so concurrent resolves are safe.

SEE ALSO:
  - unlock.go: the Key/Karma purchase operations
*/
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inkgate/entitlement-engine/catalog"
	"github.com/inkgate/entitlement-engine/grant"
	"github.com/inkgate/entitlement-engine/ledger"
	"github.com/inkgate/entitlement-engine/promo"
	"github.com/inkgate/entitlement-engine/subscription"
)

// KeyUnlockCost is the fixed price of a Key unlock: one Key, always.
const KeyUnlockCost int64 = 1

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrChapterNotReleased is returned when an advance-eligible chapter
	// is requested without an active subscription window covering it.
	// One-time purchase cannot reach past the frontier.
	ErrChapterNotReleased = errors.New("chapter not released")

	// ErrNotPurchasable is returned when a paid unlock is attempted on a
	// chapter that is already free.
	ErrNotPurchasable = errors.New("chapter is not purchasable")
)

// =============================================================================
// DECISION
// =============================================================================

// AccessPath says which rule granted access.
type AccessPath string

const (
	PathFree         AccessPath = "free"
	PathGrant        AccessPath = "grant"
	PathSubscription AccessPath = "subscription"
	PathTimeUnlock   AccessPath = "time_unlock"
)

// OptionKind identifies an unlock option offered on a locked chapter.
type OptionKind string

const (
	OptionKey      OptionKind = "key_unlock"
	OptionKarma    OptionKind = "karma_unlock"
	OptionChampion OptionKind = "champion_subscribe"
)

// UnlockOption is one way to open a locked chapter, priced live.
type UnlockOption struct {
	Kind OptionKind

	// Price in the option's currency smallest units. Zero for the
	// informational champion option.
	Price int64

	// Promoted and PromoRemaining describe an active discount on the
	// karma option. When PromoRemaining reaches zero the quote is stale
	// and the caller must re-resolve.
	Promoted       bool
	PromoRemaining time.Duration
}

// Decision is the outcome of Resolve.
type Decision struct {
	Accessible bool
	Path       AccessPath // set when Accessible

	// Options is populated when the chapter is locked.
	Options []UnlockOption

	// TimeUnlockAt is the countdown deadline when a free-unlock timer is
	// running for this pair; nil otherwise.
	TimeUnlockAt *time.Time
}

// =============================================================================
// RESOLVER
// =============================================================================

// Resolver composes the engine's components into access decisions and
// unlock operations.
type Resolver struct {
	Catalog       catalog.Provider
	Ledger        *ledger.Ledger
	Grants        *grant.Service
	Subscriptions *subscription.Manager
	Promotions    promo.Finder

	// KarmaPriority is the debit order for karma unlocks. The default
	// spends purchased (golden) karma before earned (regular) karma.
	KarmaPriority []ledger.Currency

	now func() time.Time
}

// NewResolver wires a resolver with the default karma priority.
func NewResolver(cat catalog.Provider, led *ledger.Ledger, gr *grant.Service, subs *subscription.Manager, promos promo.Finder) *Resolver {
	return &Resolver{
		Catalog:       cat,
		Ledger:        led,
		Grants:        gr,
		Subscriptions: subs,
		Promotions:    promos,
		KarmaPriority: []ledger.Currency{ledger.CurrencyGoldenKarma, ledger.CurrencyRegularKarma},
		now:           time.Now,
	}
}

// WithClock overrides the time source. Intended for tests.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve computes the access decision for (user, chapter) at now.
func (r *Resolver) Resolve(ctx context.Context, userID, chapterID string) (Decision, error) {
	ch, err := r.Catalog.Chapter(ctx, chapterID)
	if err != nil {
		return Decision{}, err
	}
	return r.resolveChapter(ctx, userID, ch)
}

func (r *Resolver) resolveChapter(ctx context.Context, userID string, ch catalog.Chapter) (Decision, error) {
	now := r.now().UTC()

	// 1. Public free chapter.
	if ch.Free() {
		return Decision{Accessible: true, Path: PathFree}, nil
	}

	// 2. Permanent grant. Once one exists accessibility never flips
	// back, regardless of later promotion or subscription expiry.
	has, err := r.Grants.HasGrant(ctx, userID, ch.ID)
	if err != nil {
		return Decision{}, err
	}
	if has {
		return Decision{Accessible: true, Path: PathGrant}, nil
	}

	// 3. Live subscription advance window.
	inWindow, err := r.inAdvanceWindow(ctx, userID, ch)
	if err != nil {
		return Decision{}, err
	}
	if inWindow {
		return Decision{Accessible: true, Path: PathSubscription}, nil
	}

	// Advance chapters past the frontier have exactly one door: the
	// subscription. No timer, no key, no karma.
	if ch.IsAdvanceEligible {
		return Decision{
			Accessible: false,
			Options:    []UnlockOption{{Kind: OptionChampion}},
		}, nil
	}

	// 4. Elapsed time-unlock countdown. First true evaluation writes the
	// permanent grant so later timer cleanup cannot revoke access.
	unlocked, err := r.Grants.IsTimeUnlocked(ctx, userID, ch.ID, now)
	if err != nil {
		return Decision{}, err
	}
	if unlocked {
		if _, _, err := r.Grants.GrantPermanent(ctx, userID, ch.ID, grant.MethodTime); err != nil {
			return Decision{}, err
		}
		return Decision{Accessible: true, Path: PathTimeUnlock}, nil
	}

	// 5. Locked. Start (or fetch) the free-unlock countdown and quote
	// the paid options at live prices.
	timer, err := r.Grants.StartTimeUnlock(ctx, userID, ch.ID)
	if err != nil {
		return Decision{}, err
	}

	quote, err := r.karmaQuote(ctx, ch, now)
	if err != nil {
		return Decision{}, err
	}

	unlockAt := timer.UnlockAt
	return Decision{
		Accessible: false,
		Options: []UnlockOption{
			{Kind: OptionKey, Price: KeyUnlockCost},
			{Kind: OptionKarma, Price: quote.FinalPrice, Promoted: quote.Promoted, PromoRemaining: quote.TimeRemaining},
			{Kind: OptionChampion},
		},
		TimeUnlockAt: &unlockAt,
	}, nil
}

func (r *Resolver) inAdvanceWindow(ctx context.Context, userID string, ch catalog.Chapter) (bool, error) {
	latest, err := r.Catalog.LatestPublishedChapterNumber(ctx, ch.NovelID)
	if err != nil {
		return false, err
	}
	max, err := r.Subscriptions.AdvanceWindowFor(ctx, userID, ch.NovelID, latest)
	if err != nil || max == nil {
		return false, err
	}
	// The window covers published chapters and the advance range behind
	// the frontier, nothing beyond it.
	return ch.ChapterNumber <= *max, nil
}

func (r *Resolver) karmaQuote(ctx context.Context, ch catalog.Chapter, now time.Time) (promo.Quote, error) {
	var active *promo.Promotion
	if r.Promotions != nil {
		p, err := r.Promotions.ActivePromotion(ch.NovelID, ch.ID, now)
		if err != nil {
			return promo.Quote{}, fmt.Errorf("promotion lookup: %w", err)
		}
		active = p
	}
	return promo.PriceFor(ch.BasePrice, active, now), nil
}
