/*
unlock.go - Key and Karma purchase operations

PURPOSE:
  The two one-time purchase flows. Both compose a ledger debit with a
  permanent grant so that neither a double-spend nor a free grant can
  survive a race or a crash:

  - The debit is keyed by a reference derived from (user, chapter,
    method). Two concurrent requests race on the same reference; the
    store's uniqueness guarantee lets exactly one entry commit, the
    other settles as an idempotent duplicate.
  - The debit runs FIRST. If it rejects (insufficient balance) no grant
    is ever created. If the process dies between debit and grant, the
    retry's debit no-ops against the original entry and proceeds to the
    idempotent grant write, converging on exactly one spend and one
    grant.

ALREADY UNLOCKED:
  Unlocking a chapter the user already owns is a success no-op returning
  current balances, not an error.

PRICE STALENESS:
  The karma price is quoted inside the same call that debits, so a
  purchase started against a valid quote completes at that price even if
  the promotion lapses mid-flow. Later resolutions quote fresh.
*/
package entitlement

import (
	"context"
	"fmt"

	"github.com/inkgate/entitlement-engine/catalog"
	"github.com/inkgate/entitlement-engine/grant"
	"github.com/inkgate/entitlement-engine/ledger"
)

// UnlockResult reports a completed (or idempotently repeated) unlock.
type UnlockResult struct {
	Grant           grant.Grant
	Balances        ledger.Balances
	AlreadyUnlocked bool

	// Spent describes the debit; zero Amount for free (promo) unlocks
	// and for already-unlocked no-ops.
	Spent struct {
		Currency ledger.Currency
		Amount   int64
	}
}

// UnlockWithKey spends one Key for a permanent unlock.
func (r *Resolver) UnlockWithKey(ctx context.Context, userID, chapterID string) (UnlockResult, error) {
	ch, err := r.purchasableChapter(ctx, userID, chapterID)
	if err != nil {
		return UnlockResult{}, err
	}

	if res, done, err := r.alreadyUnlocked(ctx, userID, chapterID); done || err != nil {
		return res, err
	}

	ref := unlockRef(userID, chapterID, grant.MethodKey)
	debit, err := r.Ledger.Debit(ctx, userID, ledger.CurrencyKey, KeyUnlockCost, ref)
	if err != nil {
		return UnlockResult{}, err
	}

	g, _, err := r.Grants.GrantPermanent(ctx, userID, ch.ID, grant.MethodKey)
	if err != nil {
		return UnlockResult{}, err
	}

	res := UnlockResult{Grant: g, Balances: debit.Balances}
	res.Spent.Currency = ledger.CurrencyKey
	res.Spent.Amount = KeyUnlockCost
	return res, nil
}

// UnlockWithKarma buys a permanent unlock at the chapter's live price.
// The debited currency follows the resolver's KarmaPriority policy: the
// first currency whose balance covers the price pays the whole price
// (no split debits). A zero price (free promotion) grants without
// touching the ledger.
func (r *Resolver) UnlockWithKarma(ctx context.Context, userID, chapterID string) (UnlockResult, error) {
	ch, err := r.purchasableChapter(ctx, userID, chapterID)
	if err != nil {
		return UnlockResult{}, err
	}

	if res, done, err := r.alreadyUnlocked(ctx, userID, chapterID); done || err != nil {
		return res, err
	}

	quote, err := r.karmaQuote(ctx, ch, r.now().UTC())
	if err != nil {
		return UnlockResult{}, err
	}

	if quote.FinalPrice == 0 {
		// Free promotion: permanent unlock at zero net ledger debit.
		g, _, err := r.Grants.GrantPermanent(ctx, userID, ch.ID, grant.MethodKarma)
		if err != nil {
			return UnlockResult{}, err
		}
		bal, err := r.Ledger.Balances(ctx, userID)
		if err != nil {
			return UnlockResult{}, err
		}
		return UnlockResult{Grant: g, Balances: bal}, nil
	}

	currency, err := r.pickKarmaCurrency(ctx, userID, quote.FinalPrice)
	if err != nil {
		return UnlockResult{}, err
	}

	debit, err := r.Ledger.Debit(ctx, userID, currency, quote.FinalPrice, unlockRef(userID, chapterID, grant.MethodKarma))
	if err != nil {
		return UnlockResult{}, err
	}

	g, _, err := r.Grants.GrantPermanent(ctx, userID, ch.ID, grant.MethodKarma)
	if err != nil {
		return UnlockResult{}, err
	}

	res := UnlockResult{Grant: g, Balances: debit.Balances}
	res.Spent.Currency = currency
	res.Spent.Amount = quote.FinalPrice
	return res, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// purchasableChapter loads the chapter and rejects flows that cannot be
// bought one-off: free chapters and advance chapters outside the user's
// subscription window.
func (r *Resolver) purchasableChapter(ctx context.Context, userID, chapterID string) (catalog.Chapter, error) {
	ch, err := r.Catalog.Chapter(ctx, chapterID)
	if err != nil {
		return catalog.Chapter{}, err
	}
	if ch.Free() {
		return catalog.Chapter{}, ErrNotPurchasable
	}
	if ch.IsAdvanceEligible {
		inWindow, err := r.inAdvanceWindow(ctx, userID, ch)
		if err != nil {
			return catalog.Chapter{}, err
		}
		if !inWindow {
			return catalog.Chapter{}, fmt.Errorf("%w: chapter %s is past the release frontier", ErrChapterNotReleased, chapterID)
		}
	}
	return ch, nil
}

// alreadyUnlocked short-circuits purchases of owned chapters into a
// success no-op.
func (r *Resolver) alreadyUnlocked(ctx context.Context, userID, chapterID string) (UnlockResult, bool, error) {
	g, err := r.Grants.GrantsFor(ctx, userID)
	if err != nil {
		return UnlockResult{}, false, err
	}
	for _, existing := range g {
		if existing.ChapterID == chapterID {
			bal, err := r.Ledger.Balances(ctx, userID)
			if err != nil {
				return UnlockResult{}, false, err
			}
			return UnlockResult{Grant: existing, Balances: bal, AlreadyUnlocked: true}, true, nil
		}
	}
	return UnlockResult{}, false, nil
}

// pickKarmaCurrency walks the priority policy and picks the first
// currency whose balance covers the price. When none does, the error
// reports the shortfall against the preferred currency.
func (r *Resolver) pickKarmaCurrency(ctx context.Context, userID string, price int64) (ledger.Currency, error) {
	priority := r.KarmaPriority
	if len(priority) == 0 {
		priority = []ledger.Currency{ledger.CurrencyGoldenKarma, ledger.CurrencyRegularKarma}
	}
	bal, err := r.Ledger.Balances(ctx, userID)
	if err != nil {
		return "", err
	}
	for _, c := range priority {
		if bal.Get(c) >= price {
			return c, nil
		}
	}
	return "", &ledger.InsufficientBalanceError{
		UserID:   userID,
		Currency: priority[0],
		Required: price,
		Current:  bal.Get(priority[0]),
	}
}

func unlockRef(userID, chapterID string, m grant.Method) ledger.Reference {
	return ledger.Reference{
		Type: ledger.RefChapterUnlock,
		ID:   fmt.Sprintf("%s:%s:%s", userID, chapterID, m),
	}
}
