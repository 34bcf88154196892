/*
Package promo computes discounted chapter prices for time-boxed promotions.

PURPOSE:
  PriceFor is a pure function over (base price, promotion, now). It holds
  no state and schedules nothing: promotion expiry is derived from the
  wall clock at the moment of evaluation, never from a timer that fires.

DISCOUNT SEMANTICS:
  discount == 0      free: final price 0; the purchase flow still creates a
                     permanent unlock, just at zero net ledger debit
  0 < discount < 1   fractional price: ceil(base * discount), floored at 1
                     smallest unit so a paid promotion never rounds to free
  discount >= 1      no discount

WINDOW SEMANTICS:
  A promotion is live in [StartAt, EndAt). TimeRemaining counts down to
  EndAt; when it reaches zero the quote is stale and the caller must
  re-resolve entitlement; cached prices must not be reused.
*/
package promo

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PROMOTION
// =============================================================================

// Scope says what a promotion applies to.
type Scope string

const (
	ScopeNovel   Scope = "novel"
	ScopeChapter Scope = "chapter"
)

// Promotion is a time-boxed discount on a novel or a single chapter.
type Promotion struct {
	ID            string
	Scope         Scope
	TargetID      string // novel id or chapter id depending on Scope
	DiscountValue decimal.Decimal
	StartAt       time.Time
	EndAt         time.Time
}

// ActiveAt reports whether the promotion window covers now.
// The window is half-open: [StartAt, EndAt).
func (p *Promotion) ActiveAt(now time.Time) bool {
	if p == nil {
		return false
	}
	return !now.Before(p.StartAt) && now.Before(p.EndAt)
}

// =============================================================================
// QUOTE
// =============================================================================

// Quote is a live price. A Quote with TimeRemaining == 0 and Promoted ==
// false is simply the base price; a Promoted quote is only valid while
// TimeRemaining is positive.
type Quote struct {
	FinalPrice    int64
	TimeRemaining time.Duration
	Promoted      bool
}

// PriceFor computes the price of a chapter with base price basePrice
// under the given promotion (nil when none applies) at time now.
func PriceFor(basePrice int64, p *Promotion, now time.Time) Quote {
	if basePrice < 0 {
		basePrice = 0
	}
	if !p.ActiveAt(now) {
		return Quote{FinalPrice: basePrice}
	}

	remaining := p.EndAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}

	d := p.DiscountValue
	switch {
	case d.IsZero():
		return Quote{FinalPrice: 0, TimeRemaining: remaining, Promoted: true}
	case d.IsNegative() || d.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return Quote{FinalPrice: basePrice, TimeRemaining: remaining, Promoted: false}
	default:
		price := decimal.NewFromInt(basePrice).Mul(d).Ceil().IntPart()
		if price < 1 {
			price = 1
		}
		return Quote{FinalPrice: price, TimeRemaining: remaining, Promoted: true}
	}
}

// =============================================================================
// LOOKUP
// =============================================================================

// Finder resolves the promotion applying to a chapter, if any. Chapter-
// scoped promotions win over novel-scoped ones. Implementations return
// (nil, nil) when nothing applies.
type Finder interface {
	ActivePromotion(novelID, chapterID string, now time.Time) (*Promotion, error)
}

// StaticFinder is a Finder over a fixed promotion list. Useful for tests
// and for deployments that load promotions from config.
type StaticFinder struct {
	Promotions []Promotion
}

func (f *StaticFinder) ActivePromotion(novelID, chapterID string, now time.Time) (*Promotion, error) {
	var novelMatch *Promotion
	for i := range f.Promotions {
		p := &f.Promotions[i]
		if !p.ActiveAt(now) {
			continue
		}
		switch p.Scope {
		case ScopeChapter:
			if p.TargetID == chapterID {
				return p, nil
			}
		case ScopeNovel:
			if p.TargetID == novelID && novelMatch == nil {
				novelMatch = p
			}
		}
	}
	return novelMatch, nil
}
