/*
Package ledger provides the currency ledger at the heart of the
entitlement engine.

PURPOSE:
  This package owns per-user balances for the three platform currencies
  (Keys, Regular Karma, Golden Karma) and the append-only entry log that
  explains every balance change. Everything that moves currency, chapter
  unlocks, karma purchases, subscription settlements, check-in and mission
  rewards, goes through the two operations defined here: Credit and Debit.

KEY CONCEPTS IN THIS FILE (types.go):
  - Currency: One of the three currency kinds
  - Entry: An immutable ledger record of a single balance change
  - Balances: A per-user snapshot across all currencies
  - Reference: The (type, id) pair that makes an economic event unique

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified or deleted
  2. Idempotency: One economic event = one entry, keyed by reference
  3. Derivability: balance == sum of deltas, always
  4. Integers: Balances are integer counts of smallest units; no floats

SEE ALSO:
  - ledger.go: Credit/Debit operations and atomicity rules
  - store.go: Persistence interface
  - errors.go: Error taxonomy
*/
package ledger

import (
	"time"
)

// =============================================================================
// CURRENCY
// =============================================================================

// Currency identifies one of the three platform currencies.
type Currency string

const (
	// CurrencyKey is earned through check-ins and missions and spent
	// one-per-chapter for permanent unlocks.
	CurrencyKey Currency = "key"

	// CurrencyRegularKarma is the earned karma variant.
	CurrencyRegularKarma Currency = "regular_karma"

	// CurrencyGoldenKarma is the purchased karma variant.
	CurrencyGoldenKarma Currency = "golden_karma"
)

// Currencies lists every valid currency, in no particular order.
var Currencies = []Currency{CurrencyKey, CurrencyRegularKarma, CurrencyGoldenKarma}

// Valid reports whether c is one of the known currencies.
func (c Currency) Valid() bool {
	switch c {
	case CurrencyKey, CurrencyRegularKarma, CurrencyGoldenKarma:
		return true
	}
	return false
}

// =============================================================================
// REFERENCE - What economic event an entry settles
// =============================================================================

// ReferenceType classifies the economic event behind an entry.
type ReferenceType string

const (
	RefChapterUnlock   ReferenceType = "chapter_unlock"
	RefKarmaPurchase   ReferenceType = "karma_purchase"
	RefChampionSub     ReferenceType = "champion_subscription"
	RefCheckinReward   ReferenceType = "checkin_reward"
	RefMissionReward   ReferenceType = "mission_reward"
	RefManualAdjust    ReferenceType = "manual_adjustment"
)

// Reference is the idempotency key of an economic event. Re-invoking
// Credit or Debit with a reference that already settled returns the
// original entry instead of writing a second one.
type Reference struct {
	Type ReferenceType
	ID   string
}

func (r Reference) IsZero() bool { return r.Type == "" && r.ID == "" }

// =============================================================================
// ENTRY - Immutable ledger record
// =============================================================================

// Entry records a single balance change. Once written it is never
// modified; corrections are made with compensating entries.
//
// INVARIANT: BalanceAfter == BalanceBefore + Delta.
type Entry struct {
	ID            string
	UserID        string
	Currency      Currency
	Delta         int64 // signed: positive = credit, negative = debit
	BalanceBefore int64
	BalanceAfter  int64
	ReferenceType ReferenceType
	ReferenceID   string
	OccurredAt    time.Time
}

// Reference returns the entry's idempotency reference.
func (e Entry) Reference() Reference {
	return Reference{Type: e.ReferenceType, ID: e.ReferenceID}
}

// =============================================================================
// BALANCES - Per-user snapshot across currencies
// =============================================================================

// Balances is a point-in-time view of a user's holdings. It is always
// derived from entries, never stored as independent state.
type Balances struct {
	Key          int64 `json:"key"`
	RegularKarma int64 `json:"regular_karma"`
	GoldenKarma  int64 `json:"golden_karma"`
}

// Get returns the balance for a single currency.
func (b Balances) Get(c Currency) int64 {
	switch c {
	case CurrencyKey:
		return b.Key
	case CurrencyRegularKarma:
		return b.RegularKarma
	case CurrencyGoldenKarma:
		return b.GoldenKarma
	}
	return 0
}

// With returns a copy with the given currency set to v.
func (b Balances) With(c Currency, v int64) Balances {
	switch c {
	case CurrencyKey:
		b.Key = v
	case CurrencyRegularKarma:
		b.RegularKarma = v
	case CurrencyGoldenKarma:
		b.GoldenKarma = v
	}
	return b
}

// =============================================================================
// RESULT - Outcome of a Credit or Debit
// =============================================================================

// Result is returned by Credit and Debit. When Duplicate is true the
// reference had already settled and Entry is the original record; the
// operation was a no-op.
type Result struct {
	Entry     Entry
	Duplicate bool
	Balances  Balances
}
