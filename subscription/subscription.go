/*
Package subscription tracks Champion subscriptions per (user, novel) and
computes advance-chapter access windows.

PURPOSE:
  A Champion subscription grants its holder a window of chapters beyond
  the public release frontier: with tier advance count A and latest
  published chapter N, chapters N+1 .. N+A are readable while the
  subscription is active. The window is recomputed live on every check:
  access must disappear the moment the subscription lapses, so nothing
  about it is cached or written to the grant store.

STATE MACHINE:
  active --(period end, no renewal)--> expired
  active --(successful auto-renew)--> active (EndDate pushed one period)
  any    --(explicit cancellation before period end)--> cancelled

  Cancellation only flips AutoRenew=false / CancelAtPeriodEnd=true.
  Current-period access holds until EndDate either way. Effective status
  is derived against the clock at read time: a row still marked active
  whose EndDate has passed reads as expired without any background job.

UNIQUENESS:
  One active subscription per (user, novel). A second Subscribe while one
  is active fails with AlreadyActiveError (code ALREADY_SUBSCRIBED); the
  caller falls back to a one-time purchase flow instead of stacking. The
  check serializes store-side so concurrent subscribe attempts cannot
  both pass it.
*/
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CodeAlreadySubscribed is the wire-level signal code for the
// subscription conflict; clients branch on it, never on message text.
const CodeAlreadySubscribed = "ALREADY_SUBSCRIBED"

// DefaultPeriod is one subscription billing period.
const DefaultPeriod = 30 * 24 * time.Hour

// =============================================================================
// TYPES
// =============================================================================

type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Subscription is one Champion subscription for a (user, novel) pair.
type Subscription struct {
	ID                     string
	UserID                 string
	NovelID                string
	TierLevel              int
	AdvanceChapters        int
	StartDate              time.Time
	EndDate                time.Time
	AutoRenew              bool
	CancelAtPeriodEnd      bool
	Status                 Status
	ProviderSubscriptionID string
}

// EffectiveStatus derives the status against now. Stored state lags the
// clock on purpose: there is no expiry job, reads do the work.
func (s Subscription) EffectiveStatus(now time.Time) Status {
	if s.Status == StatusCancelled {
		return StatusCancelled
	}
	if !now.Before(s.EndDate) {
		return StatusExpired
	}
	return s.Status
}

// AccessibleAt reports whether the subscription still grants its window
// at now. Cancellation does not revoke current-period access.
func (s Subscription) AccessibleAt(now time.Time) bool {
	return now.Before(s.EndDate) && !now.Before(s.StartDate)
}

// =============================================================================
// TIERS
// =============================================================================

// TierTable maps tier level to advance-chapter count.
type TierTable map[int]int

// DefaultTiers mirrors the platform's published champion tiers.
var DefaultTiers = TierTable{1: 3, 2: 5, 3: 10, 4: 15, 5: 20}

// AdvanceChapters returns the window size for a tier level.
func (t TierTable) AdvanceChapters(level int) (int, error) {
	n, ok := t[level]
	if !ok {
		return 0, fmt.Errorf("%w: tier %d", ErrUnknownTier, level)
	}
	return n, nil
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrAlreadyActive is returned when a (user, novel) pair already has
	// an active subscription. Use errors.As for the structured form.
	ErrAlreadyActive = errors.New("subscription already active")

	// ErrUnknownTier is returned for a tier level outside the tier table.
	ErrUnknownTier = errors.New("unknown tier level")

	// ErrNotFound is returned when a subscription id does not exist.
	ErrNotFound = errors.New("subscription not found")
)

// AlreadyActiveError carries the conflicting subscription so the caller
// can route the user to its management flow.
type AlreadyActiveError struct {
	Existing Subscription
}

func (e *AlreadyActiveError) Error() string {
	return fmt.Sprintf("%s: user %s already subscribed to novel %s until %s",
		CodeAlreadySubscribed, e.Existing.UserID, e.Existing.NovelID,
		e.Existing.EndDate.Format(time.RFC3339))
}

func (e *AlreadyActiveError) Unwrap() error { return ErrAlreadyActive }

// =============================================================================
// STORE
// =============================================================================

// Store persists subscriptions.
//
// CONTRACT: Create enforces at most one active subscription per
// (user, novel) inside a single critical section; two concurrent
// creates for the same pair serialize, the loser gets ErrAlreadyActive
// (wrapped by the manager into AlreadyActiveError). "Active" for this
// check means EndDate is in the future and status is not cancelled-and-
// lapsed; the activeAsOf argument carries the clock in.
type Store interface {
	Create(ctx context.Context, sub Subscription, activeAsOf time.Time) error
	Get(ctx context.Context, id string) (*Subscription, error)
	Update(ctx context.Context, sub Subscription) error
	ForUserNovel(ctx context.Context, userID, novelID string) ([]Subscription, error)
	ForUser(ctx context.Context, userID string) ([]Subscription, error)
	ByProviderID(ctx context.Context, providerSubscriptionID string) (*Subscription, error)
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns the subscription lifecycle.
type Manager struct {
	store Store
	tiers TierTable

	// Period is one billing period; defaults to 30 days.
	Period time.Duration

	now func() time.Time
}

func NewManager(store Store, tiers TierTable) *Manager {
	if tiers == nil {
		tiers = DefaultTiers
	}
	return &Manager{store: store, tiers: tiers, Period: DefaultPeriod, now: time.Now}
}

// WithClock overrides the time source. Intended for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Subscribe creates an active subscription for (user, novel) at the
// given tier. Fails with AlreadyActiveError when one is already active.
func (m *Manager) Subscribe(ctx context.Context, userID, novelID string, tierLevel int, providerSubID string) (Subscription, error) {
	advance, err := m.tiers.AdvanceChapters(tierLevel)
	if err != nil {
		return Subscription{}, err
	}

	now := m.now().UTC()
	sub := Subscription{
		ID:                     uuid.NewString(),
		UserID:                 userID,
		NovelID:                novelID,
		TierLevel:              tierLevel,
		AdvanceChapters:        advance,
		StartDate:              now,
		EndDate:                now.Add(m.Period),
		AutoRenew:              true,
		Status:                 StatusActive,
		ProviderSubscriptionID: providerSubID,
	}
	if err := m.store.Create(ctx, sub, now); err != nil {
		if errors.Is(err, ErrAlreadyActive) {
			existing := m.activeFor(ctx, userID, novelID, now)
			if existing != nil {
				return Subscription{}, &AlreadyActiveError{Existing: *existing}
			}
		}
		return Subscription{}, err
	}
	return sub, nil
}

// CancelAutoRenew flips the subscription to run out at period end.
// Access remains until EndDate; nothing is revoked here.
func (m *Manager) CancelAutoRenew(ctx context.Context, id string) (Subscription, error) {
	sub, err := m.store.Get(ctx, id)
	if err != nil {
		return Subscription{}, err
	}
	if sub == nil {
		return Subscription{}, ErrNotFound
	}
	sub.AutoRenew = false
	sub.CancelAtPeriodEnd = true
	sub.Status = StatusCancelled
	if err := m.store.Update(ctx, *sub); err != nil {
		return Subscription{}, err
	}
	return *sub, nil
}

// Renew extends the subscription one period after a successful
// auto-renew charge. Idempotent per provider event: renewing with the
// same event id twice extends once (the settlement coordinator keys the
// ledger side; here we guard on EndDate monotonicity).
func (m *Manager) Renew(ctx context.Context, id string) (Subscription, error) {
	sub, err := m.store.Get(ctx, id)
	if err != nil {
		return Subscription{}, err
	}
	if sub == nil {
		return Subscription{}, ErrNotFound
	}
	now := m.now().UTC()
	base := sub.EndDate
	if base.Before(now) {
		base = now
	}
	sub.EndDate = base.Add(m.Period)
	sub.Status = StatusActive
	if err := m.store.Update(ctx, *sub); err != nil {
		return Subscription{}, err
	}
	return *sub, nil
}

// =============================================================================
// ADVANCE WINDOW
// =============================================================================

// AdvanceWindowFor returns the highest chapter number the user may read
// on the novel through an active subscription: latestPublished plus the
// best active tier's advance count. Nil when no subscription is active.
// Computed live on every call, never cache past EndDate.
func (m *Manager) AdvanceWindowFor(ctx context.Context, userID, novelID string, latestPublished int) (*int, error) {
	now := m.now().UTC()
	subs, err := m.store.ForUserNovel(ctx, userID, novelID)
	if err != nil {
		return nil, err
	}
	best := 0
	found := false
	for _, s := range subs {
		if !s.AccessibleAt(now) {
			continue
		}
		if s.AdvanceChapters > best {
			best = s.AdvanceChapters
			found = true
		}
	}
	if !found {
		return nil, nil
	}
	max := latestPublished + best
	return &max, nil
}

// Get returns a subscription by id.
func (m *Manager) Get(ctx context.Context, id string) (*Subscription, error) {
	return m.store.Get(ctx, id)
}

// ForUser lists a user's subscriptions across novels.
func (m *Manager) ForUser(ctx context.Context, userID string) ([]Subscription, error) {
	return m.store.ForUser(ctx, userID)
}

// ByProviderID resolves a subscription from the payment provider's id,
// used by the settlement coordinator to route renewals.
func (m *Manager) ByProviderID(ctx context.Context, providerSubID string) (*Subscription, error) {
	return m.store.ByProviderID(ctx, providerSubID)
}

func (m *Manager) activeFor(ctx context.Context, userID, novelID string, now time.Time) *Subscription {
	subs, err := m.store.ForUserNovel(ctx, userID, novelID)
	if err != nil {
		return nil
	}
	for i := range subs {
		if subs[i].AccessibleAt(now) {
			return &subs[i]
		}
	}
	return nil
}
