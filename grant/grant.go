/*
Package grant records which chapters a user has permanently unlocked and
tracks the 24-hour free-unlock countdowns.

PURPOSE:
  Two kinds of state live here:

  1. Permanent grants: a (user, chapter, method) row written once on a
     successful purchase (or time-unlock materialization) and never
     deleted. Subscription-derived access is deliberately NOT stored
     here; it must lapse with the subscription, so the resolver
     recomputes it live instead.

  2. Time-unlock timers: a (user, chapter) countdown started on first
     view of a locked chapter. Whether it has elapsed is a pure function
     of (UnlockAt, now); no background job flips anything.

IDEMPOTENCY:
  - GrantPermanent with an existing triple returns the existing grant.
    "Already unlocked" is a success, not an error.
  - StartTimeUnlock with an existing timer returns the existing timer
    rather than resetting it. Resetting would let a user postpone the
    free unlock forever by re-opening the chapter.

SEE ALSO:
  - entitlement: materializes a permanent grant on the first true
    IsTimeUnlocked evaluation so the decision never flips back
*/
package grant

import (
	"context"
	"time"
)

// DefaultTimeUnlockDuration is how long a user waits for a free unlock.
const DefaultTimeUnlockDuration = 24 * time.Hour

// =============================================================================
// TYPES
// =============================================================================

// Method says how a permanent grant was obtained.
type Method string

const (
	MethodKey          Method = "key"
	MethodKarma        Method = "karma"
	MethodTime         Method = "time"
	// MethodSubscription exists for completeness of the method enum.
	// Live advance-window access is recomputed from subscription state,
	// never written here; rows with this method only appear if a lapsed
	// window is ever converted into a paid-out permanent unlock.
	MethodSubscription Method = "subscription"
)

// Grant is a permanent per-(user, chapter) unlock. Written once,
// never deleted or duplicated.
type Grant struct {
	UserID    string
	ChapterID string
	Method    Method
	GrantedAt time.Time
}

// Timer is a per-(user, chapter) free-unlock countdown. Purely derived
// state after creation: status is computed as now >= UnlockAt.
type Timer struct {
	UserID    string
	ChapterID string
	StartedAt time.Time
	UnlockAt  time.Time
}

// Elapsed reports whether the countdown has finished at now.
func (t Timer) Elapsed(now time.Time) bool { return !now.Before(t.UnlockAt) }

// Remaining returns the time left until the free unlock, floored at zero.
func (t Timer) Remaining(now time.Time) time.Duration {
	if d := t.UnlockAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// =============================================================================
// STORE
// =============================================================================

// Store persists grants and timers.
//
// CONTRACT: both insert operations are idempotent. InsertGrant and
// InsertTimer return the stored row and true when they created it, or
// the pre-existing row and false when the key was already present.
// The existing row is returned unmodified; timers are never reset.
type Store interface {
	InsertGrant(ctx context.Context, g Grant) (Grant, bool, error)
	FindGrant(ctx context.Context, userID, chapterID string) (*Grant, error)
	GrantsFor(ctx context.Context, userID string) ([]Grant, error)

	InsertTimer(ctx context.Context, t Timer) (Timer, bool, error)
	FindTimer(ctx context.Context, userID, chapterID string) (*Timer, error)
}

// =============================================================================
// SERVICE
// =============================================================================

// Service is the unlock grant store facade used by the resolver and the
// settlement coordinator.
type Service struct {
	store Store

	// TimeUnlockDuration defaults to 24h.
	TimeUnlockDuration time.Duration

	now func() time.Time
}

func NewService(store Store) *Service {
	return &Service{
		store:              store,
		TimeUnlockDuration: DefaultTimeUnlockDuration,
		now:                time.Now,
	}
}

// WithClock overrides the time source. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// GrantPermanent records a permanent unlock. Calling it again with the
// same (user, chapter, method) is a no-op returning the original grant;
// created is false in that case.
func (s *Service) GrantPermanent(ctx context.Context, userID, chapterID string, m Method) (Grant, bool, error) {
	return s.store.InsertGrant(ctx, Grant{
		UserID:    userID,
		ChapterID: chapterID,
		Method:    m,
		GrantedAt: s.now().UTC(),
	})
}

// HasGrant reports whether any permanent grant exists for the pair.
func (s *Service) HasGrant(ctx context.Context, userID, chapterID string) (bool, error) {
	g, err := s.store.FindGrant(ctx, userID, chapterID)
	return g != nil, err
}

// GrantsFor lists a user's permanent unlocks.
func (s *Service) GrantsFor(ctx context.Context, userID string) ([]Grant, error) {
	return s.store.GrantsFor(ctx, userID)
}

// StartTimeUnlock begins (or returns) the free-unlock countdown for the
// pair. An existing timer is returned untouched.
func (s *Service) StartTimeUnlock(ctx context.Context, userID, chapterID string) (Timer, error) {
	started := s.now().UTC()
	t, _, err := s.store.InsertTimer(ctx, Timer{
		UserID:    userID,
		ChapterID: chapterID,
		StartedAt: started,
		UnlockAt:  started.Add(s.TimeUnlockDuration),
	})
	return t, err
}

// IsTimeUnlocked reports whether the pair's countdown has elapsed at now.
// False when no timer exists. Stateless: nothing is mutated here; the
// caller materializes a permanent grant on the first true evaluation.
func (s *Service) IsTimeUnlocked(ctx context.Context, userID, chapterID string, now time.Time) (bool, error) {
	t, err := s.store.FindTimer(ctx, userID, chapterID)
	if err != nil || t == nil {
		return false, err
	}
	return t.Elapsed(now), nil
}

// TimerFor returns the pair's countdown, or nil when none was started.
func (s *Service) TimerFor(ctx context.Context, userID, chapterID string) (*Timer, error) {
	return s.store.FindTimer(ctx, userID, chapterID)
}
