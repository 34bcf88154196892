/*
Package memory provides in-memory implementations of every store
interface in the engine: ledger entries, unlock grants, time-unlock
timers, subscriptions, and payment intents.

Used by tests and local development. All critical sections run under a
single mutex, which makes the atomicity contracts (ledger balance CAS,
one-active-subscription check, intent status CAS) trivially correct.
*/
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/inkgate/entitlement-engine/grant"
	"github.com/inkgate/entitlement-engine/ledger"
	"github.com/inkgate/entitlement-engine/payment"
	"github.com/inkgate/entitlement-engine/subscription"
)

// Store holds everything in maps. Safe for concurrent use.
type Store struct {
	mu sync.Mutex

	entries  []ledger.Entry
	byRef    map[ledger.Reference]int // index into entries
	balances map[balanceKey]int64

	grants map[grantKey]grant.Grant
	timers map[pairKey]grant.Timer

	subs map[string]subscription.Subscription

	intents map[string]payment.Intent
}

type balanceKey struct {
	UserID   string
	Currency ledger.Currency
}

type grantKey struct {
	UserID    string
	ChapterID string
	Method    grant.Method
}

type pairKey struct {
	UserID    string
	ChapterID string
}

func New() *Store {
	return &Store{
		byRef:    make(map[ledger.Reference]int),
		balances: make(map[balanceKey]int64),
		grants:   make(map[grantKey]grant.Grant),
		timers:   make(map[pairKey]grant.Timer),
		subs:     make(map[string]subscription.Subscription),
		intents:  make(map[string]payment.Intent),
	}
}

// Interface conformance.
var (
	_ ledger.Store        = (*Store)(nil)
	_ grant.Store         = (*Store)(nil)
	_ subscription.Store  = (*Store)(nil)
	_ payment.IntentStore = (*Store)(nil)
)

// =============================================================================
// LEDGER STORE
// =============================================================================

func (s *Store) Append(_ context.Context, e ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byRef[e.Reference()]; exists {
		return ledger.ErrDuplicateReference
	}

	k := balanceKey{UserID: e.UserID, Currency: e.Currency}
	if s.balances[k] != e.BalanceBefore {
		return ledger.ErrConcurrentModification
	}

	s.entries = append(s.entries, e)
	s.byRef[e.Reference()] = len(s.entries) - 1
	s.balances[k] = e.BalanceAfter
	return nil
}

func (s *Store) FindByReference(_ context.Context, ref ledger.Reference) (*ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byRef[ref]
	if !ok {
		return nil, nil
	}
	e := s.entries[i]
	return &e, nil
}

func (s *Store) Entries(_ context.Context, userID string) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.Entry
	for _, e := range s.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) Balance(_ context.Context, userID string, c ledger.Currency) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[balanceKey{UserID: userID, Currency: c}], nil
}

// =============================================================================
// GRANT STORE
// =============================================================================

func (s *Store) InsertGrant(_ context.Context, g grant.Grant) (grant.Grant, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := grantKey{UserID: g.UserID, ChapterID: g.ChapterID, Method: g.Method}
	if existing, ok := s.grants[k]; ok {
		return existing, false, nil
	}
	s.grants[k] = g
	return g, true, nil
}

func (s *Store) FindGrant(_ context.Context, userID, chapterID string) (*grant.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, g := range s.grants {
		if k.UserID == userID && k.ChapterID == chapterID {
			out := g
			return &out, nil
		}
	}
	return nil, nil
}

func (s *Store) GrantsFor(_ context.Context, userID string) ([]grant.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []grant.Grant
	for k, g := range s.grants {
		if k.UserID == userID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedAt.Before(out[j].GrantedAt) })
	return out, nil
}

func (s *Store) InsertTimer(_ context.Context, t grant.Timer) (grant.Timer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pairKey{UserID: t.UserID, ChapterID: t.ChapterID}
	if existing, ok := s.timers[k]; ok {
		return existing, false, nil
	}
	s.timers[k] = t
	return t, true, nil
}

func (s *Store) FindTimer(_ context.Context, userID, chapterID string) (*grant.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[pairKey{UserID: userID, ChapterID: chapterID}]; ok {
		out := t
		return &out, nil
	}
	return nil, nil
}

// =============================================================================
// SUBSCRIPTION STORE
// =============================================================================

func (s *Store) Create(_ context.Context, sub subscription.Subscription, activeAsOf time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.subs {
		if existing.UserID == sub.UserID && existing.NovelID == sub.NovelID && existing.AccessibleAt(activeAsOf) {
			return subscription.ErrAlreadyActive
		}
	}
	s.subs[sub.ID] = sub
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[id]; ok {
		out := sub
		return &out, nil
	}
	return nil, nil
}

func (s *Store) Update(_ context.Context, sub subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.ID]; !ok {
		return subscription.ErrNotFound
	}
	s.subs[sub.ID] = sub
	return nil
}

func (s *Store) ForUserNovel(_ context.Context, userID, novelID string) ([]subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []subscription.Subscription
	for _, sub := range s.subs {
		if sub.UserID == userID && sub.NovelID == novelID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *Store) ForUser(_ context.Context, userID string) ([]subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []subscription.Subscription
	for _, sub := range s.subs {
		if sub.UserID == userID {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

func (s *Store) ByProviderID(_ context.Context, providerSubID string) (*subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.ProviderSubscriptionID == providerSubID {
			out := sub
			return &out, nil
		}
	}
	return nil, nil
}

// =============================================================================
// PAYMENT INTENT STORE
// =============================================================================

func (s *Store) CreateIntent(_ context.Context, in payment.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[in.ID] = in
	return nil
}

func (s *Store) GetIntent(_ context.Context, id string) (*payment.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.intents[id]; ok {
		out := in
		return &out, nil
	}
	return nil, nil
}

func (s *Store) Transition(_ context.Context, id string, next payment.Status, retryCount int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok {
		return false, payment.ErrIntentNotFound
	}
	if in.Status == payment.StatusConfirmed || in.Status == payment.StatusFailed {
		// Terminal already; a racing confirm settled it.
		return false, nil
	}
	if in.Status == next {
		in.ConfirmRetryCount = retryCount
		s.intents[id] = in
		return true, nil
	}
	if !in.Status.CanTransitionTo(next) {
		return false, payment.ErrIllegalTransition
	}
	in.Status = next
	in.ConfirmRetryCount = retryCount
	in.UpdatedAt = time.Now().UTC()
	s.intents[id] = in
	return true, nil
}

func (s *Store) IntentsFor(_ context.Context, userID string) ([]payment.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []payment.Intent
	for _, in := range s.intents {
		if in.UserID == userID {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
