/*
Package engagement is the producer side of the reward feed: daily
check-ins and mission completions that credit Keys to the ledger.

PURPOSE:
  The engine only cares about the credit contract: every reward lands
  as ledger.Credit(user, key, amount, checkin_reward|mission_reward,
  refID) with a reference that makes the event idempotent. Streak and
  mission progression rules beyond that stay deliberately small here;
  richer progression logic belongs to the engagement product, not the
  entitlement core.

IDEMPOTENCY:
  - Check-in reference: user + calendar day. Checking in twice on one
    day settles against the first entry.
  - Mission reference: user + mission id. Completing a mission twice
    rewards once.
*/
package engagement

import (
	"context"
	"fmt"
	"time"

	"github.com/inkgate/entitlement-engine/ledger"
)

// Reward sizes in Keys.
const (
	CheckinReward = 1

	// StreakBonus is added on every 7th consecutive check-in day.
	StreakBonus  = 2
	streakPeriod = 7
)

// Feed credits engagement rewards into the ledger.
type Feed struct {
	ledger *ledger.Ledger
	now    func() time.Time
}

func NewFeed(led *ledger.Ledger) *Feed {
	return &Feed{ledger: led, now: time.Now}
}

// WithClock overrides the time source. Intended for tests.
func (f *Feed) WithClock(now func() time.Time) *Feed {
	f.now = now
	return f
}

// CheckinResult reports a (possibly repeated) daily check-in.
type CheckinResult struct {
	Credited  int64
	Streak    int
	Duplicate bool
	Balances  ledger.Balances
}

// CheckIn credits the daily Key reward, at most once per user per UTC
// calendar day. The streak counts consecutive check-in days ending
// today; every 7th day adds the streak bonus.
func (f *Feed) CheckIn(ctx context.Context, userID string) (CheckinResult, error) {
	today := f.now().UTC().Truncate(24 * time.Hour)

	streak, err := f.streakThrough(ctx, userID, today)
	if err != nil {
		return CheckinResult{}, err
	}
	streak++ // counting today

	amount := int64(CheckinReward)
	if streak%streakPeriod == 0 {
		amount += StreakBonus
	}

	res, err := f.ledger.Credit(ctx, userID, ledger.CurrencyKey, amount, ledger.Reference{
		Type: ledger.RefCheckinReward,
		ID:   fmt.Sprintf("%s:%s", userID, today.Format("2006-01-02")),
	})
	if err != nil {
		return CheckinResult{}, err
	}
	return CheckinResult{
		Credited:  res.Entry.Delta,
		Streak:    streak,
		Duplicate: res.Duplicate,
		Balances:  res.Balances,
	}, nil
}

// CompleteMission credits a mission reward, at most once per
// (user, mission).
func (f *Feed) CompleteMission(ctx context.Context, userID, missionID string, rewardKeys int64) (ledger.Result, error) {
	if rewardKeys <= 0 {
		return ledger.Result{}, ledger.ErrInvalidAmount
	}
	return f.ledger.Credit(ctx, userID, ledger.CurrencyKey, rewardKeys, ledger.Reference{
		Type: ledger.RefMissionReward,
		ID:   fmt.Sprintf("%s:%s", userID, missionID),
	})
}

// streakThrough counts consecutive check-in days ending the day before
// day, by walking the user's check-in entries.
func (f *Feed) streakThrough(ctx context.Context, userID string, day time.Time) (int, error) {
	entries, err := f.ledger.Entries(ctx, userID)
	if err != nil {
		return 0, err
	}

	days := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.ReferenceType == ledger.RefCheckinReward {
			days[e.ReferenceID] = true
		}
	}

	streak := 0
	for d := day.AddDate(0, 0, -1); ; d = d.AddDate(0, 0, -1) {
		if !days[fmt.Sprintf("%s:%s", userID, d.Format("2006-01-02"))] {
			break
		}
		streak++
	}
	return streak, nil
}
