/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Balances / ledger:
    BalancesDTO, LedgerEntryDTO

  Entitlement:
    DecisionDTO, UnlockOptionDTO, UnlockRequest, UnlockResultDTO

  Subscriptions:
    SubscriptionDTO, SubscribeRequest

  Payments:
    IntentDTO, CreateIntentRequest

  Engagement:
    CheckinDTO, CompleteMissionRequest

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - server.go: Route wiring
*/
package api

import (
	"time"

	"github.com/inkgate/entitlement-engine/entitlement"
	"github.com/inkgate/entitlement-engine/ledger"
	"github.com/inkgate/entitlement-engine/payment"
	"github.com/inkgate/entitlement-engine/subscription"
)

// =============================================================================
// LEDGER TYPES
// =============================================================================

// BalancesDTO is the per-currency balance snapshot for a user.
type BalancesDTO struct {
	Keys         int64 `json:"keys"`
	RegularKarma int64 `json:"regular_karma"`
	GoldenKarma  int64 `json:"golden_karma"`
}

func toBalancesDTO(b ledger.Balances) BalancesDTO {
	return BalancesDTO{
		Keys:         b.Get(ledger.CurrencyKey),
		RegularKarma: b.Get(ledger.CurrencyRegularKarma),
		GoldenKarma:  b.Get(ledger.CurrencyGoldenKarma),
	}
}

// LedgerEntryDTO is one ledger entry in history responses.
type LedgerEntryDTO struct {
	ID            string `json:"id"`
	Currency      string `json:"currency"`
	Delta         int64  `json:"delta"`
	BalanceAfter  int64  `json:"balance_after"`
	ReferenceType string `json:"reference_type"`
	ReferenceID   string `json:"reference_id"`
	OccurredAt    string `json:"occurred_at"`
}

func toLedgerEntryDTO(e ledger.Entry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:            e.ID,
		Currency:      string(e.Currency),
		Delta:         e.Delta,
		BalanceAfter:  e.BalanceAfter,
		ReferenceType: string(e.ReferenceType),
		ReferenceID:   e.ReferenceID,
		OccurredAt:    e.OccurredAt.Format(time.RFC3339),
	}
}

// =============================================================================
// ENTITLEMENT TYPES
// =============================================================================

// UnlockOptionDTO is one priced way to open a locked chapter.
type UnlockOptionDTO struct {
	Kind           string `json:"kind"`
	Price          int64  `json:"price"`
	Promoted       bool   `json:"promoted,omitempty"`
	PromoRemaining int64  `json:"promo_remaining_seconds,omitempty"`
}

// DecisionDTO is the access decision for one user+chapter pair.
type DecisionDTO struct {
	Accessible   bool              `json:"accessible"`
	Path         string            `json:"path,omitempty"`
	Options      []UnlockOptionDTO `json:"options,omitempty"`
	TimeUnlockAt *string           `json:"time_unlock_at,omitempty"`
}

func toDecisionDTO(d entitlement.Decision) DecisionDTO {
	dto := DecisionDTO{
		Accessible: d.Accessible,
		Path:       string(d.Path),
	}
	for _, opt := range d.Options {
		dto.Options = append(dto.Options, UnlockOptionDTO{
			Kind:           string(opt.Kind),
			Price:          opt.Price,
			Promoted:       opt.Promoted,
			PromoRemaining: int64(opt.PromoRemaining.Seconds()),
		})
	}
	if d.TimeUnlockAt != nil {
		s := d.TimeUnlockAt.Format(time.RFC3339)
		dto.TimeUnlockAt = &s
	}
	return dto
}

// UnlockRequest is the body for key and karma unlock endpoints.
type UnlockRequest struct {
	ChapterID string `json:"chapter_id"`
}

// UnlockResultDTO reports a completed (or repeated) unlock.
type UnlockResultDTO struct {
	ChapterID       string      `json:"chapter_id"`
	Method          string      `json:"method"`
	AlreadyUnlocked bool        `json:"already_unlocked"`
	SpentCurrency   string      `json:"spent_currency,omitempty"`
	SpentAmount     int64       `json:"spent_amount"`
	Balances        BalancesDTO `json:"balances"`
}

func toUnlockResultDTO(res entitlement.UnlockResult) UnlockResultDTO {
	return UnlockResultDTO{
		ChapterID:       res.Grant.ChapterID,
		Method:          string(res.Grant.Method),
		AlreadyUnlocked: res.AlreadyUnlocked,
		SpentCurrency:   string(res.Spent.Currency),
		SpentAmount:     res.Spent.Amount,
		Balances:        toBalancesDTO(res.Balances),
	}
}

// GrantDTO is one permanent unlock in a listing.
type GrantDTO struct {
	ChapterID string `json:"chapter_id"`
	Method    string `json:"method"`
	GrantedAt string `json:"granted_at"`
}

// =============================================================================
// SUBSCRIPTION TYPES
// =============================================================================

// SubscribeRequest is the body for creating a Champion subscription.
type SubscribeRequest struct {
	NovelID   string `json:"novel_id"`
	TierLevel int    `json:"tier_level"`
}

// SubscriptionDTO represents a subscription in API responses.
type SubscriptionDTO struct {
	ID                string `json:"id"`
	NovelID           string `json:"novel_id"`
	TierLevel         int    `json:"tier_level"`
	AdvanceChapters   int    `json:"advance_chapters"`
	StartDate         string `json:"start_date"`
	EndDate           string `json:"end_date"`
	AutoRenew         bool   `json:"auto_renew"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	Status            string `json:"status"`
}

func toSubscriptionDTO(s subscription.Subscription, now time.Time) SubscriptionDTO {
	return SubscriptionDTO{
		ID:                s.ID,
		NovelID:           s.NovelID,
		TierLevel:         s.TierLevel,
		AdvanceChapters:   s.AdvanceChapters,
		StartDate:         s.StartDate.Format(time.RFC3339),
		EndDate:           s.EndDate.Format(time.RFC3339),
		AutoRenew:         s.AutoRenew,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		Status:            string(s.EffectiveStatus(now)),
	}
}

// =============================================================================
// PAYMENT TYPES
// =============================================================================

// CreateIntentRequest is the body for setting up a payment.
type CreateIntentRequest struct {
	Provider     string `json:"provider"`
	Purpose      string `json:"purpose"`
	UserID       string `json:"user_id"`
	Amount       string `json:"amount"`
	CurrencyCode string `json:"currency_code"`

	// Purpose-specific payload.
	KarmaAmount int64  `json:"karma_amount,omitempty"`
	ChapterID   string `json:"chapter_id,omitempty"`
	NovelID     string `json:"novel_id,omitempty"`
	TierLevel   int    `json:"tier_level,omitempty"`
}

// IntentDTO represents a payment intent in API responses.
type IntentDTO struct {
	ID                string `json:"id"`
	Provider          string `json:"provider"`
	Purpose           string `json:"purpose"`
	UserID            string `json:"user_id"`
	Amount            string `json:"amount"`
	CurrencyCode      string `json:"currency_code"`
	Status            string `json:"status"`
	ConfirmRetryCount int    `json:"confirm_retry_count"`
	CreatedAt         string `json:"created_at"`
}

func toIntentDTO(in payment.Intent) IntentDTO {
	return IntentDTO{
		ID:                in.ID,
		Provider:          string(in.Provider),
		Purpose:           string(in.Purpose),
		UserID:            in.UserID,
		Amount:            in.Amount.String(),
		CurrencyCode:      in.CurrencyCode,
		Status:            string(in.Status),
		ConfirmRetryCount: in.ConfirmRetryCount,
		CreatedAt:         in.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// ENGAGEMENT TYPES
// =============================================================================

// CheckinDTO reports a daily check-in.
type CheckinDTO struct {
	Credited  int64       `json:"credited"`
	Streak    int         `json:"streak"`
	Duplicate bool        `json:"duplicate"`
	Balances  BalancesDTO `json:"balances"`
}

// CompleteMissionRequest is the body for mission completion.
type CompleteMissionRequest struct {
	RewardKeys int64 `json:"reward_keys"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error payload. Machine-readable context
// rides in dedicated fields; Details is for humans and is never parsed.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`

	// Shortfall context on insufficient-balance rejections, so clients
	// can build a top-up flow without parsing the message.
	Currency string `json:"currency,omitempty"`
	Required *int64 `json:"required,omitempty"`
	Current  *int64 `json:"current,omitempty"`
}
