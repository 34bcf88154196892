/*
handlers.go - HTTP API handlers for the entitlement engine

PURPOSE:
  Exposes the entitlement engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Users:
    GET  /api/users/{id}/balances                     Balance snapshot
    GET  /api/users/{id}/ledger                       Ledger history
    GET  /api/users/{id}/grants                       Permanent unlocks
    GET  /api/users/{id}/entitlements/{chapterID}     Access decision
    POST /api/users/{id}/unlocks/key                  Spend a Key
    POST /api/users/{id}/unlocks/karma                Spend karma
    POST /api/users/{id}/subscriptions                Champion subscribe
    GET  /api/users/{id}/subscriptions                List subscriptions
    GET  /api/users/{id}/payments                     Payment history
    POST /api/users/{id}/checkin                      Daily check-in
    POST /api/users/{id}/missions/{missionID}/complete Mission reward

  Subscriptions:
    POST /api/subscriptions/{id}/cancel-auto-renew    Stop renewal

  Payments:
    POST /api/payments/intents                        Create intent
    POST /api/payments/intents/{id}/confirm           Settle intent

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 402: Insufficient balance
  - 403: Advance chapter outside the subscriber window
  - 404: Unknown user resource, chapter, subscription, or intent
  - 409: Conflict (already subscribed)
  - 502: Payment confirmation exhausted its retry budget

SECURITY NOTE:
  Currently NO authentication or authorization. The service trusts the
  user id in the path; an API gateway is expected in front.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/inkgate/entitlement-engine/catalog"
	"github.com/inkgate/entitlement-engine/engagement"
	"github.com/inkgate/entitlement-engine/entitlement"
	"github.com/inkgate/entitlement-engine/ledger"
	"github.com/inkgate/entitlement-engine/payment"
	"github.com/inkgate/entitlement-engine/subscription"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger        *ledger.Ledger
	Resolver      *entitlement.Resolver
	Subscriptions *subscription.Manager
	Payments      *payment.Coordinator
	Engagement    *engagement.Feed

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// NewHandler wires a handler over the composed services.
func NewHandler(res *entitlement.Resolver, subs *subscription.Manager, pay *payment.Coordinator, feed *engagement.Feed) *Handler {
	return &Handler{
		Ledger:        res.Ledger,
		Resolver:      res,
		Subscriptions: subs,
		Payments:      pay,
		Engagement:    feed,
		Now:           time.Now,
	}
}

// =============================================================================
// BALANCE / LEDGER HANDLERS
// =============================================================================

// GetBalances returns the per-currency balances for a user.
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	balances, err := h.Ledger.Balances(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read balances", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalancesDTO(balances))
}

// GetLedger returns a user's ledger history, oldest first.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	entries, err := h.Ledger.Entries(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read ledger", err)
		return
	}

	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toLedgerEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetGrants returns a user's permanent unlocks.
func (h *Handler) GetGrants(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	grants, err := h.Resolver.Grants.GrantsFor(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list grants", err)
		return
	}

	dtos := make([]GrantDTO, len(grants))
	for i, g := range grants {
		dtos[i] = GrantDTO{
			ChapterID: g.ChapterID,
			Method:    string(g.Method),
			GrantedAt: g.GrantedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ENTITLEMENT HANDLERS
// =============================================================================

// GetEntitlement resolves whether a user can read a chapter.
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	chapterID := chi.URLParam(r, "chapterID")

	decision, err := h.Resolver.Resolve(r.Context(), userID, chapterID)
	if err != nil {
		writeDomainError(w, "Failed to resolve entitlement", err)
		return
	}
	writeJSON(w, http.StatusOK, toDecisionDTO(decision))
}

// UnlockWithKey spends one Key for a permanent unlock.
func (h *Handler) UnlockWithKey(w http.ResponseWriter, r *http.Request) {
	h.unlock(w, r, h.Resolver.UnlockWithKey)
}

// UnlockWithKarma spends karma at the live promotional price.
func (h *Handler) UnlockWithKarma(w http.ResponseWriter, r *http.Request) {
	h.unlock(w, r, h.Resolver.UnlockWithKarma)
}

func (h *Handler) unlock(w http.ResponseWriter, r *http.Request,
	do func(ctx context.Context, userID, chapterID string) (entitlement.UnlockResult, error)) {
	userID := chi.URLParam(r, "id")

	var req UnlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ChapterID == "" {
		writeError(w, http.StatusBadRequest, "chapter_id is required", nil)
		return
	}

	res, err := do(r.Context(), userID, req.ChapterID)
	if err != nil {
		writeDomainError(w, "Unlock failed", err)
		return
	}

	status := http.StatusCreated
	if res.AlreadyUnlocked {
		status = http.StatusOK
	}
	writeJSON(w, status, toUnlockResultDTO(res))
}

// =============================================================================
// SUBSCRIPTION HANDLERS
// =============================================================================

// Subscribe creates a Champion subscription for a user+novel pair.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.NovelID == "" {
		writeError(w, http.StatusBadRequest, "novel_id is required", nil)
		return
	}

	sub, err := h.Subscriptions.Subscribe(r.Context(), userID, req.NovelID, req.TierLevel, "")
	if err != nil {
		writeDomainError(w, "Subscribe failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubscriptionDTO(sub, h.Now()))
}

// ListSubscriptions returns all of a user's subscriptions.
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	subs, err := h.Subscriptions.ForUser(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list subscriptions", err)
		return
	}

	now := h.Now()
	dtos := make([]SubscriptionDTO, len(subs))
	for i, s := range subs {
		dtos[i] = toSubscriptionDTO(s, now)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CancelAutoRenew stops renewal; access continues until the period ends.
func (h *Handler) CancelAutoRenew(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := h.Subscriptions.CancelAutoRenew(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Cancel failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionDTO(sub, h.Now()))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// CreateIntent registers a payment with its provider.
func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	var req CreateIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	in, err := h.Payments.CreateIntent(r.Context(), payment.CreateIntentParams{
		Provider: payment.Provider(req.Provider),
		Purpose:  payment.Purpose(req.Purpose),
		UserID:   req.UserID,
		Amount:   payment.Amount{Value: amount, CurrencyCode: req.CurrencyCode},
		Fulfillment: payment.Fulfillment{
			KarmaAmount: req.KarmaAmount,
			ChapterID:   req.ChapterID,
			NovelID:     req.NovelID,
			TierLevel:   req.TierLevel,
		},
	})
	if err != nil {
		writeDomainError(w, "Failed to create payment intent", err)
		return
	}
	writeJSON(w, http.StatusCreated, toIntentDTO(in))
}

// ConfirmIntent settles the platform side of a provider payment.
func (h *Handler) ConfirmIntent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	in, err := h.Payments.Confirm(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Confirmation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toIntentDTO(in))
}

// ListPayments returns a user's payment intents, newest first.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	intents, err := h.Payments.ForUser(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list payments", err)
		return
	}

	dtos := make([]IntentDTO, len(intents))
	for i, in := range intents {
		dtos[i] = toIntentDTO(in)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ENGAGEMENT HANDLERS
// =============================================================================

// CheckIn credits the daily Key reward, once per UTC day.
func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	res, err := h.Engagement.CheckIn(r.Context(), userID)
	if err != nil {
		writeDomainError(w, "Check-in failed", err)
		return
	}
	writeJSON(w, http.StatusOK, CheckinDTO{
		Credited:  res.Credited,
		Streak:    res.Streak,
		Duplicate: res.Duplicate,
		Balances:  toBalancesDTO(res.Balances),
	})
}

// CompleteMission credits a mission's Key reward, once per mission.
func (h *Handler) CompleteMission(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	missionID := chi.URLParam(r, "missionID")

	var req CompleteMissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.RewardKeys <= 0 {
		writeError(w, http.StatusBadRequest, "reward_keys must be positive", nil)
		return
	}

	res, err := h.Engagement.CompleteMission(r.Context(), userID, missionID, req.RewardKeys)
	if err != nil {
		writeDomainError(w, "Mission completion failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"duplicate": res.Duplicate,
		"balances":  toBalancesDTO(res.Balances),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps sentinel errors onto HTTP statuses and stable
// client codes.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	var alreadyActive *subscription.AlreadyActiveError
	switch {
	case errors.Is(err, catalog.ErrChapterNotFound),
		errors.Is(err, subscription.ErrNotFound),
		errors.Is(err, payment.ErrIntentNotFound):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, ledger.ErrInsufficientBalance):
		resp := ErrorResponse{Error: message, Details: err.Error()}
		var shortfall *ledger.InsufficientBalanceError
		if errors.As(err, &shortfall) {
			resp.Currency = string(shortfall.Currency)
			resp.Required = &shortfall.Required
			resp.Current = &shortfall.Current
		}
		writeJSON(w, http.StatusPaymentRequired, resp)
	case errors.Is(err, entitlement.ErrChapterNotReleased):
		writeError(w, http.StatusForbidden, message, err)
	case errors.As(err, &alreadyActive):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   message,
			Code:    subscription.CodeAlreadySubscribed,
			Details: err.Error(),
		})
	case errors.Is(err, payment.ErrConfirmationFailed):
		writeError(w, http.StatusBadGateway, message, err)
	case ledger.IsClientError(err),
		errors.Is(err, entitlement.ErrNotPurchasable),
		errors.Is(err, subscription.ErrUnknownTier),
		errors.Is(err, payment.ErrIllegalTransition):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
