/*
gateway.go - Provider contract

PURPOSE:
  The coordinator consumes exactly two operations from a payment
  provider: create an intent, and read a charge's status. Wire formats,
  webhooks, and the rest of the provider surface are out of scope.

ADAPTERS:
  - stripe.go: Stripe PaymentIntents via stripe-go
  - paypal.go: PayPal Orders v2 via a thin HTTP client
  - FakeGateway (below): scriptable in-memory gateway for tests/dev
*/
package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ChargeStatus is the provider-side state of a charge.
type ChargeStatus string

const (
	ChargeSucceeded ChargeStatus = "succeeded"
	ChargePending   ChargeStatus = "pending"
	ChargeFailed    ChargeStatus = "failed"
)

// CreateIntentRequest is the provider-agnostic create call.
type CreateIntentRequest struct {
	Amount       decimal.Decimal
	CurrencyCode string
	Purpose      Purpose
	UserID       string
}

// Gateway is the consumed provider contract.
type Gateway interface {
	// CreateIntent registers the payment with the provider and returns
	// the provider's intent id.
	CreateIntent(ctx context.Context, req CreateIntentRequest) (providerIntentID string, err error)

	// ChargeStatus reads the charge state. A returned error means the
	// lookup itself failed (transient); a definitive ChargeFailed is a
	// status, not an error.
	ChargeStatus(ctx context.Context, providerIntentID string) (ChargeStatus, error)
}

// Gateways routes by provider.
type Gateways map[Provider]Gateway

func (g Gateways) For(p Provider) (Gateway, error) {
	gw, ok := g[p]
	if !ok {
		return nil, fmt.Errorf("no gateway configured for provider %q", p)
	}
	return gw, nil
}

// =============================================================================
// FAKE GATEWAY - tests and local development
// =============================================================================

// FakeGateway is a scriptable in-memory Gateway. Charges default to
// succeeded; tests script failures and transient errors per intent.
type FakeGateway struct {
	mu       sync.Mutex
	statuses map[string]ChargeStatus

	// StatusErrs, when non-empty for an id, pops one error per
	// ChargeStatus call before real statuses are served. This is how
	// tests exercise the bounded retry loop.
	StatusErrs map[string][]error
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		statuses:   make(map[string]ChargeStatus),
		StatusErrs: make(map[string][]error),
	}
}

func (f *FakeGateway) CreateIntent(_ context.Context, _ CreateIntentRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "fake_" + uuid.NewString()
	f.statuses[id] = ChargeSucceeded
	return id, nil
}

// SetStatus scripts the charge status served for a provider intent id.
func (f *FakeGateway) SetStatus(providerIntentID string, s ChargeStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[providerIntentID] = s
}

// FailStatusTimes scripts n transient lookup errors before statuses are
// served for the id.
func (f *FakeGateway) FailStatusTimes(providerIntentID string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	errs := make([]error, n)
	for i := range errs {
		errs[i] = err
	}
	f.StatusErrs[providerIntentID] = errs
}

func (f *FakeGateway) ChargeStatus(_ context.Context, providerIntentID string) (ChargeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.StatusErrs[providerIntentID]; len(errs) > 0 {
		f.StatusErrs[providerIntentID] = errs[1:]
		return "", errs[0]
	}
	s, ok := f.statuses[providerIntentID]
	if !ok {
		return "", fmt.Errorf("unknown provider intent %q", providerIntentID)
	}
	return s, nil
}
