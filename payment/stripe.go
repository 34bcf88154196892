/*
stripe.go - Stripe gateway adapter

Maps the provider contract onto Stripe PaymentIntents. Only the
create/read slice of the Stripe surface is consumed; checkout pages,
webhooks, and refunds live outside this core.
*/
package payment

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// centsPerUnit converts major currency units to Stripe's smallest units.
var centsPerUnit = decimal.NewFromInt(100)

// StripeGateway implements Gateway over the Stripe API.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway builds a gateway from a secret key.
func NewStripeGateway(secretKey string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{api: api}
}

func (g *StripeGateway) CreateIntent(_ context.Context, req CreateIntentRequest) (string, error) {
	// Stripe amounts are integer smallest units (cents for USD).
	cents := req.Amount.Mul(centsPerUnit).Round(0).IntPart()
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(cents),
		Currency: stripe.String(req.CurrencyCode),
		Metadata: map[string]string{
			"purpose": string(req.Purpose),
			"user_id": req.UserID,
		},
	}
	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create intent: %w", err)
	}
	return pi.ID, nil
}

func (g *StripeGateway) ChargeStatus(_ context.Context, providerIntentID string) (ChargeStatus, error) {
	pi, err := g.api.PaymentIntents.Get(providerIntentID, nil)
	if err != nil {
		return "", fmt.Errorf("stripe get intent: %w", err)
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return ChargeSucceeded, nil
	case stripe.PaymentIntentStatusCanceled:
		return ChargeFailed, nil
	default:
		// requires_payment_method, requires_confirmation, processing…
		// all read as not-settled-yet.
		return ChargePending, nil
	}
}
