/*
paypal.go - PayPal gateway adapter

Maps the provider contract onto the PayPal Orders v2 REST API with a
thin HTTP client: create an order, read its status. There is no PayPal
SDK in our dependency set; the two calls below are the entire surface
this engine consumes.
*/
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// PayPalGateway implements Gateway over the PayPal Orders v2 API.
type PayPalGateway struct {
	baseURL      string // e.g. https://api-m.sandbox.paypal.com
	clientID     string
	clientSecret string
	http         *http.Client
}

// NewPayPalGateway builds a gateway from REST credentials.
func NewPayPalGateway(baseURL, clientID, clientSecret string) *PayPalGateway {
	return &PayPalGateway{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		http:         &http.Client{Timeout: 15 * time.Second},
	}
}

func (g *PayPalGateway) CreateIntent(ctx context.Context, req CreateIntentRequest) (string, error) {
	token, err := g.accessToken(ctx)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"custom_id": req.UserID,
			"amount": map[string]string{
				"currency_code": strings.ToUpper(req.CurrencyCode),
				"value":         req.Amount.StringFixed(2),
			},
		}},
	})
	if err != nil {
		return "", err
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := g.call(ctx, http.MethodPost, "/v2/checkout/orders", token, bytes.NewReader(body), &out); err != nil {
		return "", fmt.Errorf("paypal create order: %w", err)
	}
	return out.ID, nil
}

func (g *PayPalGateway) ChargeStatus(ctx context.Context, providerIntentID string) (ChargeStatus, error) {
	token, err := g.accessToken(ctx)
	if err != nil {
		return "", err
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := g.call(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(providerIntentID), token, nil, &out); err != nil {
		return "", fmt.Errorf("paypal get order: %w", err)
	}

	switch out.Status {
	case "COMPLETED":
		return ChargeSucceeded, nil
	case "VOIDED":
		return ChargeFailed, nil
	default:
		// CREATED, SAVED, APPROVED, PAYER_ACTION_REQUIRED.
		return ChargePending, nil
	}
}

// =============================================================================
// HTTP PLUMBING
// =============================================================================

func (g *PayPalGateway) accessToken(ctx context.Context) (string, error) {
	form := strings.NewReader("grant_type=client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/oauth2/token", form)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(g.clientID, g.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("paypal token request failed: %s", resp.Status)
	}

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.AccessToken, nil
}

func (g *PayPalGateway) call(ctx context.Context, method, path, token string, body *bytes.Reader, out any) error {
	var rd io.Reader
	if body != nil {
		rd = body
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("paypal %s %s: %s", method, path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
