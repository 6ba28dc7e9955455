package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"storefront-backend/internal/cart"
)

// Intent is a provider-side payment intent. The cart snapshot and payer
// identity travel in its metadata so the later webhook event carries them
// back verbatim.
type Intent struct {
	ID               string `json:"id"`
	ClientSecret     string `json:"client_secret"`
	AmountMinorUnits int64  `json:"amount"`
	Currency         string `json:"currency"`
}

// Client creates payment intents against the provider's HTTP API.
//
// In mock mode (local development, tests) no network call is made and a
// synthetic intent is returned; the rest of the flow is unchanged.
type Client struct {
	APIKey  string
	BaseURL string
	Mock    bool
	HTTP    *http.Client
}

// NewClient builds a provider client. baseURL is the provider API root,
// e.g. "https://api.stripe.com".
func NewClient(apiKey, baseURL string, mock bool) *Client {
	return &Client{
		APIKey:  apiKey,
		BaseURL: strings.TrimRight(baseURL, "/"),
		Mock:    mock,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// CreateIntent registers a payment intent with the provider for the given
// amount, embedding the snapshot and payer identity in metadata. The amount
// is computed by the caller from the snapshot, never taken from the client.
func (c *Client) CreateIntent(ctx context.Context, amount int64, currency string, snapshot cart.Snapshot, payerIdentity string) (*Intent, error) {
	if c.Mock {
		id := "pi_mock_" + uuid.NewString()
		return &Intent{
			ID:               id,
			ClientSecret:     id + "_secret",
			AmountMinorUnits: amount,
			Currency:         currency,
		}, nil
	}

	meta, err := cart.EncodeMetadata(snapshot)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amount, 10))
	form.Set("currency", currency)
	form.Set("automatic_payment_methods[enabled]", "true")
	form.Set("metadata[cart]", meta)
	form.Set("metadata[userEmail]", payerIdentity)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/payment_intents", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("payment: build intent request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payment: create intent: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("payment: read intent response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("payment: provider returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var intent Intent
	if err := json.Unmarshal(body, &intent); err != nil {
		return nil, fmt.Errorf("payment: decode intent response: %w", err)
	}
	return &intent, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
