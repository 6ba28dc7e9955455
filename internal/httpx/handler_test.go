package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-backend/internal/cart"
	"storefront-backend/internal/materializer"
	"storefront-backend/internal/payment"
	"storefront-backend/internal/storage"
	"storefront-backend/internal/storage/sqlite"
)

var (
	testWebhookSecret = []byte("whsec_test")
	testSessionSecret = []byte("session_test")
)

const testAdminEmail = "admin@example.com"

type testEnv struct {
	store  *sqlite.Store
	server *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	verifier := payment.NewVerifier(testWebhookSecret, 5*time.Minute)
	intents := payment.NewClient("", "", true)
	mat := materializer.New(store, store, materializer.WithRetry(3, time.Millisecond))

	handler := NewHandler(verifier, mat, intents, store, store, testAdminEmail)
	server := httptest.NewServer(NewRouter(handler, testSessionSecret))
	t.Cleanup(server.Close)

	return &testEnv{store: store, server: server}
}

func (e *testEnv) seedUser(t *testing.T, email string) *storage.User {
	t.Helper()
	u := &storage.User{ID: uuid.NewString(), Email: email, Name: "Test", CreatedAt: time.Now().UTC()}
	require.NoError(t, e.store.SeedUser(context.Background(), u))
	return u
}

func sessionToken(t *testing.T, email string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"email": email,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(testSessionSecret)
	require.NoError(t, err)
	return signed
}

// webhookEvent builds a provider event whose metadata carries the snapshot.
func webhookEvent(t *testing.T, eventType, txID string, amount int64, email string, snapshot cart.Snapshot) []byte {
	t.Helper()
	meta, err := cart.EncodeMetadata(snapshot)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{
		"id":   "evt_" + txID,
		"type": eventType,
		"data": map[string]any{
			"object": map[string]any{
				"id":       txID,
				"amount":   amount,
				"currency": "usd",
				"metadata": map[string]any{
					"cart":      meta,
					"userEmail": email,
				},
			},
		},
	})
	require.NoError(t, err)
	return body
}

func (e *testEnv) postWebhook(t *testing.T, body []byte, header string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/webhooks/payment", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(payment.SignatureHeader, header)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) doJSON(t *testing.T, method, path, token string, payload any) *http.Response {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func standardSnapshot() cart.Snapshot {
	return cart.Snapshot{
		{ProductRef: "p1", Quantity: 2, UnitPriceMinorUnits: 500},
		{ProductRef: "p2", Quantity: 1, UnitPriceMinorUnits: 1500},
	}
}

func standardItems() []CartItemDTO {
	return []CartItemDTO{
		{ProductRef: "p1", Quantity: 2, UnitPriceMinorUnits: 500},
		{ProductRef: "p2", Quantity: 1, UnitPriceMinorUnits: 1500},
	}
}

func TestWebhookThenClientCallbackReturnIdenticalOrder(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "alice@example.com")

	// Webhook fires first and materializes the order.
	body := webhookEvent(t, payment.EventTypePaymentSucceeded, "tx_001", 2500, "alice@example.com", standardSnapshot())
	resp := env.postWebhook(t, body, payment.Sign(testWebhookSecret, time.Now(), body))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ack := decodeJSON[WebhookAck](t, resp)
	assert.True(t, ack.Received)
	require.NotEmpty(t, ack.OrderID)

	// Client callback arrives later with the same transaction and snapshot;
	// it must observe the identical order, as a success.
	resp = env.doJSON(t, http.MethodPost, "/api/checkout/confirm", sessionToken(t, "alice@example.com"), ConfirmCheckoutRequest{
		TransactionID:          "tx_001",
		Items:                  standardItems(),
		ClaimedTotalMinorUnits: 2500,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeJSON[OrderResponse](t, resp)
	assert.Equal(t, ack.OrderID, got.ID)
	assert.Equal(t, "PAID", got.Status)
	assert.Equal(t, int64(2500), got.TotalMinorUnits)
	require.Len(t, got.Items, 2)

	orders, err := env.store.ListOrdersByUser(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Len(t, orders, 1, "no second row for the duplicate confirmation")
}

func TestClientCallbackThenWebhookConverge(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "alice@example.com")

	resp := env.doJSON(t, http.MethodPost, "/api/checkout/confirm", sessionToken(t, "alice@example.com"), ConfirmCheckoutRequest{
		TransactionID:          "tx_010",
		Items:                  standardItems(),
		ClaimedTotalMinorUnits: 2500,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decodeJSON[OrderResponse](t, resp)

	body := webhookEvent(t, payment.EventTypePaymentSucceeded, "tx_010", 2500, "alice@example.com", standardSnapshot())
	whResp := env.postWebhook(t, body, payment.Sign(testWebhookSecret, time.Now(), body))
	require.Equal(t, http.StatusOK, whResp.StatusCode)
	ack := decodeJSON[WebhookAck](t, whResp)
	assert.Equal(t, created.ID, ack.OrderID)

	orders, err := env.store.ListOrdersByUser(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestClientCallbackPriceMismatchCreatesNothing(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "alice@example.com")

	// Declared 3000 against recomputed 2500.
	resp := env.doJSON(t, http.MethodPost, "/api/checkout/confirm", sessionToken(t, "alice@example.com"), ConfirmCheckoutRequest{
		TransactionID:          "tx_002",
		Items:                  standardItems(),
		ClaimedTotalMinorUnits: 3000,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	errResp := decodeJSON[ErrorResponse](t, resp)
	assert.Equal(t, "price_mismatch", errResp.Error)

	orders, err := env.store.ListOrdersByUser(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestWebhookTamperedSignatureRejected(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "alice@example.com")

	body := webhookEvent(t, payment.EventTypePaymentSucceeded, "tx_003", 2500, "alice@example.com", standardSnapshot())
	resp := env.postWebhook(t, body, payment.Sign([]byte("wrong-secret"), time.Now(), body))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errResp := decodeJSON[ErrorResponse](t, resp)
	assert.Equal(t, "invalid_signature", errResp.Error)

	orders, err := env.store.ListOrdersByUser(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestWebhookNonSuccessEventAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice@example.com")

	body := webhookEvent(t, "payment_intent.created", "tx_004", 2500, "alice@example.com", standardSnapshot())
	resp := env.postWebhook(t, body, payment.Sign(testWebhookSecret, time.Now(), body))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ack := decodeJSON[WebhookAck](t, resp)
	assert.True(t, ack.Received)
	assert.Empty(t, ack.OrderID)
}

func TestWebhookRedeliveryAcknowledgedIdempotently(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "alice@example.com")

	body := webhookEvent(t, payment.EventTypePaymentSucceeded, "tx_005", 2500, "alice@example.com", standardSnapshot())
	header := payment.Sign(testWebhookSecret, time.Now(), body)

	var firstOrderID string
	for i := 0; i < 3; i++ {
		resp := env.postWebhook(t, body, header)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		ack := decodeJSON[WebhookAck](t, resp)
		if i == 0 {
			firstOrderID = ack.OrderID
		}
		assert.Equal(t, firstOrderID, ack.OrderID)
	}

	orders, err := env.store.ListOrdersByUser(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestWebhookUnknownPayer(t *testing.T) {
	env := newTestEnv(t)

	body := webhookEvent(t, payment.EventTypePaymentSucceeded, "tx_006", 2500, "ghost@example.com", standardSnapshot())
	resp := env.postWebhook(t, body, payment.Sign(testWebhookSecret, time.Now(), body))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Provider redelivers once the account exists; exactly one order results.
	env.seedUser(t, "ghost@example.com")
	resp = env.postWebhook(t, body, payment.Sign(testWebhookSecret, time.Now(), body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClientEndpointsRequireSession(t *testing.T) {
	env := newTestEnv(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/checkout/confirm"},
		{http.MethodPost, "/api/payment-intents"},
		{http.MethodGet, "/api/orders"},
	} {
		resp := env.doJSON(t, tc.method, tc.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "%s %s", tc.method, tc.path)
		resp.Body.Close()
	}
}

func TestCreateIntentRecomputesAmount(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice@example.com")

	resp := env.doJSON(t, http.MethodPost, "/api/payment-intents", sessionToken(t, "alice@example.com"), CreateIntentRequest{
		Items: standardItems(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	intent := decodeJSON[CreateIntentResponse](t, resp)
	assert.NotEmpty(t, intent.TransactionID)
	assert.NotEmpty(t, intent.ClientSecret)
	assert.Equal(t, int64(2500), intent.AmountMinorUnits, "amount comes from the snapshot, not the client")
}

func TestGetOrderOwnership(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice@example.com")
	env.seedUser(t, "mallory@example.com")
	env.seedUser(t, testAdminEmail)

	body := webhookEvent(t, payment.EventTypePaymentSucceeded, "tx_007", 2500, "alice@example.com", standardSnapshot())
	ack := decodeJSON[WebhookAck](t, env.postWebhook(t, body, payment.Sign(testWebhookSecret, time.Now(), body)))
	require.NotEmpty(t, ack.OrderID)

	path := fmt.Sprintf("/api/orders/%s", ack.OrderID)

	resp := env.doJSON(t, http.MethodGet, path, sessionToken(t, "alice@example.com"), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.doJSON(t, http.MethodGet, path, sessionToken(t, "mallory@example.com"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = env.doJSON(t, http.MethodGet, path, sessionToken(t, testAdminEmail), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestUpdateStatusAdminOnly(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice@example.com")
	env.seedUser(t, testAdminEmail)

	body := webhookEvent(t, payment.EventTypePaymentSucceeded, "tx_008", 2500, "alice@example.com", standardSnapshot())
	ack := decodeJSON[WebhookAck](t, env.postWebhook(t, body, payment.Sign(testWebhookSecret, time.Now(), body)))

	path := fmt.Sprintf("/api/orders/%s/status", ack.OrderID)

	resp := env.doJSON(t, http.MethodPatch, path, sessionToken(t, "alice@example.com"), UpdateStatusRequest{Status: "SHIPPED"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = env.doJSON(t, http.MethodPatch, path, sessionToken(t, testAdminEmail), UpdateStatusRequest{Status: "SHIPPED"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decodeJSON[OrderResponse](t, resp)
	assert.Equal(t, "SHIPPED", updated.Status)

	resp = env.doJSON(t, http.MethodPatch, path, sessionToken(t, testAdminEmail), UpdateStatusRequest{Status: "TELEPORTED"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestListOrdersReturnsOnlyCallers(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice@example.com")
	env.seedUser(t, "bob@example.com")

	for i, email := range []string{"alice@example.com", "alice@example.com", "bob@example.com"} {
		body := webhookEvent(t, payment.EventTypePaymentSucceeded, fmt.Sprintf("tx_list_%d", i), 2500, email, standardSnapshot())
		resp := env.postWebhook(t, body, payment.Sign(testWebhookSecret, time.Now(), body))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp := env.doJSON(t, http.MethodGet, "/api/orders", sessionToken(t, "alice@example.com"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	orders := decodeJSON[[]OrderResponse](t, resp)
	assert.Len(t, orders, 2)
}
