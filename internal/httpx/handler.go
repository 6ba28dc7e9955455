package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"storefront-backend/internal/cart"
	"storefront-backend/internal/httpx/middlewares"
	"storefront-backend/internal/materializer"
	"storefront-backend/internal/payment"
	"storefront-backend/internal/storage"
)

// maxWebhookBody bounds how much of a webhook delivery is read.
const maxWebhookBody = 1 << 20

// Handler exposes the dual-trigger front door plus the order endpoints.
// Both triggers funnel into the same materializer; whichever arrives first
// creates the order and the other observes the identical result.
type Handler struct {
	verifier   *payment.Verifier
	mat        *materializer.Materializer
	intents    *payment.Client
	orders     storage.OrderStore
	users      storage.UserStore
	adminEmail string
}

// NewHandler wires the handler's collaborators.
func NewHandler(
	verifier *payment.Verifier,
	mat *materializer.Materializer,
	intents *payment.Client,
	orders storage.OrderStore,
	users storage.UserStore,
	adminEmail string,
) *Handler {
	return &Handler{
		verifier:   verifier,
		mat:        mat,
		intents:    intents,
		orders:     orders,
		users:      users,
		adminEmail: adminEmail,
	}
}

// HandleWebhook is the provider's server-to-server trigger. Delivery is
// at-least-once: the endpoint answers 200 once the event is durably
// acknowledged — including "not a success event" and "already materialized" —
// and a non-200 only when the provider should retry the delivery.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable_body", err.Error())
		return
	}

	conf, err := h.verifier.Verify(body, r.Header.Get(payment.SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrAuthenticity):
			slog.WarnContext(r.Context(), "webhook signature rejected", "remote", r.RemoteAddr, "error", err)
			writeError(w, http.StatusBadRequest, "invalid_signature", "event signature verification failed")
		case errors.Is(err, payment.ErrMalformedEvent):
			writeError(w, http.StatusBadRequest, "malformed_event", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "verification_error", err.Error())
		}
		return
	}
	if conf == nil {
		// Verified but not a payment-succeeded event; acknowledge so the
		// provider stops retrying.
		writeJSON(w, http.StatusOK, WebhookAck{Received: true})
		return
	}

	o, err := h.mat.Materialize(r.Context(), conf)
	if err != nil {
		switch {
		case errors.Is(err, materializer.ErrUnknownUser):
			// Redelivery can succeed once the identity resolves.
			writeError(w, http.StatusNotFound, "unknown_user", err.Error())
		case errors.Is(err, materializer.ErrConflictRetryable):
			// The other trigger is mid-commit; provider redelivery is the
			// retry mechanism.
			writeError(w, http.StatusServiceUnavailable, "conflict_in_flight", err.Error())
		case errors.Is(err, payment.ErrMalformedEvent):
			writeError(w, http.StatusBadRequest, "malformed_event", err.Error())
		default:
			slog.ErrorContext(r.Context(), "webhook materialization failed", "tx_id", conf.ProviderTransactionID, "error", err)
			writeError(w, http.StatusServiceUnavailable, "storage_error", "order creation failed, retry delivery")
		}
		return
	}
	writeJSON(w, http.StatusOK, WebhookAck{Received: true, OrderID: o.ID})
}

// HandleConfirmCheckout is the client-side trigger, fired when the browser
// returns from inline payment. The declared total is never trusted; the
// snapshot is revalidated and repriced before materialization. A duplicate
// confirmation returns the same order as a success, never an error.
func (h *Handler) HandleConfirmCheckout(w http.ResponseWriter, r *http.Request) {
	session, ok := middlewares.SessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "")
		return
	}

	var req ConfirmCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.TransactionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "transaction_id is required")
		return
	}

	snapshot, total, err := cart.ResolveClient(mapItemsToSnapshot(req.Items), req.ClaimedTotalMinorUnits)
	if err != nil {
		switch {
		case errors.Is(err, cart.ErrPriceMismatch):
			writeError(w, http.StatusUnprocessableEntity, "price_mismatch", err.Error())
		default:
			writeError(w, http.StatusBadRequest, "invalid_snapshot", err.Error())
		}
		return
	}

	currency := req.Currency
	if currency == "" {
		currency = "usd"
	}
	conf := &payment.Confirmation{
		ProviderTransactionID: req.TransactionID,
		AmountMinorUnits:      total,
		Currency:              currency,
		PayerIdentity:         session.Email,
		CartSnapshot:          snapshot,
	}

	o, err := h.mat.Materialize(r.Context(), conf)
	if err != nil {
		switch {
		case errors.Is(err, materializer.ErrUnknownUser):
			writeError(w, http.StatusNotFound, "unknown_user", err.Error())
		case errors.Is(err, materializer.ErrConflictRetryable):
			writeError(w, http.StatusConflict, "conflict_in_flight", "confirmation in progress, retry shortly")
		default:
			slog.ErrorContext(r.Context(), "checkout confirmation failed", "tx_id", req.TransactionID, "error", err)
			writeError(w, http.StatusServiceUnavailable, "storage_error", "order creation failed, retry")
		}
		return
	}
	writeJSON(w, http.StatusOK, mapOrderToResponse(o))
}

// HandleCreateIntent registers a payment intent with the provider, embedding
// the server-priced cart snapshot in the intent metadata so the later webhook
// event carries it back. No store transaction is open across this call.
func (h *Handler) HandleCreateIntent(w http.ResponseWriter, r *http.Request) {
	session, ok := middlewares.SessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "")
		return
	}

	var req CreateIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	snapshot := cart.Snapshot(mapItemsToSnapshot(req.Items))
	if err := snapshot.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_snapshot", err.Error())
		return
	}
	currency := req.Currency
	if currency == "" {
		currency = "usd"
	}

	intent, err := h.intents.CreateIntent(r.Context(), snapshot.Total(), currency, snapshot, session.Email)
	if err != nil {
		slog.ErrorContext(r.Context(), "payment intent creation failed", "error", err)
		writeError(w, http.StatusBadGateway, "provider_error", "could not create payment intent")
		return
	}
	writeJSON(w, http.StatusOK, CreateIntentResponse{
		TransactionID:    intent.ID,
		ClientSecret:     intent.ClientSecret,
		AmountMinorUnits: intent.AmountMinorUnits,
		Currency:         intent.Currency,
	})
}

// HandleGetOrder returns a single order. Owners see their own orders; the
// admin sees all.
func (h *Handler) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	session, user, ok := h.resolveCaller(w, r)
	if !ok {
		return
	}

	o, err := h.orders.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrOrderNotFound) {
			writeError(w, http.StatusNotFound, "order_not_found", "")
		} else {
			writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		}
		return
	}
	if o.UserID != user.ID && session.Email != h.adminEmail {
		writeError(w, http.StatusForbidden, "forbidden", "")
		return
	}
	writeJSON(w, http.StatusOK, mapOrderToResponse(o))
}

// HandleListOrders returns the caller's orders, newest first.
func (h *Handler) HandleListOrders(w http.ResponseWriter, r *http.Request) {
	_, user, ok := h.resolveCaller(w, r)
	if !ok {
		return
	}

	orders, err := h.orders.ListOrdersByUser(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	out := make([]OrderResponse, len(orders))
	for i := range orders {
		out[i] = mapOrderToResponse(&orders[i])
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleUpdateStatus transitions an order's lifecycle state. Admin only;
// this is the order-management workflow, not materialization — it never
// creates or deletes orders.
func (h *Handler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	session, ok := middlewares.SessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "")
		return
	}
	if session.Email != h.adminEmail {
		writeError(w, http.StatusForbidden, "forbidden", "")
		return
	}

	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	status := orderStatus(req.Status)
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_status", "status must be one of PENDING, PAID, SHIPPED, DELIVERED, CANCELLED")
		return
	}

	o, err := h.orders.UpdateOrderStatus(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		if errors.Is(err, storage.ErrOrderNotFound) {
			writeError(w, http.StatusNotFound, "order_not_found", "")
		} else {
			writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, mapOrderToResponse(o))
}

// resolveCaller maps the session to a stored user, writing the error
// response itself when that fails.
func (h *Handler) resolveCaller(w http.ResponseWriter, r *http.Request) (middlewares.Session, *storage.User, bool) {
	session, ok := middlewares.SessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "")
		return middlewares.Session{}, nil, false
	}
	user, err := h.users.LookupUserByIdentity(r.Context(), session.Email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "unknown_user", "")
		} else {
			writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		}
		return session, nil, false
	}
	return session, user, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: msg})
}
