package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"storefront-backend/internal/httpx/middlewares"
)

// NewRouter assembles the HTTP surface. The webhook endpoint is
// provider-authenticated by signature, everything else by session token.
func NewRouter(handler *Handler, sessionSecret []byte) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/webhooks/payment", handler.HandleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(middlewares.SessionAuth(sessionSecret))
		r.Post("/api/payment-intents", handler.HandleCreateIntent)
		r.Post("/api/checkout/confirm", handler.HandleConfirmCheckout)
		r.Get("/api/orders", handler.HandleListOrders)
		r.Get("/api/orders/{id}", handler.HandleGetOrder)
		r.Patch("/api/orders/{id}/status", handler.HandleUpdateStatus)
	})

	return r
}
