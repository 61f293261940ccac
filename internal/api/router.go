package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewRouter mounts the engine's HTTP surface: the checkout entry point,
// the gateway webhook ingress, and the read APIs used by the storefront.
func NewRouter(handler *Handler, webhookHandler http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/checkout", handler.InitiateCheckout)
		r.Post("/presales", handler.CreatePresale)
		r.Get("/products/{product_id}/orders", handler.GetOrdersForProduct)
		r.Get("/products/{product_id}/threshold", handler.GetThreshold)
		r.Get("/products/{product_id}/captures", handler.GetCaptureHistory)
	})
	r.Post("/webhooks/gateway", webhookHandler)

	return otelhttp.NewHandler(r, "presale-service")
}
