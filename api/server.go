/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for merchant dashboards

ROUTE GROUPS:
  /api/loyalty/*   Quote/commit/cancel/refund lifecycle + reads
  /api/admin/*     Merchant settings
  /healthz         Liveness probe

SECURITY NOTE:
  No authentication middleware here; this service is expected to sit
  behind a gateway that authenticates merchants and injects merchant
  identity into request bodies.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"X-Loyalty-Signature", "X-Merchant-Id", "X-Signature-Timestamp", "X-Signature-Key-Id"},
		AllowCredentials: false,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Loyalty lifecycle routes
		r.Route("/loyalty", func(r chi.Router) {
			r.Post("/quote", h.Quote)
			r.Post("/commit", h.Commit)
			r.Post("/cancel", h.Cancel)
			r.Post("/refund", h.Refund)
			r.Post("/registration-bonus", h.RegistrationBonus)
			r.Get("/balance/{merchantID}/{customerID}", h.Balance)
			r.Get("/transactions/{merchantID}/{customerID}", h.Transactions)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Get("/settings/{merchantID}", h.GetSettings)
			r.Put("/settings/{merchantID}", h.PutSettings)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
