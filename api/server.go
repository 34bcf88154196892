/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the reader frontend

ROUTE GROUPS:
  /api/users/*          Balances, ledger, entitlements, unlocks, engagement
  /api/subscriptions/*  Subscription lifecycle
  /api/payments/*       Payment intents and confirmation
  /api/health           Liveness probe

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
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// User-scoped routes
		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/balances", h.GetBalances)
			r.Get("/ledger", h.GetLedger)
			r.Get("/grants", h.GetGrants)
			r.Get("/entitlements/{chapterID}", h.GetEntitlement)
			r.Post("/unlocks/key", h.UnlockWithKey)
			r.Post("/unlocks/karma", h.UnlockWithKarma)
			r.Get("/subscriptions", h.ListSubscriptions)
			r.Post("/subscriptions", h.Subscribe)
			r.Get("/payments", h.ListPayments)
			r.Post("/checkin", h.CheckIn)
			r.Post("/missions/{missionID}/complete", h.CompleteMission)
		})

		// Subscription lifecycle
		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/{id}/cancel-auto-renew", h.CancelAutoRenew)
		})

		// Payment routes
		r.Route("/payments", func(r chi.Router) {
			r.Post("/intents", h.CreateIntent)
			r.Post("/intents/{id}/confirm", h.ConfirmIntent)
		})

		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	})

	return r
}
