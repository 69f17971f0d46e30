/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack and route table. This is the
  wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in handler logs
  2. RealIP:     Client address behind a proxy
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the front-desk app
  6. RequireJWT: Every /api route except the gateway webhook

ROUTE GROUPS:
  /api/payments/*        Charges, top-ups, confirmation
  /api/periods/*         Period end
  /api/hostels/*         Period start
  /api/residents/*       Check-out
  /api/admin/*           Orphan reconciliation
  /api/access-codes/*    Code verification
  /api/webhooks/paystack Gateway callback (signature-checked)
  /healthz               Liveness, with an optional readiness probe

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries router-level settings.
type RouterConfig struct {
	JWTSecret      []byte
	AllowedOrigins []string
	// Ready is consulted by /healthz when set, e.g. a database ping.
	Ready func(ctx context.Context) error
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready != nil {
			if err := cfg.Ready(r.Context()); err != nil {
				writeError(w, http.StatusServiceUnavailable, "not ready", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		// Paystack cannot present a JWT; the body signature authenticates it.
		r.Post("/webhooks/paystack", h.PaystackWebhook)

		r.Group(func(r chi.Router) {
			r.Use(RequireJWT(cfg.JWTSecret))

			// Payment routes
			r.Route("/payments", func(r chi.Router) {
				r.Post("/", h.InitializeCharge)
				r.Post("/top-up", h.InitializeTopUp)
				r.Post("/{reference}/confirm", h.ConfirmPayment)
			})

			// Period routes
			r.Post("/periods/{id}/end", h.EndPeriod)
			r.Post("/hostels/{id}/periods", h.StartPeriod)

			// Resident routes
			r.Post("/residents/{id}/checkout", h.CheckOut)

			// Admin routes
			r.Route("/admin", func(r chi.Router) {
				r.Post("/reconcile-orphans", h.ReconcileOrphans)
			})

			r.Get("/access-codes/{code}", h.VerifyAccessCode)
		})
	})

	return r
}
