/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. zerolog:    Structured request logging
  4. CORS:       Cross-origin requests for storefront/admin UIs

ROUTE GROUPS:
  /api/apply             Generic mutation
  /api/stock/*           Inventory operations and queries
  /api/loyalty/*         Point operations and queries
  /api/coupons/*         Catalog, application, queries
  /api/health            Liveness probe
  /metrics               Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. The engine sits behind the platform's
  gateway, which owns authn/z.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mercato/ledger-engine/ledger"
)

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler, log zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/apply", h.Apply)
		r.Get("/health", h.Health)

		// Stock routes
		r.Route("/stock/{id}", func(r chi.Router) {
			r.Post("/sell", h.SellStock)
			r.Post("/receive", h.ReceiveStock)
			r.Post("/adjust", h.AdjustStock)
			r.Get("/balance", h.GetBalance(ledger.DomainStock))
			r.Get("/ledger", h.GetLedger(ledger.DomainStock))
			r.Get("/verify", h.Verify(ledger.DomainStock))
		})

		// Loyalty routes
		r.Route("/loyalty/{id}", func(r chi.Router) {
			r.Post("/earn", h.EarnPoints)
			r.Post("/redeem", h.RedeemPoints)
			r.Get("/balance", h.GetBalance(ledger.DomainLoyalty))
			r.Get("/ledger", h.GetLedger(ledger.DomainLoyalty))
			r.Get("/verify", h.Verify(ledger.DomainLoyalty))
		})

		// Coupon routes (keyed by public code, resolved internally)
		r.Route("/coupons", func(r chi.Router) {
			r.Post("/", h.CreateCoupon)
			r.Route("/{code}", func(r chi.Router) {
				r.Get("/", h.GetCoupon)
				r.Post("/apply", h.ApplyCoupon)
				r.Get("/balance", h.GetBalance(ledger.DomainCoupon))
				r.Get("/ledger", h.GetLedger(ledger.DomainCoupon))
				r.Get("/verify", h.Verify(ledger.DomainCoupon))
			})
		})
	})

	// Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// requestLogger emits one structured line per request.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(started)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
