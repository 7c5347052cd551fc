/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in access logs
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. AccessLog:  One zap line per request
  4. Metrics:    Prometheus request counters and latency
  5. CORS:       Cross-origin requests for the admin console

ROUTE GROUPS:
  /api/accounts/*        Balances, movements, purchases, bonus, debits
  /api/movements/*       Movement lookup
  /api/discount-codes/*  Discount code admin
  /api/bulk-discounts/*  Bulk discount schedule admin
  /api/admin/*           Reconciliation
  /api/scenarios/*       Demo scenarios (dev only)
  /metrics               Prometheus scrape endpoint
  /healthz               Liveness and store reachability

SECURITY NOTE:
  No authentication middleware. All endpoints are public; deploy behind the
  service that owns accounts and payments.

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
	"go.uber.org/zap"
)

// NewRouter creates a new router with all routes configured. An empty
// allowedOrigins list allows local development origins only.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(AccessLog(h.Logger))
	r.Use(h.Metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Retry-After", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", h.Metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Account routes
		r.Route("/accounts/{id}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/movements", h.ListMovements)
			r.Post("/quotes", h.Quote)
			r.Post("/purchases", h.Purchase)
			r.Post("/bonus", h.AddBonus)
			r.Post("/consumptions", h.Consume)
			r.Post("/refunds", h.Refund)
			r.Post("/adjustments", h.Adjust)
			r.Post("/close", h.CloseAccount)
		})

		r.Get("/movements/{uid}", h.GetMovement)

		// Discount code routes
		r.Route("/discount-codes", func(r chi.Router) {
			r.Get("/", h.ListDiscountCodes)
			r.Post("/", h.CreateDiscountCode)
			r.Get("/{code}", h.GetDiscountCode)
			r.Get("/{code}/usages", h.ListCodeUsages)
			r.Post("/{code}/enable", h.EnableDiscountCode)
			r.Post("/{code}/disable", h.DisableDiscountCode)
		})

		// Bulk discount routes
		r.Route("/bulk-discounts", func(r chi.Router) {
			r.Get("/", h.ListBulkDiscounts)
			r.Post("/", h.CreateBulkDiscount)
			r.Post("/resolve", h.ResolveBulkDiscount)
			r.Get("/{id}", h.GetBulkDiscount)
			r.Post("/{id}/default", h.SetDefaultBulkDiscount)
			r.Post("/{id}/enable", h.EnableBulkDiscount)
			r.Post("/{id}/disable", h.DisableBulkDiscount)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/reconcile", h.TriggerReconcile)
			r.Get("/reconcile/last", h.LastReconcile)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// AccessLog writes one structured line per request.
func AccessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if status >= http.StatusInternalServerError {
				logger.Warn("request", fields...)
				return
			}
			logger.Info("request", fields...)
		})
	}
}
