/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zerolog request logger (request-scoped logger in context)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the back-office frontend

ROUTE GROUPS:
  /api/merchants/{merchantID}/*   Ledger, settings, outbox, TTL
  /metrics                        Prometheus scrape endpoint
  /healthz                        Liveness + datastore ping

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Request logger
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Logger         zerolog.Logger
	AllowedOrigins []string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api/merchants/{merchantID}", func(r chi.Router) {
		// Ledger
		r.Post("/accrue", h.Accrue)
		r.Post("/redeem", h.Redeem)
		r.Post("/complimentary", h.Complimentary)
		r.Post("/transactions/{id}/cancel", h.CancelTransaction)
		r.Get("/customers/{customerID}/balance", h.GetBalance)
		r.Get("/transactions", h.GetTransactions)
		r.Get("/transactions.csv", h.ExportTransactions)

		// Settings
		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.PutSettings)

		// Outbox
		r.Get("/outbox.csv", h.ExportOutbox)
		r.Route("/outbox", func(r chi.Router) {
			r.Get("/", h.ListOutbox)
			r.Get("/stats", h.OutboxStats)
			r.Post("/retry-all", h.RetryAll)
			r.Post("/retry-since", h.RetrySince)
			r.Post("/pause", h.PauseOutbox)
			r.Post("/resume", h.ResumeOutbox)
			r.Post("/{eventID}/retry", h.RetryEvent)
		})

		// TTL
		r.Get("/ttl/reconciliation", h.GetReconciliation)
		r.Get("/ttl/reconciliation.csv", h.ExportReconciliation)
	})

	return r
}
