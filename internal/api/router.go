/**
 * @description
 * This file sets up the HTTP router for the linked-account-service using the
 * `chi` routing library. It defines all the API routes and applies the
 * logging, CORS, rate limiting and authentication middleware.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/transfa/linked-account-service/pkg/middleware"
)

// RouterConfig controls the cross-cutting middleware.
type RouterConfig struct {
	Auth                  middleware.AuthConfig
	AllowedOrigins        []string
	RateLimitPerMinute    int
	RequestTimeout        time.Duration
	DisableRequestLogging bool
}

// NewRouter creates and configures a new HTTP router.
func NewRouter(cfg RouterConfig, h *Handler) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Setup middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	if !cfg.DisableRequestLogging {
		r.Use(chimw.Logger)
	}
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(cfg.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.UserIDHeader},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: false,
		MaxAge:           300, // Maximum value not ignored by any major browsers
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Catalog endpoints are public.
	r.Get("/banks", h.ListBanks)
	r.Get("/currencies", h.ListCurrencies)

	// Group routes that require authentication
	r.Group(func(r chi.Router) {
		if cfg.RateLimitPerMinute > 0 {
			r.Use(middleware.RateLimitMiddleware(cfg.RateLimitPerMinute))
		}
		r.Use(middleware.AuthMiddleware(cfg.Auth))
		r.Use(middleware.ClientInfoMiddleware)

		r.Route("/bank-accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Post("/", h.CreateAccount)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetAccount)
				r.Patch("/", h.UpdateAccount)
				r.Delete("/", h.DeleteAccount)
				r.Post("/primary", h.SetPrimaryAccount)
				r.Post("/verifications", h.InitiateVerification)
				r.Get("/verification", h.GetVerificationStatus)
			})
		})

		r.Route("/verifications/{id}", func(r chi.Router) {
			r.Post("/submit", h.SubmitVerification)
			r.Get("/attempts", h.ListVerificationAttempts)
		})

		r.Get("/security/events", h.ListSecurityEvents)
	})

	return r
}
