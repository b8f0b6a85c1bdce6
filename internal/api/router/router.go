package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/workcomp-booking/internal/booking"
	httpmiddleware "github.com/wolfman30/workcomp-booking/internal/http/middleware"
	"github.com/wolfman30/workcomp-booking/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger         *logging.Logger
	Booking        *booking.Handler
	MetricsHandler http.Handler
	HealthChecks   map[string]HealthCheck

	// AdminAuthSecret signs the HS256 tokens accepted on operator endpoints.
	// When empty and AllowUnauthenticated is set (local development) the
	// operator endpoints are left open.
	AdminAuthSecret      string
	AllowUnauthenticated bool

	CORSAllowedOrigins  []string
	AdminRateLimitRPS   float64
	AdminRateLimitBurst int
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	// Public endpoints (provider webhook, health checks)
	r.Group(func(public chi.Router) {
		public.Get("/health", healthHandler(cfg.HealthChecks))
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.Booking != nil {
			cfg.Booking.RegisterWebhookRoutes(public)
		}
	})

	// Operator endpoints
	if cfg.Booking != nil {
		r.Group(func(admin chi.Router) {
			if cfg.AdminAuthSecret != "" || !cfg.AllowUnauthenticated {
				admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			}
			// after auth, so buckets are per token subject
			if cfg.AdminRateLimitRPS > 0 && cfg.AdminRateLimitBurst > 0 {
				admin.Use(httpmiddleware.OperatorRateLimit(cfg.AdminRateLimitRPS, cfg.AdminRateLimitBurst))
			}
			cfg.Booking.RegisterRoutes(admin)
		})
	}

	return r
}
