package http

import (
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"bybx/internal/config"
	apperrors "bybx/internal/errors"
	customMiddleware "bybx/internal/middleware"
	"bybx/internal/security"
)

// RouterOptions wires the activation service router
type RouterOptions struct {
	Service ActivationService
	Logger  *slog.Logger

	// OTel instruments requests when set
	OTel *customMiddleware.OTelMiddleware
	// MetricsHandler is mounted at /metrics when set
	MetricsHandler http.Handler

	RateLimit    config.RateLimitConfig
	AdminAPIKeys []string
	// TrustedProxies may set the client address through forwarding headers
	TrustedProxies []netip.Prefix
	// ReleaseSigner signs key-release responses when set
	ReleaseSigner  *security.ReleaseSigner
	RequestTimeout time.Duration
	MaxBodySize    int64
	MaxUploadSize  int64
	IncludeStack   bool
}

// NewRouter builds the activation service routes.
// Middleware order: RequestID → RealIP → OTel → Logger → Recoverer → Timeout.
func NewRouter(opts RouterOptions) chi.Router {
	logger := opts.Logger
	errorHandler := apperrors.NewErrorHandler(logger, opts.IncludeStack)
	validator := customMiddleware.NewValidationMiddleware(logger, errorHandler, opts.MaxBodySize)

	activationHandler := NewActivationHandler(opts.Service, validator, errorHandler, opts.ReleaseSigner, logger)
	assetHandler := NewAssetHandler(opts.Service, validator, errorHandler, logger, opts.MaxUploadSize)
	healthHandler := NewHealthHandler(opts.Service, logger)

	r := chi.NewRouter()
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP(opts.TrustedProxies))
	r.NotFound(errorHandler.NotFound)
	r.MethodNotAllowed(errorHandler.MethodNotAllowed)

	// Scrapes stay out of the request metrics and logs
	if opts.MetricsHandler != nil {
		r.Handle("/metrics", opts.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		if opts.OTel != nil {
			r.Use(opts.OTel.Handler)
		}
		r.Use(customMiddleware.StructuredLogger(logger))
		r.Use(customMiddleware.Recoverer(errorHandler))
		r.Use(customMiddleware.SecurityHeaders)
		if opts.RequestTimeout > 0 {
			r.Use(customMiddleware.Timeout(opts.RequestTimeout))
		}

		r.Get("/healthz", healthHandler.HealthCheck)

		activation := r.With(render.SetContentType(render.ContentTypeJSON))
		if opts.RateLimit.Enabled {
			activation = activation.With(customMiddleware.NewRateLimiter(opts.RateLimit.RPS, opts.RateLimit.Burst, logger).Handler)
		}
		activation.Mount("/activation", activationHandler.Routes())

		r.Mount("/assets", assetHandler.Routes())

		if len(opts.AdminAPIKeys) > 0 {
			r.Route("/admin", func(r chi.Router) {
				r.Use(customMiddleware.APIKeyAuth(logger, opts.AdminAPIKeys))
				r.Mount("/assets", assetHandler.AdminRoutes())
			})
		} else {
			logger.Info("admin routes disabled, no API keys configured")
		}
	})

	return r
}
