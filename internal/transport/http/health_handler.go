package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"bybx/pkg/contracts"
	"bybx/pkg/contracts/domain"
)

// healthCheckTimeout bounds the store ping
const healthCheckTimeout = 2 * time.Second

// HealthHandler handles GET /healthz
type HealthHandler struct {
	service ActivationService
	logger  *slog.Logger
	now     func() time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(service ActivationService, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "health")),
		now:     time.Now,
	}
}

// HealthCheck reports "ok", or "unavailable" with a 503 when the store
// cannot be reached
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := domain.HealthResponse{
		Status:    "ok",
		Version:   contracts.Version,
		Timestamp: h.now().UTC(),
	}

	if err := h.service.Health(ctx); err != nil {
		h.logger.ErrorContext(ctx, "health check failed", slog.String("error", err.Error()))
		resp.Status = "unavailable"
		render.Status(r, http.StatusServiceUnavailable)
	}

	render.JSON(w, r, resp)
}
