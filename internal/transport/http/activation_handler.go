package http

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "bybx/internal/errors"
	customMiddleware "bybx/internal/middleware"
	"bybx/internal/security"
	"bybx/pkg/contracts/domain"
)

// ActivationHandler serves the bond and verify endpoints
type ActivationHandler struct {
	service      ActivationService
	validator    *customMiddleware.ValidationMiddleware
	errorHandler *apperrors.ErrorHandler
	signer       *security.ReleaseSigner
	logger       *slog.Logger
}

// NewActivationHandler creates a new activation handler. Released keys are
// signed when signer is non-nil.
func NewActivationHandler(service ActivationService, validator *customMiddleware.ValidationMiddleware, errorHandler *apperrors.ErrorHandler, signer *security.ReleaseSigner, logger *slog.Logger) *ActivationHandler {
	return &ActivationHandler{
		service:      service,
		validator:    validator,
		errorHandler: errorHandler,
		signer:       signer,
		logger:       logger.With(slog.String("handler", "activation")),
	}
}

// Routes returns a chi router for the activation endpoints
func (h *ActivationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.validator.LimitBody)
	r.Post("/bond", h.Bond)
	r.Post("/verify", h.Verify)
	return r
}

// Bond handles POST /activation/bond
func (h *ActivationHandler) Bond(w http.ResponseWriter, r *http.Request) {
	h.release(w, r, "bond", h.service.Bond)
}

// Verify handles POST /activation/verify
func (h *ActivationHandler) Verify(w http.ResponseWriter, r *http.Request) {
	h.release(w, r, "verify", h.service.Verify)
}

type releaseFunc func(ctx context.Context, req domain.ActivationRequest) ([]byte, error)

func (h *ActivationHandler) release(w http.ResponseWriter, r *http.Request, op string, fn releaseFunc) {
	ctx, span := otel.Tracer("activation-handler").Start(r.Context(), "activation_handler."+op,
		trace.WithAttributes(attribute.String("request_id", middleware.GetReqID(r.Context()))),
	)
	defer span.End()
	r = r.WithContext(ctx)

	var req domain.ActivationRequest
	if err := h.validator.DecodeAndValidate(r, &req); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		h.errorHandler.HandleError(w, r, err)
		return
	}
	span.SetAttributes(
		attribute.String("bybx.order_reference", req.OrderReference),
		attribute.Int64("bybx.product_id", int64(req.ProductID)),
	)

	key, err := fn(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, apperrors.Classify(err).String())
		h.errorHandler.HandleError(w, r, err)
		return
	}
	defer security.Wipe(key)

	resp := domain.ActivationResponse{DecryptionKey: hex.EncodeToString(key)}
	if h.signer != nil {
		h.signer.Sign(w.Header(), security.Release{
			RequestID:      customMiddleware.GetRequestID(ctx),
			OrderReference: req.OrderReference,
			ProductID:      req.ProductID,
			Fingerprint:    req.Fingerprint,
			DecryptionKey:  resp.DecryptionKey,
		})
	}

	span.SetAttributes(
		attribute.Bool("bybx.released", true),
		attribute.Bool("bybx.signed", h.signer != nil),
	)
	render.JSON(w, r, resp)
}
