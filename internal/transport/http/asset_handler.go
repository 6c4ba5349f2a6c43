package http

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"bybx/internal/activation"
	"bybx/internal/envelope"
	apperrors "bybx/internal/errors"
	customMiddleware "bybx/internal/middleware"
	"bybx/pkg/contracts/domain"
)

// multipartMemory is how much of an upload is buffered in memory before
// spilling to temporary files
const multipartMemory = 8 << 20

// AssetHandler serves envelope downloads and the admin publishing API
type AssetHandler struct {
	service       ActivationService
	validator     *customMiddleware.ValidationMiddleware
	errorHandler  *apperrors.ErrorHandler
	logger        *slog.Logger
	maxUploadSize int64
}

// NewAssetHandler creates a new asset handler
func NewAssetHandler(service ActivationService, validator *customMiddleware.ValidationMiddleware, errorHandler *apperrors.ErrorHandler, logger *slog.Logger, maxUploadSize int64) *AssetHandler {
	return &AssetHandler{
		service:       service,
		validator:     validator,
		errorHandler:  errorHandler,
		logger:        logger.With(slog.String("handler", "asset")),
		maxUploadSize: maxUploadSize,
	}
}

// Routes returns the public envelope routes
func (h *AssetHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{orderReference}/{productId}", h.GetEnvelope)
	return r
}

// AdminRoutes returns the publishing routes. Callers must guard them.
func (h *AssetHandler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListAssets)
	r.Post("/", h.Publish)
	return r
}

// GetEnvelope handles GET /assets/{orderReference}/{productId}
func (h *AssetHandler) GetEnvelope(w http.ResponseWriter, r *http.Request) {
	key, err := h.assetKey(r)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	data, err := h.service.Envelope(r.Context(), key.OrderReference, key.ProductID)
	if err != nil {
		var rejected *apperrors.LicenseRejected
		if errors.As(err, &rejected) && rejected.Reason == apperrors.ReasonNotFound {
			err = apperrors.ErrAssetNotFound
		}
		h.errorHandler.HandleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.WarnContext(r.Context(), "envelope download interrupted",
			slog.String("order_reference", key.OrderReference),
			slog.String("error", err.Error()),
		)
	}
}

func (h *AssetHandler) assetKey(r *http.Request) (domain.AssetKey, error) {
	// chi matches on the raw path when the request carried escapes
	ref := chi.URLParam(r, "orderReference")
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(ref)
		if err != nil {
			return domain.AssetKey{}, apperrors.InvalidRequestWithError(err)
		}
		ref = unescaped
	}
	pid, err := strconv.ParseUint(chi.URLParam(r, "productId"), 10, 32)
	if err != nil {
		return domain.AssetKey{}, apperrors.NewValidationErrors([]apperrors.ValidationError{
			{Field: "productId", Message: "productId must be an unsigned 32-bit integer"},
		})
	}

	key := domain.AssetKey{OrderReference: ref, ProductID: uint32(pid)}
	if err := h.validator.ValidateStruct(key); err != nil {
		return domain.AssetKey{}, err
	}
	return key, nil
}

// ListAssets handles GET /admin/assets
func (h *AssetHandler) ListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := h.service.ListAssets(r.Context())
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, assets)
}

// Publish handles POST /admin/assets. The body is multipart/form-data with
// the orderReference, productId and displayName fields and the content in
// a "content" file part.
func (h *AssetHandler) Publish(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.errorHandler.HandleError(w, r, apperrors.ErrPayloadTooLarge)
			return
		}
		h.errorHandler.HandleError(w, r, apperrors.InvalidRequestWithError(err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	req := domain.PublishRequest{
		OrderReference: r.FormValue("orderReference"),
		DisplayName:    r.FormValue("displayName"),
	}
	if raw := r.FormValue("productId"); raw != "" {
		pid, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			h.errorHandler.HandleError(w, r, apperrors.NewValidationErrors([]apperrors.ValidationError{
				{Field: "productId", Message: "productId must be an unsigned 32-bit integer"},
			}))
			return
		}
		req.ProductID = uint32(pid)
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	file, _, err := r.FormFile("content")
	if err != nil {
		h.errorHandler.HandleError(w, r, apperrors.NewValidationErrors([]apperrors.ValidationError{
			{Field: "content", Message: "content file is required"},
		}))
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		h.errorHandler.HandleError(w, r, apperrors.InvalidRequestWithError(err))
		return
	}

	info, err := h.service.Publish(r.Context(), req, content)
	switch {
	case errors.Is(err, activation.ErrExists):
		h.errorHandler.HandleError(w, r, apperrors.ErrLicenseExists)
		return
	case errors.Is(err, envelope.ErrInvalidHeader):
		h.errorHandler.HandleError(w, r, apperrors.InvalidRequestWithError(err))
		return
	case err != nil:
		h.errorHandler.HandleError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, info)
}
