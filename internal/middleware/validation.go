package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	apperrors "bybx/internal/errors"
	"bybx/pkg/contracts/domain"
)

// ValidationMiddleware decodes and validates request bodies using struct tags
type ValidationMiddleware struct {
	validator    *validator.Validate
	logger       *slog.Logger
	errorHandler *apperrors.ErrorHandler
	maxBodySize  int64
}

// NewValidationMiddleware creates a validator that reports fields by their
// JSON names and knows the orderref rule
func NewValidationMiddleware(logger *slog.Logger, errorHandler *apperrors.ErrorHandler, maxBodySize int64) *ValidationMiddleware {
	v := validator.New(validator.WithRequiredStructEnabled())

	// orderref can only fail on strings, registration cannot error
	_ = v.RegisterValidation("orderref", isOrderReference)

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	if maxBodySize <= 0 {
		maxBodySize = 64 << 10
	}

	return &ValidationMiddleware{
		validator:    v,
		logger:       logger.With(slog.String("component", "validation")),
		errorHandler: errorHandler,
		maxBodySize:  maxBodySize,
	}
}

// LimitBody rejects declared oversized bodies and caps the rest
func (m *ValidationMiddleware) LimitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > m.maxBodySize {
			m.errorHandler.HandleError(w, r, apperrors.NewWithDetails(
				http.StatusRequestEntityTooLarge,
				"PAYLOAD_TOO_LARGE",
				"Request body exceeds maximum allowed size",
				map[string]interface{}{
					"max_size": m.maxBodySize,
					"size":     r.ContentLength,
				},
			))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, m.maxBodySize)
		next.ServeHTTP(w, r)
	})
}

// DecodeAndValidate decodes a JSON body into dst and validates it. The
// returned error is an *apperrors.APIError ready for the error handler.
func (m *ValidationMiddleware) DecodeAndValidate(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperrors.ErrPayloadTooLarge
		}
		m.logger.DebugContext(r.Context(), "request body rejected",
			slog.String("error", err.Error()),
			slog.String("request_id", GetRequestID(r.Context())),
		)
		if errors.Is(err, io.EOF) {
			return apperrors.New(http.StatusBadRequest, "INVALID_REQUEST", "Request body is empty")
		}
		return apperrors.InvalidRequestWithError(err)
	}
	if dec.More() {
		return apperrors.New(http.StatusBadRequest, "INVALID_REQUEST", "Request body must contain a single JSON object")
	}

	return m.ValidateStruct(dst)
}

// ValidateStruct validates a struct and returns validation errors
func (m *ValidationMiddleware) ValidateStruct(v interface{}) error {
	err := m.validator.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperrors.InvalidRequestWithError(err)
	}

	validationErrors := make([]apperrors.ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		validationErrors = append(validationErrors, apperrors.ValidationError{
			Field:   fe.Field(),
			Message: formatValidationError(fe),
		})
	}
	return apperrors.NewValidationErrors(validationErrors)
}

func formatValidationError(err validator.FieldError) string {
	field := err.Field()
	param := err.Param()

	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		if err.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at least %s characters", field, param)
		}
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		if err.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at most %s characters", field, param)
		}
		return fmt.Sprintf("%s must be at most %s", field, param)
	case "printascii":
		return fmt.Sprintf("%s must contain printable ASCII only", field)
	case "orderref":
		return fmt.Sprintf("%s must be 1 to %d bytes of printable UTF-8 without trailing spaces",
			field, domain.MaxOrderReferenceLength)
	default:
		return fmt.Sprintf("%s failed %s validation", field, err.Tag())
	}
}

// isOrderReference accepts references that survive the fixed-width header
// field unchanged: space padding is stripped on parse, so trailing spaces
// and NULs would not round-trip.
func isOrderReference(fl validator.FieldLevel) bool {
	ref := fl.Field().String()
	if ref == "" || len(ref) > domain.MaxOrderReferenceLength || !utf8.ValidString(ref) {
		return false
	}
	if strings.HasSuffix(ref, " ") {
		return false
	}
	for _, r := range ref {
		if r == 0 || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
