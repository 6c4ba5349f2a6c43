package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"

	apperrors "bybx/internal/errors"
)

// APIKeyHeader carries admin credentials
const APIKeyHeader = "X-API-Key"

// APIKeyAuth guards admin routes. Keys are only read from the header; a
// query parameter would end up in access logs.
func APIKeyAuth(logger *slog.Logger, validKeys []string) func(next http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "api_key_auth"))

	digests := make([][sha256.Size]byte, 0, len(validKeys))
	for _, key := range validKeys {
		if key != "" {
			digests = append(digests, sha256.Sum256([]byte(key)))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			apiKey := r.Header.Get(APIKeyHeader)
			if apiKey == "" {
				logger.WarnContext(ctx, "missing API key",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
				)
				unauthorized(w, r, "API key required")
				return
			}

			if !matchesAny(digests, apiKey) {
				logger.WarnContext(ctx, "invalid API key",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
				)
				unauthorized(w, r, "Invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// matchesAny compares fixed-size digests so neither key length nor the
// matching position leaks through timing
func matchesAny(digests [][sha256.Size]byte, key string) bool {
	candidate := sha256.Sum256([]byte(key))
	found := 0
	for i := range digests {
		found |= subtle.ConstantTimeCompare(digests[i][:], candidate[:])
	}
	return found == 1
}

func unauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	w.Header().Set("WWW-Authenticate", `ApiKey header="`+APIKeyHeader+`"`)
	problem := apperrors.NewProblemDetails(
		http.StatusUnauthorized,
		apperrors.TypeUnauthorized,
		"Unauthorized",
		detail,
		r.URL.Path,
	).WithExtension("code", "UNAUTHORIZED").
		WithExtension("trace_id", GetRequestID(r.Context()))
	apperrors.WriteProblem(w, problem)
}
