package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "bybx/internal/errors"
	"bybx/internal/shared/testutil"
)

func TestAPIKeyAuth(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		query      string
		wantStatus int
		wantLog    string
	}{
		{name: "valid key", header: "admin-key-1", wantStatus: http.StatusOK},
		{name: "second key", header: "admin-key-2", wantStatus: http.StatusOK},
		{name: "missing", wantStatus: http.StatusUnauthorized, wantLog: "missing API key"},
		{name: "wrong key", header: "admin-key-3", wantStatus: http.StatusUnauthorized, wantLog: "invalid API key"},
		{name: "prefix of a valid key", header: "admin-key", wantStatus: http.StatusUnauthorized, wantLog: "invalid API key"},
		{name: "query parameter ignored", query: "admin-key-1", wantStatus: http.StatusUnauthorized, wantLog: "missing API key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, logs := testutil.NewTestLogger(t)
			h := APIKeyAuth(logger, []string{"admin-key-1", "", "admin-key-2"})(http.HandlerFunc(okHandler))

			target := "/admin/assets"
			if tt.query != "" {
				target += "?api_key=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set(APIKeyHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantLog != "" {
				assert.True(t, logs.ContainsMessage(tt.wantLog))
				assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
				body := decodeProblem(t, rec)
				assert.Equal(t, apperrors.TypeUnauthorized, body["type"])
				assert.Equal(t, "UNAUTHORIZED", body["code"])
			}
			if tt.header != "" {
				assert.False(t, logs.ContainsText(tt.header), "keys are never logged")
			}
		})
	}
}

func TestAPIKeyAuth_NoKeysConfigured(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	h := APIKeyAuth(logger, nil)(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodGet, "/admin/assets", nil)
	req.Header.Set(APIKeyHeader, "anything")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
