package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bybx/internal/shared/testutil"
)

func TestErrorHandler_HandleError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
		wantCode   string
		wantLevel  slog.Level
	}{
		{
			name:       "device mismatch",
			err:        &LicenseRejected{Reason: ReasonDeviceMismatch},
			wantStatus: http.StatusForbidden,
			wantType:   TypeDeviceMismatch,
			wantCode:   "DEVICE_MISMATCH",
			wantLevel:  slog.LevelWarn,
		},
		{
			name:       "license not found",
			err:        fmt.Errorf("bond: %w", &LicenseRejected{Reason: ReasonNotFound}),
			wantStatus: http.StatusNotFound,
			wantType:   TypeLicenseNotFound,
			wantCode:   "LICENSE_NOT_FOUND",
			wantLevel:  slog.LevelWarn,
		},
		{
			name:       "already bound",
			err:        &LicenseRejected{Reason: ReasonAlreadyBound},
			wantStatus: http.StatusConflict,
			wantType:   TypeAlreadyBound,
			wantCode:   "ALREADY_BOUND",
			wantLevel:  slog.LevelWarn,
		},
		{
			name:       "not bound",
			err:        &LicenseRejected{Reason: ReasonNotBound},
			wantStatus: http.StatusConflict,
			wantType:   TypeNotBound,
			wantCode:   "NOT_BOUND",
			wantLevel:  slog.LevelWarn,
		},
		{
			name:       "api validation error",
			err:        ErrValidationFailed,
			wantStatus: http.StatusBadRequest,
			wantType:   TypeValidation,
			wantCode:   "VALIDATION_FAILED",
			wantLevel:  slog.LevelWarn,
		},
		{
			name:       "unknown error",
			err:        errors.New("disk on fire"),
			wantStatus: http.StatusInternalServerError,
			wantType:   TypeInternal,
			wantLevel:  slog.LevelError,
		},
		{
			name:       "deadline exceeded",
			err:        context.DeadlineExceeded,
			wantStatus: http.StatusGatewayTimeout,
			wantType:   TypeTimeout,
			wantLevel:  slog.LevelError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, logs := testutil.NewTestLogger(t)
			handler := NewErrorHandler(logger, false)

			req := httptest.NewRequest(http.MethodPost, "/activation/bond", nil)
			w := httptest.NewRecorder()

			handler.HandleError(w, req, tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, ContentTypeProblem, w.Header().Get("Content-Type"))

			var problem ProblemDetails
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
			assert.Equal(t, tt.wantType, problem.Type)
			assert.Equal(t, tt.wantStatus, problem.Status)
			assert.Equal(t, "/activation/bond", problem.Instance)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, problem.Code())
			}
			assert.NotContains(t, problem.Extensions, "stack")

			testutil.AssertLogContains(t, logs, tt.wantLevel, "request failed")
		})
	}
}

func TestErrorHandler_HandleError_Nil(t *testing.T) {
	logger, logs := testutil.NewTestLogger(t)
	handler := NewErrorHandler(logger, true)

	w := httptest.NewRecorder()
	handler.HandleError(w, httptest.NewRequest(http.MethodGet, "/", nil), nil)

	assert.Equal(t, 0, w.Body.Len())
	assert.Equal(t, 0, logs.Count())
}

func TestErrorHandler_IncludeStackOnlyForServerErrors(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	handler := NewErrorHandler(logger, true)

	w := httptest.NewRecorder()
	handler.HandleError(w, httptest.NewRequest(http.MethodGet, "/x", nil), errors.New("boom"))

	var problem ProblemDetails
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.Contains(t, problem.Extensions, "stack")

	w = httptest.NewRecorder()
	handler.HandleError(w, httptest.NewRequest(http.MethodGet, "/x", nil), &LicenseRejected{Reason: ReasonNotBound})
	problem = ProblemDetails{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.NotContains(t, problem.Extensions, "stack")
}

func TestErrorHandler_HandlePanic(t *testing.T) {
	logger, logs := testutil.NewTestLogger(t)
	handler := NewErrorHandler(logger, false)

	w := httptest.NewRecorder()
	handler.HandlePanic(w, httptest.NewRequest(http.MethodGet, "/healthz", nil), "nil map write")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.True(t, logs.ContainsMessage("panic recovered"))
}

func TestErrorHandler_NotFoundAndMethodNotAllowed(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	handler := NewErrorHandler(logger, false)

	w := httptest.NewRecorder()
	handler.NotFound(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	handler.MethodNotAllowed(w, httptest.NewRequest(http.MethodDelete, "/activation/bond", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Contains(t, w.Body.String(), "DELETE")
}

func TestProblemDetails_JSONRoundTripKeepsExtensions(t *testing.T) {
	problem := RejectionProblem(&LicenseRejected{Reason: ReasonAlreadyBound, Detail: "bound elsewhere"}, "/activation/bond")

	data, err := json.Marshal(problem)
	require.NoError(t, err)

	var decoded ProblemDetails
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, http.StatusConflict, decoded.Status)
	assert.Equal(t, "bound elsewhere", decoded.Detail)
	assert.Equal(t, "ALREADY_BOUND", decoded.Code())
}
