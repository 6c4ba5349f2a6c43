package license

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "bybx/internal/errors"
	"bybx/internal/security"
	"bybx/internal/shared/testutil"
	"bybx/pkg/contracts/domain"
)

var testKeyHex = strings.Repeat("0f", 32)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func newTestClient(t *testing.T, url string, retry RetryConfig) *Client {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	client, err := NewClient(ClientConfig{BaseURL: url, Timeout: 2 * time.Second, Retry: retry}, logger)
	require.NoError(t, err)
	return client
}

func activationRequest() domain.ActivationRequest {
	return domain.ActivationRequest{OrderReference: "ORD-1234", ProductID: 42, Fingerprint: "F1-fingerprint"}
}

func writeProblem(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"type":   "/errors/license",
		"title":  http.StatusText(status),
		"status": status,
		"detail": "refused by test server",
		"code":   code,
	})
}

func TestClient_BondSendsContractAndReturnsGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/activation/bond", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		assert.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "bybx/"))

		var req domain.ActivationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, activationRequest(), req)

		json.NewEncoder(w).Encode(domain.ActivationResponse{DecryptionKey: testKeyHex})
	}))
	defer srv.Close()

	grant, err := newTestClient(t, srv.URL, fastRetry()).Bond(context.Background(), activationRequest())
	require.NoError(t, err)

	want, _ := hex.DecodeString(testKeyHex)
	assert.Equal(t, want, grant.Key())

	grant.Wipe()
	assert.Nil(t, grant.Key())
}

func TestClient_VerifyUsesVerifyEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/activation/verify", r.URL.Path)
		json.NewEncoder(w).Encode(domain.ActivationResponse{DecryptionKey: testKeyHex})
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, fastRetry()).Verify(context.Background(), activationRequest())
	require.NoError(t, err)
}

func TestClient_VerifiesReleaseSignature(t *testing.T) {
	secret := []byte(strings.Repeat("s", security.MinSigningSecretLength))
	signer, err := security.NewReleaseSigner(secret)
	require.NoError(t, err)

	signed := func(tamper func(*security.Release)) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			rel := security.Release{
				RequestID:      r.Header.Get("X-Request-ID"),
				OrderReference: "ORD-1234",
				ProductID:      42,
				Fingerprint:    "F1-fingerprint",
				DecryptionKey:  testKeyHex,
			}
			if tamper != nil {
				tamper(&rel)
			}
			signer.Sign(w.Header(), rel)
			json.NewEncoder(w).Encode(domain.ActivationResponse{DecryptionKey: testKeyHex})
		}
	}

	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr error
	}{
		{name: "valid signature", handler: signed(nil)},
		{name: "released for another device", handler: signed(func(r *security.Release) { r.Fingerprint = "F2-fingerprint" }), wantErr: security.ErrSignatureInvalid},
		{name: "replayed from another request", handler: signed(func(r *security.Release) { r.RequestID = "earlier-request" }), wantErr: security.ErrSignatureInvalid},
		{name: "unsigned", handler: func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(domain.ActivationResponse{DecryptionKey: testKeyHex})
		}, wantErr: security.ErrSignatureMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			logger, _ := testutil.NewTestLogger(t)
			verifier, err := security.NewReleaseSigner(secret)
			require.NoError(t, err)
			client, err := NewClient(ClientConfig{
				BaseURL:         srv.URL,
				Retry:           RetryConfig{MaxAttempts: 1, Multiplier: 1},
				ReleaseVerifier: verifier,
			}, logger)
			require.NoError(t, err)

			grant, err := client.Bond(context.Background(), activationRequest())
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Len(t, grant.Key(), security.KeySize)
				return
			}
			assert.Nil(t, grant)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, apperrors.KindTransport, apperrors.Classify(err))
		})
	}
}

func TestClient_RejectionsAreTerminal(t *testing.T) {
	tests := []struct {
		name       string
		verify     bool
		status     int
		code       string
		wantReason apperrors.RejectReason
	}{
		{name: "device mismatch", verify: true, status: http.StatusForbidden, code: "DEVICE_MISMATCH", wantReason: apperrors.ReasonDeviceMismatch},
		{name: "not found", status: http.StatusNotFound, code: "LICENSE_NOT_FOUND", wantReason: apperrors.ReasonNotFound},
		{name: "already bound", status: http.StatusConflict, code: "ALREADY_BOUND", wantReason: apperrors.ReasonAlreadyBound},
		{name: "not bound", verify: true, status: http.StatusConflict, code: "NOT_BOUND", wantReason: apperrors.ReasonNotBound},
		{name: "validation", status: http.StatusBadRequest, code: "VALIDATION_FAILED", wantReason: apperrors.ReasonInvalidRequest},
		{name: "403 without code", verify: true, status: http.StatusForbidden, wantReason: apperrors.ReasonDeviceMismatch},
		{name: "409 on bond without code", status: http.StatusConflict, wantReason: apperrors.ReasonAlreadyBound},
		{name: "409 on verify without code", verify: true, status: http.StatusConflict, wantReason: apperrors.ReasonNotBound},
		{name: "422 without code", status: http.StatusUnprocessableEntity, wantReason: apperrors.ReasonInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				if tt.code == "" {
					w.WriteHeader(tt.status)
					return
				}
				writeProblem(w, tt.status, tt.code)
			}))
			defer srv.Close()

			client := newTestClient(t, srv.URL, fastRetry())
			var (
				grant *Grant
				err   error
			)
			if tt.verify {
				grant, err = client.Verify(context.Background(), activationRequest())
			} else {
				grant, err = client.Bond(context.Background(), activationRequest())
			}

			assert.Nil(t, grant)
			var rejected *apperrors.LicenseRejected
			require.ErrorAs(t, err, &rejected)
			assert.Equal(t, tt.wantReason, rejected.Reason)
			assert.Equal(t, int32(1), calls.Load(), "rejections must not be retried")
		})
	}
}

func TestClient_RetriesTransportFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(domain.ActivationResponse{DecryptionKey: testKeyHex})
	}))
	defer srv.Close()

	grant, err := newTestClient(t, srv.URL, fastRetry()).Bond(context.Background(), activationRequest())
	require.NoError(t, err)
	assert.NotNil(t, grant)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_TransportFailureAfterMaxAttempts(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		status  int
	}{
		{
			name:    "bad gateway",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
			status:  http.StatusBadGateway,
		},
		{
			name:    "rate limited",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTooManyRequests) },
			status:  http.StatusTooManyRequests,
		},
		{
			name: "malformed key",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(domain.ActivationResponse{DecryptionKey: "zz"})
			},
			status: http.StatusOK,
		},
		{
			name: "short key",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(domain.ActivationResponse{DecryptionKey: "0f0f"})
			},
			status: http.StatusOK,
		},
		{
			name:    "not json",
			handler: func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("<html>")) },
			status:  http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				tt.handler(w, r)
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL, fastRetry()).Bond(context.Background(), activationRequest())

			var tf *apperrors.TransportFailure
			require.ErrorAs(t, err, &tf)
			assert.Equal(t, "bond", tf.Op)
			assert.Equal(t, tt.status, tf.StatusCode)
			assert.Equal(t, 3, tf.Attempts)
			assert.Equal(t, int32(3), calls.Load())
			assert.True(t, apperrors.IsRetryable(err))
		})
	}
}

func TestClient_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(t, url, fastRetry()).Verify(context.Background(), activationRequest())

	var tf *apperrors.TransportFailure
	require.ErrorAs(t, err, &tf)
	assert.Equal(t, 0, tf.StatusCode)
	assert.Equal(t, 3, tf.Attempts)
}

func TestClient_CancellationAbortsInFlightRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	_, err := newTestClient(t, srv.URL, fastRetry()).Bond(ctx, activationRequest())

	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, apperrors.ErrTransport)
	assert.Equal(t, apperrors.KindCanceled, apperrors.Classify(err))
}

func TestClient_CancellationAbortsBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	slow := RetryConfig{MaxAttempts: 5, InitialDelay: time.Minute, MaxDelay: time.Minute, Multiplier: 1}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := newTestClient(t, srv.URL, slow).Bond(ctx, activationRequest())

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())

	var tf *apperrors.TransportFailure
	require.ErrorAs(t, err, &tf)
	assert.Equal(t, http.StatusServiceUnavailable, tf.StatusCode)
}

func TestClient_FetchEnvelope(t *testing.T) {
	payload := []byte("BYBX envelope bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/assets/ORD-1234/42":
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write(payload)
		case "/assets/ORD-BIG/1":
			w.Write(make([]byte, 64))
		default:
			writeProblem(w, http.StatusNotFound, "ASSET_NOT_FOUND")
		}
	}))
	defer srv.Close()

	logger, _ := testutil.NewTestLogger(t)
	client, err := NewClient(ClientConfig{BaseURL: srv.URL + "/", Retry: fastRetry(), MaxEnvelopeSize: 32}, logger)
	require.NoError(t, err)

	got, err := client.FetchEnvelope(context.Background(), "ORD-1234", 42)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = client.FetchEnvelope(context.Background(), "ORD-9999", 42)
	var rejected *apperrors.LicenseRejected
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, apperrors.ReasonNotFound, rejected.Reason)

	_, err = client.FetchEnvelope(context.Background(), "ORD-BIG", 1)
	assert.ErrorIs(t, err, apperrors.ErrFormat)
}

func TestNewClient_Validation(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)

	_, err := NewClient(ClientConfig{BaseURL: "not a url"}, logger)
	assert.Error(t, err)

	_, err = NewClient(ClientConfig{BaseURL: "https://licensing.example.com", Retry: RetryConfig{MaxAttempts: 2, Multiplier: 0.5}}, logger)
	assert.Error(t, err)

	client, err := NewClient(ClientConfig{BaseURL: "https://licensing.example.com"}, nil)
	require.NoError(t, err)
	assert.Equal(t, NewRetryConfig(), client.retry)
}

func TestNewClient_LogsNeverContainKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(domain.ActivationResponse{DecryptionKey: testKeyHex})
	}))
	defer srv.Close()

	logger, logs := testutil.NewTestLogger(t)
	client, err := NewClient(ClientConfig{BaseURL: srv.URL, Retry: fastRetry()}, logger)
	require.NoError(t, err)

	_, err = client.Bond(context.Background(), activationRequest())
	require.NoError(t, err)

	assert.False(t, logs.ContainsText(testKeyHex))
	assert.False(t, logs.ContainsText("F1-fingerprint"))
	assert.True(t, logs.ContainsMessage("activation authorized"))
}

func TestRetryConfig_Delay(t *testing.T) {
	cfg := NewRetryConfig()

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{retry: 0, want: time.Second},
		{retry: 1, want: time.Second},
		{retry: 2, want: 2 * time.Second},
		{retry: 3, want: 4 * time.Second},
		{retry: 10, want: 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.Delay(tt.retry), "retry %d", tt.retry)
	}
}

func TestRetryConfig_Validate(t *testing.T) {
	assert.NoError(t, NewRetryConfig().Validate())
	assert.Error(t, RetryConfig{MaxAttempts: 0, Multiplier: 1}.Validate())
	assert.Error(t, RetryConfig{MaxAttempts: 1, InitialDelay: time.Second, MaxDelay: time.Millisecond, Multiplier: 1}.Validate())
	assert.Error(t, RetryConfig{MaxAttempts: 1, Multiplier: 0.5}.Validate())
}
