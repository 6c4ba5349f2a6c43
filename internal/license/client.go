package license

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "bybx/internal/errors"
	"bybx/internal/infrastructure"
	"bybx/internal/security"
	"bybx/pkg/contracts"
	"bybx/pkg/contracts/domain"
)

const (
	opBond   = "bond"
	opVerify = "verify"
	opFetch  = "fetch"

	maxKeyResponseSize     = 64 << 10
	DefaultMaxEnvelopeSize = 256 << 20
)

// Activator releases content keys for a device
type Activator interface {
	Bond(ctx context.Context, req domain.ActivationRequest) (*Grant, error)
	Verify(ctx context.Context, req domain.ActivationRequest) (*Grant, error)
}

// Grant carries a released content key. Wipe it as soon as it is used.
type Grant struct {
	key *security.SecureBuffer
}

// NewGrant takes ownership of a 32-byte key
func NewGrant(key []byte) (*Grant, error) {
	if len(key) != security.KeySize {
		return nil, fmt.Errorf("decryption key must be %d bytes, got %d", security.KeySize, len(key))
	}
	return &Grant{key: security.NewSecureBuffer(key)}, nil
}

// Key returns the content key, or nil after Wipe
func (g *Grant) Key() []byte {
	return g.key.Bytes()
}

// Wipe zeroes the key
func (g *Grant) Wipe() {
	g.key.Clear()
}

// ClientConfig configures the activation client
type ClientConfig struct {
	BaseURL         string
	Timeout         time.Duration // per attempt
	Retry           RetryConfig
	MaxEnvelopeSize int64
	HTTPClient      *http.Client
	Metrics         *Metrics
	// ReleaseVerifier, when set, rejects key releases without a valid
	// service signature
	ReleaseVerifier *security.ReleaseSigner
}

// Client talks to the activation service
type Client struct {
	baseURL         *url.URL
	timeout         time.Duration
	retry           RetryConfig
	maxEnvelopeSize int64
	http            *http.Client
	logger          *slog.Logger
	metrics         *Metrics
	verifier        *security.ReleaseSigner
}

// NewClient creates an activation client
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid activation base URL %q", cfg.BaseURL)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = NewRetryConfig()
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}
	if cfg.MaxEnvelopeSize <= 0 {
		cfg.MaxEnvelopeSize = DefaultMaxEnvelopeSize
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = defaultMetrics()
	}
	if logger == nil {
		logger = infrastructure.GetLogger()
	}

	return &Client{
		baseURL:         base,
		timeout:         cfg.Timeout,
		retry:           cfg.Retry,
		maxEnvelopeSize: cfg.MaxEnvelopeSize,
		http:            cfg.HTTPClient,
		logger:          logger.With(slog.String("component", "activation_client")),
		metrics:         cfg.Metrics,
		verifier:        cfg.ReleaseVerifier,
	}, nil
}

// Bond binds the license to this device on first use and releases the key
func (c *Client) Bond(ctx context.Context, req domain.ActivationRequest) (*Grant, error) {
	return c.activate(ctx, opBond, "/activation/bond", req)
}

// Verify releases the key of a license already bound to this device
func (c *Client) Verify(ctx context.Context, req domain.ActivationRequest) (*Grant, error) {
	return c.activate(ctx, opVerify, "/activation/verify", req)
}

func (c *Client) activate(ctx context.Context, op, path string, req domain.ActivationRequest) (*Grant, error) {
	ctx, span := tracer().Start(ctx, "activation."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("bybx.order_reference", req.OrderReference),
			attribute.Int64("bybx.product_id", int64(req.ProductID)),
			attribute.String("bybx.fingerprint_prefix", security.ShortFingerprint(req.Fingerprint)),
		),
	)

	body, err := json.Marshal(req)
	if err != nil {
		endSpan(span, err)
		return nil, fmt.Errorf("failed to encode activation request: %w", err)
	}

	start := time.Now()
	var grant *Grant
	attempts, err := c.withRetry(ctx, op, func(ctx context.Context, requestID string) (int, time.Duration, error) {
		g, status, retryAfter, err := c.postActivation(ctx, op, path, requestID, req, body)
		grant = g
		return status, retryAfter, err
	})

	span.SetAttributes(attribute.Int("bybx.attempts", attempts))
	c.metrics.recordActivation(ctx, op, attempts, time.Since(start), err)
	endSpan(span, err)

	if err != nil {
		c.logger.WarnContext(ctx, "activation failed",
			slog.String("operation", op),
			slog.String("order_reference", req.OrderReference),
			slog.Int("product_id", int(req.ProductID)),
			slog.String("fingerprint", security.ShortFingerprint(req.Fingerprint)),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	c.logger.InfoContext(ctx, "activation authorized",
		slog.String("operation", op),
		slog.String("order_reference", req.OrderReference),
		slog.Int("product_id", int(req.ProductID)),
		slog.Int("attempts", attempts),
		slog.Duration("duration", time.Since(start)),
	)
	return grant, nil
}

// attemptFunc performs one HTTP attempt. It returns the response status
// (zero if none), a server-requested retry delay and the attempt error.
type attemptFunc func(ctx context.Context, requestID string) (int, time.Duration, error)

// withRetry runs fn until it succeeds, fails with a non-transport error,
// exhausts MaxAttempts or ctx is done. It returns the number of attempts.
func (c *Client) withRetry(ctx context.Context, op string, fn attemptFunc) (int, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, &apperrors.TransportFailure{Op: op, Attempts: attempt - 1, Err: err}
		}

		requestID := uuid.New().String()
		start := time.Now()
		status, retryAfter, err := fn(ctx, requestID)

		c.logger.DebugContext(ctx, "activation attempt",
			slog.String("operation", op),
			slog.String("request_id", requestID),
			slog.Int("attempt", attempt),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
		)

		if err == nil {
			return attempt, nil
		}

		var tf *apperrors.TransportFailure
		if !errors.As(err, &tf) {
			return attempt, err
		}
		tf.Attempts = attempt

		if ctx.Err() != nil || attempt >= c.retry.MaxAttempts {
			return attempt, tf
		}

		delay := c.retry.Delay(attempt)
		if retryAfter > delay {
			delay = min(retryAfter, c.retry.MaxDelay)
		}

		c.logger.WarnContext(ctx, "activation attempt failed, retrying",
			slog.String("operation", op),
			slog.String("request_id", requestID),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.retry.MaxAttempts),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, &apperrors.TransportFailure{Op: op, StatusCode: tf.StatusCode, Attempts: attempt, Err: ctx.Err()}
		case <-timer.C:
		}
	}
}

func (c *Client) postActivation(ctx context.Context, op, path, requestID string, req domain.ActivationRequest, body []byte) (*Grant, int, time.Duration, error) {
	resp, err := c.send(ctx, op, http.MethodPost, path, requestID, bytes.NewReader(body))
	if err != nil {
		return nil, 0, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxKeyResponseSize))
	if err != nil {
		return nil, resp.StatusCode, 0, &apperrors.TransportFailure{Op: op, StatusCode: resp.StatusCode, Err: readErr(ctx, err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, retryAfter(resp), classifyStatus(op, resp.StatusCode, data)
	}

	var verify func(keyHex string) error
	if c.verifier != nil {
		verify = func(keyHex string) error {
			return c.verifier.Verify(resp.Header, security.Release{
				RequestID:      requestID,
				OrderReference: req.OrderReference,
				ProductID:      req.ProductID,
				Fingerprint:    req.Fingerprint,
				DecryptionKey:  keyHex,
			})
		}
	}

	grant, err := decodeGrant(data, verify)
	if err != nil {
		return nil, resp.StatusCode, 0, &apperrors.TransportFailure{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	return grant, resp.StatusCode, 0, nil
}

// FetchEnvelope downloads the current envelope for a license
func (c *Client) FetchEnvelope(ctx context.Context, orderReference string, productID uint32) ([]byte, error) {
	ctx, span := tracer().Start(ctx, "activation.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("bybx.order_reference", orderReference),
			attribute.Int64("bybx.product_id", int64(productID)),
		),
	)

	path := "/assets/" + url.PathEscape(orderReference) + "/" + strconv.FormatUint(uint64(productID), 10)

	var envelope []byte
	_, err := c.withRetry(ctx, opFetch, func(ctx context.Context, requestID string) (int, time.Duration, error) {
		resp, err := c.send(ctx, opFetch, http.MethodGet, path, requestID, nil)
		if err != nil {
			return 0, 0, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, maxKeyResponseSize))
			return resp.StatusCode, retryAfter(resp), classifyStatus(opFetch, resp.StatusCode, data)
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxEnvelopeSize+1))
		if err != nil {
			return resp.StatusCode, 0, &apperrors.TransportFailure{Op: opFetch, StatusCode: resp.StatusCode, Err: readErr(ctx, err)}
		}
		if int64(len(data)) > c.maxEnvelopeSize {
			return resp.StatusCode, 0, apperrors.NewFormatError(-1, "envelope exceeds %d bytes", c.maxEnvelopeSize)
		}
		envelope = data
		return resp.StatusCode, 0, nil
	})
	endSpan(span, err)
	if err != nil {
		return nil, err
	}
	return envelope, nil
}

func (c *Client) send(ctx context.Context, op, method, path, requestID string, body io.Reader) (*http.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)

	req, err := http.NewRequestWithContext(attemptCtx, method, c.baseURL.String()+path, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json, application/problem+json")
	req.Header.Set("User-Agent", contracts.UserAgent())
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, &apperrors.TransportFailure{Op: op, Err: readErr(ctx, err)}
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// readErr prefers the caller's cancellation over the transport's wrapping
func readErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func decodeGrant(data []byte, verify func(keyHex string) error) (*Grant, error) {
	var body domain.ActivationResponse
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("malformed activation response: %w", err)
	}
	if verify != nil {
		if err := verify(body.DecryptionKey); err != nil {
			return nil, err
		}
	}
	key, err := hex.DecodeString(body.DecryptionKey)
	if err != nil {
		return nil, errors.New("malformed activation response: decryptionKey is not hex")
	}
	grant, err := NewGrant(key)
	if err != nil {
		security.Wipe(key)
		return nil, fmt.Errorf("malformed activation response: %w", err)
	}
	return grant, nil
}

// classifyStatus maps a non-200 response onto the error taxonomy
func classifyStatus(op string, status int, body []byte) error {
	switch status {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound,
		http.StatusConflict, http.StatusUnprocessableEntity:
		return rejection(op, status, body)
	default:
		return &apperrors.TransportFailure{
			Op:         op,
			StatusCode: status,
			Err:        fmt.Errorf("unexpected status %s", http.StatusText(status)),
		}
	}
}

func rejection(op string, status int, body []byte) *apperrors.LicenseRejected {
	var problem apperrors.ProblemDetails
	var reason apperrors.RejectReason
	if json.Unmarshal(body, &problem) == nil {
		reason = apperrors.RejectReasonFromCode(problem.Code())
	}

	if reason == "" {
		switch status {
		case http.StatusForbidden:
			reason = apperrors.ReasonDeviceMismatch
		case http.StatusNotFound:
			reason = apperrors.ReasonNotFound
		case http.StatusConflict:
			reason = apperrors.ReasonNotBound
			if op == opBond {
				reason = apperrors.ReasonAlreadyBound
			}
		default:
			reason = apperrors.ReasonInvalidRequest
		}
	}

	return &apperrors.LicenseRejected{Reason: reason, Detail: problem.Detail}
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}
