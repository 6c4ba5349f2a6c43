package license

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"bybx/internal/envelope"
	apperrors "bybx/internal/errors"
	"bybx/internal/infrastructure"
	"bybx/internal/security"
	"bybx/pkg/contracts/domain"
)

// DecryptedAsset is the plaintext released by a successful open. The
// consumer owns Data and should call Wipe when done with it.
type DecryptedAsset struct {
	Name           string
	OrderReference string
	ProductID      uint32
	Data           []byte
}

// Size returns the plaintext length
func (a *DecryptedAsset) Size() int {
	return len(a.Data)
}

// Wipe zeroes and releases the plaintext
func (a *DecryptedAsset) Wipe() {
	security.Wipe(a.Data)
	a.Data = nil
}

// OpenOption adjusts a single Open call
type OpenOption func(*openOptions)

type openOptions struct {
	name            string
	expectedOrder   string
	expectedProduct uint32
}

func (o openOptions) check(h envelope.Header) error {
	switch {
	case o.expectedProduct != 0 && o.expectedProduct != h.ProductID:
		return apperrors.NewFormatError(envelope.ProductIDOffset,
			"envelope is for product %d, expected %d", h.ProductID, o.expectedProduct)
	case o.expectedOrder != "" && o.expectedOrder != h.OrderReference:
		return apperrors.NewFormatError(envelope.OrderRefOffset,
			"envelope is for order %q, expected %q", h.OrderReference, o.expectedOrder)
	}
	return nil
}

// WithExpectedProduct makes Open fail with a format error when the
// envelope belongs to another product
func WithExpectedProduct(id uint32) OpenOption {
	return func(o *openOptions) {
		o.expectedProduct = id
	}
}

// WithExpectedOrder makes Open fail with a format error when the envelope
// belongs to another order
func WithExpectedOrder(ref string) OpenOption {
	return func(o *openOptions) {
		o.expectedOrder = ref
	}
}

// WithName sets the display name of the resulting asset
func WithName(name string) OpenOption {
	return func(o *openOptions) {
		o.name = name
	}
}

// Opener composes envelope parsing, fingerprinting, activation and
// decryption. It holds no per-open state and is safe for concurrent use.
type Opener struct {
	fingerprints security.FingerprintSource
	activator    Activator
	logger       *slog.Logger
	metrics      *Metrics
}

// OpenerOption configures an Opener
type OpenerOption func(*Opener)

// WithMetrics records open metrics on m instead of the global meter
func WithMetrics(m *Metrics) OpenerOption {
	return func(o *Opener) {
		o.metrics = m
	}
}

// NewOpener creates an opener
func NewOpener(fingerprints security.FingerprintSource, activator Activator, logger *slog.Logger, opts ...OpenerOption) *Opener {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	o := &Opener{
		fingerprints: fingerprints,
		activator:    activator,
		logger:       logger.With(slog.String("component", "opener")),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = defaultMetrics()
	}
	return o
}

// Open decrypts an envelope for this device. Errors are one of
// *errors.FormatError, *errors.TransportFailure, *errors.LicenseRejected
// or *errors.DecryptionError, or the context error when cancelled or timed
// out before activation started. A timeout classifies as a transport
// failure either way.
func (o *Opener) Open(ctx context.Context, data []byte, opts ...OpenOption) (*DecryptedAsset, error) {
	var options openOptions
	for _, opt := range opts {
		opt(&options)
	}

	ctx = infrastructure.EnsureTraceID(ctx)
	ctx, span := tracer().Start(ctx, "license.open",
		trace.WithAttributes(attribute.Int("bybx.envelope_size", len(data))),
	)
	start := time.Now()

	asset, err := o.open(ctx, data, options)

	size := 0
	if asset != nil {
		size = asset.Size()
	}
	o.metrics.recordOpen(ctx, err, size)
	endSpan(span, err)

	if err != nil {
		o.logger.WarnContext(ctx, "open failed",
			slog.String("error_kind", apperrors.Classify(err).String()),
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)),
		)
		return nil, err
	}

	o.logger.InfoContext(ctx, "envelope opened",
		slog.String("order_reference", asset.OrderReference),
		slog.Int("product_id", int(asset.ProductID)),
		slog.Int("size", size),
		slog.Duration("duration", time.Since(start)),
	)
	return asset, nil
}

func (o *Opener) open(ctx context.Context, data []byte, options openOptions) (*DecryptedAsset, error) {
	env, err := o.parse(ctx, data, options)
	if err != nil {
		return nil, err
	}

	fp, err := o.fingerprint(ctx)
	if err != nil {
		return nil, err
	}

	grant, err := o.activate(ctx, env, fp)
	if err != nil {
		return nil, err
	}

	plaintext, err := o.decrypt(ctx, env, grant)
	if err != nil {
		return nil, err
	}

	name := options.name
	if name == "" {
		name = fmt.Sprintf("%s-%d", env.OrderReference, env.ProductID)
	}
	return &DecryptedAsset{
		Name:           name,
		OrderReference: env.OrderReference,
		ProductID:      env.ProductID,
		Data:           plaintext,
	}, nil
}

func (o *Opener) parse(ctx context.Context, data []byte, options openOptions) (*envelope.Envelope, error) {
	_, span := tracer().Start(ctx, "license.open.parse")

	env, err := envelope.Parse(data)
	if err == nil {
		err = options.check(env.Header())
	}
	if err == nil {
		span.SetAttributes(
			attribute.String("bybx.order_reference", env.OrderReference),
			attribute.Int64("bybx.product_id", int64(env.ProductID)),
			attribute.Bool("bybx.bound", env.IsBound()),
		)
	}

	endSpan(span, err)
	if err != nil {
		return nil, err
	}
	return env, nil
}

func (o *Opener) fingerprint(ctx context.Context) (*security.Fingerprint, error) {
	ctx, span := tracer().Start(ctx, "license.open.fingerprint")

	fp, err := o.fingerprints.Generate(ctx)
	if err == nil {
		o.metrics.recordDegraded(ctx, fp.Degraded)
		span.SetAttributes(attribute.Int("bybx.degraded_signals", len(fp.Degraded)))
	}

	endSpan(span, err)
	return fp, err
}

func (o *Opener) activate(ctx context.Context, env *envelope.Envelope, fp *security.Fingerprint) (*Grant, error) {
	req := domain.ActivationRequest{
		OrderReference: env.OrderReference,
		ProductID:      env.ProductID,
		Fingerprint:    fp.Value,
	}

	if env.IsBound() {
		o.logger.DebugContext(ctx, "envelope bound, verifying",
			slog.String("order_reference", req.OrderReference),
			slog.String("fingerprint", fp.Short()),
		)
		return o.activator.Verify(ctx, req)
	}

	o.logger.DebugContext(ctx, "envelope unbound, bonding",
		slog.String("order_reference", req.OrderReference),
		slog.String("fingerprint", fp.Short()),
	)
	return o.activator.Bond(ctx, req)
}

func (o *Opener) decrypt(ctx context.Context, env *envelope.Envelope, grant *Grant) ([]byte, error) {
	_, span := tracer().Start(ctx, "license.open.decrypt")
	defer grant.Wipe()

	plaintext, err := security.Decrypt(env.Ciphertext, env.IV, env.AuthTag, grant.Key(), env.AssociatedData())
	endSpan(span, err)
	return plaintext, err
}
