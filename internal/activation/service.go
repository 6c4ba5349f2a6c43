// Package activation is the reference activation service. It stores content
// keys and envelopes, records the first device to bond each license and
// releases keys only to that device.
package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"bybx/internal/envelope"
	apperrors "bybx/internal/errors"
	"bybx/internal/infrastructure"
	"bybx/internal/security"
	"bybx/pkg/contracts/domain"
)

// Service implements bond, verify and publishing on top of a Store
type Service struct {
	store     *Store
	binder    *Binder
	logger    *slog.Logger
	now       func() time.Time
	decisions metric.Int64Counter

	// bondMu makes the read-then-bind sequence of Bond atomic in process.
	// RecordBinding still guards against other processes.
	bondMu sync.Mutex
}

// NewService creates the activation service
func NewService(store *Store, binder *Binder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	decisions, _ := otel.Meter("bybx-activation").Int64Counter(
		"bybx_activation_decisions_total",
		metric.WithDescription("Activation decisions by operation and outcome"),
	)
	return &Service{
		store:     store,
		binder:    binder,
		logger:    logger.With(slog.String("component", "activation_service")),
		now:       time.Now,
		decisions: decisions,
	}
}

// Bond binds an unbound license to the requesting device and returns its
// key. Bonding again from the same device returns the key again.
func (s *Service) Bond(ctx context.Context, req domain.ActivationRequest) ([]byte, error) {
	s.bondMu.Lock()
	defer s.bondMu.Unlock()

	lic, err := s.license(ctx, req)
	if err != nil {
		return nil, s.decide(ctx, "bond", req, err)
	}

	if lic.Bound() {
		return s.releaseIfMatching(ctx, "bond", lic, req, apperrors.ReasonAlreadyBound)
	}

	slot := s.binder.Slot(req.OrderReference, req.ProductID, req.Fingerprint)
	asset, err := s.store.GetAsset(ctx, req.OrderReference, req.ProductID)
	if err != nil {
		security.Wipe(lic.Key)
		return nil, s.decide(ctx, "bond", req, s.storeError(err))
	}
	stamped, err := envelope.Bind(asset.Envelope, slot)
	if err != nil {
		security.Wipe(lic.Key)
		return nil, s.decide(ctx, "bond", req, fmt.Errorf("stamp envelope: %w", err))
	}

	err = s.store.RecordBinding(ctx, req.OrderReference, req.ProductID, slot, stamped, s.now())
	if errors.Is(err, ErrBindingTaken) {
		security.Wipe(lic.Key)
		lic, err = s.license(ctx, req)
		if err != nil {
			return nil, s.decide(ctx, "bond", req, err)
		}
		return s.releaseIfMatching(ctx, "bond", lic, req, apperrors.ReasonAlreadyBound)
	}
	if err != nil {
		security.Wipe(lic.Key)
		return nil, s.decide(ctx, "bond", req, err)
	}

	s.logger.InfoContext(ctx, "license bonded",
		slog.String("order_reference", req.OrderReference),
		slog.Int("product_id", int(req.ProductID)),
		slog.String("fingerprint", security.ShortFingerprint(req.Fingerprint)),
	)
	return lic.Key, s.decide(ctx, "bond", req, nil)
}

// Verify releases the key of a license bound to the requesting device
func (s *Service) Verify(ctx context.Context, req domain.ActivationRequest) ([]byte, error) {
	lic, err := s.license(ctx, req)
	if err != nil {
		return nil, s.decide(ctx, "verify", req, err)
	}
	if !lic.Bound() {
		security.Wipe(lic.Key)
		return nil, s.decide(ctx, "verify", req, &apperrors.LicenseRejected{
			Reason: apperrors.ReasonNotBound,
			Detail: "license has not been bonded to a device yet",
		})
	}
	return s.releaseIfMatching(ctx, "verify", lic, req, apperrors.ReasonDeviceMismatch)
}

func (s *Service) releaseIfMatching(ctx context.Context, op string, lic *License, req domain.ActivationRequest, otherwise apperrors.RejectReason) ([]byte, error) {
	if s.binder.Matches(lic.Binding, req.OrderReference, req.ProductID, req.Fingerprint) {
		return lic.Key, s.decide(ctx, op, req, nil)
	}
	security.Wipe(lic.Key)

	detail := "license is bound to another device"
	return nil, s.decide(ctx, op, req, &apperrors.LicenseRejected{Reason: otherwise, Detail: detail})
}

func (s *Service) license(ctx context.Context, req domain.ActivationRequest) (*License, error) {
	lic, err := s.store.GetLicense(ctx, req.OrderReference, req.ProductID)
	if err != nil {
		return nil, s.storeError(err)
	}
	return lic, nil
}

func (s *Service) storeError(err error) error {
	if errors.Is(err, ErrNotFound) {
		return &apperrors.LicenseRejected{
			Reason: apperrors.ReasonNotFound,
			Detail: "no license exists for this order and product",
		}
	}
	return err
}

// decide logs and counts the outcome of an activation and returns err
func (s *Service) decide(ctx context.Context, op string, req domain.ActivationRequest, err error) error {
	outcome := "authorized"
	var rejected *apperrors.LicenseRejected
	switch {
	case err == nil:
	case errors.As(err, &rejected):
		outcome = string(rejected.Reason)
		s.logger.WarnContext(ctx, "activation rejected",
			slog.String("operation", op),
			slog.String("order_reference", req.OrderReference),
			slog.Int("product_id", int(req.ProductID)),
			slog.String("fingerprint", security.ShortFingerprint(req.Fingerprint)),
			slog.String("reason", outcome),
		)
	default:
		outcome = "error"
		s.logger.ErrorContext(ctx, "activation failed",
			slog.String("operation", op),
			slog.String("order_reference", req.OrderReference),
			slog.Int("product_id", int(req.ProductID)),
			slog.String("error", err.Error()),
		)
	}

	if s.decisions != nil {
		s.decisions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("outcome", outcome),
		))
	}
	return err
}

// Publish packages content under a fresh key and stores the license with
// its unbound envelope
func (s *Service) Publish(ctx context.Context, req domain.PublishRequest, content []byte) (*domain.AssetInfo, error) {
	key, err := security.NewKey()
	if err != nil {
		return nil, err
	}
	defer security.Wipe(key)

	sealed, err := envelope.Seal(envelope.Header{OrderReference: req.OrderReference, ProductID: req.ProductID}, key, content)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC().Truncate(time.Second)
	err = s.store.CreateLicense(ctx,
		&License{OrderReference: req.OrderReference, ProductID: req.ProductID, Key: key, CreatedAt: now},
		&Asset{OrderReference: req.OrderReference, ProductID: req.ProductID, DisplayName: req.DisplayName, Envelope: sealed, UpdatedAt: now},
	)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "license published",
		slog.String("order_reference", req.OrderReference),
		slog.Int("product_id", int(req.ProductID)),
		slog.Int("envelope_size", len(sealed)),
	)
	return &domain.AssetInfo{
		OrderReference: req.OrderReference,
		ProductID:      req.ProductID,
		DisplayName:    req.DisplayName,
		Size:           len(sealed),
		UpdatedAt:      now,
	}, nil
}

// Envelope returns the current envelope bytes of a license
func (s *Service) Envelope(ctx context.Context, orderReference string, productID uint32) ([]byte, error) {
	asset, err := s.store.GetAsset(ctx, orderReference, productID)
	if err != nil {
		return nil, s.storeError(err)
	}
	return asset.Envelope, nil
}

// ListAssets describes every published envelope
func (s *Service) ListAssets(ctx context.Context) ([]domain.AssetInfo, error) {
	summaries, err := s.store.ListAssets(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]domain.AssetInfo, 0, len(summaries))
	for _, sum := range summaries {
		out = append(out, domain.AssetInfo{
			OrderReference: sum.OrderReference,
			ProductID:      sum.ProductID,
			DisplayName:    sum.DisplayName,
			Size:           int(sum.Size),
			Bound:          sum.Bound,
			BondedAt:       sum.BondedAt,
			UpdatedAt:      sum.UpdatedAt,
		})
	}
	return out, nil
}

// Health checks the store
func (s *Service) Health(ctx context.Context) error {
	return s.store.Ping(ctx)
}
