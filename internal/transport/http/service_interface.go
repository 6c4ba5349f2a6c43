package http

import (
	"context"

	"bybx/pkg/contracts/domain"
)

// ActivationService is the license authority behind the HTTP handlers
type ActivationService interface {
	Bond(ctx context.Context, req domain.ActivationRequest) ([]byte, error)
	Verify(ctx context.Context, req domain.ActivationRequest) ([]byte, error)
	Envelope(ctx context.Context, orderReference string, productID uint32) ([]byte, error)
	Publish(ctx context.Context, req domain.PublishRequest, content []byte) (*domain.AssetInfo, error)
	ListAssets(ctx context.Context) ([]domain.AssetInfo, error)
	Health(ctx context.Context) error
}
