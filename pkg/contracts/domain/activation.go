// Package domain contains the wire contracts shared by the activation client
// and the activation service.
package domain

import "time"

// MaxOrderReferenceLength is the width of the order reference field in the
// envelope header. Longer references cannot be packaged.
const MaxOrderReferenceLength = 36

// ActivationRequest is the body of POST /activation/bond and
// POST /activation/verify
type ActivationRequest struct {
	OrderReference string `json:"orderReference" validate:"required,orderref"`
	ProductID      uint32 `json:"productId" validate:"required,min=1"`
	Fingerprint    string `json:"fingerprint" validate:"required,min=8,max=256,printascii"`
}

// ActivationResponse is the success body of both activation endpoints
type ActivationResponse struct {
	DecryptionKey string `json:"decryptionKey"`
}

// AssetKey identifies a license and its envelope
type AssetKey struct {
	OrderReference string `json:"orderReference" validate:"required,orderref"`
	ProductID      uint32 `json:"productId" validate:"required,min=1"`
}

// AssetInfo describes a published envelope
type AssetInfo struct {
	OrderReference string     `json:"orderReference"`
	ProductID      uint32     `json:"productId"`
	DisplayName    string     `json:"displayName"`
	Size           int        `json:"size"`
	Bound          bool       `json:"bound"`
	BondedAt       *time.Time `json:"bondedAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// HealthResponse is the body of GET /healthz
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// Activation error codes carried in the "code" extension of problem responses
const (
	ErrCodeDeviceMismatch  = "DEVICE_MISMATCH"
	ErrCodeLicenseNotFound = "LICENSE_NOT_FOUND"
	ErrCodeAlreadyBound    = "ALREADY_BOUND"
	ErrCodeNotBound        = "NOT_BOUND"
	ErrCodeInvalidRequest  = "INVALID_REQUEST"
)

// PublishRequest describes content to package for a new license
type PublishRequest struct {
	OrderReference string `json:"orderReference" validate:"required,orderref"`
	ProductID      uint32 `json:"productId" validate:"required,min=1"`
	DisplayName    string `json:"displayName" validate:"max=255"`
}
