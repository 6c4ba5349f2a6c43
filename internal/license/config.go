package license

import (
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"bybx/internal/config"
	"bybx/internal/security"
)

// NewClientFromConfig builds a client whose transport enforces the
// configured certificate pins and CA bundle, verifying release signatures
// when a signing secret is configured
func NewClientFromConfig(cfg config.ClientConfig, logger *slog.Logger) (*Client, error) {
	pinning := security.PinningConfig{Pins: cfg.CertificatePins}
	if cfg.CACertFile != "" {
		pem, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CACertFile)
		}
		pinning.RootCAs = pool
	}

	transport, err := security.NewTransport(pinning)
	if err != nil {
		return nil, err
	}

	var verifier *security.ReleaseSigner
	if cfg.ReleaseSigningSecret != "" {
		verifier, err = security.NewReleaseSigner([]byte(cfg.ReleaseSigningSecret))
		if err != nil {
			return nil, err
		}
	}

	return NewClient(ClientConfig{
		BaseURL: cfg.ServiceURL,
		Timeout: cfg.Timeout,
		Retry: RetryConfig{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   cfg.Retry.Multiplier,
		},
		MaxEnvelopeSize: cfg.MaxEnvelopeSize,
		HTTPClient:      &http.Client{Transport: transport},
		ReleaseVerifier: verifier,
	}, logger)
}
