package security

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// PinningConfig holds certificate pinning configuration for the activation
// client transport
type PinningConfig struct {
	// SPKI pins as hex SHA-256 of the certificate's SubjectPublicKeyInfo.
	// Empty disables pinning.
	Pins             []string
	RootCAs          *x509.CertPool
	HandshakeTimeout time.Duration
}

// CertificatePinner verifies that a server chain contains a pinned key
type CertificatePinner struct {
	pins map[string]struct{}
}

// NewCertificatePinner creates a pinner for the given SPKI hashes
func NewCertificatePinner(pins []string) (*CertificatePinner, error) {
	cp := &CertificatePinner{pins: make(map[string]struct{}, len(pins))}
	for _, pin := range pins {
		pin = strings.ToLower(strings.TrimSpace(pin))
		if b, err := hex.DecodeString(pin); err != nil || len(b) != sha256.Size {
			return nil, fmt.Errorf("invalid SPKI pin %q: want 64 hex characters", pin)
		}
		cp.pins[pin] = struct{}{}
	}
	return cp, nil
}

// Enabled reports whether any pin is configured
func (cp *CertificatePinner) Enabled() bool {
	return len(cp.pins) > 0
}

// NewTransport returns an HTTP transport enforcing the configured pins
func NewTransport(config PinningConfig) (*http.Transport, error) {
	pinner, err := NewCertificatePinner(config.Pins)
	if err != nil {
		return nil, err
	}

	handshake := config.HandshakeTimeout
	if handshake <= 0 {
		handshake = 5 * time.Second
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    config.RootCAs,
	}
	if pinner.Enabled() {
		tlsConfig.VerifyPeerCertificate = pinner.verifyPeerCertificate
	}

	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: handshake,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
	}, nil
}

func (cp *CertificatePinner) verifyPeerCertificate(_ [][]byte, verifiedChains [][]*x509.Certificate) error {
	if len(verifiedChains) == 0 {
		return errors.New("no verified certificate chains")
	}

	for _, chain := range verifiedChains {
		for _, cert := range chain {
			if _, ok := cp.pins[SPKIHash(cert)]; ok {
				return nil
			}
		}
	}
	return fmt.Errorf("certificate pin verification failed for %s", verifiedChains[0][0].Subject.CommonName)
}

// SPKIHash returns the hex SHA-256 of the certificate's SubjectPublicKeyInfo
func SPKIHash(cert *x509.Certificate) string {
	hash := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(hash[:])
}
