package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Headers carrying the key-release signature
const (
	SignatureHeader = "X-Bybx-Signature"
	TimestampHeader = "X-Bybx-Timestamp"
)

const (
	// MinSigningSecretLength is the shortest accepted shared secret
	MinSigningSecretLength = 32
	// DefaultSignatureSkew bounds the clock difference between service
	// and client
	DefaultSignatureSkew = 5 * time.Minute

	signingVersion = "bybx-release-v1"
)

var (
	ErrSignatureMissing = errors.New("release signature missing")
	ErrSignatureInvalid = errors.New("release signature invalid")
	ErrSignatureExpired = errors.New("release signature outside the accepted time window")
)

// Release is the signed content of a key-release response. It binds the
// released key to the request that asked for it.
type Release struct {
	RequestID      string
	OrderReference string
	ProductID      uint32
	Fingerprint    string
	DecryptionKey  string
}

func (r Release) canonical(timestamp int64) string {
	return fmt.Sprintf("%s|%d|%q|%q|%d|%q|%s",
		signingVersion,
		timestamp,
		r.RequestID,
		r.OrderReference,
		r.ProductID,
		r.Fingerprint,
		r.DecryptionKey,
	)
}

// ReleaseSigner signs key-release responses on the service and verifies
// them on the client with HMAC-SHA256 under a key derived from a shared
// secret
type ReleaseSigner struct {
	key  []byte
	skew time.Duration
	now  func() time.Time
}

// NewReleaseSigner derives the signing key from secret with HKDF-SHA256
func NewReleaseSigner(secret []byte) (*ReleaseSigner, error) {
	if len(secret) < MinSigningSecretLength {
		return nil, fmt.Errorf("signing secret must be at least %d bytes", MinSigningSecretLength)
	}

	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(signingVersion)), key); err != nil {
		return nil, fmt.Errorf("failed to derive signing key: %w", err)
	}

	return &ReleaseSigner{key: key, skew: DefaultSignatureSkew, now: time.Now}, nil
}

// Sign sets the timestamp and signature headers for rel
func (s *ReleaseSigner) Sign(h http.Header, rel Release) {
	ts := s.now().Unix()
	h.Set(TimestampHeader, strconv.FormatInt(ts, 10))
	h.Set(SignatureHeader, base64.StdEncoding.EncodeToString(s.mac(rel.canonical(ts))))
}

// Verify checks the headers of a key-release response against rel
func (s *ReleaseSigner) Verify(h http.Header, rel Release) error {
	sigText, tsText := h.Get(SignatureHeader), h.Get(TimestampHeader)
	if sigText == "" || tsText == "" {
		return ErrSignatureMissing
	}

	ts, err := strconv.ParseInt(tsText, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrSignatureInvalid, tsText)
	}
	sig, err := base64.StdEncoding.DecodeString(sigText)
	if err != nil {
		return fmt.Errorf("%w: not base64", ErrSignatureInvalid)
	}
	if !hmac.Equal(sig, s.mac(rel.canonical(ts))) {
		return ErrSignatureInvalid
	}

	drift := s.now().Sub(time.Unix(ts, 0))
	if drift > s.skew || drift < -s.skew {
		return ErrSignatureExpired
	}
	return nil
}

func (s *ReleaseSigner) mac(canonical string) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(canonical))
	return h.Sum(nil)
}
