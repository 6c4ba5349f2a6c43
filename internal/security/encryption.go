package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	apperrors "bybx/internal/errors"
)

// AES-256-GCM parameters of the envelope format
const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

var (
	errKeySize   = fmt.Errorf("key must be %d bytes", KeySize)
	errNonceSize = fmt.Errorf("iv must be %d bytes", NonceSize)
	errTagSize   = fmt.Errorf("auth tag must be %d bytes", TagSize)
)

// NewKey returns a fresh random content key
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext with a random IV and returns the IV, the
// ciphertext and the detached authentication tag
func Encrypt(plaintext, key, aad []byte) (iv, ciphertext, tag []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, err
	}

	iv = make([]byte, NonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, aad)
	split := len(sealed) - TagSize
	return iv, sealed[:split:split], sealed[split:], nil
}

// Decrypt authenticates and opens ciphertext. Every failure, including
// size violations, is a *errors.DecryptionError with a nil plaintext.
func Decrypt(ciphertext, iv, tag, key, aad []byte) ([]byte, error) {
	switch {
	case len(key) != KeySize:
		return nil, &apperrors.DecryptionError{Err: errKeySize}
	case len(iv) != NonceSize:
		return nil, &apperrors.DecryptionError{Err: errNonceSize}
	case len(tag) != TagSize:
		return nil, &apperrors.DecryptionError{Err: errTagSize}
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, &apperrors.DecryptionError{Err: err}
	}

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(sealed[:0], iv, sealed, aad)
	if err != nil {
		Wipe(sealed)
		return nil, &apperrors.DecryptionError{Err: err}
	}
	return plaintext, nil
}

// Wipe zeroes b in place
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SecureBuffer holds sensitive bytes until cleared
type SecureBuffer struct {
	data    []byte
	cleared bool
}

// NewSecureBuffer takes ownership of data
func NewSecureBuffer(data []byte) *SecureBuffer {
	return &SecureBuffer{data: data}
}

// Bytes returns the held data, or nil once cleared
func (sb *SecureBuffer) Bytes() []byte {
	if sb == nil || sb.cleared {
		return nil
	}
	return sb.data
}

// Clear zeroes and releases the held data. Safe to call more than once.
func (sb *SecureBuffer) Clear() {
	if sb == nil || sb.cleared {
		return
	}
	Wipe(sb.data)
	sb.data = nil
	sb.cleared = true
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
