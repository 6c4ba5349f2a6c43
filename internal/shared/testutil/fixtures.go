package testutil

import (
	"bytes"
	"path/filepath"
	"testing"
)

// Canonical license used across activation tests
const (
	OrderReference = "ORD-1234"
	ProductID      = uint32(42)
	DisplayName    = "Field Manual"

	// FingerprintF1 and FingerprintF2 stand for two distinct devices
	FingerprintF1 = "f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1f1"
	FingerprintF2 = "f2f2f2f2f2f2f2f2f2f2f2f2f2f2f2f2"
)

// Document returns fresh plaintext for sealing tests
func Document() []byte {
	return []byte("%PDF-1.7 licensed document body")
}

// StorageSecret returns a secret long enough for the activation store
func StorageSecret() []byte {
	return bytes.Repeat([]byte("s"), 32)
}

// TempDBPath returns a database path inside a per-test directory
func TempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "activation.db")
}
