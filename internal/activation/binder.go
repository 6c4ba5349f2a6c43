package activation

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"

	"bybx/internal/envelope"
	"bybx/internal/security"
)

// Binder derives the binding slot that ties a license to one device
type Binder struct {
	key []byte
}

// NewBinder creates a binder keyed from the server secret
func NewBinder(secret []byte) (*Binder, error) {
	key, err := deriveKey(secret, "bybx/binding", blake2b.Size)
	if err != nil {
		return nil, err
	}
	return &Binder{key: key}, nil
}

// Slot returns the 64-byte binding for a license on a device. The result
// is deterministic and never all zero.
func (b *Binder) Slot(orderReference string, productID uint32, fingerprint string) []byte {
	h, err := blake2b.New512(b.key)
	if err != nil {
		// only possible with a key longer than 64 bytes
		panic(fmt.Sprintf("blake2b: %v", err))
	}

	writeField(h, []byte(orderReference))
	var pid [4]byte
	binary.BigEndian.PutUint32(pid[:], productID)
	h.Write(pid[:])
	writeField(h, []byte(fingerprint))

	slot := h.Sum(nil)
	if isZero(slot) {
		slot[envelope.BindingSize-1] = 1
	}
	return slot
}

// Matches reports whether slot binds the license to fingerprint
func (b *Binder) Matches(slot []byte, orderReference string, productID uint32, fingerprint string) bool {
	return security.SecureCompare(slot, b.Slot(orderReference, productID, fingerprint))
}

// writeField length-prefixes v so adjacent fields cannot run together
func writeField(w io.Writer, v []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(v)))
	w.Write(n[:])
	w.Write(v)
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
