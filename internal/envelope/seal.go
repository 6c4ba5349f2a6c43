package envelope

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"bybx/internal/security"
)

var (
	// ErrInvalidHeader is returned by Seal for a header that cannot be encoded
	ErrInvalidHeader = errors.New("invalid envelope header")

	// ErrInvalidSlot is returned by Bind for a slot of the wrong size or all zero
	ErrInvalidSlot = errors.New("invalid binding slot")

	// ErrSlotConflict is returned by Bind when the envelope is bound to another slot
	ErrSlotConflict = errors.New("envelope already bound to a different slot")
)

// EncodeHeader writes the authenticated header prefix for h
func EncodeHeader(h Header) ([]byte, error) {
	if err := validateHeader(h); err != nil {
		return nil, err
	}

	out := make([]byte, AADSize)
	copy(out[MagicOffset:], Magic)
	binary.BigEndian.PutUint16(out[VersionOffset:], CurrentVersion)
	copy(out[OrderRefOffset:OrderRefOffset+OrderRefSize], h.OrderReference)
	binary.BigEndian.PutUint32(out[ProductIDOffset:], h.ProductID)
	return out, nil
}

func validateHeader(h Header) error {
	switch {
	case h.OrderReference == "":
		return fmt.Errorf("%w: empty order reference", ErrInvalidHeader)
	case len(h.OrderReference) > OrderRefSize:
		return fmt.Errorf("%w: order reference longer than %d bytes", ErrInvalidHeader, OrderRefSize)
	case strings.ContainsRune(h.OrderReference, 0) || !utf8.ValidString(h.OrderReference):
		return fmt.Errorf("%w: order reference is not valid text", ErrInvalidHeader)
	case strings.TrimRight(h.OrderReference, " ") != h.OrderReference:
		return fmt.Errorf("%w: order reference has trailing spaces", ErrInvalidHeader)
	case h.ProductID == 0:
		return fmt.Errorf("%w: product id is zero", ErrInvalidHeader)
	}
	return nil
}

// Seal encrypts plaintext under key into a new, unbound envelope
func Seal(h Header, key, plaintext []byte) ([]byte, error) {
	aad, err := EncodeHeader(h)
	if err != nil {
		return nil, err
	}

	iv, ciphertext, tag, err := security.Encrypt(plaintext, key, aad)
	if err != nil {
		return nil, fmt.Errorf("seal envelope: %w", err)
	}

	out := make([]byte, HeaderSize+len(ciphertext))
	copy(out, aad)
	copy(out[IVOffset:IVOffset+IVSize], iv)
	copy(out[TagOffset:TagOffset+TagSize], tag)
	copy(out[HeaderSize:], ciphertext)
	return out, nil
}

// Bind returns a copy of b with the binding slot set to slot. Binding an
// envelope again with the same slot is a no-op copy.
func Bind(b []byte, slot []byte) ([]byte, error) {
	if len(slot) != BindingSize || isZero(slot) {
		return nil, ErrInvalidSlot
	}

	env, err := Parse(b)
	if err != nil {
		return nil, err
	}
	if env.IsBound() && !bytes.Equal(env.BindingSlot, slot) {
		return nil, ErrSlotConflict
	}

	out := bytes.Clone(b)
	copy(out[BindingOffset:BindingOffset+BindingSize], slot)
	return out, nil
}
