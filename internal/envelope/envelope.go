// Package envelope reads and writes the armored container that carries an
// encrypted digital good together with the identity of the license it
// belongs to.
//
// Layout (big-endian integers, fixed offsets):
//
//	magic          0    4   "BYBX"
//	version        4    2   currently 1
//	orderReference 6   36   NUL or space padded
//	productId      42   4
//	bindingSlot    46  64   all zero while unbound
//	reserved       110 18
//	iv             128 12   AES-GCM nonce
//	authTag        140 16   GCM tag
//	ciphertext     156  -   remainder
//
// Bytes 0..46 are authenticated as GCM additional data. The binding slot is
// excluded so the activation service can stamp it without re-encrypting.
package envelope

import (
	"bytes"
	"encoding/binary"
	"unicode/utf8"

	apperrors "bybx/internal/errors"
)

// Magic identifies an envelope
var Magic = []byte("BYBX")

// CurrentVersion is the only layout version this package understands
const CurrentVersion uint16 = 1

// Field offsets and sizes
const (
	MagicOffset = 0
	MagicSize   = 4

	VersionOffset = 4
	VersionSize   = 2

	OrderRefOffset = 6
	OrderRefSize   = 36

	ProductIDOffset = 42
	ProductIDSize   = 4

	BindingOffset = 46
	BindingSize   = 64

	ReservedOffset = 110
	ReservedSize   = 18

	IVOffset = 128
	IVSize   = 12

	TagOffset = 140
	TagSize   = 16

	HeaderSize = 156

	// AADSize covers magic, version, order reference and product id
	AADSize = BindingOffset
)

// Header is the license identity carried in an envelope
type Header struct {
	OrderReference string
	ProductID      uint32
}

// Envelope is a parsed view over envelope bytes. Byte fields alias the
// input buffer; callers must not modify it while the Envelope is in use.
type Envelope struct {
	Version        uint16
	OrderReference string
	ProductID      uint32
	BindingSlot    []byte
	IV             []byte
	AuthTag        []byte
	Ciphertext     []byte

	raw []byte
}

// Parse decodes an envelope. The magic is checked before any other field
// so foreign files are rejected without further inspection.
func Parse(b []byte) (*Envelope, error) {
	if len(b) < MagicSize {
		return nil, apperrors.NewFormatError(MagicOffset, "truncated: %d bytes", len(b))
	}
	if !bytes.Equal(b[MagicOffset:MagicOffset+MagicSize], Magic) {
		return nil, apperrors.NewFormatError(MagicOffset, "bad magic %q", b[MagicOffset:MagicOffset+MagicSize])
	}
	if len(b) < HeaderSize {
		return nil, apperrors.NewFormatError(len(b), "truncated header: %d of %d bytes", len(b), HeaderSize)
	}

	version := binary.BigEndian.Uint16(b[VersionOffset:])
	if version != CurrentVersion {
		return nil, apperrors.NewFormatError(VersionOffset, "unsupported version %d", version)
	}

	orderRef, err := decodeOrderReference(b[OrderRefOffset : OrderRefOffset+OrderRefSize])
	if err != nil {
		return nil, err
	}

	productID := binary.BigEndian.Uint32(b[ProductIDOffset:])
	if productID == 0 {
		return nil, apperrors.NewFormatError(ProductIDOffset, "product id is zero")
	}

	return &Envelope{
		Version:        version,
		OrderReference: orderRef,
		ProductID:      productID,
		BindingSlot:    b[BindingOffset : BindingOffset+BindingSize],
		IV:             b[IVOffset : IVOffset+IVSize],
		AuthTag:        b[TagOffset : TagOffset+TagSize],
		Ciphertext:     b[HeaderSize:],
		raw:            b,
	}, nil
}

func decodeOrderReference(field []byte) (string, error) {
	trimmed := bytes.TrimRight(field, "\x00 ")
	if len(trimmed) == 0 {
		return "", apperrors.NewFormatError(OrderRefOffset, "empty order reference")
	}
	if bytes.IndexByte(trimmed, 0) >= 0 || !utf8.Valid(trimmed) {
		return "", apperrors.NewFormatError(OrderRefOffset, "order reference is not valid text")
	}
	return string(trimmed), nil
}

// IsBound reports whether any byte of the binding slot is non-zero
func (e *Envelope) IsBound() bool {
	return !isZero(e.BindingSlot)
}

// Header returns the license identity of the envelope
func (e *Envelope) Header() Header {
	return Header{OrderReference: e.OrderReference, ProductID: e.ProductID}
}

// AssociatedData returns the authenticated header prefix
func (e *Envelope) AssociatedData() []byte {
	return e.raw[:AADSize]
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
