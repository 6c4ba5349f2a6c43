package errors

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the four failure categories of the open flow.
// Use errors.Is against these; use errors.As against the concrete types
// below when the details matter.
var (
	ErrFormat          = errors.New("invalid envelope format")
	ErrTransport       = errors.New("activation service unreachable")
	ErrLicenseRejected = errors.New("license rejected")
	ErrDecryption      = errors.New("decryption failed")
)

// Kind identifies the failure category of an error produced by the open flow
type Kind int

const (
	KindUnknown Kind = iota
	KindFormat
	KindTransport
	KindRejected
	KindDecryption
	KindCanceled
)

// String returns the metric/log label for the kind
func (k Kind) String() string {
	switch k {
	case KindFormat:
		return "format"
	case KindTransport:
		return "transport"
	case KindRejected:
		return "rejected"
	case KindDecryption:
		return "decryption"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// RejectReason explains why the activation service refused a key
type RejectReason string

const (
	ReasonDeviceMismatch RejectReason = "device_mismatch"
	ReasonNotFound       RejectReason = "not_found"
	ReasonAlreadyBound   RejectReason = "already_bound"
	ReasonNotBound       RejectReason = "not_bound"
	ReasonInvalidRequest RejectReason = "invalid_request"
)

// Code returns the wire code used in problem responses for the reason
func (r RejectReason) Code() string {
	switch r {
	case ReasonDeviceMismatch:
		return "DEVICE_MISMATCH"
	case ReasonNotFound:
		return "LICENSE_NOT_FOUND"
	case ReasonAlreadyBound:
		return "ALREADY_BOUND"
	case ReasonNotBound:
		return "NOT_BOUND"
	default:
		return "INVALID_REQUEST"
	}
}

// RejectReasonFromCode maps a wire code back to a reason. Unknown codes
// map to the empty reason.
func RejectReasonFromCode(code string) RejectReason {
	switch code {
	case "DEVICE_MISMATCH":
		return ReasonDeviceMismatch
	case "LICENSE_NOT_FOUND":
		return ReasonNotFound
	case "ALREADY_BOUND":
		return ReasonAlreadyBound
	case "NOT_BOUND":
		return ReasonNotBound
	case "INVALID_REQUEST", "VALIDATION_FAILED":
		return ReasonInvalidRequest
	default:
		return ""
	}
}

// FormatError reports a corrupted or foreign envelope. Never retryable.
type FormatError struct {
	Reason string
	Offset int // byte offset of the offending field, -1 if not applicable
}

func (e *FormatError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("invalid envelope format: %s (offset %d)", e.Reason, e.Offset)
	}
	return fmt.Sprintf("invalid envelope format: %s", e.Reason)
}

// Is matches ErrFormat
func (e *FormatError) Is(target error) bool {
	return target == ErrFormat
}

// NewFormatError creates a format error for the given field offset
func NewFormatError(offset int, format string, args ...any) *FormatError {
	return &FormatError{Reason: fmt.Sprintf(format, args...), Offset: offset}
}

// TransportFailure reports a network, timeout or server-side failure while
// talking to the activation service. Retrying the same call is safe.
type TransportFailure struct {
	Op         string // "bond", "verify" or "fetch"
	StatusCode int    // zero when no response was received
	Attempts   int
	Err        error
}

func (e *TransportFailure) Error() string {
	msg := fmt.Sprintf("activation %s failed", e.Op)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s with status %d", msg, e.StatusCode)
	}
	if e.Attempts > 1 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes the underlying cause
func (e *TransportFailure) Unwrap() error {
	return e.Err
}

// Is matches ErrTransport
func (e *TransportFailure) Is(target error) bool {
	return target == ErrTransport
}

// LicenseRejected reports that the activation service refused to release a
// key for this device. Terminal for the current device.
type LicenseRejected struct {
	Reason RejectReason
	Detail string
}

func (e *LicenseRejected) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("license rejected (%s): %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("license rejected (%s)", e.Reason)
}

// Is matches ErrLicenseRejected
func (e *LicenseRejected) Is(target error) bool {
	return target == ErrLicenseRejected
}

// DecryptionError reports an authentication failure while opening the
// ciphertext. No plaintext is ever returned alongside it.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decryption failed: %v", e.Err)
	}
	return "decryption failed"
}

// Unwrap exposes the underlying cause
func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// Is matches ErrDecryption
func (e *DecryptionError) Is(target error) bool {
	return target == ErrDecryption
}

// Classify returns the failure category of err. Cancellation is checked
// first because a cancelled call surfaces wrapped in a TransportFailure.
// An expired deadline counts as a transport failure whichever phase it
// interrupted.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrFormat):
		return KindFormat
	case errors.Is(err, ErrLicenseRejected):
		return KindRejected
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrDecryption):
		return KindDecryption
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransport
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether re-running the whole open flow may succeed
// without user intervention. Only transport failures qualify, plus
// decryption failures, which may stem from a key garbled in transit.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindTransport, KindDecryption:
		return true
	default:
		return false
	}
}

// UserMessage returns the user-facing text for err. Each category gets its
// own message because the remediation differs.
func UserMessage(err error) string {
	switch Classify(err) {
	case KindFormat:
		return "This file is damaged or is not a protected document. Please download it again."
	case KindRejected:
		var rejected *LicenseRejected
		if errors.As(err, &rejected) && rejected.Reason == ReasonNotFound {
			return "No license was found for this order and product."
		}
		return "This device is not authorized for this license."
	case KindTransport:
		return "Could not reach the license service. Check your connection and try again."
	case KindDecryption:
		return "The document could not be decrypted. Please try again."
	case KindCanceled:
		return "Opening the document was cancelled."
	default:
		return "An unexpected error occurred while opening the document."
	}
}
