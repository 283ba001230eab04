package stun

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotSTUN indicates that the packet is not a valid STUN message.
	ErrNotSTUN = errors.New("stun: not a stun message")

	// ErrMalformedAttribute indicates an attribute value of the wrong size or format.
	ErrMalformedAttribute = errors.New("stun: malformed attribute")

	// ErrNoMappedAddress indicates that the response did not contain any mapped address attribute.
	ErrNoMappedAddress = errors.New("stun: no mapped address in response")

	// ErrIntegrity indicates a missing or invalid MESSAGE-INTEGRITY attribute.
	ErrIntegrity = errors.New("stun: message integrity check failed")

	// ErrFingerprint indicates an invalid FINGERPRINT attribute.
	ErrFingerprint = errors.New("stun: fingerprint check failed")

	// ErrTimeout indicates that the STUN transaction timed out.
	ErrTimeout = errors.New("stun: timeout")

	// ErrClosed indicates that the transaction manager was closed while a
	// transaction was pending.
	ErrClosed = errors.New("stun: transactions closed")

	// ErrDuplicateTransaction indicates a transaction ID already in flight.
	ErrDuplicateTransaction = errors.New("stun: duplicate transaction id")
)

// UnknownAttributesError is returned by Parse when the message carries
// comprehension-required attributes this package does not understand.
type UnknownAttributesError struct {
	Types []AttrType
}

func (e *UnknownAttributesError) Error() string {
	parts := make([]string, 0, len(e.Types))
	for _, t := range e.Types {
		parts = append(parts, fmt.Sprintf("0x%04x", uint16(t)))
	}
	return "stun: unknown comprehension-required attributes " + strings.Join(parts, ",")
}

// ErrorResponse is returned by a transaction whose peer answered with an
// error-class response.
type ErrorResponse struct {
	Code   int
	Reason string
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("stun: error response %d %s", e.Code, e.Reason)
}

// Well-known error codes.
const (
	CodeBadRequest       = 400
	CodeUnauthorized     = 401
	CodeUnknownAttribute = 420
	CodeRoleConflict     = 487
)

// IsRoleConflict reports whether err is a 487 error response.
func IsRoleConflict(err error) bool {
	var er *ErrorResponse
	return errors.As(err, &er) && er.Code == CodeRoleConflict
}
