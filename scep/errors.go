package scep

import (
	"gopkg.in/errgo.v2/fmt/errors"
)

// Error causes. Every failure returned by this package carries exactly one of
// these as its errgo cause, so callers classify with errors.Cause or IsKind.
var (
	ErrSigning              = errors.New("scep: signing failed")
	ErrVerification         = errors.New("scep: signature verification failed")
	ErrEnvelope             = errors.New("scep: envelope encryption or decryption failed")
	ErrAttribute            = errors.New("scep: missing or malformed authenticated attribute")
	ErrPayloadEncoding      = errors.New("scep: payload could not be serialized")
	ErrPayloadDecoding      = errors.New("scep: payload does not match its message type")
	ErrUnsupportedAlgorithm = errors.New("scep: unsupported algorithm")
	ErrNonceMismatch        = errors.New("scep: reply does not match the request nonce or transaction")
)

// IsKind reports whether err was caused by kind.
// ErrNonceMismatch failures also report as ErrAttribute.
func IsKind(err error, kind error) bool {
	if err == nil {
		return false
	}
	cause := errors.Cause(err)
	if cause == kind {
		return true
	}
	return kind == ErrAttribute && cause == ErrNonceMismatch
}
