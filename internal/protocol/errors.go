package protocol

import (
	"errors"
	"fmt"
)

// ConnectCode classifies connect failures. The set is closed: orchestration
// retry policy and user-facing categories both key off it.
type ConnectCode string

const (
	CodeUnreachable         ConnectCode = "unreachable"
	CodeAuthFailed          ConnectCode = "auth_failed"
	CodeHandshakeFailed     ConnectCode = "handshake_failed"
	CodeCertificateRejected ConnectCode = "certificate_rejected"
	CodeCipherUnsupported   ConnectCode = "cipher_unsupported"
)

// ConnectError wraps a transport failure with its classification.
type ConnectError struct {
	Code ConnectCode
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// NewConnectError builds a classified connect error.
func NewConnectError(code ConnectCode, err error) *ConnectError {
	return &ConnectError{Code: code, Err: err}
}

// CodeOf extracts the classification, or "" for unclassified errors.
func CodeOf(err error) ConnectCode {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// Retryable reports whether a retry can plausibly succeed with the same
// credentials. Auth and certificate rejections cannot.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeUnreachable, CodeHandshakeFailed:
		return true
	}
	return false
}

// Category maps a connect error to the coarse reason reported to callers:
// network, auth or certificate. Internal detail stays out of user surfaces.
func Category(err error) string {
	switch CodeOf(err) {
	case CodeAuthFailed:
		return "auth"
	case CodeCertificateRejected:
		return "certificate"
	case CodeCipherUnsupported:
		return "cipher"
	default:
		return "network"
	}
}
