package domainerrors

import "errors"

// Code represents a domain error category independent of transport layer.
// These codes describe what went wrong in business logic terms, not HTTP terms.
type Code string

const (
	CodeNotFound           Code = "not_found"
	CodeBadRequest         Code = "bad_request"
	CodeInvalidInput       Code = "invalid_input"
	CodeValidation         Code = "validation_failed"
	CodeInternal           Code = "internal_error"
	CodeConflict           Code = "conflict"
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeTimeout            Code = "timeout"
	CodeInvariantViolation Code = "invariant_violation"

	// Credential & session management codes. These are the stable codes
	// callers see at the security boundary; internal causes stay in logs.
	CodeKeyGenerationFailed  Code = "key_generation_failed"
	CodeUnknownKey           Code = "unknown_key"
	CodeTokenExpired         Code = "token_expired"
	CodeInvalidSignature     Code = "token_invalid_signature"
	CodeClaimMismatch        Code = "claim_mismatch"
	CodeSessionReuseDetected Code = "session_reuse_detected"
	CodeAccountLocked        Code = "account_locked"
	CodeWebhookExhausted     Code = "webhook_delivery_exhausted"
)

// Error wraps domain or infrastructure failures with a stable code.
// It is transport-agnostic and can be used across service, store, and other layers.
type Error struct {
	Code    Code
	Message string
	Err     error

	// RetryAfterSeconds carries a retry hint for lockout and rate-limit
	// responses. Zero means no hint.
	RetryAfterSeconds int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

// Unwrap implements error unwrapping for error chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is enables errors.Is() to match errors by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new domain error with the given code and message.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// NewWithRetry creates a domain error carrying a retry-after hint.
func NewWithRetry(code Code, msg string, retryAfterSeconds int) error {
	return &Error{Code: code, Message: msg, RetryAfterSeconds: retryAfterSeconds}
}

// Wrap creates a new domain error wrapping an existing error.
// If the wrapped error is already a domain error, the original code is preserved.
func Wrap(err error, code Code, msg string) error {
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{Code: existing.Code, Message: msg, Err: err, RetryAfterSeconds: existing.RetryAfterSeconds}
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode checks if an error is a domain error with the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// RetryAfter extracts the retry-after hint from an error chain, if any.
func RetryAfter(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfterSeconds
	}
	return 0
}
