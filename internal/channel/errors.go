package channel

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a provider resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrSendUnsupported is returned by channels that cannot originate
// outbound messages, such as website forms.
var ErrSendUnsupported = errors.New("channel does not support outbound send")

// AuthError means the request failed webhook verification or the
// integration credentials were rejected by the provider. Not retryable.
type AuthError struct {
	Msg string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s", e.Msg)
}

// NewAuthError creates an AuthError.
func NewAuthError(format string, args ...any) *AuthError {
	return &AuthError{Msg: fmt.Sprintf(format, args...)}
}

// ValidationError means the payload or outbound content was malformed or
// rejected as invalid by the provider. Not retryable.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s", e.Msg)
}

// NewValidationError creates a ValidationError.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// TransientError wraps a failure that is worth retrying: network errors,
// provider 5xx responses, rate limits.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as retryable.
func NewTransientError(err error) *TransientError {
	return &TransientError{Err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
