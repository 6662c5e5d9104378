package usecase

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorConfiguration ErrorCode = "CONFIGURATION_ERROR"
	ErrorNotFound      ErrorCode = "NOT_FOUND"
	ErrorPersistence   ErrorCode = "PERSISTENCE_ERROR"
	ErrorProcessing    ErrorCode = "PROCESSING_ERROR"
	ErrorSubscription  ErrorCode = "SUBSCRIPTION_ERROR"
	ErrorInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrorRejected      ErrorCode = "REJECTED"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// ConfigurationError wraps a start-up failure caused by missing credentials
// or settings.
func ConfigurationError(reason string, err error) *Error {
	return newError(ErrorConfiguration, reason, err)
}

// PersistenceError wraps a failed backend read or write.
func PersistenceError(reason string, err error) *Error {
	return newError(ErrorPersistence, reason, err)
}

// NotFoundError wraps a lookup of a record the backend does not hold.
func NotFoundError(reason string, err error) *Error {
	return newError(ErrorNotFound, reason, err)
}

// IsCode reports whether err carries a usecase error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.Code == code
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
