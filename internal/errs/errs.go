// Package errs provides the unified error taxonomy for the secure index core.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies the kind of failure a core operation produced.
type Code string

const (
	// KeyAuthFail means a password or keyfile authentication check failed.
	KeyAuthFail Code = "KEY_AUTH_FAIL"
	// NotFound means a keyfile, record, or reference entry is absent.
	NotFound Code = "NOT_FOUND"
	// IOFail means a filesystem or SQL transport failure occurred.
	IOFail Code = "IO_FAIL"
	// EncodeRange means an integer fell outside its representable range.
	EncodeRange Code = "ENCODE_RANGE"
	// AuthFail means an AES-GCM tag failed to verify.
	AuthFail Code = "AUTH_FAIL"
	// CryptoCapacity means the BFV noise budget would be exhausted.
	CryptoCapacity Code = "CRYPTO_CAPACITY"
	// ModeError means a decrypt operation was attempted in encrypt-only mode.
	ModeError Code = "MODE_ERROR"
	// Internal means an invariant was violated; a programmer error.
	Internal Code = "INTERNAL"
)

// Error is a structured error carrying one of the Code kinds above.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap wraps an existing error with a Code and message.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Is reports whether err is an *Error carrying the given code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf extracts the Code of err, or Internal if err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Convenience constructors, one per taxonomy entry.

func NewKeyAuthFail(message string) *Error { return New(KeyAuthFail, message) }

func NewNotFound(resource, id string) *Error {
	if id == "" {
		return New(NotFound, fmt.Sprintf("%s not found", resource))
	}
	return New(NotFound, fmt.Sprintf("%s %q not found", resource, id))
}

func WrapIOFail(operation string, err error) *Error {
	return Wrap(IOFail, fmt.Sprintf("i/o failure during %s", operation), err)
}

func NewEncodeRange(message string) *Error { return New(EncodeRange, message) }

func NewAuthFail(message string) *Error { return New(AuthFail, message) }

func WrapCryptoCapacity(message string, err error) *Error {
	return Wrap(CryptoCapacity, message, err)
}

func NewModeError(message string) *Error { return New(ModeError, message) }

func WrapInternal(message string, err error) *Error {
	return Wrap(Internal, message, err)
}
