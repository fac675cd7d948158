package rpc

import (
	"errors"
	"fmt"
)

// ErrorKind classifies procedure failures so clients can branch on them.
type ErrorKind string

const (
	KindValidation            ErrorKind = "validation_error"
	KindNotFound              ErrorKind = "not_found"
	KindProviderNotConfigured ErrorKind = "provider_not_configured"
	KindProviderStreamError   ErrorKind = "provider_stream_error"
	KindStorage               ErrorKind = "storage_error"
	KindTimeout               ErrorKind = "timeout"
	KindInternal              ErrorKind = "internal_error"
)

// Error is the typed error every transport serializes.
type Error struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError creates a typed error.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ValidationError reports malformed input.
func ValidationError(format string, args ...any) *Error {
	return NewError(KindValidation, format, args...)
}

// NotFoundError reports a missing entity.
func NotFoundError(format string, args ...any) *Error {
	return NewError(KindNotFound, format, args...)
}

// StorageError wraps a repository failure.
func StorageError(err error) *Error {
	return &Error{Kind: KindStorage, Message: err.Error()}
}

// AsError coerces any error to *Error, defaulting to internal_error.
func AsError(err error) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return &Error{Kind: KindInternal, Message: err.Error()}
}

// KindOf returns the kind of an error, internal_error for untyped ones.
func KindOf(err error) ErrorKind {
	return AsError(err).Kind
}
