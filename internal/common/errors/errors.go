// Package errors defines the application error taxonomy shared by all
// subsystems. Every error that crosses an API boundary is an *AppError
// with a kind that maps onto an HTTP status.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies an application error.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindResourceExhausted Kind = "resource_exhausted"
	KindTimeout           Kind = "timeout"
	KindGitSync           Kind = "git_sync"
	KindTransient         Kind = "transient"
	KindFatal             Kind = "fatal"
	KindInternal          Kind = "internal"
)

// AppError is the error type surfaced at API boundaries.
type AppError struct {
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	Field      string `json:"field,omitempty"`
	HTTPStatus int    `json:"-"`
	cause      error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *AppError) Unwrap() error { return e.cause }

// Is matches AppErrors by kind so sentinel comparisons work across wraps.
func (e *AppError) Is(target error) bool {
	var appErr *AppError
	if stderrors.As(target, &appErr) {
		return e.Kind == appErr.Kind
	}
	return false
}

func newError(kind Kind, status int, msg string) *AppError {
	return &AppError{Kind: kind, Message: msg, HTTPStatus: status}
}

// ValidationError reports malformed input for a named field.
func ValidationError(field, msg string) *AppError {
	e := newError(KindValidation, http.StatusBadRequest, msg)
	e.Field = field
	return e
}

// BadRequest reports malformed input without a specific field.
func BadRequest(msg string) *AppError {
	return newError(KindValidation, http.StatusBadRequest, msg)
}

// NotFound reports a missing entity. Never retried.
func NotFound(what string) *AppError {
	return newError(KindNotFound, http.StatusNotFound, what+" not found")
}

// Conflict reports a state conflict (already exists, lock held, already running).
func Conflict(msg string) *AppError {
	return newError(KindConflict, http.StatusConflict, msg)
}

// ResourceExhausted reports a queue, pool or session cap rejection.
func ResourceExhausted(msg string) *AppError {
	return newError(KindResourceExhausted, http.StatusTooManyRequests, msg)
}

// Timeout reports a provider or scheduler-imposed deadline.
func Timeout(msg string) *AppError {
	return newError(KindTimeout, http.StatusGatewayTimeout, msg)
}

// GitSyncError reports a write admission failure because the session's
// git sync reached the error state. Callers retry after operator action.
func GitSyncError(msg string) *AppError {
	return newError(KindGitSync, http.StatusConflict, msg)
}

// Transient reports a retriable I/O failure from a provider or store.
func Transient(msg string, cause error) *AppError {
	e := newError(KindTransient, http.StatusBadGateway, msg)
	e.cause = cause
	return e
}

// Fatal reports an invariant violation detected during apply. The
// operation aborts without mutating state.
func Fatal(msg string) *AppError {
	return newError(KindFatal, http.StatusInternalServerError, msg)
}

// Internal reports an unclassified failure.
func Internal(msg string) *AppError {
	return newError(KindInternal, http.StatusInternalServerError, msg)
}

// Wrap attaches context to an error, preserving an existing AppError's
// kind and status. Plain errors become internal errors.
func Wrap(err error, msg string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return &AppError{
			Kind:       appErr.Kind,
			Message:    msg,
			Field:      appErr.Field,
			HTTPStatus: appErr.HTTPStatus,
			cause:      err,
		}
	}
	e := newError(KindInternal, http.StatusInternalServerError, msg)
	e.cause = err
	return e
}

// IsKind reports whether err is an AppError of the given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr) && appErr.Kind == kind
}

// Status returns the HTTP status for err, defaulting to 500.
func Status(err error) int {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
