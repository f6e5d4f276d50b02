package domain

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Error is a domain sentinel that carries the HTTP status reported in job errors
type Error struct {
	msg  string
	code int
}

func newError(msg string, code int) *Error {
	return &Error{msg: msg, code: code}
}

func (e *Error) Error() string { return e.msg }
func (e *Error) StatusCode() int { return e.code }

var (
	ErrInvalidTransition       = newError("invalid resource state transition", http.StatusConflict)
	ErrResourceNotFound        = newError("resource not found", http.StatusNotFound)
	ErrResourceExists          = newError("resource already exists", http.StatusConflict)
	ErrResourceBusy            = newError("resource is owned by another job", http.StatusConflict)
	ErrInvalidResource         = newError("invalid resource", http.StatusBadRequest)
	ErrUnknownKind             = newError("unknown resource kind", http.StatusBadRequest)
	ErrKindNotUpdatable        = newError("resource kind cannot be updated", http.StatusBadRequest)
	ErrCloudContextNotFound    = newError("cloud context not found", http.StatusNotFound)
	ErrCloudContextExists      = newError("cloud context already exists", http.StatusConflict)
	ErrCloudContextNotReady    = newError("cloud context is not ready", http.StatusConflict)
	ErrOnCreateFailureRequired = newError("on_create_failure must be set for this resource kind", http.StatusBadRequest)
)

// CloudError is returned by cloud collaborators
type CloudError struct {
	Operation string
	Code      int
	Transient bool
	Err       error
}

func (e *CloudError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s failed with status %d", e.Operation, e.Code)
	}
	return fmt.Sprintf("%s failed with status %d: %v", e.Operation, e.Code, e.Err)
}

func (e *CloudError) Unwrap() error { return e.Err }
func (e *CloudError) Retryable() bool { return e.Transient }
func (e *CloudError) StatusCode() int { return e.Code }

// IsRetryable reports whether err, or any error it wraps, declares itself transient
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// IsDomainError reports whether err wraps one of this package's sentinels
func IsDomainError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
