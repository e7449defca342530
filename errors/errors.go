// Package errors provides error handling for Nexus.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint      = crdb.WithHint
	WithHintf     = crdb.WithHintf
	WithDetail    = crdb.WithDetail
	WithDetailf   = crdb.WithDetailf
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Stack trace extraction
var (
	GetReportableStackTrace = crdb.GetReportableStackTrace
)

// GetStack is an alias for GetReportableStackTrace for convenience.
var GetStack = crdb.GetReportableStackTrace

// Sentinel errors shared across Nexus. Handlers translate these to HTTP
// status codes in one place; everything below the HTTP surface works in
// terms of these sentinels.
//
// Use with errors.Is() for type-safe checks, and errors.Wrap() to add
// context while preserving the type.
var (
	// ErrNotFound indicates the requested job, artifact, or GPU does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or failed validation
	ErrInvalidRequest = New("invalid request")

	// ErrUnauthorized indicates the request lacks a valid API token
	ErrUnauthorized = New("unauthorized")

	// ErrForbidden indicates the request is not allowed for this caller (reserved)
	ErrForbidden = New("forbidden")

	// ErrConflict indicates the operation is illegal in the current state
	// (e.g., deleting a running job) or collides with an existing resource
	ErrConflict = New("resource conflict")

	// ErrLaunchFailed indicates a job could not be started: missing artifact,
	// session refused, or a filesystem error while materializing the job tree
	ErrLaunchFailed = New("launch failed")

	// ErrServiceUnavailable indicates a required external tool is not available
	ErrServiceUnavailable = New("service unavailable")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsConflictError checks if an error is or wraps ErrConflict
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// IsLaunchFailedError checks if an error is or wraps ErrLaunchFailed
func IsLaunchFailedError(err error) bool {
	return err != nil && Is(err, ErrLaunchFailed)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}

// NewConflictError creates a conflict error with a formatted message
func NewConflictError(format string, args ...interface{}) error {
	return Wrap(ErrConflict, Newf(format, args...).Error())
}

// NewLaunchFailedError creates a launch-failed error with a formatted message
func NewLaunchFailedError(format string, args ...interface{}) error {
	return Wrap(ErrLaunchFailed, Newf(format, args...).Error())
}
