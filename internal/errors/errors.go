// Package errors holds the error codes and sentinel errors shared by every
// kerrucent package.
//
// It provides:
// - Stable error codes used by the HTTP API
// - Sentinel errors for all error conditions
// - Error category checking functions
// - ErrorToCode, CodeName and HTTPStatus mapping
// - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ============================================================================
// Error codes - used in API error bodies
// ============================================================================

const (
	CodeUnknown        int32 = 1
	CodeInvalidRequest int32 = 4
	CodeNotFound       int32 = 5
	CodeAlreadyExists  int32 = 6
	CodeInternal       int32 = 7
	CodeInvalidRange   int32 = 8
	CodeOutOfOrder     int32 = 9
	CodeUnavailable    int32 = 10
)

// CodeName returns a human-readable name for an error code.
func CodeName(code int32) string {
	switch code {
	case CodeUnknown:
		return "Unknown"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeNotFound:
		return "NotFound"
	case CodeAlreadyExists:
		return "AlreadyExists"
	case CodeInternal:
		return "Internal"
	case CodeInvalidRange:
		return "InvalidRange"
	case CodeOutOfOrder:
		return "OutOfOrderSample"
	case CodeUnavailable:
		return "Unavailable"
	default:
		return fmt.Sprintf("Code(%d)", code)
	}
}

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Configuration errors, surfaced to the caller as is.
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidRange  = errors.New("invalid range")

	// Data-quality errors. The ingest path absorbs them.
	ErrOutOfOrderSample  = errors.New("out of order sample")
	ErrMalformedDatagram = errors.New("malformed datagram")

	// Validation errors
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrUnsupportedAddress = errors.New("unsupported address")

	// State errors
	ErrClosed = errors.New("closed")

	// Internal errors
	ErrCorrupt  = errors.New("corrupt data")
	ErrInternal = errors.New("internal error")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// New is a convenience wrapper for errors.New
var New = errors.New

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists returns true if err is an already-exists error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsOutOfOrder returns true if err reports a sample at or before the last update.
func IsOutOfOrder(err error) bool {
	return errors.Is(err, ErrOutOfOrderSample)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMalformedDatagram) ||
		errors.Is(err, ErrUnsupportedAddress)
}

// ============================================================================
// Error to code mapping
// ============================================================================

// ErrorToCode maps a sentinel error to its code.
func ErrorToCode(err error) int32 {
	if err == nil {
		return CodeUnknown
	}

	switch {
	case IsNotFound(err):
		return CodeNotFound
	case IsAlreadyExists(err):
		return CodeAlreadyExists
	case Is(err, ErrInvalidRange):
		return CodeInvalidRange
	case IsOutOfOrder(err):
		return CodeOutOfOrder
	case IsValidation(err):
		return CodeInvalidRequest
	case Is(err, ErrClosed):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// CodeToError maps a code back to its sentinel error (for clients).
func CodeToError(code int32) error {
	switch code {
	case CodeInvalidRequest:
		return ErrInvalidArgument
	case CodeNotFound:
		return ErrNotFound
	case CodeAlreadyExists:
		return ErrAlreadyExists
	case CodeInvalidRange:
		return ErrInvalidRange
	case CodeOutOfOrder:
		return ErrOutOfOrderSample
	case CodeUnavailable:
		return ErrClosed
	default:
		return ErrInternal
	}
}

// HTTPStatus maps an error to the status code the API answers with.
func HTTPStatus(err error) int {
	switch ErrorToCode(err) {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeOutOfOrder:
		return http.StatusConflict
	case CodeInvalidRange, CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewAlreadyExists creates an already-exists error with context.
func NewAlreadyExists(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrAlreadyExists)
}

// NewInvalidValue creates an invalid argument error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidArgument)
}

// NewInvalidRange creates an invalid range error for [start, end].
func NewInvalidRange(start, end int64) error {
	return fmt.Errorf("start %d after end %d: %w", start, end, ErrInvalidRange)
}

// NewOutOfOrder creates an out-of-order error for a sample at ts.
func NewOutOfOrder(ts, last int64) error {
	return fmt.Errorf("timestamp %d not after last update %d: %w", ts, last, ErrOutOfOrderSample)
}
