package domain

import (
	"errors"
	"net/http"

	"github.com/shopspring/decimal"
)

// HTTPError defines errors that can be mapped to HTTP status codes.
type HTTPError interface {
	error
	StatusCode() int
}

// Domain error types implementing HTTPError interface
type (
	// NotFoundError indicates a resource was not found
	NotFoundError struct {
		Message string
	}

	// ValidationError indicates invalid input
	ValidationError struct {
		Message string
	}

	// UnauthorizedError indicates authentication failure
	UnauthorizedError struct {
		Message string
	}

	// ForbiddenError indicates authorization failure
	ForbiddenError struct {
		Message string
	}
)

// Error implementations
func (e *NotFoundError) Error() string     { return e.Message }
func (e *ValidationError) Error() string   { return e.Message }
func (e *UnauthorizedError) Error() string { return e.Message }
func (e *ForbiddenError) Error() string    { return e.Message }

// StatusCode implementations (HTTPError interface)
func (e *NotFoundError) StatusCode() int     { return http.StatusNotFound }
func (e *ValidationError) StatusCode() int   { return http.StatusBadRequest }
func (e *UnauthorizedError) StatusCode() int { return http.StatusUnauthorized }
func (e *ForbiddenError) StatusCode() int    { return http.StatusForbidden }

// Is lets errors.Is match typed errors against their sentinels
func (e *NotFoundError) Is(target error) bool     { return target == ErrNotFound }
func (e *ValidationError) Is(target error) bool   { return target == ErrValidation }
func (e *UnauthorizedError) Is(target error) bool { return target == ErrUnauthorized }
func (e *ForbiddenError) Is(target error) bool    { return target == ErrForbidden }

// NewValidationError reports a bad value for one input field
func NewValidationError(field, message string) error {
	return &ValidationError{Message: field + ": " + message}
}

// Sentinel errors - use with errors.Is()
var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("already exists")
	ErrValidation          = errors.New("validation failed")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUpstream            = errors.New("upstream provider error")

	// ErrTruncated marks a stream that was cut short by the balance guard.
	// Always wrapped together with ErrInsufficientBalance.
	ErrTruncated = errors.New("stream truncated")
)

// ConflictError represents a resource conflict with details about the existing resource
type ConflictError struct {
	Message      string // Human-readable error message
	ResourceType string // Type of resource (conversation, node)
	ResourceID   string // ID of the existing/conflicting resource
}

// Error implements the error interface
func (e *ConflictError) Error() string {
	return e.Message
}

// StatusCode implements the HTTPError interface
func (e *ConflictError) StatusCode() int {
	return http.StatusConflict
}

// Is allows errors.Is() to match against ErrConflict
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// InsufficientBalanceError is returned when a charge (estimated or exact) exceeds the balance.
// Clients use it to prompt a top-up, so it carries both amounts.
type InsufficientBalanceError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
	Currency  string
	Truncated bool // true when raised by the mid-stream guard
}

func (e *InsufficientBalanceError) Error() string {
	msg := "insufficient balance: required " + e.Required.StringFixed(4) + " " + e.Currency +
		", available " + e.Available.StringFixed(4) + " " + e.Currency
	if e.Truncated {
		msg += " (stream truncated)"
	}
	return msg
}

// StatusCode implements the HTTPError interface
func (e *InsufficientBalanceError) StatusCode() int {
	return http.StatusPaymentRequired
}

// Is matches ErrInsufficientBalance, and ErrTruncated for mid-stream aborts
func (e *InsufficientBalanceError) Is(target error) bool {
	if target == ErrInsufficientBalance {
		return true
	}
	return e.Truncated && target == ErrTruncated
}

// UpstreamError wraps a failure reported by the completion provider
type UpstreamError struct {
	Status  int    // HTTP status from the provider, 0 for transport errors
	Message string
}

func (e *UpstreamError) Error() string {
	return "upstream: " + e.Message
}

// StatusCode implements the HTTPError interface
func (e *UpstreamError) StatusCode() int {
	return http.StatusBadGateway
}

// Is allows errors.Is() to match against ErrUpstream
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}
