// Package errors provides the typed error model shared by the ledger and the
// HTTP layer. Every ServiceError carries a stable code and the HTTP status
// the API renders it with.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a stable, machine-readable error identifier.
type ErrorCode string

const (
	ErrCodeNotFound                  ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized              ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidArgument           ErrorCode = "INVALID_ARGUMENT"
	ErrCodeInvalidFormat             ErrorCode = "INVALID_FORMAT"
	ErrCodeInvalidToken              ErrorCode = "INVALID_TOKEN"
	ErrCodeInvalidState              ErrorCode = "INVALID_STATE"
	ErrCodeNotEligibleForLiquidation ErrorCode = "NOT_ELIGIBLE_FOR_LIQUIDATION"
	ErrCodeNothingToWithdraw         ErrorCode = "NOTHING_TO_WITHDRAW"
	ErrCodeCustodyFailure            ErrorCode = "CUSTODY_FAILURE"
	ErrCodeRateLimitExceeded         ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal                  ErrorCode = "INTERNAL_ERROR"
)

// ServiceError is the error type returned across package boundaries.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Is matches another ServiceError by code, so errors.Is(err, NotFound("", ""))
// style checks work regardless of message.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails attaches a key/value pair and returns the same error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New builds a ServiceError.
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap builds a ServiceError around a cause.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// Unauthorized reports a caller that is not permitted to perform an action.
func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "Unauthorized"
	}
	return New(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

// InvalidArgument reports a malformed or out-of-range input.
func InvalidArgument(message string) *ServiceError {
	return New(ErrCodeInvalidArgument, message, http.StatusBadRequest)
}

// InvalidFormat reports a field that failed to parse.
func InvalidFormat(field, expected string) *ServiceError {
	return New(ErrCodeInvalidFormat, fmt.Sprintf("Invalid format for %s", field), http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("expected", expected)
}

// InvalidToken reports a rejected bearer token.
func InvalidToken(err error) *ServiceError {
	return Wrap(ErrCodeInvalidToken, "Invalid or expired token", http.StatusUnauthorized, err)
}

// InvalidState reports an operation not allowed in the current status.
func InvalidState(message string) *ServiceError {
	return New(ErrCodeInvalidState, message, http.StatusConflict)
}

// NotEligibleForLiquidation reports a liquidation attempt on a healthy stream.
func NotEligibleForLiquidation(streamID uint64) *ServiceError {
	return New(ErrCodeNotEligibleForLiquidation, "Stream is not eligible for liquidation", http.StatusConflict).
		WithDetails("stream_id", streamID)
}

// NothingToWithdraw reports a withdrawal with a zero balance.
func NothingToWithdraw(streamID uint64) *ServiceError {
	return New(ErrCodeNothingToWithdraw, "Nothing to withdraw", http.StatusConflict).
		WithDetails("stream_id", streamID)
}

// CustodyFailure reports a rejected vault request.
func CustodyFailure(operation string, err error) *ServiceError {
	return Wrap(ErrCodeCustodyFailure, "Custody request failed", http.StatusBadGateway, err).
		WithDetails("operation", operation)
}

// RateLimitExceeded reports a throttled caller.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// Internal reports an unexpected failure.
func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// CodeOf returns the code of a ServiceError, or ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	if se := GetServiceError(err); se != nil {
		return se.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err wraps a ServiceError with the given code.
func IsCode(err error, code ErrorCode) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == code
}
