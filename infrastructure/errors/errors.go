// Package errors provides the gateway's unified error taxonomy: every
// boundary (frame handler, HTTP handler, delivery worker) returns a
// *ServiceError instead of panicking or leaking an internal error.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique, client-stable error code.
type ErrorCode string

const (
	// Authentication errors (1xxx)
	ErrCodeUnauthenticated ErrorCode = "AUTH_1001"
	ErrCodeInvalidToken    ErrorCode = "AUTH_1002"
	ErrCodeTokenExpired    ErrorCode = "AUTH_1003"

	// Authorization errors (2xxx)
	ErrCodeForbidden ErrorCode = "AUTHZ_2001"

	// Validation errors (3xxx)
	ErrCodeInvalid          ErrorCode = "VAL_3001"
	ErrCodeMissingParameter ErrorCode = "VAL_3002"
	ErrCodeInvalidFormat    ErrorCode = "VAL_3003"
	ErrCodeOutOfRange       ErrorCode = "VAL_3004"

	// Resource errors (4xxx)
	ErrCodeNotFound      ErrorCode = "RES_4001"
	ErrCodeAlreadyExists ErrorCode = "RES_4002"
	ErrCodeConflict      ErrorCode = "RES_4003"

	// Tenant enforcement errors (5xxx)
	ErrCodeRateLimited    ErrorCode = "RATE_5001"
	ErrCodeQuotaExceeded  ErrorCode = "RATE_5002"
	ErrCodeBackpressure   ErrorCode = "RATE_5003"

	// Service errors (6xxx)
	ErrCodeInternal      ErrorCode = "SVC_6001"
	ErrCodeDatabaseError ErrorCode = "SVC_6002"
	ErrCodeExternalAPI   ErrorCode = "SVC_6003"
	ErrCodeTimeout       ErrorCode = "SVC_6004"
	ErrCodeUnavailable   ErrorCode = "SVC_6005"
)

// ServiceError is a structured error carrying a taxonomy code, an HTTP
// status for the config API, and the tenant/correlation context the
// specification requires on every error.
type ServiceError struct {
	Code          ErrorCode              `json:"code"`
	Message       string                 `json:"message"`
	HTTPStatus    int                    `json:"-"`
	OrgID         string                 `json:"org_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Err           error                  `json:"-"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional structured details to the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithOrg attaches the tenant the error occurred within.
func (e *ServiceError) WithOrg(orgID string) *ServiceError {
	e.OrgID = orgID
	return e
}

// WithCorrelationID attaches the caller-supplied correlation id, echoed
// back on the error frame/response per the propagation policy.
func (e *ServiceError) WithCorrelationID(id string) *ServiceError {
	e.CorrelationID = id
	return e
}

// New creates a new ServiceError.
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a ServiceError.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Authentication errors

func Unauthenticated(message string) *ServiceError {
	return New(ErrCodeUnauthenticated, message, http.StatusUnauthorized)
}

func InvalidToken(err error) *ServiceError {
	return Wrap(ErrCodeInvalidToken, "invalid authentication token", http.StatusUnauthorized, err)
}

func TokenExpired() *ServiceError {
	return New(ErrCodeTokenExpired, "authentication token has expired", http.StatusUnauthorized)
}

// Authorization errors

func Forbidden(message string) *ServiceError {
	return New(ErrCodeForbidden, message, http.StatusForbidden)
}

// Validation errors

func Invalid(field, reason string) *ServiceError {
	return New(ErrCodeInvalid, "invalid request", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func MissingParameter(param string) *ServiceError {
	return New(ErrCodeMissingParameter, "missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

func InvalidFormat(field, expected string) *ServiceError {
	return New(ErrCodeInvalidFormat, "invalid format", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("expected", expected)
}

func OutOfRange(field string, minValue, maxValue interface{}) *ServiceError {
	return New(ErrCodeOutOfRange, "value out of range", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("min", minValue).
		WithDetails("max", maxValue)
}

// Resource errors

func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func AlreadyExists(resource, id string) *ServiceError {
	return New(ErrCodeAlreadyExists, "resource already exists", http.StatusConflict).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// Tenant enforcement errors

// RateLimited reports a sliding-window or burst trip, carrying a
// suggested retry-after in seconds.
func RateLimited(limit int, window string, retryAfterSeconds int) *ServiceError {
	return New(ErrCodeRateLimited, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window).
		WithDetails("retry_after_seconds", retryAfterSeconds)
}

// QuotaExceeded reports an hourly or storage quota trip; not
// recoverable within the current window.
func QuotaExceeded(quotaType string, limit int64) *ServiceError {
	return New(ErrCodeQuotaExceeded, "quota exceeded", http.StatusTooManyRequests).
		WithDetails("quota_type", quotaType).
		WithDetails("limit", limit)
}

// Backpressure reports a delivery queue shedding a new job; the event
// still reaches other endpoints and subscribers.
func Backpressure(endpointID string, queueDepth int) *ServiceError {
	return New(ErrCodeBackpressure, "delivery queue saturated", http.StatusServiceUnavailable).
		WithDetails("endpoint_id", endpointID).
		WithDetails("queue_depth", queueDepth)
}

// Service errors

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

func DatabaseError(operation string, err error) *ServiceError {
	return Wrap(ErrCodeDatabaseError, "database operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

func ExternalAPIError(service string, err error) *ServiceError {
	return Wrap(ErrCodeExternalAPI, "external call failed", http.StatusBadGateway, err).
		WithDetails("service", service)
}

func Timeout(operation string) *ServiceError {
	return New(ErrCodeTimeout, "operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

// Unavailable reports a downstream substrate (KV, stream, endpoint)
// failing after its retries were exhausted.
func Unavailable(resource string, err error) *ServiceError {
	return Wrap(ErrCodeUnavailable, "downstream unavailable", http.StatusServiceUnavailable, err).
		WithDetails("resource", resource)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// GetCode returns the taxonomy code for an error, or ErrCodeInternal if
// the error does not carry one.
func GetCode(err error) ErrorCode {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.Code
	}
	return ErrCodeInternal
}
