package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType categorizes a gateway failure for clients and logs.
type ErrorType string

const (
	// ErrorTypeValidation indicates a malformed inbound request. Rejected
	// before the pipeline runs.
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeBlocked indicates the security service refused the content.
	ErrorTypeBlocked ErrorType = "blocked"

	// ErrorTypeSecurityUnavailable indicates the security service could not
	// be reached and fail-closed policy rejected the request.
	ErrorTypeSecurityUnavailable ErrorType = "security_unavailable"

	// ErrorTypeUpstream indicates the inference backend failed.
	ErrorTypeUpstream ErrorType = "upstream"

	// ErrorTypeConfig indicates missing or invalid startup configuration.
	// Fatal before the listener binds.
	ErrorTypeConfig ErrorType = "config"
)

// APIError is the canonical gateway error. Handlers translate it into the
// structured JSON error body returned to clients.
type APIError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	// Reason carries the policy finding behind a block, when the security
	// service supplies one.
	Reason string `json:"reason,omitempty"`
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatusCode maps the error type to a response status.
func (e *APIError) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeBlocked:
		return http.StatusForbidden
	case ErrorTypeSecurityUnavailable:
		return http.StatusServiceUnavailable
	case ErrorTypeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrValidation creates a validation error.
func ErrValidation(message string) *APIError {
	return &APIError{Type: ErrorTypeValidation, Message: message}
}

// ErrBlocked creates a policy-rejection error carrying the scan reason.
func ErrBlocked(message, reason string) *APIError {
	return &APIError{Type: ErrorTypeBlocked, Message: message, Reason: reason}
}

// ErrSecurityUnavailable creates a scanner-unreachable error.
func ErrSecurityUnavailable(message string) *APIError {
	return &APIError{Type: ErrorTypeSecurityUnavailable, Message: message}
}

// ErrUpstream creates an inference-backend error.
func ErrUpstream(message string) *APIError {
	return &APIError{Type: ErrorTypeUpstream, Message: message}
}

// ErrConfig creates a startup configuration error.
func ErrConfig(message string) *APIError {
	return &APIError{Type: ErrorTypeConfig, Message: message}
}

// AsAPIError unwraps err into an *APIError if one is in the chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
