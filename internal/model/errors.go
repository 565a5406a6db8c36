package model

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the cart error taxonomy.
// Use errors.Is() to check against these.
var (
	ErrInvalidQuantity      = errors.New("invalid quantity")
	ErrItemResolutionFailed = errors.New("item resolution failed")
	ErrGatewayUnavailable   = errors.New("gateway unavailable")
	ErrMergeConflict        = errors.New("merge conflict")
	ErrMergePending         = errors.New("merge pending")
	ErrStorageCorrupt       = errors.New("storage corrupt")
	ErrNotFound             = errors.New("not found")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrRateLimited          = errors.New("rate limited")
)

// APIError represents a structured error for API responses.
// Implements error interface and supports unwrapping.
type APIError struct {
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	StatusCode int           `json:"-"` // HTTP status, not serialized
	RetryAfter time.Duration `json:"-"` // Hint for retryable failures, zero if unknown
	Err        error         `json:"-"` // Wrapped error, not serialized
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewInvalidQuantityError creates a 400 error for quantities below the allowed range.
func NewInvalidQuantityError(quantity int) *APIError {
	return &APIError{
		Code:       "INVALID_QUANTITY",
		Message:    fmt.Sprintf("quantity %d is not allowed", quantity),
		StatusCode: 400,
		Err:        ErrInvalidQuantity,
	}
}

// NewResolutionError records a failed catalog lookup for one line item.
func NewResolutionError(key ItemKey, err error) *APIError {
	return &APIError{
		Code:       "ITEM_RESOLUTION_FAILED",
		Message:    fmt.Sprintf("could not resolve %s", key),
		StatusCode: 502,
		Err:        fmt.Errorf("%w: %w", ErrItemResolutionFailed, err),
	}
}

// NewNotFoundError creates a 404 error for missing resources.
func NewNotFoundError(resource string) *APIError {
	return &APIError{
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: 404,
		Err:        ErrNotFound,
	}
}

// NewValidationError creates a 400 error for invalid input.
func NewValidationError(field, reason string) *APIError {
	return &APIError{
		Code:       "VALIDATION_ERROR",
		Message:    fmt.Sprintf("invalid %s: %s", field, reason),
		StatusCode: 400,
		Err:        ErrInvalidRequest,
	}
}

// NewUnauthorizedError creates a 401 error for missing or expired credentials.
func NewUnauthorizedError(reason string) *APIError {
	return &APIError{
		Code:       "UNAUTHORIZED",
		Message:    reason,
		StatusCode: 401,
		Err:        ErrUnauthorized,
	}
}

// NewGatewayError creates a 503 error for network or server failures.
func NewGatewayError(service string, err error) *APIError {
	return &APIError{
		Code:       "GATEWAY_UNAVAILABLE",
		Message:    fmt.Sprintf("%s request failed", service),
		StatusCode: 503,
		Err:        fmt.Errorf("%w: %v", ErrGatewayUnavailable, err),
	}
}

// NewMergeConflictError creates a 409 error for a failed merge-on-login.
func NewMergeConflictError(err error) *APIError {
	return &APIError{
		Code:       "MERGE_CONFLICT",
		Message:    "anonymous cart could not be merged",
		StatusCode: 409,
		Err:        fmt.Errorf("%w: %v", ErrMergeConflict, err),
	}
}

// NewMergePendingError signals that a mutation arrived while a merge is unfinished.
func NewMergePendingError(err error) *APIError {
	return &APIError{
		Code:       "MERGE_PENDING",
		Message:    "cart merge in progress, retry shortly",
		StatusCode: 503,
		Err:        fmt.Errorf("%w: %v", ErrMergePending, err),
	}
}

// NewStorageCorruptError describes unreadable persisted cart content.
func NewStorageCorruptError(err error) *APIError {
	return &APIError{
		Code:       "STORAGE_CORRUPT",
		Message:    "persisted cart is unreadable",
		StatusCode: 500,
		Err:        fmt.Errorf("%w: %v", ErrStorageCorrupt, err),
	}
}

// NewInternalError creates a 500 error for unexpected failures.
func NewInternalError(err error) *APIError {
	return &APIError{
		Code:       "INTERNAL_ERROR",
		Message:    "an internal error occurred",
		StatusCode: 500,
		Err:        err,
	}
}

// NewRateLimitError creates a 429 error for rate limiting.
func NewRateLimitError(service string, retryAfter time.Duration) *APIError {
	return &APIError{
		Code:       "RATE_LIMITED",
		Message:    fmt.Sprintf("%s rate limit exceeded, please retry later", service),
		StatusCode: 429,
		RetryAfter: retryAfter,
		Err:        ErrRateLimited,
	}
}

// IsRetryable reports whether err is a transient failure worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrMergePending)
}
