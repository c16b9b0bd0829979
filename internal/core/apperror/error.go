// Package apperror provides structured error handling following RFC 7807 Problem Details.
// All business errors must use AppError for consistent API responses.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error codes following domain-driven design
const (
	// Infrastructure errors (5xx)
	CodeInternal = "INTERNAL_ERROR"
	CodeDatabase = "DATABASE_ERROR"

	// Validation errors (400)
	CodeValidation = "VALIDATION_ERROR"

	// Invariant violations (422)
	CodeInsufficientStock  = "INSUFFICIENT_STOCK"
	CodeExceedsPlanned     = "EXCEEDS_PLANNED_QUANTITY"
	CodeExpiryRequired     = "EXPIRY_DATE_REQUIRED"
	CodeExpiryAlreadySet   = "EXPIRY_DATE_ALREADY_SET"
	CodeReceiptDayMismatch = "RECEIPT_DAY_MISMATCH"
	CodeBatchNotOpen       = "BATCH_NOT_OPEN"
	CodeBatchNotDepleted   = "BATCH_NOT_DEPLETED"
	CodeBatchInProgress    = "BATCH_IN_PROGRESS"

	// Contention (409, 429). Safe to retry after the stated window.
	CodeHoldCooldown   = "HOLD_COOLDOWN"
	CodeHoldDailyLimit = "HOLD_DAILY_LIMIT"
	CodeHoldContended  = "HOLD_CONTENDED"

	// Not found (404)
	CodeNotFound = "NOT_FOUND"

	// Conflict (409)
	CodeConflict    = "CONFLICT"
	CodeIdempotency = "IDEMPOTENCY_CONFLICT"
)

// AppError is the standard error type for the platform.
// It implements error interface and provides structured details for API responses.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (current quantities, required day, limits)
	Details map[string]any `json:"details,omitempty"`

	// HTTPStatus is the suggested HTTP status code
	HTTPStatus int `json:"-"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// --- Factory functions ---

// NewValidation creates a validation error (400)
func NewValidation(message string) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewNotFound creates a not found error (404)
func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", entity),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewBusinessRule creates a business rule violation error (422)
func NewBusinessRule(code, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// NewInsufficientStock creates a stock shortage error
func NewInsufficientStock(productID string, requested, onHand int64) *AppError {
	return &AppError{
		Code:       CodeInsufficientStock,
		Message:    fmt.Sprintf("Insufficient stock: requested %d, on hand %d", requested, onHand),
		HTTPStatus: http.StatusUnprocessableEntity,
		Details: map[string]any{
			"product_id": productID,
			"requested":  requested,
			"on_hand":    onHand,
		},
	}
}

// NewExceedsPlanned is returned when a receipt would push received above planned.
func NewExceedsPlanned(productID string, requested, received, planned int64) *AppError {
	return &AppError{
		Code:       CodeExceedsPlanned,
		Message:    fmt.Sprintf("Receipt exceeds planned quantity: %d received of %d planned, %d requested", received, planned, requested),
		HTTPStatus: http.StatusUnprocessableEntity,
		Details: map[string]any{
			"product_id": productID,
			"requested":  requested,
			"received":   received,
			"planned":    planned,
			"remaining":  planned - received,
		},
	}
}

// NewReceiptDayMismatch is returned when a receipt is attempted on a day other than
// the batch's warehouse entry day.
func NewReceiptDayMismatch(productID, requiredDay, today string) *AppError {
	return &AppError{
		Code:       CodeReceiptDayMismatch,
		Message:    fmt.Sprintf("Receipts for the current batch are only accepted on %s; close the batch before receiving on %s", requiredDay, today),
		HTTPStatus: http.StatusUnprocessableEntity,
		Details: map[string]any{
			"product_id":   productID,
			"required_day": requiredDay,
			"today":        today,
		},
	}
}

// NewContention creates a retryable contention error for checkout holds.
func NewContention(code, message string, retryAfter time.Time) *AppError {
	status := http.StatusConflict
	if code == CodeHoldDailyLimit {
		status = http.StatusTooManyRequests
	}
	e := &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: status,
	}
	if !retryAfter.IsZero() {
		e.WithDetail("retry_after", retryAfter.UTC().Format(time.RFC3339))
	}
	return e
}

// NewInternal creates an internal server error (hides details from client)
func NewInternal(err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewDatabase wraps a store failure. The core performs no automatic retry.
func NewDatabase(op string, err error) *AppError {
	return &AppError{
		Code:       CodeDatabase,
		Message:    "Database operation failed",
		HTTPStatus: http.StatusServiceUnavailable,
		Details:    map[string]any{"operation": op},
		Err:        err,
	}
}

// NewConflict creates a conflict error (409)
func NewConflict(message string) *AppError {
	return &AppError{
		Code:       CodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// NewIdempotencyConflict creates error when operation is already in progress
func NewIdempotencyConflict(key string) *AppError {
	return &AppError{
		Code:       CodeIdempotency,
		Message:    "Operation already in progress",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"idempotency_key": key},
	}
}

// NewIdempotencyMismatch is returned when the same idempotency key is reused for
// a different request (different actor/operation/body hash).
func NewIdempotencyMismatch(key string) *AppError {
	return &AppError{
		Code:       CodeIdempotency,
		Message:    "Idempotency key mismatch",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"idempotency_key": key},
	}
}

// --- Helper functions ---

// IsAppError checks if error is AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetHTTPStatus returns appropriate HTTP status for any error
func GetHTTPStatus(err error) int {
	if appErr, ok := AsAppError(err); ok {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// HasCode reports whether err carries the given AppError code.
func HasCode(err error, code string) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if error is CodeNotFound
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}

// Normalize makes sure a public operation never leaks a bare error:
// AppErrors pass through, anything else becomes a database error.
func Normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsAppError(err) {
		return err
	}
	return NewDatabase(op, err)
}
