package rewards

import (
	"errors"
	"fmt"
	"strings"
)

// Domain-level error values returned by the engine.
var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidInput          = errors.New("invalid input")
	ErrInactiveProduct       = errors.New("inactive product")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrInsufficientPoints    = errors.New("insufficient points")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrConcurrencyConflict   = errors.New("concurrency conflict")
	ErrStoreUnavailable      = errors.New("store unavailable")
	ErrDuplicateVoucherCode  = errors.New("duplicate voucher code")
	ErrInvalidServiceConfig  = errors.New("invalid service config")
)

// InsufficientPointsError carries the unsatisfiable remainder of a debit.
type InsufficientPointsError struct {
	Shortfall float64
}

// Error returns the formatted message.
func (insufficientError InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: short %.2f", insufficientError.Shortfall)
}

// Unwrap returns the taxonomy sentinel.
func (insufficientError InsufficientPointsError) Unwrap() error {
	return ErrInsufficientPoints
}

// InsufficientInventoryError carries available versus requested counts for
// one product line.
type InsufficientInventoryError struct {
	ProductID ProductID
	Requested int64
	Available int64
}

// Error returns the formatted message.
func (inventoryError InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory for product %s: requested %d, available %d",
		inventoryError.ProductID, inventoryError.Requested, inventoryError.Available)
}

// Unwrap returns the taxonomy sentinel.
func (inventoryError InsufficientInventoryError) Unwrap() error {
	return ErrInsufficientInventory
}

// LineFailure records why one cart line failed validation.
type LineFailure struct {
	ProductID ProductID
	Err       error
}

// PurchaseRejectionError aggregates per-line validation failures. The whole
// purchase fails; there is no partial success.
type PurchaseRejectionError struct {
	Lines []LineFailure
}

// Error joins the per-line messages.
func (rejection PurchaseRejectionError) Error() string {
	messages := make([]string, 0, len(rejection.Lines))
	for _, line := range rejection.Lines {
		messages = append(messages, line.Err.Error())
	}
	return "purchase rejected: " + strings.Join(messages, "; ")
}

// Unwrap exposes the per-line errors so errors.Is sees the sentinels.
func (rejection PurchaseRejectionError) Unwrap() []error {
	unwrapped := make([]error, 0, len(rejection.Lines))
	for _, line := range rejection.Lines {
		unwrapped = append(unwrapped, line.Err)
	}
	return unwrapped
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
