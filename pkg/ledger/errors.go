package ledger

import (
	"errors"
	"fmt"
)

// Error classes surfaced by the ledger. Specific validation errors wrap ErrInvalidArgument.
var (
	ErrInvalidArgument         = errors.New("invalid argument")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrStorageUnavailable      = errors.New("storage unavailable")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
)

// Validation errors.
var (
	ErrInvalidUserID         = fmt.Errorf("%w: invalid user id", ErrInvalidArgument)
	ErrInvalidTransactionID  = fmt.Errorf("%w: invalid transaction id", ErrInvalidArgument)
	ErrInvalidAmount         = fmt.Errorf("%w: invalid amount", ErrInvalidArgument)
	ErrInvalidReason         = fmt.Errorf("%w: invalid reason", ErrInvalidArgument)
	ErrInvalidMetadataJSON   = fmt.Errorf("%w: invalid metadata json", ErrInvalidArgument)
	ErrInvalidIdempotencyKey = fmt.Errorf("%w: invalid idempotency key", ErrInvalidArgument)
	ErrInvalidHistoryLimit   = fmt.Errorf("%w: invalid history limit", ErrInvalidArgument)
	ErrInvalidCursor         = fmt.Errorf("%w: invalid cursor", ErrInvalidArgument)
	ErrNotRefundable         = fmt.Errorf("%w: transaction is not refundable", ErrInvalidArgument)
)

// InsufficientFundsError rejects a debit and reports the balance it was checked against.
type InsufficientFundsError struct {
	Balance   Credits
	Requested Credits
}

// Error returns the formatted error message.
func (insufficient InsufficientFundsError) Error() string {
	return fmt.Sprintf("%v: balance %d, requested %d", ErrInsufficientFunds, insufficient.Balance, insufficient.Requested)
}

// Is reports whether target is ErrInsufficientFunds.
func (insufficient InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
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

// Unavailable marks err as a transient storage failure while keeping it in the chain.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}

// IsBusinessError reports whether err is an expected rejection rather than an infrastructure failure.
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrTransactionNotFound)
}
