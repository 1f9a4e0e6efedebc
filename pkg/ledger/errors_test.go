package ledger

import (
	"errors"
	"testing"
)

const (
	operationName    = "ledger"
	subjectName      = "transaction"
	codeName         = "invalid"
	baseErrorMessage = "base error"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	baseError := errors.New(baseErrorMessage)
	wrappedError := WrapError(operationName, subjectName, codeName, baseError)
	if wrappedError == nil {
		test.Fatalf("expected wrapped error")
	}
	expected := operationName + "." + subjectName + "." + codeName + ": " + baseErrorMessage
	if wrappedError.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrappedError.Error())
	}
	var operationError OperationError
	if !errors.As(wrappedError, &operationError) {
		test.Fatalf("expected OperationError, got %T", wrappedError)
	}
	if operationError.Operation() != operationName || operationError.Subject() != subjectName || operationError.Code() != codeName {
		test.Fatalf("unexpected segments %q %q %q", operationError.Operation(), operationError.Subject(), operationError.Code())
	}
	if !errors.Is(wrappedError, baseError) {
		test.Fatalf("expected wrapped error to unwrap to base error")
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError(operationName, subjectName, codeName, nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
	if Unavailable(nil) != nil {
		test.Fatalf("expected nil unavailable error")
	}
}

func TestInsufficientFundsErrorMatchesSentinel(test *testing.T) {
	test.Parallel()
	err := WrapError("store", "account", "update", InsufficientFundsError{Balance: 70, Requested: 100})
	if !errors.Is(err, ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds in chain, got %v", err)
	}
	var insufficient InsufficientFundsError
	if !errors.As(err, &insufficient) {
		test.Fatalf("expected InsufficientFundsError in chain")
	}
	if insufficient.Balance != 70 || insufficient.Requested != 100 {
		test.Fatalf("unexpected error payload %+v", insufficient)
	}
	if insufficient.Error() != "insufficient funds: balance 70, requested 100" {
		test.Fatalf("unexpected message %q", insufficient.Error())
	}
}

func TestErrorClassification(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		err       error
		business  bool
		retryable bool
	}{
		{name: "invalid amount", err: ErrInvalidAmount, business: true},
		{name: "not refundable", err: ErrNotRefundable, business: true},
		{name: "insufficient funds", err: InsufficientFundsError{Balance: 1, Requested: 2}, business: true},
		{name: "not found", err: ErrTransactionNotFound, business: true},
		{name: "unavailable", err: Unavailable(errors.New("connection reset")), retryable: true},
		{name: "unknown", err: errors.New("boom")},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if IsBusinessError(testCase.err) != testCase.business {
				test.Fatalf("expected business=%v for %v", testCase.business, testCase.err)
			}
			if IsRetryable(testCase.err) != testCase.retryable {
				test.Fatalf("expected retryable=%v for %v", testCase.retryable, testCase.err)
			}
		})
	}
}

func TestValidationErrorsWrapInvalidArgument(test *testing.T) {
	test.Parallel()
	for _, err := range []error{
		ErrInvalidUserID,
		ErrInvalidTransactionID,
		ErrInvalidAmount,
		ErrInvalidReason,
		ErrInvalidMetadataJSON,
		ErrInvalidIdempotencyKey,
		ErrInvalidHistoryLimit,
		ErrInvalidCursor,
		ErrNotRefundable,
	} {
		if !errors.Is(err, ErrInvalidArgument) {
			test.Fatalf("expected %v to wrap ErrInvalidArgument", err)
		}
	}
}
