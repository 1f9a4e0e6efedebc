package grpcserver

import (
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/voiceledger/pkg/ledger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	errorInsufficientFunds       = "insufficient_funds"
	errorTransactionNotFound     = "transaction_not_found"
	errorDuplicateIdempotencyKey = "duplicate_idempotency_key"
	errorStorageUnavailable      = "storage_unavailable"
	errorInvalidUserID           = "invalid_user_id"
	errorInvalidTransactionID    = "invalid_transaction_id"
	errorInvalidAmount           = "invalid_amount"
	errorInvalidReason           = "invalid_reason"
	errorInvalidMetadata         = "invalid_metadata_json"
	errorInvalidIdempotencyKey   = "invalid_idempotency_key"
	errorInvalidHistoryLimit     = "invalid_history_limit"
	errorInvalidCursor           = "invalid_cursor"
	errorNotRefundable           = "not_refundable"
	errorInvalidArgument         = "invalid_argument"
	errorInternal                = "internal"
)

type statusMapping struct {
	err     error
	code    codes.Code
	message string
}

// statusMappings is ordered from most to least specific.
var statusMappings = []statusMapping{
	{err: ledger.ErrInvalidUserID, code: codes.InvalidArgument, message: errorInvalidUserID},
	{err: ledger.ErrInvalidTransactionID, code: codes.InvalidArgument, message: errorInvalidTransactionID},
	{err: ledger.ErrInvalidAmount, code: codes.InvalidArgument, message: errorInvalidAmount},
	{err: ledger.ErrInvalidReason, code: codes.InvalidArgument, message: errorInvalidReason},
	{err: ledger.ErrInvalidMetadataJSON, code: codes.InvalidArgument, message: errorInvalidMetadata},
	{err: ledger.ErrInvalidIdempotencyKey, code: codes.InvalidArgument, message: errorInvalidIdempotencyKey},
	{err: ledger.ErrInvalidHistoryLimit, code: codes.InvalidArgument, message: errorInvalidHistoryLimit},
	{err: ledger.ErrInvalidCursor, code: codes.InvalidArgument, message: errorInvalidCursor},
	{err: ledger.ErrNotRefundable, code: codes.InvalidArgument, message: errorNotRefundable},
	{err: ledger.ErrInvalidArgument, code: codes.InvalidArgument, message: errorInvalidArgument},
	{err: ledger.ErrTransactionNotFound, code: codes.NotFound, message: errorTransactionNotFound},
	{err: ledger.ErrDuplicateIdempotencyKey, code: codes.AlreadyExists, message: errorDuplicateIdempotencyKey},
	{err: ledger.ErrStorageUnavailable, code: codes.Unavailable, message: errorStorageUnavailable},
}

func mapToGRPCError(source error) error {
	var insufficient ledger.InsufficientFundsError
	if errors.As(source, &insufficient) {
		return insufficientFundsStatus(insufficient)
	}
	for _, mapping := range statusMappings {
		if errors.Is(source, mapping.err) {
			return status.Error(mapping.code, mapping.message)
		}
	}
	return status.Error(codes.Internal, errorInternal)
}

func insufficientFundsStatus(insufficient ledger.InsufficientFundsError) error {
	base := status.New(codes.FailedPrecondition, errorInsufficientFunds)
	detail := newStruct(map[string]*structpb.Value{
		fieldBalance:   structpb.NewNumberValue(float64(insufficient.Balance.Int64())),
		fieldRequested: structpb.NewNumberValue(float64(insufficient.Requested.Int64())),
	})
	withDetails, err := base.WithDetails(detail)
	if err != nil {
		return base.Err()
	}
	return withDetails.Err()
}

// mapFromGRPCError restores ledger error classes from a status returned by the server.
func mapFromGRPCError(source error) error {
	statusValue, ok := status.FromError(source)
	if !ok {
		return source
	}
	if statusValue.Code() == codes.FailedPrecondition && statusValue.Message() == errorInsufficientFunds {
		insufficient := ledger.InsufficientFundsError{}
		for _, detail := range statusValue.Details() {
			if message, isStruct := detail.(*structpb.Struct); isStruct {
				balance, _ := integerField(message, fieldBalance)
				requested, _ := integerField(message, fieldRequested)
				insufficient.Balance = ledger.Credits(balance)
				insufficient.Requested = ledger.Credits(requested)
			}
		}
		return insufficient
	}
	for _, mapping := range statusMappings {
		if mapping.code == statusValue.Code() && mapping.message == statusValue.Message() {
			return fmt.Errorf("%w: %v", mapping.err, source)
		}
	}
	switch statusValue.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		return ledger.Unavailable(source)
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", ledger.ErrInvalidArgument, statusValue.Message())
	}
	return source
}
