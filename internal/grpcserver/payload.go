package grpcserver

import (
	"fmt"
	"math"
	"time"

	"github.com/MarkoPoloResearchLab/voiceledger/pkg/ledger"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	fieldUserID         = "user_id"
	fieldTransactionID  = "transaction_id"
	fieldAmount         = "amount"
	fieldReason         = "reason"
	fieldSequence       = "sequence"
	fieldMetadataJSON   = "metadata_json"
	fieldIdempotencyKey = "idempotency_key"
	fieldCreatedAt      = "created_at"
	fieldBalance        = "balance"
	fieldRequested      = "requested"
	fieldLimit          = "limit"
	fieldCursor         = "cursor"
	fieldNextCursor     = "next_cursor"
	fieldTransaction    = "transaction"
	fieldTransactions   = "transactions"

	// Struct numbers are doubles; integers beyond 2^53 lose precision.
	maxExactInteger = 1 << 53
)

func stringField(message *structpb.Struct, key string) string {
	value, ok := message.GetFields()[key]
	if !ok {
		return ""
	}
	return value.GetStringValue()
}

// integerField reads a whole number. Missing fields read as zero.
func integerField(message *structpb.Struct, key string) (int64, error) {
	value, ok := message.GetFields()[key]
	if !ok {
		return 0, nil
	}
	if _, isNumber := value.GetKind().(*structpb.Value_NumberValue); !isNumber {
		return 0, fmt.Errorf("%w: %s must be a number", ledger.ErrInvalidArgument, key)
	}
	number := value.GetNumberValue()
	if number != math.Trunc(number) || math.Abs(number) > maxExactInteger {
		return 0, fmt.Errorf("%w: %s must be an integer", ledger.ErrInvalidArgument, key)
	}
	return int64(number), nil
}

func newStruct(fields map[string]*structpb.Value) *structpb.Struct {
	return &structpb.Struct{Fields: fields}
}

func encodeTransaction(transaction ledger.Transaction) *structpb.Struct {
	return newStruct(map[string]*structpb.Value{
		fieldTransactionID:  structpb.NewStringValue(transaction.TransactionID().String()),
		fieldUserID:         structpb.NewStringValue(transaction.UserID().String()),
		fieldAmount:         structpb.NewNumberValue(float64(transaction.Amount().Int64())),
		fieldReason:         structpb.NewStringValue(transaction.Reason().String()),
		fieldSequence:       structpb.NewNumberValue(float64(transaction.Sequence())),
		fieldIdempotencyKey: structpb.NewStringValue(transaction.IdempotencyKey().String()),
		fieldMetadataJSON:   structpb.NewStringValue(transaction.Metadata().String()),
		fieldCreatedAt:      structpb.NewStringValue(transaction.CreatedAt().Format(time.RFC3339Nano)),
	})
}

func decodeTransaction(message *structpb.Struct) (ledger.Transaction, error) {
	transactionID, err := ledger.NewTransactionID(stringField(message, fieldTransactionID))
	if err != nil {
		return ledger.Transaction{}, err
	}
	userID, err := ledger.NewUserID(stringField(message, fieldUserID))
	if err != nil {
		return ledger.Transaction{}, err
	}
	amount, err := integerField(message, fieldAmount)
	if err != nil {
		return ledger.Transaction{}, err
	}
	reason, err := ledger.ParseReason(stringField(message, fieldReason))
	if err != nil {
		return ledger.Transaction{}, err
	}
	sequence, err := integerField(message, fieldSequence)
	if err != nil {
		return ledger.Transaction{}, err
	}
	idempotencyKey, err := ledger.OptionalIdempotencyKey(stringField(message, fieldIdempotencyKey))
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(stringField(message, fieldMetadataJSON))
	if err != nil {
		return ledger.Transaction{}, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, stringField(message, fieldCreatedAt))
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("%w: created_at: %v", ledger.ErrInvalidArgument, err)
	}
	return ledger.NewTransaction(transactionID, userID, ledger.Credits(amount), reason, sequence, idempotencyKey, metadata, createdAt)
}

func transactionResponse(transaction ledger.Transaction) *structpb.Struct {
	return newStruct(map[string]*structpb.Value{
		fieldTransaction: structpb.NewStructValue(encodeTransaction(transaction)),
	})
}

func decodeTransactionResponse(response *structpb.Struct) (ledger.Transaction, error) {
	return decodeTransaction(response.GetFields()[fieldTransaction].GetStructValue())
}
