package grpcserver

import (
	"context"

	"github.com/MarkoPoloResearchLab/voiceledger/pkg/ledger"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

// CreditServiceServer exposes the credit ledger over gRPC.
type CreditServiceServer struct {
	creditService *ledger.Service
	logger        *zap.Logger
}

// NewCreditServiceServer constructs a gRPC server for the ledger service.
func NewCreditServiceServer(creditService *ledger.Service, logger *zap.Logger) *CreditServiceServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CreditServiceServer{creditService: creditService, logger: logger}
}

func (service *CreditServiceServer) GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, operationError := service.creditService.Balance(ctx, userID)
	if operationError != nil {
		return nil, service.failure(methodGetBalance, userID, operationError)
	}
	return newStruct(map[string]*structpb.Value{
		fieldBalance: structpb.NewNumberValue(float64(balance.Int64())),
	}), nil
}

func (service *CreditServiceServer) Credit(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	mutation, err := parseMutation(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	transaction, operationError := service.creditService.Credit(ctx, mutation.userID, mutation.amount, mutation.reason, mutation.metadata, mutation.idempotencyKey)
	if operationError != nil {
		return nil, service.failure(methodCredit, mutation.userID, operationError)
	}
	return transactionResponse(transaction), nil
}

func (service *CreditServiceServer) Debit(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	mutation, err := parseMutation(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	transaction, operationError := service.creditService.Debit(ctx, mutation.userID, mutation.amount, mutation.reason, mutation.metadata, mutation.idempotencyKey)
	if operationError != nil {
		return nil, service.failure(methodDebit, mutation.userID, operationError)
	}
	return transactionResponse(transaction), nil
}

func (service *CreditServiceServer) ListTransactions(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	limit, err := integerField(request, fieldLimit)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	cursor, err := ledger.ParseCursor(stringField(request, fieldCursor))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	page, operationError := service.creditService.History(ctx, userID, int(limit), cursor)
	if operationError != nil {
		return nil, service.failure(methodListTransactions, userID, operationError)
	}
	transactions := make([]*structpb.Value, 0, len(page.Transactions))
	for _, transaction := range page.Transactions {
		transactions = append(transactions, structpb.NewStructValue(encodeTransaction(transaction)))
	}
	return newStruct(map[string]*structpb.Value{
		fieldTransactions: structpb.NewListValue(&structpb.ListValue{Values: transactions}),
		fieldNextCursor:   structpb.NewStringValue(page.NextCursor.String()),
	}), nil
}

func (service *CreditServiceServer) Refund(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	transactionID, err := ledger.NewTransactionID(stringField(request, fieldTransactionID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	transaction, operationError := service.creditService.Refund(ctx, userID, transactionID)
	if operationError != nil {
		return nil, service.failure(methodRefund, userID, operationError)
	}
	return transactionResponse(transaction), nil
}

type mutationRequest struct {
	userID         ledger.UserID
	amount         ledger.PositiveCredits
	reason         ledger.Reason
	metadata       ledger.MetadataJSON
	idempotencyKey ledger.IdempotencyKey
}

func parseMutation(request *structpb.Struct) (mutationRequest, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return mutationRequest{}, err
	}
	rawAmount, err := integerField(request, fieldAmount)
	if err != nil {
		return mutationRequest{}, err
	}
	amount, err := ledger.NewPositiveCredits(rawAmount)
	if err != nil {
		return mutationRequest{}, err
	}
	reason, err := ledger.ParseReason(stringField(request, fieldReason))
	if err != nil {
		return mutationRequest{}, err
	}
	metadata, err := ledger.NewMetadataJSON(stringField(request, fieldMetadataJSON))
	if err != nil {
		return mutationRequest{}, err
	}
	idempotencyKey, err := ledger.OptionalIdempotencyKey(stringField(request, fieldIdempotencyKey))
	if err != nil {
		return mutationRequest{}, err
	}
	return mutationRequest{
		userID:         userID,
		amount:         amount,
		reason:         reason,
		metadata:       metadata,
		idempotencyKey: idempotencyKey,
	}, nil
}

// failure logs unexpected errors with their context before hiding them behind a status code.
func (service *CreditServiceServer) failure(method string, userID ledger.UserID, err error) error {
	if !ledger.IsBusinessError(err) {
		service.logger.Error("ledger call failed",
			zap.String("method", method),
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
	}
	return mapToGRPCError(err)
}

var _ CreditServiceHandler = (*CreditServiceServer)(nil)
