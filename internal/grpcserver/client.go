package grpcserver

import (
	"context"

	"github.com/MarkoPoloResearchLab/voiceledger/pkg/ledger"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls credit.v1.CreditService and speaks ledger types, so callers can swap it for
// *ledger.Service.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (client *Client) invoke(ctx context.Context, method string, request *structpb.Struct) (*structpb.Struct, error) {
	response := new(structpb.Struct)
	if err := client.conn.Invoke(ctx, fullMethod(method), request, response); err != nil {
		return nil, mapFromGRPCError(err)
	}
	return response, nil
}

// Balance returns the user's current balance.
func (client *Client) Balance(ctx context.Context, userID ledger.UserID) (ledger.Credits, error) {
	response, err := client.invoke(ctx, methodGetBalance, newStruct(map[string]*structpb.Value{
		fieldUserID: structpb.NewStringValue(userID.String()),
	}))
	if err != nil {
		return 0, err
	}
	balance, err := integerField(response, fieldBalance)
	if err != nil {
		return 0, err
	}
	return ledger.Credits(balance), nil
}

// History returns one page of transactions, newest first.
func (client *Client) History(ctx context.Context, userID ledger.UserID, limit int, cursor ledger.Cursor) (ledger.HistoryPage, error) {
	response, err := client.invoke(ctx, methodListTransactions, newStruct(map[string]*structpb.Value{
		fieldUserID: structpb.NewStringValue(userID.String()),
		fieldLimit:  structpb.NewNumberValue(float64(limit)),
		fieldCursor: structpb.NewStringValue(cursor.String()),
	}))
	if err != nil {
		return ledger.HistoryPage{}, err
	}
	values := response.GetFields()[fieldTransactions].GetListValue().GetValues()
	page := ledger.HistoryPage{Transactions: make([]ledger.Transaction, 0, len(values))}
	for _, value := range values {
		transaction, err := decodeTransaction(value.GetStructValue())
		if err != nil {
			return ledger.HistoryPage{}, err
		}
		page.Transactions = append(page.Transactions, transaction)
	}
	nextCursor, err := ledger.ParseCursor(stringField(response, fieldNextCursor))
	if err != nil {
		return ledger.HistoryPage{}, err
	}
	page.NextCursor = nextCursor
	return page, nil
}

// Credit adds amount to the user's balance.
func (client *Client) Credit(ctx context.Context, userID ledger.UserID, amount ledger.PositiveCredits, reason ledger.Reason, metadata ledger.MetadataJSON, idempotencyKey ledger.IdempotencyKey) (ledger.Transaction, error) {
	return client.mutate(ctx, methodCredit, userID, amount, reason, metadata, idempotencyKey)
}

// Debit removes amount from the user's balance.
func (client *Client) Debit(ctx context.Context, userID ledger.UserID, amount ledger.PositiveCredits, reason ledger.Reason, metadata ledger.MetadataJSON, idempotencyKey ledger.IdempotencyKey) (ledger.Transaction, error) {
	return client.mutate(ctx, methodDebit, userID, amount, reason, metadata, idempotencyKey)
}

// Refund credits back a prior debit.
func (client *Client) Refund(ctx context.Context, userID ledger.UserID, transactionID ledger.TransactionID) (ledger.Transaction, error) {
	response, err := client.invoke(ctx, methodRefund, newStruct(map[string]*structpb.Value{
		fieldUserID:        structpb.NewStringValue(userID.String()),
		fieldTransactionID: structpb.NewStringValue(transactionID.String()),
	}))
	if err != nil {
		return ledger.Transaction{}, err
	}
	return decodeTransactionResponse(response)
}

func (client *Client) mutate(ctx context.Context, method string, userID ledger.UserID, amount ledger.PositiveCredits, reason ledger.Reason, metadata ledger.MetadataJSON, idempotencyKey ledger.IdempotencyKey) (ledger.Transaction, error) {
	response, err := client.invoke(ctx, method, newStruct(map[string]*structpb.Value{
		fieldUserID:         structpb.NewStringValue(userID.String()),
		fieldAmount:         structpb.NewNumberValue(float64(amount.Int64())),
		fieldReason:         structpb.NewStringValue(reason.String()),
		fieldMetadataJSON:   structpb.NewStringValue(metadata.String()),
		fieldIdempotencyKey: structpb.NewStringValue(idempotencyKey.String()),
	}))
	if err != nil {
		return ledger.Transaction{}, err
	}
	return decodeTransactionResponse(response)
}
