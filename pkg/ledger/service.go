package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Service exposes credit and debit semantics over a Store.
type Service struct {
	store       Store
	clock       func() time.Time
	logger      OperationLogger
	publisher   TransactionPublisher
	retryPolicy RetryPolicy

	publishTimeout time.Duration
	publishes      sync.WaitGroup
}

// NewService wires a Service.
func NewService(store Store, clock func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if clock == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:          store,
		clock:          clock,
		retryPolicy:    DefaultRetryPolicy(),
		publishTimeout: defaultPublishTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the current balance; unknown users have a zero balance.
func (service *Service) Balance(ctx context.Context, userID UserID) (Credits, error) {
	if userID.IsZero() {
		return 0, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	var balance Credits
	err := service.retryPolicy.run(ctx, func(ctx context.Context) error {
		var err error
		balance, err = service.store.GetBalance(ctx, userID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// History lists transactions newest first. A zero limit selects DefaultHistoryLimit and limits above
// MaxHistoryLimit are clamped; negative limits are rejected.
func (service *Service) History(ctx context.Context, userID UserID, limit int, cursor Cursor) (HistoryPage, error) {
	if userID.IsZero() {
		return HistoryPage{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	pageSize, err := NormalizeHistoryLimit(limit)
	if err != nil {
		return HistoryPage{}, err
	}
	var transactions []Transaction
	err = service.retryPolicy.run(ctx, func(ctx context.Context) error {
		var err error
		transactions, err = service.store.ListTransactions(ctx, userID, cursor, pageSize+1)
		return err
	})
	if err != nil {
		return HistoryPage{}, err
	}
	page := HistoryPage{Transactions: transactions}
	if len(transactions) > pageSize {
		page.Transactions = transactions[:pageSize]
		nextCursor, err := NewCursor(page.Transactions[pageSize-1].Sequence())
		if err != nil {
			return HistoryPage{}, err
		}
		page.NextCursor = nextCursor
	}
	return page, nil
}

// Credit adds amount to the user's balance. Credits never fail for balance reasons.
func (service *Service) Credit(ctx context.Context, userID UserID, amount PositiveCredits, reason Reason, metadata MetadataJSON, idempotencyKey IdempotencyKey) (Transaction, error) {
	if err := checkCallerKey(idempotencyKey); err != nil {
		return Transaction{}, err
	}
	return service.appendTransaction(ctx, operationCredit, userID, amount, reason, metadata, idempotencyKey, false)
}

// Debit removes amount from the user's balance, failing with ErrInsufficientFunds (and no side
// effect) when the balance would go negative.
func (service *Service) Debit(ctx context.Context, userID UserID, amount PositiveCredits, reason Reason, metadata MetadataJSON, idempotencyKey IdempotencyKey) (Transaction, error) {
	if err := checkCallerKey(idempotencyKey); err != nil {
		return Transaction{}, err
	}
	return service.appendTransaction(ctx, operationDebit, userID, amount, reason, metadata, idempotencyKey, true)
}

// Refund credits back a prior debit. Refunds are always keyed on the original transaction, so a
// debit is refunded at most once and repeated requests replay the first refund.
func (service *Service) Refund(ctx context.Context, userID UserID, transactionID TransactionID) (Transaction, error) {
	var original Transaction
	lookupError := service.retryPolicy.run(ctx, func(ctx context.Context) error {
		var err error
		original, err = service.store.GetTransaction(ctx, userID, transactionID)
		return err
	})
	if lookupError != nil {
		service.logOperation(ctx, OperationLog{
			Operation:     operationRefund,
			UserID:        userID,
			TransactionID: transactionID,
			Error:         lookupError,
		})
		return Transaction{}, lookupError
	}
	if original.Amount() >= 0 {
		notRefundable := fmt.Errorf("%w: %s is not a debit", ErrNotRefundable, transactionID.String())
		service.logOperation(ctx, OperationLog{
			Operation:     operationRefund,
			UserID:        userID,
			TransactionID: transactionID,
			Error:         notRefundable,
		})
		return Transaction{}, notRefundable
	}
	idempotencyKey, err := NewIdempotencyKey(refundIdempotencyPrefix + transactionID.String())
	if err != nil {
		return Transaction{}, err
	}
	rawMetadata, err := json.Marshal(map[string]string{refundMetadataKey: transactionID.String()})
	if err != nil {
		return Transaction{}, err
	}
	metadata, err := NewMetadataJSON(string(rawMetadata))
	if err != nil {
		return Transaction{}, err
	}
	amount, err := NewPositiveCredits(original.Amount().Negated().Int64())
	if err != nil {
		return Transaction{}, err
	}
	return service.appendTransaction(ctx, operationRefund, userID, amount, ReasonRefund, metadata, idempotencyKey, false)
}

// Reconcile recomputes the stored balance from the transaction log.
func (service *Service) Reconcile(ctx context.Context, userID UserID) (Reconciliation, error) {
	if userID.IsZero() {
		return Reconciliation{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	reconciliation, err := service.store.Reconcile(ctx, userID, service.clock().UTC())
	service.logOperation(ctx, OperationLog{
		Operation: operationReconcile,
		UserID:    userID,
		Amount:    reconciliation.After - reconciliation.Before,
		Error:     err,
	})
	if err != nil {
		return Reconciliation{}, err
	}
	return reconciliation, nil
}

func (service *Service) appendTransaction(ctx context.Context, operation string, userID UserID, amount PositiveCredits, reason Reason, metadata MetadataJSON, idempotencyKey IdempotencyKey, enforceNonNegative bool) (Transaction, error) {
	signedAmount := amount.ToCredits()
	if enforceNonNegative {
		signedAmount = signedAmount.Negated()
	}
	request := AppendRequest{
		UserID:             userID,
		Amount:             signedAmount,
		Reason:             reason,
		Metadata:           metadata,
		IdempotencyKey:     idempotencyKey,
		EnforceNonNegative: enforceNonNegative,
		RequestedAt:        service.clock().UTC(),
	}
	var result AppendResult
	operationError := request.Validate()
	if operationError == nil {
		// Without an idempotency key a retried append could charge twice.
		policy := NoRetry()
		if !idempotencyKey.IsZero() {
			policy = service.retryPolicy
		}
		operationError = policy.run(ctx, func(ctx context.Context) error {
			var err error
			result, err = service.store.AppendTransaction(ctx, request)
			return err
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operation,
		UserID:         userID,
		TransactionID:  result.Transaction.TransactionID(),
		Amount:         signedAmount,
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
		Replayed:       result.Replayed,
		Error:          operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	if !result.Replayed {
		service.publish(ctx, result.Transaction)
	}
	return result.Transaction, nil
}

// publish hands a committed transaction to the publisher in the background. The commit is already
// durable, so the caller's deadline and cancellation do not apply to the event.
func (service *Service) publish(ctx context.Context, transaction Transaction) {
	if service.publisher == nil {
		return
	}
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), service.publishTimeout)
	service.publishes.Add(1)
	go func() {
		defer service.publishes.Done()
		defer cancel()
		if err := service.publisher.PublishTransaction(publishCtx, transaction); err != nil {
			service.logOperation(publishCtx, OperationLog{
				Operation:     operationPublish,
				UserID:        transaction.UserID(),
				TransactionID: transaction.TransactionID(),
				Amount:        transaction.Amount(),
				Reason:        transaction.Reason(),
				Status:        operationStatusError,
				Error:         err,
			})
		}
	}()
}

// Flush blocks until every in-flight transaction event has been published or has timed out.
func (service *Service) Flush() {
	service.publishes.Wait()
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		entry.Status = statusForError(entry.Error)
	}
	service.logger.LogOperation(ctx, entry)
}

// checkCallerKey keeps caller-chosen keys out of the namespace reserved for refunds.
func checkCallerKey(idempotencyKey IdempotencyKey) error {
	if strings.HasPrefix(idempotencyKey.String(), refundIdempotencyPrefix) {
		return fmt.Errorf("%w: prefix %q is reserved", ErrInvalidIdempotencyKey, refundIdempotencyPrefix)
	}
	return nil
}

// NormalizeHistoryLimit applies the default and the cap to a requested page size.
func NormalizeHistoryLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, fmt.Errorf("%w: %d is negative", ErrInvalidHistoryLimit, limit)
	case limit == 0:
		return DefaultHistoryLimit, nil
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit, nil
	default:
		return limit, nil
	}
}

// IsRetryable reports whether err is a transient storage failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
