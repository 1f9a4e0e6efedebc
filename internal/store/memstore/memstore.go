// Package memstore keeps the ledger in process memory. Mutations serialize on a per-account mutex;
// different accounts never contend.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/voiceledger/pkg/ledger"
)

// Store implements ledger.Store in memory.
type Store struct {
	accountsMu sync.Mutex
	accounts   map[string]*account
}

type account struct {
	mu              sync.Mutex
	balance         ledger.Credits
	lastWriteAt     time.Time
	transactions    []ledger.Transaction
	byIdempotency   map[string]int
	byTransactionID map[string]int
}

// New returns an empty Store.
func New() *Store {
	return &Store{accounts: make(map[string]*account)}
}

func (store *Store) account(userID ledger.UserID) *account {
	store.accountsMu.Lock()
	defer store.accountsMu.Unlock()
	existing, ok := store.accounts[userID.String()]
	if !ok {
		existing = &account{
			byIdempotency:   make(map[string]int),
			byTransactionID: make(map[string]int),
		}
		store.accounts[userID.String()] = existing
	}
	return existing
}

// GetBalance implements ledger.Store.
func (store *Store) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Credits, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	record := store.account(userID)
	record.mu.Lock()
	defer record.mu.Unlock()
	return record.balance, nil
}

// AppendTransaction implements ledger.Store.
func (store *Store) AppendTransaction(ctx context.Context, request ledger.AppendRequest) (ledger.AppendResult, error) {
	if err := request.Validate(); err != nil {
		return ledger.AppendResult{}, err
	}
	record := store.account(request.UserID)
	record.mu.Lock()
	defer record.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return ledger.AppendResult{}, err
	}

	if !request.IdempotencyKey.IsZero() {
		if index, ok := record.byIdempotency[request.IdempotencyKey.String()]; ok {
			return ledger.AppendResult{Transaction: record.transactions[index], Replayed: true}, nil
		}
	}
	updatedBalance := record.balance + request.Amount
	if request.EnforceNonNegative && updatedBalance < 0 {
		return ledger.AppendResult{}, ledger.InsufficientFundsError{Balance: record.balance, Requested: request.Amount.Negated()}
	}
	createdAt := ledger.ClampCreatedAt(request.RequestedAt, record.lastWriteAt)
	transaction, err := ledger.NewTransaction(
		ledger.GenerateTransactionID(),
		request.UserID,
		request.Amount,
		request.Reason,
		int64(len(record.transactions))+1,
		request.IdempotencyKey,
		request.Metadata,
		createdAt,
	)
	if err != nil {
		return ledger.AppendResult{}, err
	}
	record.transactions = append(record.transactions, transaction)
	index := len(record.transactions) - 1
	record.byTransactionID[transaction.TransactionID().String()] = index
	if !request.IdempotencyKey.IsZero() {
		record.byIdempotency[request.IdempotencyKey.String()] = index
	}
	record.balance = updatedBalance
	record.lastWriteAt = createdAt
	return ledger.AppendResult{Transaction: transaction}, nil
}

// ListTransactions implements ledger.Store.
func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, cursor ledger.Cursor, limit int) ([]ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = ledger.DefaultHistoryLimit
	}
	record := store.account(userID)
	record.mu.Lock()
	defer record.mu.Unlock()

	// Sequence n lives at index n-1.
	end := len(record.transactions)
	if !cursor.IsZero() && cursor.BeforeSequence()-1 < int64(end) {
		end = int(cursor.BeforeSequence() - 1)
	}
	transactions := make([]ledger.Transaction, 0, min(limit, end))
	for index := end - 1; index >= 0 && len(transactions) < limit; index-- {
		transactions = append(transactions, record.transactions[index])
	}
	return transactions, nil
}

// GetTransaction implements ledger.Store.
func (store *Store) GetTransaction(ctx context.Context, userID ledger.UserID, transactionID ledger.TransactionID) (ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Transaction{}, err
	}
	record := store.account(userID)
	record.mu.Lock()
	defer record.mu.Unlock()
	index, ok := record.byTransactionID[transactionID.String()]
	if !ok {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return record.transactions[index], nil
}

// Reconcile implements ledger.Store.
func (store *Store) Reconcile(ctx context.Context, userID ledger.UserID, _ time.Time) (ledger.Reconciliation, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Reconciliation{}, err
	}
	record := store.account(userID)
	record.mu.Lock()
	defer record.mu.Unlock()
	var sum ledger.Credits
	for _, transaction := range record.transactions {
		sum += transaction.Amount()
	}
	reconciliation := ledger.Reconciliation{
		UserID:   userID,
		Before:   record.balance,
		After:    sum,
		Adjusted: record.balance != sum,
	}
	record.balance = sum
	return reconciliation, nil
}

var _ ledger.Store = (*Store)(nil)
