package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const (
	userIDValue      = "user-1"
	metadataValue    = `{"job_id":"job-1"}`
	idempotencyValue = "purchase-1"
)

var fixedNow = time.Date(2026, time.February, 10, 9, 30, 0, 0, time.UTC)

type publisherRecorder struct {
	mu           sync.Mutex
	transactions []Transaction
	err          error
}

func (publisher *publisherRecorder) PublishTransaction(_ context.Context, transaction Transaction) error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	publisher.transactions = append(publisher.transactions, transaction)
	return publisher.err
}

func TestScenarioCreditThenHistory(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	userID := mustUserID(test, userIDValue)

	if _, err := service.Credit(context.Background(), userID, mustPositiveCredits(test, 100), ReasonPurchase, MetadataJSON{}, IdempotencyKey{}); err != nil {
		test.Fatalf("credit failed: %v", err)
	}
	assertBalance(test, service, userID, 100)
	page, err := service.History(context.Background(), userID, 0, Cursor{})
	if err != nil {
		test.Fatalf("history failed: %v", err)
	}
	if len(page.Transactions) != 1 {
		test.Fatalf("expected 1 transaction, got %d", len(page.Transactions))
	}
	if page.Transactions[0].Amount() != 100 || page.Transactions[0].Reason() != ReasonPurchase {
		test.Fatalf("unexpected transaction %+v", page.Transactions[0])
	}
	if !page.NextCursor.IsZero() {
		test.Fatalf("expected no next cursor, got %q", page.NextCursor.String())
	}
}

func TestScenarioDebitAndInsufficientFunds(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	userID := mustUserID(test, userIDValue)
	ctx := context.Background()

	mustCredit(test, service, userID, 100)
	debit, err := service.Debit(ctx, userID, mustPositiveCredits(test, 30), ReasonGenerationSpend, MetadataJSON{}, IdempotencyKey{})
	if err != nil {
		test.Fatalf("debit failed: %v", err)
	}
	if debit.Amount() != -30 {
		test.Fatalf("expected debit of -30, got %d", debit.Amount())
	}
	assertBalance(test, service, userID, 70)
	page, err := service.History(ctx, userID, 0, Cursor{})
	if err != nil {
		test.Fatalf("history failed: %v", err)
	}
	if len(page.Transactions) != 2 || page.Transactions[0].TransactionID() != debit.TransactionID() {
		test.Fatalf("expected the debit first in a 2-transaction history, got %+v", page.Transactions)
	}

	_, err = service.Debit(ctx, userID, mustPositiveCredits(test, 100), ReasonGenerationSpend, MetadataJSON{}, IdempotencyKey{})
	if !errors.Is(err, ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	var insufficient InsufficientFundsError
	if !errors.As(err, &insufficient) || insufficient.Balance != 70 || insufficient.Requested != 100 {
		test.Fatalf("unexpected insufficient funds payload: %v", err)
	}
	assertBalance(test, service, userID, 70)
	page, err = service.History(ctx, userID, 0, Cursor{})
	if err != nil {
		test.Fatalf("history failed: %v", err)
	}
	if len(page.Transactions) != 2 {
		test.Fatalf("expected 2 transactions after rejection, got %d", len(page.Transactions))
	}
}

func TestScenarioHistoryPagination(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	userID := mustUserID(test, userIDValue)
	ctx := context.Background()
	mustCredit(test, service, userID, 100)
	mustDebit(test, service, userID, 30)

	first, err := service.History(ctx, userID, 1, Cursor{})
	if err != nil {
		test.Fatalf("history failed: %v", err)
	}
	if len(first.Transactions) != 1 || first.Transactions[0].Amount() != -30 {
		test.Fatalf("expected the newest debit, got %+v", first.Transactions)
	}
	if first.NextCursor.IsZero() {
		test.Fatalf("expected a next cursor")
	}
	second, err := service.History(ctx, userID, 1, first.NextCursor)
	if err != nil {
		test.Fatalf("history failed: %v", err)
	}
	if len(second.Transactions) != 1 || second.Transactions[0].Amount() != 100 {
		test.Fatalf("expected the original credit, got %+v", second.Transactions)
	}
	if !second.NextCursor.IsZero() {
		test.Fatalf("expected last page, got cursor %q", second.NextCursor.String())
	}
}

func TestHistoryLimitNormalization(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		limit   int
		want    int
		wantErr error
	}{
		{name: "default", limit: 0, want: DefaultHistoryLimit},
		{name: "explicit", limit: 7, want: 7},
		{name: "clamped", limit: MaxHistoryLimit + 1, want: MaxHistoryLimit},
		{name: "negative", limit: -1, wantErr: ErrInvalidHistoryLimit},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			service := mustNewService(test, store)
			_, err := service.History(context.Background(), mustUserID(test, userIDValue), testCase.limit, Cursor{})
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					test.Fatalf("expected %v, got %v", testCase.wantErr, err)
				}
				return
			}
			if err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
			if store.lastListLimit != testCase.want+1 {
				test.Fatalf("expected store limit %d, got %d", testCase.want+1, store.lastListLimit)
			}
		})
	}
}

func TestUnknownUserHasZeroBalance(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	assertBalance(test, service, mustUserID(test, "never-seen"), 0)
	if _, err := service.Balance(context.Background(), UserID{}); !errors.Is(err, ErrInvalidUserID) {
		test.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
}

func TestCreditIdempotencyReplay(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	publisher := &publisherRecorder{}
	service := mustNewService(test, store, WithTransactionPublisher(publisher))
	userID := mustUserID(test, userIDValue)
	key := mustIdempotencyKey(test, idempotencyValue)
	metadata := mustMetadata(test, metadataValue)

	first, err := service.Credit(context.Background(), userID, mustPositiveCredits(test, 40), ReasonPurchase, metadata, key)
	if err != nil {
		test.Fatalf("credit failed: %v", err)
	}
	second, err := service.Credit(context.Background(), userID, mustPositiveCredits(test, 40), ReasonPurchase, metadata, key)
	if err != nil {
		test.Fatalf("replay failed: %v", err)
	}
	if first.TransactionID() != second.TransactionID() {
		test.Fatalf("expected the replay to return the original transaction")
	}
	assertBalance(test, service, userID, 40)
	service.Flush()
	if len(publisher.transactions) != 1 {
		test.Fatalf("expected one publish, got %d", len(publisher.transactions))
	}
}

func TestDebitValidation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	_, err := service.Debit(context.Background(), UserID{}, mustPositiveCredits(test, 1), ReasonGenerationSpend, MetadataJSON{}, IdempotencyKey{})
	if !errors.Is(err, ErrInvalidUserID) {
		test.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
	_, err = service.Debit(context.Background(), mustUserID(test, userIDValue), PositiveCredits{}, ReasonGenerationSpend, MetadataJSON{}, IdempotencyKey{})
	if !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if store.appendCalls != 0 {
		test.Fatalf("expected no store writes, got %d", store.appendCalls)
	}
}

func TestRefundCreditsBackDebit(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	userID := mustUserID(test, userIDValue)
	ctx := context.Background()
	mustCredit(test, service, userID, 50)
	debit := mustDebit(test, service, userID, 20)

	refund, err := service.Refund(ctx, userID, debit.TransactionID())
	if err != nil {
		test.Fatalf("refund failed: %v", err)
	}
	if refund.Amount() != 20 || refund.Reason() != ReasonRefund {
		test.Fatalf("unexpected refund %+v", refund)
	}
	if refund.Metadata().String() != `{"refund_of":"`+debit.TransactionID().String()+`"}` {
		test.Fatalf("unexpected refund metadata %s", refund.Metadata().String())
	}
	again, err := service.Refund(ctx, userID, debit.TransactionID())
	if err != nil {
		test.Fatalf("second refund failed: %v", err)
	}
	if again.TransactionID() != refund.TransactionID() {
		test.Fatalf("expected the second refund to replay the first")
	}
	assertBalance(test, service, userID, 50)
}

func TestRefundRejectsCreditsAndUnknownTransactions(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	userID := mustUserID(test, userIDValue)
	credit := mustCredit(test, service, userID, 50)

	if _, err := service.Refund(context.Background(), userID, credit.TransactionID()); !errors.Is(err, ErrNotRefundable) {
		test.Fatalf("expected ErrNotRefundable, got %v", err)
	}
	if _, err := service.Refund(context.Background(), userID, GenerateTransactionID()); !errors.Is(err, ErrTransactionNotFound) {
		test.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestRefundIsAppliedOncePerDebit(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	userID := mustUserID(test, userIDValue)
	ctx := context.Background()
	mustCredit(test, service, userID, 100)
	debit := mustDebit(test, service, userID, 40)

	var refundIDs []TransactionID
	for attempt := 0; attempt < 3; attempt++ {
		refund, err := service.Refund(ctx, userID, debit.TransactionID())
		if err != nil {
			test.Fatalf("attempt %d: refund failed: %v", attempt, err)
		}
		if refund.IdempotencyKey().String() != "refund:"+debit.TransactionID().String() {
			test.Fatalf("attempt %d: unexpected refund key %q", attempt, refund.IdempotencyKey().String())
		}
		refundIDs = append(refundIDs, refund.TransactionID())
	}
	for attempt, refundID := range refundIDs {
		if refundID != refundIDs[0] {
			test.Fatalf("attempt %d: expected replay of %s, got %s", attempt, refundIDs[0], refundID)
		}
	}
	assertBalance(test, service, userID, 100)
}

func TestCallerKeysCannotClaimRefundNamespace(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	userID := mustUserID(test, userIDValue)
	ctx := context.Background()
	mustCredit(test, service, userID, 100)
	debit := mustDebit(test, service, userID, 40)
	reservedKey := mustIdempotencyKey(test, "refund:"+debit.TransactionID().String())

	amount := mustPositiveCredits(test, 5)
	if _, err := service.Debit(ctx, userID, amount, ReasonGenerationSpend, MetadataJSON{}, reservedKey); !errors.Is(err, ErrInvalidIdempotencyKey) {
		test.Fatalf("expected ErrInvalidIdempotencyKey for debit, got %v", err)
	}
	if _, err := service.Credit(ctx, userID, amount, ReasonPurchase, MetadataJSON{}, reservedKey); !errors.Is(err, ErrInvalidIdempotencyKey) {
		test.Fatalf("expected ErrInvalidIdempotencyKey for credit, got %v", err)
	}
	refund, err := service.Refund(ctx, userID, debit.TransactionID())
	if err != nil {
		test.Fatalf("refund failed: %v", err)
	}
	if refund.Reason() != ReasonRefund || refund.Amount() != 40 {
		test.Fatalf("unexpected refund %+v", refund)
	}
	assertBalance(test, service, userID, 100)
}

func TestReconcileRepairsDrift(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)
	mustCredit(test, service, userID, 30)
	store.balances[userID.String()] = 999

	reconciliation, err := service.Reconcile(context.Background(), userID)
	if err != nil {
		test.Fatalf("reconcile failed: %v", err)
	}
	if !reconciliation.Adjusted || reconciliation.Before != 999 || reconciliation.After != 30 {
		test.Fatalf("unexpected reconciliation %+v", reconciliation)
	}
	assertBalance(test, service, userID, 30)
}

func TestConcurrentDebitsNeverOverdraw(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	userID := mustUserID(test, userIDValue)
	mustCredit(test, service, userID, 10)
	amount := mustPositiveCredits(test, 10)

	var wait sync.WaitGroup
	results := make(chan error, 2)
	for index := 0; index < 2; index++ {
		wait.Add(1)
		go func() {
			defer wait.Done()
			_, err := service.Debit(context.Background(), userID, amount, ReasonGenerationSpend, MetadataJSON{}, IdempotencyKey{})
			results <- err
		}()
	}
	wait.Wait()
	close(results)
	var failures int
	for err := range results {
		if err != nil {
			if !errors.Is(err, ErrInsufficientFunds) {
				test.Fatalf("unexpected error: %v", err)
			}
			failures++
		}
	}
	if failures != 1 {
		test.Fatalf("expected exactly one rejected debit, got %d", failures)
	}
	assertBalance(test, service, userID, 0)
}

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, time.Now); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil store, got %v", err)
	}
	if _, err := NewService(newStubStore(test), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil clock, got %v", err)
	}
}

// stubStore is an in-memory Store with injectable failures.
type stubStore struct {
	mu            sync.Mutex
	balances      map[string]Credits
	transactions  map[string][]Transaction
	balanceErrors []error
	listErrors    []error
	appendErrors  []error
	getError      error
	reconcileErr  error
	balanceCalls  int
	appendCalls   int
	lastListLimit int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		balances:     make(map[string]Credits),
		transactions: make(map[string][]Transaction),
	}
}

func (store *stubStore) GetBalance(_ context.Context, userID UserID) (Credits, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.balanceCalls++
	if err := popError(&store.balanceErrors); err != nil {
		return 0, err
	}
	return store.balances[userID.String()], nil
}

func (store *stubStore) AppendTransaction(_ context.Context, request AppendRequest) (AppendResult, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.appendCalls++
	if err := popError(&store.appendErrors); err != nil {
		return AppendResult{}, err
	}
	history := store.transactions[request.UserID.String()]
	if !request.IdempotencyKey.IsZero() {
		for _, existing := range history {
			if existing.IdempotencyKey() == request.IdempotencyKey {
				return AppendResult{Transaction: existing, Replayed: true}, nil
			}
		}
	}
	balance := store.balances[request.UserID.String()]
	if request.EnforceNonNegative && balance+request.Amount < 0 {
		return AppendResult{}, InsufficientFundsError{Balance: balance, Requested: request.Amount.Negated()}
	}
	transaction, err := NewTransaction(GenerateTransactionID(), request.UserID, request.Amount, request.Reason, int64(len(history))+1, request.IdempotencyKey, request.Metadata, request.RequestedAt)
	if err != nil {
		return AppendResult{}, err
	}
	store.transactions[request.UserID.String()] = append(history, transaction)
	store.balances[request.UserID.String()] = balance + request.Amount
	return AppendResult{Transaction: transaction}, nil
}

func (store *stubStore) ListTransactions(_ context.Context, userID UserID, cursor Cursor, limit int) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.lastListLimit = limit
	if err := popError(&store.listErrors); err != nil {
		return nil, err
	}
	history := store.transactions[userID.String()]
	var result []Transaction
	for index := len(history) - 1; index >= 0 && len(result) < limit; index-- {
		if !cursor.IsZero() && history[index].Sequence() >= cursor.BeforeSequence() {
			continue
		}
		result = append(result, history[index])
	}
	return result, nil
}

func (store *stubStore) GetTransaction(_ context.Context, userID UserID, transactionID TransactionID) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.getError != nil {
		return Transaction{}, store.getError
	}
	for _, transaction := range store.transactions[userID.String()] {
		if transaction.TransactionID() == transactionID {
			return transaction, nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (store *stubStore) Reconcile(_ context.Context, userID UserID, _ time.Time) (Reconciliation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.reconcileErr != nil {
		return Reconciliation{}, store.reconcileErr
	}
	var sum Credits
	for _, transaction := range store.transactions[userID.String()] {
		sum += transaction.Amount()
	}
	before := store.balances[userID.String()]
	store.balances[userID.String()] = sum
	return Reconciliation{UserID: userID, Before: before, After: sum, Adjusted: before != sum}, nil
}

func popError(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	options = append([]ServiceOption{WithRetryPolicy(RetryPolicy{Attempts: 3})}, options...)
	service, err := NewService(store, func() time.Time { return fixedNow }, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustCredit(test *testing.T, service *Service, userID UserID, amount int64) Transaction {
	test.Helper()
	transaction, err := service.Credit(context.Background(), userID, mustPositiveCredits(test, amount), ReasonPurchase, MetadataJSON{}, IdempotencyKey{})
	if err != nil {
		test.Fatalf("credit failed: %v", err)
	}
	return transaction
}

func mustDebit(test *testing.T, service *Service, userID UserID, amount int64) Transaction {
	test.Helper()
	transaction, err := service.Debit(context.Background(), userID, mustPositiveCredits(test, amount), ReasonGenerationSpend, MetadataJSON{}, IdempotencyKey{})
	if err != nil {
		test.Fatalf("debit failed: %v", err)
	}
	return transaction
}

func assertBalance(test *testing.T, service *Service, userID UserID, expected Credits) {
	test.Helper()
	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance failed: %v", err)
	}
	if balance != expected {
		test.Fatalf("expected balance %d, got %d", expected, balance)
	}
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustPositiveCredits(test *testing.T, raw int64) PositiveCredits {
	test.Helper()
	amount, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}
