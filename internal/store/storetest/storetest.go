// Package storetest holds behaviour checks shared by every ledger.Store implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/voiceledger/pkg/ledger"
)

// Factory returns a fresh, empty store for one test.
type Factory func(test *testing.T) ledger.Store

var baseTime = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

// Run exercises the store contract.
func Run(test *testing.T, newStore Factory) {
	test.Helper()
	test.Run("unknown user has zero balance and empty history", func(test *testing.T) {
		store := newStore(test)
		userID := mustUserID(test, "fresh-user")
		balance, err := store.GetBalance(context.Background(), userID)
		if err != nil {
			test.Fatalf("balance: %v", err)
		}
		if balance != 0 {
			test.Fatalf("expected zero balance, got %d", balance)
		}
		transactions, err := store.ListTransactions(context.Background(), userID, ledger.Cursor{}, 10)
		if err != nil {
			test.Fatalf("list: %v", err)
		}
		if len(transactions) != 0 {
			test.Fatalf("expected empty history, got %d", len(transactions))
		}
	})

	test.Run("append adjusts balance and records transaction", func(test *testing.T) {
		store := newStore(test)
		userID := mustUserID(test, "append-user")
		credit := mustAppend(test, store, request(userID, 100, ledger.ReasonPurchase, false, 0))
		debit := mustAppend(test, store, request(userID, -30, ledger.ReasonGenerationSpend, true, 1))

		if credit.Sequence() != 1 || debit.Sequence() != 2 {
			test.Fatalf("expected sequences 1 and 2, got %d and %d", credit.Sequence(), debit.Sequence())
		}
		if debit.Amount() != -30 || debit.Reason() != ledger.ReasonGenerationSpend {
			test.Fatalf("unexpected debit: amount=%d reason=%s", debit.Amount(), debit.Reason())
		}
		assertBalanceMatchesHistory(test, store, userID, 70)

		transactions := mustList(test, store, userID, ledger.Cursor{}, 10)
		if len(transactions) != 2 {
			test.Fatalf("expected 2 transactions, got %d", len(transactions))
		}
		if transactions[0].TransactionID() != debit.TransactionID() {
			test.Fatalf("expected newest transaction first")
		}
		if transactions[0].CreatedAt().Before(transactions[1].CreatedAt()) {
			test.Fatalf("created at must not decrease with sequence")
		}
	})

	test.Run("metadata round trips", func(test *testing.T) {
		store := newStore(test)
		userID := mustUserID(test, "metadata-user")
		appendRequest := request(userID, 5, ledger.ReasonAdminAdjustment, false, 0)
		appendRequest.Metadata = mustMetadata(test, `{"job_id":"job-42"}`)
		mustAppend(test, store, appendRequest)
		transactions := mustList(test, store, userID, ledger.Cursor{}, 1)
		if transactions[0].Metadata().String() == "{}" {
			test.Fatalf("expected metadata to be stored, got %s", transactions[0].Metadata().String())
		}
	})

	test.Run("insufficient funds leaves state unchanged", func(test *testing.T) {
		store := newStore(test)
		userID := mustUserID(test, "poor-user")
		mustAppend(test, store, request(userID, 70, ledger.ReasonPurchase, false, 0))
		before := mustList(test, store, userID, ledger.Cursor{}, 10)

		_, err := store.AppendTransaction(context.Background(), request(userID, -100, ledger.ReasonGenerationSpend, true, 1))
		if !errors.Is(err, ledger.ErrInsufficientFunds) {
			test.Fatalf("expected ErrInsufficientFunds, got %v", err)
		}
		var insufficient ledger.InsufficientFundsError
		if !errors.As(err, &insufficient) || insufficient.Balance != 70 {
			test.Fatalf("expected balance 70 in error, got %v", err)
		}
		after := mustList(test, store, userID, ledger.Cursor{}, 10)
		if len(before) != len(after) {
			test.Fatalf("expected %d transactions, got %d", len(before), len(after))
		}
		for index := range before {
			if before[index] != after[index] {
				test.Fatalf("transaction %d changed: %+v -> %+v", index, before[index], after[index])
			}
		}
		assertBalanceMatchesHistory(test, store, userID, 70)
	})

	test.Run("credits ignore balance enforcement", func(test *testing.T) {
		store := newStore(test)
		userID := mustUserID(test, "negative-user")
		mustAppend(test, store, request(userID, -15, ledger.ReasonAdminAdjustment, false, 0))
		assertBalanceMatchesHistory(test, store, userID, -15)
	})

	test.Run("idempotency key replays the original transaction", func(test *testing.T) {
		store := newStore(test)
		userID := mustUserID(test, "replay-user")
		appendRequest := request(userID, 40, ledger.ReasonPurchase, false, 0)
		appendRequest.IdempotencyKey = mustIdempotencyKey(test, "purchase-1")

		first, err := store.AppendTransaction(context.Background(), appendRequest)
		if err != nil {
			test.Fatalf("first append: %v", err)
		}
		second, err := store.AppendTransaction(context.Background(), appendRequest)
		if err != nil {
			test.Fatalf("second append: %v", err)
		}
		if first.Replayed || !second.Replayed {
			test.Fatalf("expected only the second append to replay, got %v and %v", first.Replayed, second.Replayed)
		}
		if first.Transaction.TransactionID() != second.Transaction.TransactionID() {
			test.Fatalf("expected the same transaction on replay")
		}
		assertBalanceMatchesHistory(test, store, userID, 40)
	})

	test.Run("reads are idempotent", func(test *testing.T) {
		store := newStore(test)
		userID := mustUserID(test, "reader-user")
		mustAppend(test, store, request(userID, 60, ledger.ReasonPurchase, false, 0))
		written := mustAppend(test, store, request(userID, -25, ledger.ReasonGenerationSpend, true, 1))

		var firstHistory []ledger.Transaction
		var firstLookup ledger.Transaction
		for attempt := 0; attempt < 2; attempt++ {
			balance, err := store.GetBalance(context.Background(), userID)
			if err != nil {
				test.Fatalf("attempt %d: balance: %v", attempt, err)
			}
			if balance != 35 {
				test.Fatalf("attempt %d: expected balance 35, got %d", attempt, balance)
			}
			transactions := mustList(test, store, userID, ledger.Cursor{}, 10)
			if len(transactions) != 2 || transactions[0].TransactionID() != written.TransactionID() {
				test.Fatalf("attempt %d: unexpected history %+v", attempt, transactions)
			}
			found, err := store.GetTransaction(context.Background(), userID, written.TransactionID())
			if err != nil || found.TransactionID() != written.TransactionID() {
				test.Fatalf("attempt %d: unexpected lookup %+v (%v)", attempt, found, err)
			}
			if attempt == 0 {
				firstHistory, firstLookup = transactions, found
				continue
			}
			for index := range transactions {
				if transactions[index] != firstHistory[index] {
					test.Fatalf("history changed between reads at %d", index)
				}
			}
			if found != firstLookup {
				test.Fatalf("lookup changed between reads: %+v -> %+v", firstLookup, found)
			}
		}
		assertBalanceMatchesHistory(test, store, userID, 35)
	})

	test.Run("non-positive limit uses the default page size", func(test *testing.T) {
		store := newStore(test)
		userID := mustUserID(test, "limit-user")
		for index := 0; index <= ledger.DefaultHistoryLimit; index++ {
			mustAppend(test, store, request(userID, 1, ledger.ReasonPurchase, false, index))
		}
		for _, limit := range []int{0, -1} {
			transactions := mustList(test, store, userID, ledger.Cursor{}, limit)
			if len(transactions) != ledger.DefaultHistoryLimit {
				test.Fatalf("limit %d: expected %d transactions, got %d", limit, ledger.DefaultHistoryLimit, len(transactions))
			}
			if transactions[0].Sequence() != int64(ledger.DefaultHistoryLimit+1) {
				test.Fatalf("limit %d: expected newest first, got sequence %d", limit, transactions[0].Sequence())
			}
		}
	})

	test.Run("get transaction", func(test *testing.T) {
		store := newStore(test)
		userID := mustUserID(test, "lookup-user")
		otherUserID := mustUserID(test, "other-user")
		written := mustAppend(test, store, request(userID, 12, ledger.ReasonPurchase, false, 0))

		found, err := store.GetTransaction(context.Background(), userID, written.TransactionID())
		if err != nil {
			test.Fatalf("get: %v", err)
		}
		if found.TransactionID() != written.TransactionID() || found.Amount() != 12 {
			test.Fatalf("unexpected transaction %+v", found)
		}
		_, err = store.GetTransaction(context.Background(), otherUserID, written.TransactionID())
		if !errors.Is(err, ledger.ErrTransactionNotFound) {
			test.Fatalf("expected ErrTransactionNotFound for another user, got %v", err)
		}
		_, err = store.GetTransaction(context.Background(), userID, ledger.GenerateTransactionID())
		if !errors.Is(err, ledger.ErrTransactionNotFound) {
			test.Fatalf("expected ErrTransactionNotFound, got %v", err)
		}
	})

	test.Run("pagination is stable across inserts", func(test *testing.T) {
		store := newStore(test)
		userID := mustUserID(test, "paging-user")
		for index := 0; index < 5; index++ {
			mustAppend(test, store, request(userID, int64(index+1), ledger.ReasonPurchase, false, index))
		}
		firstPage := mustList(test, store, userID, ledger.Cursor{}, 2)
		cursor := mustCursor(test, firstPage[len(firstPage)-1].Sequence())
		secondPage := mustList(test, store, userID, cursor, 2)
		if secondPage[0].Sequence() != 3 || secondPage[1].Sequence() != 2 {
			test.Fatalf("unexpected second page sequences %d,%d", secondPage[0].Sequence(), secondPage[1].Sequence())
		}

		mustAppend(test, store, request(userID, 99, ledger.ReasonPurchase, false, 10))

		again := mustList(test, store, userID, cursor, 2)
		if len(again) != len(secondPage) {
			test.Fatalf("expected %d transactions, got %d", len(secondPage), len(again))
		}
		for index := range again {
			if again[index] != secondPage[index] {
				test.Fatalf("page changed after insert at %d", index)
			}
		}
		lastPage := mustList(test, store, userID, mustCursor(test, 1), 2)
		if len(lastPage) != 0 {
			test.Fatalf("expected nothing before sequence 1, got %d", len(lastPage))
		}
	})

	test.Run("concurrent debits race for the last credits", func(test *testing.T) {
		store := newStore(test)
		userID := mustUserID(test, "race-user")
		mustAppend(test, store, request(userID, 10, ledger.ReasonPurchase, false, 0))

		const contenders = 2
		var wait sync.WaitGroup
		results := make(chan error, contenders)
		for index := 0; index < contenders; index++ {
			wait.Add(1)
			go func(index int) {
				defer wait.Done()
				_, err := store.AppendTransaction(context.Background(), request(userID, -10, ledger.ReasonGenerationSpend, true, index+1))
				results <- err
			}(index)
		}
		wait.Wait()
		close(results)

		var succeeded, rejected int
		for err := range results {
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ledger.ErrInsufficientFunds):
				rejected++
			default:
				test.Fatalf("unexpected error: %v", err)
			}
		}
		if succeeded != 1 || rejected != 1 {
			test.Fatalf("expected one success and one rejection, got %d and %d", succeeded, rejected)
		}
		assertBalanceMatchesHistory(test, store, userID, 0)
		if transactions := mustList(test, store, userID, ledger.Cursor{}, 10); len(transactions) != 2 {
			test.Fatalf("expected 2 transactions, got %d", len(transactions))
		}
	})

	test.Run("concurrent credits across users keep every invariant", func(test *testing.T) {
		store := newStore(test)
		const users = 3
		const creditsPerUser = 5
		var wait sync.WaitGroup
		errorsSeen := make(chan error, users*creditsPerUser)
		for userIndex := 0; userIndex < users; userIndex++ {
			userID := mustUserID(test, fmt.Sprintf("parallel-%d", userIndex))
			for creditIndex := 0; creditIndex < creditsPerUser; creditIndex++ {
				wait.Add(1)
				go func(creditIndex int) {
					defer wait.Done()
					_, err := store.AppendTransaction(context.Background(), request(userID, 2, ledger.ReasonPurchase, false, creditIndex))
					if err != nil {
						errorsSeen <- err
					}
				}(creditIndex)
			}
		}
		wait.Wait()
		close(errorsSeen)
		for err := range errorsSeen {
			test.Fatalf("append failed: %v", err)
		}
		for userIndex := 0; userIndex < users; userIndex++ {
			userID := mustUserID(test, fmt.Sprintf("parallel-%d", userIndex))
			assertBalanceMatchesHistory(test, store, userID, 2*creditsPerUser)
		}
	})

	test.Run("reconcile reports a consistent account", func(test *testing.T) {
		store := newStore(test)
		userID := mustUserID(test, "reconcile-user")
		mustAppend(test, store, request(userID, 25, ledger.ReasonPurchase, false, 0))
		mustAppend(test, store, request(userID, -5, ledger.ReasonGenerationSpend, true, 1))
		reconciliation, err := store.Reconcile(context.Background(), userID, baseTime.Add(time.Minute))
		if err != nil {
			test.Fatalf("reconcile: %v", err)
		}
		if reconciliation.Adjusted || reconciliation.Before != 20 || reconciliation.After != 20 {
			test.Fatalf("unexpected reconciliation %+v", reconciliation)
		}
	})

	test.Run("cancelled context writes nothing", func(test *testing.T) {
		store := newStore(test)
		userID := mustUserID(test, "cancelled-user")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := store.AppendTransaction(ctx, request(userID, 10, ledger.ReasonPurchase, false, 0)); err == nil {
			test.Fatalf("expected error for cancelled context")
		}
		assertBalanceMatchesHistory(test, store, userID, 0)
	})
}

func request(userID ledger.UserID, amount int64, reason ledger.Reason, enforce bool, offsetSeconds int) ledger.AppendRequest {
	return ledger.AppendRequest{
		UserID:             userID,
		Amount:             ledger.Credits(amount),
		Reason:             reason,
		EnforceNonNegative: enforce,
		RequestedAt:        baseTime.Add(time.Duration(offsetSeconds) * time.Second),
	}
}

func assertBalanceMatchesHistory(test *testing.T, store ledger.Store, userID ledger.UserID, expected ledger.Credits) {
	test.Helper()
	balance, err := store.GetBalance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != expected {
		test.Fatalf("expected balance %d, got %d", expected, balance)
	}
	var sum ledger.Credits
	cursor := ledger.Cursor{}
	for {
		page := mustList(test, store, userID, cursor, 2)
		for _, transaction := range page {
			sum += transaction.Amount()
		}
		if len(page) < 2 {
			break
		}
		cursor = mustCursor(test, page[len(page)-1].Sequence())
	}
	if sum != balance {
		test.Fatalf("balance %d does not match history sum %d", balance, sum)
	}
}

func mustAppend(test *testing.T, store ledger.Store, appendRequest ledger.AppendRequest) ledger.Transaction {
	test.Helper()
	result, err := store.AppendTransaction(context.Background(), appendRequest)
	if err != nil {
		test.Fatalf("append: %v", err)
	}
	return result.Transaction
}

func mustList(test *testing.T, store ledger.Store, userID ledger.UserID, cursor ledger.Cursor, limit int) []ledger.Transaction {
	test.Helper()
	transactions, err := store.ListTransactions(context.Background(), userID, cursor, limit)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	return transactions
}

func mustCursor(test *testing.T, sequence int64) ledger.Cursor {
	test.Helper()
	cursor, err := ledger.NewCursor(sequence)
	if err != nil {
		test.Fatalf("cursor: %v", err)
	}
	return cursor
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustMetadata(test *testing.T, raw string) ledger.MetadataJSON {
	test.Helper()
	metadata, err := ledger.NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func mustIdempotencyKey(test *testing.T, raw string) ledger.IdempotencyKey {
	test.Helper()
	key, err := ledger.NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}
