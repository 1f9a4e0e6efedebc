package pgstore

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/MarkoPoloResearchLab/voiceledger/internal/store/storetest"
	"github.com/MarkoPoloResearchLab/voiceledger/pkg/ledger"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const testDatabaseURLEnv = "VOICELEDGER_TEST_DATABASE_URL"

func TestStoreContract(test *testing.T) {
	databaseURL := os.Getenv(testDatabaseURLEnv)
	if databaseURL == "" {
		test.Skipf("%s is not set", testDatabaseURLEnv)
	}
	storetest.Run(test, func(test *testing.T) ledger.Store {
		pool, err := pgxpool.New(context.Background(), databaseURL)
		if err != nil {
			test.Fatalf("pool: %v", err)
		}
		test.Cleanup(pool.Close)
		store := New(pool)
		if err := store.EnsureSchema(context.Background()); err != nil {
			test.Fatalf("schema: %v", err)
		}
		if _, err := pool.Exec(context.Background(), "truncate ledger_transactions, accounts"); err != nil {
			test.Fatalf("truncate: %v", err)
		}
		return store
	})
}

func TestClassifyError(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name          string
		err           error
		wantTransient bool
	}{
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, wantTransient: true},
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, wantTransient: true},
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, wantTransient: true},
		{name: "connection exception", err: &pgconn.PgError{Code: "08003"}, wantTransient: true},
		{name: "check violation", err: &pgconn.PgError{Code: "23514"}},
		{name: "plain error", err: errors.New("boom")},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			classified := classifyError(testCase.err)
			if errors.Is(classified, ledger.ErrStorageUnavailable) != testCase.wantTransient {
				test.Fatalf("expected transient=%v, got %v", testCase.wantTransient, classified)
			}
			if !errors.Is(classified, testCase.err) {
				test.Fatalf("expected original error to stay in the chain")
			}
		})
	}
}

func TestIsIdempotencyConflict(test *testing.T) {
	test.Parallel()
	if !isIdempotencyConflict(&pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: constraintUserIdempotencyKey}) {
		test.Fatalf("expected idempotency conflict")
	}
	if isIdempotencyConflict(&pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: "uniq_ledger_transactions_user_sequence"}) {
		test.Fatalf("sequence conflicts are not idempotency conflicts")
	}
	if isIdempotencyConflict(nil) {
		test.Fatalf("nil is not a conflict")
	}
}
