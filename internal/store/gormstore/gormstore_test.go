package gormstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/voiceledger/internal/store/storetest"
	"github.com/MarkoPoloResearchLab/voiceledger/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestStoreContract(test *testing.T) {
	storetest.Run(test, func(test *testing.T) ledger.Store {
		return New(openTestDatabase(test))
	})
}

func TestReconcileRepairsDriftedBalance(test *testing.T) {
	db := openTestDatabase(test)
	store := New(db)
	ctx := context.Background()
	userID, err := ledger.NewUserID("drifted-user")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	_, err = store.AppendTransaction(ctx, ledger.AppendRequest{
		UserID:      userID,
		Amount:      40,
		Reason:      ledger.ReasonPurchase,
		RequestedAt: time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		test.Fatalf("append: %v", err)
	}
	if err := db.Model(&Account{}).Where("user_id = ?", userID.String()).UpdateColumn("balance", 7).Error; err != nil {
		test.Fatalf("corrupt balance: %v", err)
	}

	reconciliation, err := store.Reconcile(ctx, userID, time.Date(2026, time.April, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if !reconciliation.Adjusted || reconciliation.Before != 7 || reconciliation.After != 40 {
		test.Fatalf("unexpected reconciliation %+v", reconciliation)
	}
	balance, err := store.GetBalance(ctx, userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 40 {
		test.Fatalf("expected repaired balance 40, got %d", balance)
	}
}

func TestStoredRowsKeepNullIdempotencyKeys(test *testing.T) {
	db := openTestDatabase(test)
	store := New(db)
	userID, err := ledger.NewUserID("keyless-user")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	for index := 0; index < 2; index++ {
		_, err := store.AppendTransaction(context.Background(), ledger.AppendRequest{
			UserID:      userID,
			Amount:      1,
			Reason:      ledger.ReasonPurchase,
			RequestedAt: time.Date(2026, time.April, 1, 0, 0, index, 0, time.UTC),
		})
		if err != nil {
			test.Fatalf("append %d: %v", index, err)
		}
	}
	var keyless int64
	if err := db.Model(&LedgerTransaction{}).Where("idempotency_key IS NULL").Count(&keyless).Error; err != nil {
		test.Fatalf("count: %v", err)
	}
	if keyless != 2 {
		test.Fatalf("expected 2 rows without idempotency key, got %d", keyless)
	}
}

func TestClassifyError(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name          string
		err           error
		wantTransient bool
		wantUnique    bool
	}{
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, wantTransient: true},
		{name: "connection failure", err: &pgconn.PgError{Code: "08006"}, wantTransient: true},
		{name: "unique violation", err: &pgconn.PgError{Code: pgUniqueViolationCode}, wantUnique: true},
		{name: "duplicated key", err: fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), wantUnique: true},
		{name: "plain error", err: errors.New("syntax error")},
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
			if isUniqueViolation(testCase.err) != testCase.wantUnique {
				test.Fatalf("expected unique=%v for %v", testCase.wantUnique, testCase.err)
			}
		})
	}
}

func TestAppendRetriesAfterSequenceConflict(test *testing.T) {
	db := openTestDatabase(test)
	store := New(db)
	ctx := context.Background()
	userID, err := ledger.NewUserID("contended-user")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	if _, err := store.AppendTransaction(ctx, ledger.AppendRequest{
		UserID:      userID,
		Amount:      50,
		Reason:      ledger.ReasonPurchase,
		RequestedAt: time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC),
	}); err != nil {
		test.Fatalf("seed append: %v", err)
	}

	accountUpdates := 0
	registerSequenceBump(test, db, userID, func() bool {
		accountUpdates++
		return accountUpdates == 1
	})

	result, err := store.AppendTransaction(ctx, ledger.AppendRequest{
		UserID:             userID,
		Amount:             -20,
		Reason:             ledger.ReasonGenerationSpend,
		EnforceNonNegative: true,
		RequestedAt:        time.Date(2026, time.April, 1, 0, 1, 0, 0, time.UTC),
	})
	if err != nil {
		test.Fatalf("append after conflict: %v", err)
	}
	if accountUpdates != 2 {
		test.Fatalf("expected one conflicting attempt and one retry, got %d attempts", accountUpdates)
	}
	if result.Transaction.Sequence() != 2 {
		test.Fatalf("expected sequence 2 after rollback of the conflicting attempt, got %d", result.Transaction.Sequence())
	}
	balance, err := store.GetBalance(ctx, userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 30 {
		test.Fatalf("expected balance 30, got %d", balance)
	}
	var rows int64
	if err := db.Model(&LedgerTransaction{}).Where("user_id = ?", userID.String()).Count(&rows).Error; err != nil {
		test.Fatalf("count: %v", err)
	}
	if rows != 2 {
		test.Fatalf("expected 2 stored transactions, got %d", rows)
	}
}

func TestAppendGivesUpAfterRepeatedSequenceConflicts(test *testing.T) {
	db := openTestDatabase(test)
	store := New(db)
	userID, err := ledger.NewUserID("starved-user")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	accountUpdates := 0
	registerSequenceBump(test, db, userID, func() bool {
		accountUpdates++
		return true
	})

	_, err = store.AppendTransaction(context.Background(), ledger.AppendRequest{
		UserID:      userID,
		Amount:      5,
		Reason:      ledger.ReasonPurchase,
		RequestedAt: time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC),
	})
	if !errors.Is(err, ledger.ErrStorageUnavailable) {
		test.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if accountUpdates != maxSequenceConflictAttempts {
		test.Fatalf("expected %d attempts, got %d", maxSequenceConflictAttempts, accountUpdates)
	}
	balance, err := store.GetBalance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		test.Fatalf("expected no balance change, got %d", balance)
	}
}

// registerSequenceBump simulates a concurrent writer: before each guarded account update it
// advances the account sequence on the same transaction whenever shouldBump reports true.
func registerSequenceBump(test *testing.T, db *gorm.DB, userID ledger.UserID, shouldBump func() bool) {
	test.Helper()
	err := db.Callback().Update().Before("gorm:update").Register("test:bump_sequence", func(tx *gorm.DB) {
		if tx.Statement.Table != (Account{}).TableName() || !shouldBump() {
			return
		}
		_, bumpErr := tx.Statement.ConnPool.ExecContext(tx.Statement.Context,
			"UPDATE accounts SET sequence = sequence + 1 WHERE user_id = ?", userID.String())
		if bumpErr != nil {
			_ = tx.AddError(fmt.Errorf("bump sequence: %w", bumpErr))
		}
	})
	if err != nil {
		test.Fatalf("register callback: %v", err)
	}
}

func openTestDatabase(test *testing.T) *gorm.DB {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/ledger.db"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := AutoMigrate(context.Background(), db); err != nil {
		test.Fatalf("automigrate failed: %v", err)
	}
	return db
}
