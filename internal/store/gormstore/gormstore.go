package gormstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/voiceledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON         = "{}"
	pgUniqueViolationCode       = "23505"
	sqliteConstraintCode        = 19
	sqliteBusyCode              = 5
	sqliteLockedCode            = 6
	mysqlDuplicateEntryCode     = 1062
	mysqlLockWaitTimeoutCode    = 1205
	mysqlDeadlockCode           = 1213
	maxSequenceConflictAttempts = 5
	errorOperationStore         = "store"
	errorSubjectAccount         = "account"
	errorSubjectBalance         = "balance"
	errorSubjectTransaction     = "transaction"
	errorCodeAppend             = "append"
	errorCodeConflict           = "conflict"
	errorCodeGet                = "get"
	errorCodeInvalid            = "invalid"
	errorCodeList               = "list"
	errorCodeLock               = "lock"
	errorCodeReconcile          = "reconcile"
	errorCodeMigrate            = "migrate"
)

// errSequenceConflict reports that another writer committed between our read and our update.
var errSequenceConflict = errors.New("account sequence changed concurrently")

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the accounts and ledger_transactions tables.
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeMigrate, err)
	}
	return nil
}

// GetBalance implements ledger.Store.
func (store *Store) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Credits, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Select("balance").
		Where("user_id = ?", userID.String()).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, classifyError(err))
	}
	return ledger.Credits(account.Balance), nil
}

// AppendTransaction implements ledger.Store. The balance update is a compare-and-swap on the account
// sequence, so the row lock and the sequence check together admit exactly one writer per position.
func (store *Store) AppendTransaction(ctx context.Context, request ledger.AppendRequest) (ledger.AppendResult, error) {
	if err := request.Validate(); err != nil {
		return ledger.AppendResult{}, err
	}
	for attempt := 1; ; attempt++ {
		result, err := store.appendOnce(ctx, request)
		if !errors.Is(err, errSequenceConflict) {
			return result, err
		}
		if attempt >= maxSequenceConflictAttempts {
			return ledger.AppendResult{}, wrapStoreError(errorSubjectTransaction, errorCodeConflict, ledger.Unavailable(err))
		}
	}
}

func (store *Store) appendOnce(ctx context.Context, request ledger.AppendRequest) (ledger.AppendResult, error) {
	var result ledger.AppendResult
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := lockAccount(tx, request.UserID, request.RequestedAt)
		if err != nil {
			return err
		}

		if !request.IdempotencyKey.IsZero() {
			existing, found, err := findByIdempotencyKey(tx, request.UserID, request.IdempotencyKey)
			if err != nil {
				return err
			}
			if found {
				result = ledger.AppendResult{Transaction: existing, Replayed: true}
				return nil
			}
		}

		current := ledger.Credits(account.Balance)
		if request.EnforceNonNegative && current+request.Amount < 0 {
			return ledger.InsufficientFundsError{Balance: current, Requested: request.Amount.Negated()}
		}
		createdAt := ledger.ClampCreatedAt(request.RequestedAt, account.UpdatedAt)
		sequence := account.Sequence + 1

		update := tx.Model(&Account{}).
			Where("user_id = ? AND sequence = ?", account.UserID, account.Sequence).
			UpdateColumns(map[string]any{
				"balance":    gorm.Expr("balance + ?", request.Amount.Int64()),
				"sequence":   gorm.Expr("sequence + 1"),
				"updated_at": createdAt,
			})
		if update.Error != nil {
			return wrapStoreError(errorSubjectAccount, errorCodeAppend, classifyError(update.Error))
		}
		if update.RowsAffected == 0 {
			return errSequenceConflict
		}

		transactionID := ledger.GenerateTransactionID()
		row := LedgerTransaction{
			TransactionID:  transactionID.String(),
			UserID:         request.UserID.String(),
			Sequence:       sequence,
			Amount:         request.Amount.Int64(),
			Reason:         request.Reason.String(),
			IdempotencyKey: optionalString(request.IdempotencyKey.String()),
			Metadata:       datatypesJSON(request.Metadata.String()),
			CreatedAt:      createdAt,
		}
		if err := tx.Create(&row).Error; err != nil {
			if isUniqueViolation(err) {
				// A concurrent writer claimed the key or the sequence; the retry will observe it.
				return errSequenceConflict
			}
			return wrapStoreError(errorSubjectTransaction, errorCodeAppend, classifyError(err))
		}
		transaction, err := mapLedgerTransaction(row)
		if err != nil {
			return wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		result = ledger.AppendResult{Transaction: transaction}
		return nil
	})
	if err != nil {
		var operationError ledger.OperationError
		if errors.Is(err, errSequenceConflict) || errors.Is(err, ledger.ErrInsufficientFunds) || errors.As(err, &operationError) {
			return ledger.AppendResult{}, err
		}
		return ledger.AppendResult{}, wrapStoreError(errorSubjectTransaction, errorCodeAppend, classifyError(err))
	}
	return result, nil
}

// ListTransactions implements ledger.Store.
func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, cursor ledger.Cursor, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = ledger.DefaultHistoryLimit
	}
	query := store.db.WithContext(ctx).Where("user_id = ?", userID.String())
	if !cursor.IsZero() {
		query = query.Where("sequence < ?", cursor.BeforeSequence())
	}
	var rows []LedgerTransaction
	err := query.Order("sequence DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, classifyError(err))
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapLedgerTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

// GetTransaction implements ledger.Store.
func (store *Store) GetTransaction(ctx context.Context, userID ledger.UserID, transactionID ledger.TransactionID) (ledger.Transaction, error) {
	var row LedgerTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND transaction_id = ?", userID.String(), transactionID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrTransactionNotFound)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, classifyError(err))
	}
	transaction, err := mapLedgerTransaction(row)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

// Reconcile implements ledger.Store.
func (store *Store) Reconcile(ctx context.Context, userID ledger.UserID, at time.Time) (ledger.Reconciliation, error) {
	reconciliation := ledger.Reconciliation{UserID: userID}
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := lockAccount(tx, userID, at)
		if err != nil {
			return err
		}
		var sum sqlSum
		err = tx.Model(&LedgerTransaction{}).
			Select("coalesce(sum(amount),0) as total").
			Where("user_id = ?", userID.String()).
			Scan(&sum).Error
		if err != nil {
			return wrapStoreError(errorSubjectBalance, errorCodeReconcile, classifyError(err))
		}
		reconciliation.Before = ledger.Credits(account.Balance)
		reconciliation.After = ledger.Credits(sum.Total)
		reconciliation.Adjusted = reconciliation.Before != reconciliation.After
		if !reconciliation.Adjusted {
			return nil
		}
		err = tx.Model(&Account{}).
			Where("user_id = ?", userID.String()).
			UpdateColumns(map[string]any{
				"balance":    sum.Total,
				"updated_at": ledger.ClampCreatedAt(at, account.UpdatedAt),
			}).Error
		if err != nil {
			return wrapStoreError(errorSubjectBalance, errorCodeReconcile, classifyError(err))
		}
		return nil
	})
	if err != nil {
		return ledger.Reconciliation{}, err
	}
	return reconciliation, nil
}

// lockAccount creates the account row when missing and reads it under a row lock.
// SQLite ignores the locking clause and serializes writers on the database lock instead.
func lockAccount(tx *gorm.DB, userID ledger.UserID, at time.Time) (Account, error) {
	seed := Account{UserID: userID.String(), CreatedAt: at.UTC(), UpdatedAt: at.UTC()}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, classifyError(err))
	}
	var account Account
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID.String()).
		Take(&account).Error
	if err != nil {
		return Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, classifyError(err))
	}
	return account, nil
}

func findByIdempotencyKey(tx *gorm.DB, userID ledger.UserID, key ledger.IdempotencyKey) (ledger.Transaction, bool, error) {
	var row LedgerTransaction
	err := tx.Where("user_id = ? AND idempotency_key = ?", userID.String(), key.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Transaction{}, false, nil
	}
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeGet, classifyError(err))
	}
	transaction, err := mapLedgerTransaction(row)
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, true, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapLedgerTransaction(row LedgerTransaction) (ledger.Transaction, error) {
	transactionID, err := ledger.NewTransactionID(row.TransactionID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	reason, err := ledger.ParseReason(row.Reason)
	if err != nil {
		return ledger.Transaction{}, err
	}
	var idempotencyKey ledger.IdempotencyKey
	if row.IdempotencyKey != nil {
		idempotencyKey, err = ledger.NewIdempotencyKey(*row.IdempotencyKey)
		if err != nil {
			return ledger.Transaction{}, err
		}
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.NewTransaction(
		transactionID,
		userID,
		ledger.Credits(row.Amount),
		reason,
		row.Sequence,
		idempotencyKey,
		metadata,
		row.CreatedAt,
	)
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicateEntryCode
	}
	return false
}

// classifyError marks connection loss, lock contention and serialization failures as
// ledger.ErrStorageUnavailable so callers may retry them.
func classifyError(err error) error {
	if isTransient(err) {
		return ledger.Unavailable(err)
	}
	return err
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "40001" || pgErr.Code == "40P01" || pgErr.Code == "57P01"
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		return code == sqliteBusyCode || code == sqliteLockedCode
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDeadlockCode || mysqlErr.Number == mysqlLockWaitTimeoutCode
	}
	return false
}

var _ ledger.Store = (*Store)(nil)
