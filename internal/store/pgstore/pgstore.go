package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/voiceledger/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintUserIdempotencyKey = "uniq_ledger_transactions_user_idem"
	pgUniqueViolationCode        = "23505"
	errorOperationStore          = "store"
	errorSubjectAccount          = "account"
	errorSubjectBalance          = "balance"
	errorSubjectSchema           = "schema"
	errorSubjectTransaction      = "transaction"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
	errorCodeDuplicate           = "duplicate"
	errorCodeEnsure              = "ensure"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeLock                = "lock"
	errorCodeReconcile           = "reconcile"
	errorCodeUpdate              = "update"

	sqlEnsureAccount = `
		insert into accounts(user_id, created_at, updated_at) values($1, $2, $2)
		on conflict (user_id) do nothing
	`

	sqlLockAccount = `
		select balance, updated_at from accounts
		where user_id = $1
		for update
	`

	sqlSelectBalance = `
		select balance from accounts where user_id = $1
	`

	// Debits carry enforce=true; the guard re-checks the balance inside the same statement.
	sqlApplyAmount = `
		update accounts
		set balance = balance + $2, sequence = sequence + 1, updated_at = $3
		where user_id = $1 and (not $4::boolean or balance + $2 >= 0)
		returning sequence
	`

	sqlInsertTransaction = `
		insert into ledger_transactions(
			transaction_id, user_id, sequence, amount, reason, idempotency_key, metadata, created_at
		)
		values($1, $2, $3, $4, $5, nullif($6,''), coalesce(nullif($7,''),'{}')::jsonb, $8)
	`

	selectTransactionColumns = `
		select transaction_id::text, user_id, sequence, amount, reason,
			coalesce(idempotency_key,''), metadata::text, created_at
		from ledger_transactions
	`

	sqlSelectByIdempotencyKey = selectTransactionColumns + `
		where user_id = $1 and idempotency_key = $2
	`

	sqlSelectTransaction = selectTransactionColumns + `
		where user_id = $1 and transaction_id = $2
	`

	sqlListTransactions = selectTransactionColumns + `
		where user_id = $1 and ($2::bigint = 0 or sequence < $2)
		order by sequence desc
		limit $3
	`

	sqlSumAmounts = `
		select coalesce(sum(amount),0) from ledger_transactions where user_id = $1
	`

	sqlRepairBalance = `
		update accounts set balance = $2, updated_at = greatest(updated_at, $3) where user_id = $1
	`
)

//go:embed schema.sql
var schemaSQL string

// Store implements ledger.Store using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the accounts and ledger_transactions tables when missing.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, schemaSQL); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeEnsure, classifyError(err))
	}
	return nil
}

func (store *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, classifyError(err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, classifyError(err))
	}
	return nil
}

// GetBalance implements ledger.Store.
func (store *Store) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Credits, error) {
	var balance int64
	err := store.pool.QueryRow(ctx, sqlSelectBalance, userID.String()).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, classifyError(err))
	}
	return ledger.Credits(balance), nil
}

// AppendTransaction implements ledger.Store.
func (store *Store) AppendTransaction(ctx context.Context, request ledger.AppendRequest) (ledger.AppendResult, error) {
	if err := request.Validate(); err != nil {
		return ledger.AppendResult{}, err
	}
	var result ledger.AppendResult
	err := store.withTx(ctx, func(tx pgx.Tx) error {
		balance, lastWriteAt, err := lockAccount(ctx, tx, request.UserID, request.RequestedAt)
		if err != nil {
			return err
		}
		if !request.IdempotencyKey.IsZero() {
			existing, err := scanTransaction(tx.QueryRow(ctx, sqlSelectByIdempotencyKey, request.UserID.String(), request.IdempotencyKey.String()))
			if err == nil {
				result = ledger.AppendResult{Transaction: existing, Replayed: true}
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return wrapStoreError(errorSubjectTransaction, errorCodeGet, classifyError(err))
			}
		}

		createdAt := ledger.ClampCreatedAt(request.RequestedAt, lastWriteAt)
		var sequence int64
		err = tx.QueryRow(ctx, sqlApplyAmount, request.UserID.String(), request.Amount.Int64(), createdAt, request.EnforceNonNegative).Scan(&sequence)
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.InsufficientFundsError{Balance: balance, Requested: request.Amount.Negated()}
		}
		if err != nil {
			return wrapStoreError(errorSubjectAccount, errorCodeUpdate, classifyError(err))
		}

		transaction, err := ledger.NewTransaction(
			ledger.GenerateTransactionID(),
			request.UserID,
			request.Amount,
			request.Reason,
			sequence,
			request.IdempotencyKey,
			request.Metadata,
			createdAt,
		)
		if err != nil {
			return wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		_, err = tx.Exec(ctx, sqlInsertTransaction,
			transaction.TransactionID().String(),
			transaction.UserID().String(),
			transaction.Sequence(),
			transaction.Amount().Int64(),
			transaction.Reason().String(),
			transaction.IdempotencyKey().String(),
			transaction.Metadata().String(),
			transaction.CreatedAt(),
		)
		if isIdempotencyConflict(err) {
			return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
		}
		if err != nil {
			return wrapStoreError(errorSubjectTransaction, errorCodeInsert, classifyError(err))
		}
		result = ledger.AppendResult{Transaction: transaction}
		return nil
	})
	if err != nil {
		return ledger.AppendResult{}, err
	}
	return result, nil
}

// ListTransactions implements ledger.Store.
func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, cursor ledger.Cursor, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = ledger.DefaultHistoryLimit
	}
	rows, err := store.pool.Query(ctx, sqlListTransactions, userID.String(), cursor.BeforeSequence(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, classifyError(err))
	}
	defer rows.Close()
	transactions := make([]ledger.Transaction, 0, limit)
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, classifyError(err))
	}
	return transactions, nil
}

// GetTransaction implements ledger.Store.
func (store *Store) GetTransaction(ctx context.Context, userID ledger.UserID, transactionID ledger.TransactionID) (ledger.Transaction, error) {
	transaction, err := scanTransaction(store.pool.QueryRow(ctx, sqlSelectTransaction, userID.String(), transactionID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrTransactionNotFound)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, classifyError(err))
	}
	return transaction, nil
}

// Reconcile implements ledger.Store.
func (store *Store) Reconcile(ctx context.Context, userID ledger.UserID, at time.Time) (ledger.Reconciliation, error) {
	reconciliation := ledger.Reconciliation{UserID: userID}
	err := store.withTx(ctx, func(tx pgx.Tx) error {
		balance, _, err := lockAccount(ctx, tx, userID, at)
		if err != nil {
			return err
		}
		var sum int64
		if err := tx.QueryRow(ctx, sqlSumAmounts, userID.String()).Scan(&sum); err != nil {
			return wrapStoreError(errorSubjectBalance, errorCodeReconcile, classifyError(err))
		}
		reconciliation.Before = balance
		reconciliation.After = ledger.Credits(sum)
		reconciliation.Adjusted = reconciliation.Before != reconciliation.After
		if !reconciliation.Adjusted {
			return nil
		}
		if _, err := tx.Exec(ctx, sqlRepairBalance, userID.String(), sum, at.UTC()); err != nil {
			return wrapStoreError(errorSubjectBalance, errorCodeReconcile, classifyError(err))
		}
		return nil
	})
	if err != nil {
		return ledger.Reconciliation{}, err
	}
	return reconciliation, nil
}

func lockAccount(ctx context.Context, tx pgx.Tx, userID ledger.UserID, at time.Time) (ledger.Credits, time.Time, error) {
	if _, err := tx.Exec(ctx, sqlEnsureAccount, userID.String(), at.UTC()); err != nil {
		return 0, time.Time{}, wrapStoreError(errorSubjectAccount, errorCodeLock, classifyError(err))
	}
	var (
		balance     int64
		lastWriteAt time.Time
	)
	if err := tx.QueryRow(ctx, sqlLockAccount, userID.String()).Scan(&balance, &lastWriteAt); err != nil {
		return 0, time.Time{}, wrapStoreError(errorSubjectAccount, errorCodeLock, classifyError(err))
	}
	return ledger.Credits(balance), lastWriteAt, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		transactionIDValue  string
		userIDValue         string
		sequence            int64
		amount              int64
		reasonValue         string
		idempotencyKeyValue string
		metadataValue       string
		createdAt           time.Time
	)
	if err := row.Scan(
		&transactionIDValue,
		&userIDValue,
		&sequence,
		&amount,
		&reasonValue,
		&idempotencyKeyValue,
		&metadataValue,
		&createdAt,
	); err != nil {
		return ledger.Transaction{}, err
	}
	transactionID, err := ledger.NewTransactionID(transactionIDValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	userID, err := ledger.NewUserID(userIDValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	reason, err := ledger.ParseReason(reasonValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	idempotencyKey, err := ledger.OptionalIdempotencyKey(idempotencyKeyValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(metadataValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.NewTransaction(transactionID, userID, ledger.Credits(amount), reason, sequence, idempotencyKey, metadata, createdAt)
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintUserIdempotencyKey
	}
	return false
}

// classifyError marks connection loss and serialization failures as ledger.ErrStorageUnavailable.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return ledger.Unavailable(err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "40001" || pgErr.Code == "40P01" || pgErr.Code == "57P01" {
			return ledger.Unavailable(err)
		}
		return err
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return ledger.Unavailable(err)
	}
	return err
}

var _ ledger.Store = (*Store)(nil)
