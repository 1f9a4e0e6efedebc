package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultMetadataJSON = "{}"

// Credits is a signed credit quantity. Positive values credit an account, negative values debit it.
type Credits int64

// Int64 exposes the raw value.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// Negated returns the additive inverse.
func (credits Credits) Negated() Credits {
	return -credits
}

// PositiveCredits is a strictly positive quantity accepted by Credit and Debit.
type PositiveCredits struct {
	value int64
}

// NewPositiveCredits validates that raw is greater than zero.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return PositiveCredits{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveCredits{value: raw}, nil
}

// Int64 exposes the raw value.
func (amount PositiveCredits) Int64() int64 {
	return amount.value
}

// ToCredits converts to a signed quantity.
func (amount PositiveCredits) ToCredits() Credits {
	return Credits(amount.value)
}

// UserID identifies an account owner. It is owned by the external identity system.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// TransactionID identifies a ledger transaction.
type TransactionID struct {
	value string
}

// NewTransactionID validates a transaction id (a UUID).
func NewTransactionID(raw string) (TransactionID, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return TransactionID{}, fmt.Errorf("%w: %v", ErrInvalidTransactionID, err)
	}
	return TransactionID{value: parsed.String()}, nil
}

// GenerateTransactionID returns a fresh random transaction id.
func GenerateTransactionID() TransactionID {
	return TransactionID{value: uuid.NewString()}
}

// String returns the canonical identifier.
func (id TransactionID) String() string {
	return id.value
}

// Reason categorizes a transaction.
type Reason string

const (
	ReasonPurchase        Reason = "purchase"
	ReasonGenerationSpend Reason = "generation-spend"
	ReasonRefund          Reason = "refund"
	ReasonAdminAdjustment Reason = "admin-adjustment"
	ReasonExpertPayout    Reason = "expert-payout"
)

// ParseReason validates a reason against the known set.
func ParseReason(raw string) (Reason, error) {
	reason := Reason(strings.TrimSpace(raw))
	switch reason {
	case ReasonPurchase, ReasonGenerationSpend, ReasonRefund, ReasonAdminAdjustment, ReasonExpertPayout:
		return reason, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReason, raw)
	}
}

// String returns the wire representation.
func (reason Reason) String() string {
	return string(reason)
}

// IdempotencyKey scopes duplicate detection per user. The zero value means "no key".
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if len(trimmed) > 191 {
		return IdempotencyKey{}, fmt.Errorf("%w: longer than 191 bytes", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// OptionalIdempotencyKey returns the zero key for blank input.
func OptionalIdempotencyKey(raw string) (IdempotencyKey, error) {
	if strings.TrimSpace(raw) == "" {
		return IdempotencyKey{}, nil
	}
	return NewIdempotencyKey(raw)
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether no key was supplied.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// MetadataJSON stores an opaque JSON object attached to a transaction.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata. Blank input and a bare null become "{}"; any other value
// must be a JSON object.
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" || normalized == "null" {
		normalized = defaultMetadataJSON
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	var object map[string]json.RawMessage
	if err := json.Unmarshal([]byte(normalized), &object); err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: must be a json object", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return defaultMetadataJSON
	}
	return metadata.value
}

// Transaction is a single immutable ledger record.
type Transaction struct {
	transactionID  TransactionID
	userID         UserID
	amount         Credits
	reason         Reason
	sequence       int64
	idempotencyKey IdempotencyKey
	metadata       MetadataJSON
	createdAt      time.Time
}

// NewTransaction validates a stored transaction.
func NewTransaction(transactionID TransactionID, userID UserID, amount Credits, reason Reason, sequence int64, idempotencyKey IdempotencyKey, metadata MetadataJSON, createdAt time.Time) (Transaction, error) {
	if transactionID.value == "" {
		return Transaction{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	if userID.IsZero() {
		return Transaction{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if amount == 0 {
		return Transaction{}, fmt.Errorf("%w: must not be zero", ErrInvalidAmount)
	}
	if _, err := ParseReason(reason.String()); err != nil {
		return Transaction{}, err
	}
	if sequence <= 0 {
		return Transaction{}, fmt.Errorf("%w: sequence must be positive", ErrInvalidArgument)
	}
	if createdAt.IsZero() {
		return Transaction{}, fmt.Errorf("%w: created at is required", ErrInvalidArgument)
	}
	return Transaction{
		transactionID:  transactionID,
		userID:         userID,
		amount:         amount,
		reason:         reason,
		sequence:       sequence,
		idempotencyKey: idempotencyKey,
		metadata:       metadata,
		createdAt:      createdAt.UTC(),
	}, nil
}

// TransactionID returns the id.
func (transaction Transaction) TransactionID() TransactionID {
	return transaction.transactionID
}

// UserID returns the owning account.
func (transaction Transaction) UserID() UserID {
	return transaction.userID
}

// Amount returns the signed amount.
func (transaction Transaction) Amount() Credits {
	return transaction.amount
}

// Reason returns the category.
func (transaction Transaction) Reason() Reason {
	return transaction.reason
}

// Sequence returns the per-account commit position (1-based).
func (transaction Transaction) Sequence() int64 {
	return transaction.sequence
}

// IdempotencyKey returns the key the transaction was written with, if any.
func (transaction Transaction) IdempotencyKey() IdempotencyKey {
	return transaction.idempotencyKey
}

// Metadata returns the attached JSON object.
func (transaction Transaction) Metadata() MetadataJSON {
	return transaction.metadata
}

// CreatedAt returns the ledger-assigned write time.
func (transaction Transaction) CreatedAt() time.Time {
	return transaction.createdAt
}

// AppendRequest describes one balance-affecting write.
type AppendRequest struct {
	UserID             UserID
	Amount             Credits
	Reason             Reason
	Metadata           MetadataJSON
	IdempotencyKey     IdempotencyKey
	EnforceNonNegative bool
	RequestedAt        time.Time
}

// Validate checks the request before it reaches storage.
func (request AppendRequest) Validate() error {
	if request.UserID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if request.Amount == 0 {
		return fmt.Errorf("%w: must not be zero", ErrInvalidAmount)
	}
	if _, err := ParseReason(request.Reason.String()); err != nil {
		return err
	}
	if request.RequestedAt.IsZero() {
		return fmt.Errorf("%w: requested at is required", ErrInvalidArgument)
	}
	return nil
}

// AppendResult is the outcome of a write. Replayed is set when an idempotency key matched an
// existing transaction and nothing new was written.
type AppendResult struct {
	Transaction Transaction
	Replayed    bool
}

// Reconciliation reports a balance recomputation.
type Reconciliation struct {
	UserID   UserID
	Before   Credits
	After    Credits
	Adjusted bool
}

// HistoryPage is one page of transactions, newest first.
type HistoryPage struct {
	Transactions []Transaction
	NextCursor   Cursor
}

// Store is the persistence contract used by Service.
// AppendTransaction must apply the balance change and the record as one atomic unit.
// ListTransactions returns at most limit rows newest first; a non-positive limit means
// DefaultHistoryLimit.
type Store interface {
	GetBalance(ctx context.Context, userID UserID) (Credits, error)
	AppendTransaction(ctx context.Context, request AppendRequest) (AppendResult, error)
	ListTransactions(ctx context.Context, userID UserID, cursor Cursor, limit int) ([]Transaction, error)
	GetTransaction(ctx context.Context, userID UserID, transactionID TransactionID) (Transaction, error)
	Reconcile(ctx context.Context, userID UserID, at time.Time) (Reconciliation, error)
}

// ClampCreatedAt keeps per-account write times monotonic when the wall clock steps backwards.
func ClampCreatedAt(requestedAt time.Time, lastWriteAt time.Time) time.Time {
	requestedAt = requestedAt.UTC()
	if requestedAt.Before(lastWriteAt) {
		return lastWriteAt.UTC()
	}
	return requestedAt
}
