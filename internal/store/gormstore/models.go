package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// Account holds the materialized balance and the commit sequence of one user.
type Account struct {
	UserID    string    `gorm:"size:191;primaryKey"`
	Balance   int64     `gorm:"not null;default:0"`
	Sequence  int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerTransaction mirrors the ledger_transactions table.
type LedgerTransaction struct {
	TransactionID  string         `gorm:"size:36;primaryKey"`
	UserID         string         `gorm:"size:191;not null;index:idx_ledger_transactions_user_created,priority:1;uniqueIndex:uniq_ledger_transactions_user_sequence,priority:1;uniqueIndex:uniq_ledger_transactions_user_idem,priority:1"`
	Sequence       int64          `gorm:"not null;index:idx_ledger_transactions_user_created,priority:3;uniqueIndex:uniq_ledger_transactions_user_sequence,priority:2"`
	Amount         int64          `gorm:"not null"`
	Reason         string         `gorm:"size:32;not null"`
	IdempotencyKey *string        `gorm:"size:191;uniqueIndex:uniq_ledger_transactions_user_idem,priority:2"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_ledger_transactions_user_created,priority:2"`
}

func (LedgerTransaction) TableName() string { return "ledger_transactions" }

// Models lists every table managed by the store, in migration order.
func Models() []any {
	return []any{&Account{}, &LedgerTransaction{}}
}
