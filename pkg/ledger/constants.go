package ledger

import "time"

const (
	operationCredit    = "credit"
	operationDebit     = "debit"
	operationRefund    = "refund"
	operationReconcile = "reconcile"
	operationPublish   = "publish"

	operationStatusOK       = "ok"
	operationStatusRejected = "rejected"
	operationStatusError    = "error"

	// DefaultHistoryLimit is used when a history request does not name a limit.
	DefaultHistoryLimit = 50
	// MaxHistoryLimit caps the number of transactions returned per page.
	MaxHistoryLimit = 200

	refundIdempotencyPrefix = "refund:"
	refundMetadataKey       = "refund_of"

	defaultRetryAttempts       = 3
	defaultRetryInitialBackoff = 25 * time.Millisecond
	defaultRetryMaxBackoff     = 250 * time.Millisecond

	defaultPublishTimeout = 5 * time.Second
)
