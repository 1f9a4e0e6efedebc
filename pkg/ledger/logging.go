package ledger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// TransactionPublisher is notified after a transaction commits. Replays are not published.
type TransactionPublisher interface {
	PublishTransaction(ctx context.Context, transaction Transaction) error
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	UserID         UserID
	TransactionID  TransactionID
	Amount         Credits
	Reason         Reason
	IdempotencyKey IdempotencyKey
	Replayed       bool
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithTransactionPublisher wires a publisher for committed transactions.
func WithTransactionPublisher(publisher TransactionPublisher) ServiceOption {
	return func(service *Service) {
		service.publisher = publisher
	}
}

// WithPublishTimeout bounds each background publication. Non-positive values keep the default.
func WithPublishTimeout(timeout time.Duration) ServiceOption {
	return func(service *Service) {
		if timeout > 0 {
			service.publishTimeout = timeout
		}
	}
}

// WithRetryPolicy overrides the retry policy used for reads and keyed mutations.
func WithRetryPolicy(policy RetryPolicy) ServiceOption {
	return func(service *Service) {
		service.retryPolicy = policy
	}
}

// ZapOperationLogger writes operation logs through zap.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger adapts a zap logger; a nil logger discards everything.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger.Named("ledger")}
}

// LogOperation implements OperationLogger.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("status", entry.Status),
	}
	if entry.TransactionID.String() != "" {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID.String()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", entry.Reason.String()))
	}
	if !entry.IdempotencyKey.IsZero() {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	if entry.Replayed {
		fields = append(fields, zap.Bool("replayed", true))
	}
	switch entry.Status {
	case operationStatusOK:
		operationLogger.logger.Info("ledger operation", fields...)
	case operationStatusRejected:
		operationLogger.logger.Warn("ledger operation rejected", append(fields, zap.Error(entry.Error))...)
	default:
		operationLogger.logger.Error("ledger operation failed", append(fields, zap.Error(entry.Error))...)
	}
}

func statusForError(err error) string {
	switch {
	case err == nil:
		return operationStatusOK
	case IsBusinessError(err), errors.Is(err, context.Canceled):
		return operationStatusRejected
	default:
		return operationStatusError
	}
}
