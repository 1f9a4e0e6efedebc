// Package kafkapub publishes committed ledger transactions to Kafka.
package kafkapub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/voiceledger/pkg/ledger"
	"github.com/segmentio/kafka-go"
)

// DefaultTopic receives one message per committed transaction.
const DefaultTopic = "credit.transaction.committed"

var errNoBrokers = errors.New("kafka brokers are required")

type messageWriter interface {
	WriteMessages(ctx context.Context, messages ...kafka.Message) error
	Close() error
}

// TransactionCommitted is the event payload.
type TransactionCommitted struct {
	TransactionID  string          `json:"transaction_id"`
	UserID         string          `json:"user_id"`
	Amount         int64           `json:"amount"`
	Reason         string          `json:"reason"`
	Sequence       int64           `json:"sequence"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// Publisher implements ledger.TransactionPublisher.
type Publisher struct {
	writer messageWriter
}

// NewPublisher builds a publisher writing to topic on the given brokers. Messages are keyed by
// user id so a single account stays ordered within a partition.
func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, errNoBrokers
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return newPublisher(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}), nil
}

func newPublisher(writer messageWriter) *Publisher {
	return &Publisher{writer: writer}
}

// PublishTransaction encodes the transaction and writes it synchronously.
func (publisher *Publisher) PublishTransaction(ctx context.Context, transaction ledger.Transaction) error {
	event := TransactionCommitted{
		TransactionID:  transaction.TransactionID().String(),
		UserID:         transaction.UserID().String(),
		Amount:         transaction.Amount().Int64(),
		Reason:         transaction.Reason().String(),
		Sequence:       transaction.Sequence(),
		IdempotencyKey: transaction.IdempotencyKey().String(),
		Metadata:       json.RawMessage(transaction.Metadata().String()),
		OccurredAt:     transaction.CreatedAt().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode transaction event: %w", err)
	}
	if err := publisher.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.UserID),
		Value: data,
		Time:  event.OccurredAt,
	}); err != nil {
		return fmt.Errorf("publish transaction %s: %w", event.TransactionID, err)
	}
	return nil
}

// Close flushes pending writes.
func (publisher *Publisher) Close() error {
	return publisher.writer.Close()
}
