package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DecodeError is returned by Read for a message whose value is not valid
// JSON for T. The message is committed anyway so it does not block the partition.
type DecodeError struct {
	Offset int64
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type Consumer[T any] struct {
	reader messageReader
}

func NewConsumer[T any](cfg Config) *Consumer[T] {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.Topic,
	})
	return &Consumer[T]{reader: r}
}

func (c *Consumer[T]) Read(ctx context.Context) (T, error) {
	var zero T

	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return zero, err
	}

	var payload T
	decodeErr := json.Unmarshal(msg.Value, &payload)

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return zero, fmt.Errorf("commit offset %d: %w", msg.Offset, err)
	}
	if decodeErr != nil {
		return zero, &DecodeError{Offset: msg.Offset, Err: decodeErr}
	}
	return payload, nil
}

func (c *Consumer[T]) Close() error {
	return c.reader.Close()
}
