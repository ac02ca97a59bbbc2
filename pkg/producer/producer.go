package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/andrej220/linen/pkg/lg"
	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Producer publishes values of T as JSON messages. The message key comes from keyFn.
type Producer[T any] struct {
	writer messageWriter
	topic  string
	keyFn  func(T) []byte
	lg     lg.Logger
	now    func() time.Time
}

func NewProducer[T any](cfg Config, keyFn func(T) []byte, logger lg.Logger) *Producer[T] {
	return newProducer(&kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		Async:                  false,
		AllowAutoTopicCreation: true,
	}, cfg.Topic, keyFn, logger)
}

func newProducer[T any](w messageWriter, topic string, keyFn func(T) []byte, logger lg.Logger) *Producer[T] {
	if logger == nil {
		logger = lg.Discard
	}
	return &Producer[T]{writer: w, topic: topic, keyFn: keyFn, lg: logger, now: time.Now}
}

func (p *Producer[T]) Publish(ctx context.Context, v T) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	msg := kafka.Message{Value: value, Time: p.now()}
	if p.keyFn != nil {
		msg.Key = p.keyFn(v)
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		if errors.Is(err, kafka.UnknownTopicOrPartition) {
			p.lg.Error("Kafka topic does not exist",
				lg.String("topic", p.topic),
				lg.String("action", "Create the topic manually or enable auto-creation"))
		}
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	return nil
}

func (p *Producer[T]) Close() error {
	return p.writer.Close()
}
