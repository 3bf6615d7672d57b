package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

// KafkaBus carries events between nodes over a single Kafka topic. The
// pub/sub topic travels as the message key, which also gives per-channel
// ordering through the hash balancer. Each node consumes with its own
// group id so every node sees the full stream; Kafka's at-least-once
// semantics are safe under the broadcaster's dedup invariant.
type KafkaBus struct {
	writer *kafka.Writer
	reader *kafka.Reader
}

// NewKafkaBus builds a bus on the given brokers. groupID must be unique
// per node, typically the node's origin id.
func NewKafkaBus(brokers []string, topic, groupID string) *KafkaBus {
	if topic == "" {
		topic = "soketi-broadcast"
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return &KafkaBus{writer: writer, reader: reader}
}

func (b *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) error {
	err := b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(topic),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

func (b *KafkaBus) Subscribe(ctx context.Context, handler Handler) error {
	go func() {
		for {
			msg, err := b.reader.ReadMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
					return
				}
				slog.Error("Kafka bus read failed", "error", err)
				return
			}
			handler(string(msg.Key), msg.Value)
		}
	}()
	return nil
}

func (b *KafkaBus) Close() error {
	werr := b.writer.Close()
	rerr := b.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
