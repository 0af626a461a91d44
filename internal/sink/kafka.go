package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes records as JSON, keyed by workspace so one workspace's
// decisions stay in one partition.
type KafkaSink struct {
	writer messageWriter
}

// NewKafkaSink creates kafka sink writing to topic
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
	}
}

// Send writes rec keyed by workspace so one workspace stays in order.
func (k *KafkaSink) Send(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.WorkspaceID),
		Value: data,
		Time:  time.Now(),
	}); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
