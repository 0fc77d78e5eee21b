package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// WriterPublisher publishes through a kafka-go Writer.
type WriterPublisher struct {
	writer *kafka.Writer
}

func NewWriterPublisher(brokers []string, topic string) *WriterPublisher {
	return &WriterPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *WriterPublisher) Publish(ctx context.Context, key, value []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: value,
	})
}

func (p *WriterPublisher) Close() error {
	return p.writer.Close()
}
