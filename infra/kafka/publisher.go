// Package kafka delivers settlement events to Kafka and feeds funding
// deposits from it.
package kafka

import (
	"context"
	"fmt"
)

// Publisher sends one keyed message and waits for the broker's ack.
type Publisher interface {
	Publish(ctx context.Context, key, value []byte) error
	Close() error
}

const (
	ClientSarama  = "sarama"
	ClientKafkaGo = "kafka-go"
)

// NewPublisher builds the publisher for the configured client library.
func NewPublisher(client string, brokers []string, topic string) (Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	switch client {
	case "", ClientSarama:
		return NewSaramaPublisher(brokers, topic)
	case ClientKafkaGo:
		return NewWriterPublisher(brokers, topic), nil
	default:
		return nil, fmt.Errorf("kafka: unknown client %q", client)
	}
}
