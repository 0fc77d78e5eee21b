package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	apperrors "midna/domain/errors"
)

// DepositMessage is the funding event consumed from the deposit topic.
type DepositMessage struct {
	Party     string `json:"party"`
	Amount    uint64 `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

// DepositFunc credits a deposit. Implementations must reject a repeated
// reference so redelivery cannot double-credit.
type DepositFunc func(ctx context.Context, party string, amount uint64, ref string) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DepositConsumer applies funding events from a consumer group and commits
// each offset only after the deposit is durable.
type DepositConsumer struct {
	reader  messageReader
	deposit DepositFunc
	log     zerolog.Logger
}

type DepositConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func NewDepositConsumer(cfg DepositConsumerConfig, fn DepositFunc, log zerolog.Logger) *DepositConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
	return &DepositConsumer{reader: r, deposit: fn, log: log.With().Str("component", "deposits").Logger()}
}

// Run consumes until ctx is cancelled. Malformed or rejected deposits are
// logged and committed; any other failure stops the loop uncommitted.
func (c *DepositConsumer) Run(ctx context.Context) error {
	c.log.Info().Msg("deposit consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch deposit: %w", err)
		}

		if err := c.apply(ctx, msg); err != nil {
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit deposit offset %d: %w", msg.Offset, err)
		}
	}
}

func (c *DepositConsumer) apply(ctx context.Context, msg kafka.Message) error {
	var d DepositMessage
	if err := json.Unmarshal(msg.Value, &d); err != nil {
		c.log.Warn().Err(err).Int64("offset", msg.Offset).Msg("skipping malformed deposit")
		return nil
	}
	if d.Reference == "" {
		d.Reference = fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	}

	err := c.deposit(ctx, d.Party, d.Amount, d.Reference)
	if err == nil {
		c.log.Info().Str("party", d.Party).Uint64("amount", d.Amount).Str("ref", d.Reference).Msg("deposit applied")
		return nil
	}

	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		c.log.Warn().Err(err).Str("ref", d.Reference).Msg("deposit rejected")
		return nil
	}
	return fmt.Errorf("apply deposit %s: %w", d.Reference, err)
}

func (c *DepositConsumer) Close() error {
	return c.reader.Close()
}
