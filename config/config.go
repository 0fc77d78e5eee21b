// Package config loads engine settings from MIDNA_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	GRPCAddr string `env:"MIDNA_GRPC_ADDR" envDefault:":50051"`

	// SettlementAuthority is the only party allowed to settle.
	SettlementAuthority string `env:"MIDNA_SETTLEMENT_AUTHORITY,required,notEmpty"`
	// DisputeRouting picks where a disputed order's collateral goes:
	// seller, buyer or split.
	DisputeRouting string `env:"MIDNA_DISPUTE_ROUTING" envDefault:"seller"`

	WAL      WALConfig
	Snapshot SnapshotConfig
	Outbox   OutboxConfig
	Kafka    KafkaConfig
	Log      LogConfig
	Pinning  PinningConfig
}

type WALConfig struct {
	Dir             string `env:"MIDNA_WAL_DIR" envDefault:"./data/wal"`
	SegmentSize     int64  `env:"MIDNA_WAL_SEGMENT_SIZE" envDefault:"2097152"`
	SyncEveryAppend bool   `env:"MIDNA_WAL_SYNC" envDefault:"true"`
}

type SnapshotConfig struct {
	Dir      string        `env:"MIDNA_SNAPSHOT_DIR" envDefault:"./data/snapshot"`
	Interval time.Duration `env:"MIDNA_SNAPSHOT_INTERVAL" envDefault:"1m"`
}

type OutboxConfig struct {
	Dir          string        `env:"MIDNA_OUTBOX_DIR" envDefault:"./data/outbox"`
	MaxRetries   uint32        `env:"MIDNA_OUTBOX_MAX_RETRIES" envDefault:"10"`
	PollInterval time.Duration `env:"MIDNA_OUTBOX_POLL_INTERVAL" envDefault:"250ms"`
}

type KafkaConfig struct {
	// Brokers empty disables event publishing and the deposit consumer.
	Brokers        []string `env:"MIDNA_KAFKA_BROKERS" envSeparator:","`
	Client         string   `env:"MIDNA_KAFKA_CLIENT" envDefault:"sarama"`
	SettledTopic   string   `env:"MIDNA_KAFKA_SETTLED_TOPIC" envDefault:"midna.orders.settled"`
	DepositTopic   string   `env:"MIDNA_KAFKA_DEPOSIT_TOPIC"`
	DepositGroupID string   `env:"MIDNA_KAFKA_DEPOSIT_GROUP" envDefault:"midna-ledger"`
}

type LogConfig struct {
	Level  string `env:"MIDNA_LOG_LEVEL" envDefault:"info"`
	Format string `env:"MIDNA_LOG_FORMAT" envDefault:"json"`
}

type PinningConfig struct {
	JWT      string        `env:"PINATA_JWT"`
	Endpoint string        `env:"MIDNA_PINATA_ENDPOINT" envDefault:"https://api.pinata.cloud"`
	Timeout  time.Duration `env:"MIDNA_PINATA_TIMEOUT" envDefault:"15s"`
	Network  string        `env:"MIDNA_NETWORK" envDefault:"midna-local"`
}

// ParseEnv loads any env-tagged struct.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the engine configuration.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.DisputeRouting {
	case "seller", "buyer", "split":
	default:
		return fmt.Errorf("MIDNA_DISPUTE_ROUTING must be seller, buyer or split, got %q", c.DisputeRouting)
	}
	if c.WAL.SegmentSize <= 0 {
		return errors.New("MIDNA_WAL_SEGMENT_SIZE must be positive")
	}
	if c.Snapshot.Interval <= 0 {
		return errors.New("MIDNA_SNAPSHOT_INTERVAL must be positive")
	}
	return nil
}

// Exitf writes a formatted error message to stderr and exits with code 1.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
