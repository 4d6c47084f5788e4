// Package publisher pushes normalized operation records to a Kafka
// topic for downstream consumers. The feed is optional: a nil
// *Publisher disables it.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"binance-userstream-supervisor/internal/domain"
	"binance-userstream-supervisor/pkg/logger"
)

// Config groups the tunables of the sync producer.
type Config struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	RequiredAcks string        `mapstructure:"acks"` // "all" | "leader" | "none"
	Timeout      time.Duration `mapstructure:"timeout"`
	Compression  string        `mapstructure:"compression"` // "none" | "gzip" | "snappy" | "lz4" | "zstd"
}

// Enabled reports whether the feed is configured at all.
func (c Config) Enabled() bool { return len(c.Brokers) > 0 }

// ApplyDefaults fills unset values.
func (c *Config) ApplyDefaults() {
	if c.RequiredAcks == "" {
		c.RequiredAcks = "all"
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
}

// Validate checks config consistency.
func (c *Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.Topic == "" {
		return fmt.Errorf("kafka: topic is required when brokers are set")
	}
	switch strings.ToLower(c.RequiredAcks) {
	case "all", "leader", "none":
	default:
		return fmt.Errorf("kafka: acks must be one of [all, leader, none]")
	}
	switch strings.ToLower(c.Compression) {
	case "none", "gzip", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("kafka: compression must be one of [none, gzip, snappy, lz4, zstd]")
	}
	return nil
}

// Publisher is a sarama sync producer for the operation feed.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	log      *logger.Logger
}

// New builds a Publisher, or returns (nil, nil) when the feed is not
// configured.
func New(cfg Config, log *logger.Logger) (*Publisher, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled() {
		return nil, nil
	}

	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.Timeout = cfg.Timeout

	switch strings.ToLower(cfg.RequiredAcks) {
	case "leader":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	case "none":
		sc.Producer.RequiredAcks = sarama.NoResponse
	default:
		sc.Producer.RequiredAcks = sarama.WaitForAll
	}

	switch strings.ToLower(cfg.Compression) {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka: create producer: %w", err)
	}

	return &Publisher{
		producer: producer,
		topic:    cfg.Topic,
		log:      log.Named("kafka-publisher"),
	}, nil
}

// feedMessage is the wire shape of one feed entry.
type feedMessage struct {
	UserID    string                 `json:"user_id"`
	Operation domain.OperationRecord `json:"operation"`
}

// PublishOperation sends one record, keyed by user id so one user's
// operations stay ordered within a partition.
func (p *Publisher) PublishOperation(ctx context.Context, userID string, rec domain.OperationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(feedMessage{UserID: userID, Operation: rec})
	if err != nil {
		return fmt.Errorf("kafka: marshal operation: %w", err)
	}
	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(userID),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("kafka: send: %w", err)
	}
	p.log.Debug("operation published", zap.String("user_id", userID), zap.String("order_id", rec.OrderID))
	return nil
}

// Close shuts the underlying producer down.
func (p *Publisher) Close() error {
	return p.producer.Close()
}
