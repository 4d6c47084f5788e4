// Package redis implements the storage contract on Redis hashes.
//
// HSET writes only the supplied fields, which gives the operation
// projection its merge semantics directly at the datastore.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"binance-userstream-supervisor/internal/domain"
	"binance-userstream-supervisor/internal/storage"
	"binance-userstream-supervisor/pkg/logger"
)

// Config holds the Redis connection settings.
type Config struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("redis: addr is required")
	}
	return nil
}

const (
	credKeyPrefix = "binance:cred:"
	connKeyPrefix = "binance:conn:"
	connectedSet  = "binance:connected"
	opKeyPrefix   = "binance:op:"
)

// Store implements storage.Storage on Redis.
type Store struct {
	client *redis.Client
	log    *logger.Logger
}

var _ storage.Storage = (*Store)(nil)

// New connects to Redis and verifies reachability.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &Store{client: client, log: log.Named("redis")}, nil
}

func (s *Store) PutCredential(ctx context.Context, cred domain.Credential) error {
	err := s.client.HSet(ctx, credKeyPrefix+cred.UserID, map[string]interface{}{
		"api_key":           cred.APIKey,
		"api_secret_cipher": cred.APISecretCipher,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: put credential: %w", err)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, userID string) (domain.Credential, error) {
	fields, err := s.client.HGetAll(ctx, credKeyPrefix+userID).Result()
	if err != nil {
		return domain.Credential{}, fmt.Errorf("redis: get credential: %w", err)
	}
	if len(fields) == 0 {
		return domain.Credential{}, storage.ErrNotFound
	}
	return domain.Credential{
		UserID:          userID,
		APIKey:          fields["api_key"],
		APISecretCipher: fields["api_secret_cipher"],
	}, nil
}

func (s *Store) DeleteCredential(ctx context.Context, userID string) error {
	n, err := s.client.Del(ctx, credKeyPrefix+userID).Result()
	if err != nil {
		return fmt.Errorf("redis: delete credential: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) SetConnected(ctx context.Context, userID string, connected bool) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, connKeyPrefix+userID, "connected", strconv.FormatBool(connected))
	if connected {
		pipe.SAdd(ctx, connectedSet, userID)
	} else {
		pipe.SRem(ctx, connectedSet, userID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set connected: %w", err)
	}
	return nil
}

func (s *Store) SetTokenIssuedAt(ctx context.Context, userID string, issuedAt time.Time) error {
	err := s.client.HSet(ctx, connKeyPrefix+userID,
		"token_issued_at", issuedAt.UTC().Format(time.RFC3339Nano)).Err()
	if err != nil {
		return fmt.Errorf("redis: set token issued at: %w", err)
	}
	return nil
}

func (s *Store) GetConnectionFlag(ctx context.Context, userID string) (domain.ConnectionFlag, error) {
	fields, err := s.client.HGetAll(ctx, connKeyPrefix+userID).Result()
	if err != nil {
		return domain.ConnectionFlag{}, fmt.Errorf("redis: get connection flag: %w", err)
	}
	flag := domain.ConnectionFlag{UserID: userID}
	if v, ok := fields["connected"]; ok {
		flag.Connected, _ = strconv.ParseBool(v)
	}
	if v, ok := fields["token_issued_at"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			flag.TokenIssuedAt = t
		}
	}
	return flag, nil
}

func (s *Store) ListConnected(ctx context.Context) ([]string, error) {
	users, err := s.client.SMembers(ctx, connectedSet).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list connected: %w", err)
	}
	return users, nil
}

func (s *Store) UpsertOperation(ctx context.Context, userID string, rec domain.OperationRecord) error {
	key := opKeyPrefix + userID + ":" + rec.OrderID
	fields := map[string]interface{}{
		"order_id":     rec.OrderID,
		"exchange":     rec.Exchange,
		"side":         string(rec.Side),
		"base_asset":   rec.BaseAsset,
		"quote_asset":  rec.QuoteAsset,
		"base_amount":  strconv.FormatFloat(rec.BaseAmount, 'f', -1, 64),
		"quote_amount": strconv.FormatFloat(rec.QuoteAmount, 'f', -1, 64),
		"rate":         strconv.FormatFloat(rec.Rate, 'f', -1, 64),
		"fee":          strconv.FormatFloat(rec.Fee, 'f', -1, 64),
		"fee_asset":    rec.FeeAsset,
		"profit":       strconv.FormatFloat(rec.Profit, 'f', -1, 64),
		"status":       rec.Status,
		"event_time":   rec.EventTime.UTC().Format(time.RFC3339Nano),
	}
	if len(rec.RawPayload) > 0 {
		fields["raw_payload"] = string(rec.RawPayload)
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("redis: upsert operation: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
