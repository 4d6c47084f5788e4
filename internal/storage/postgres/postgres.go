// Package postgres implements the storage contract on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"binance-userstream-supervisor/internal/domain"
	"binance-userstream-supervisor/internal/storage"
	"binance-userstream-supervisor/pkg/logger"
)

// Config holds the PostgreSQL connection settings.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ApplyDefaults fills unset values.
func (c *Config) ApplyDefaults() {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("postgres: dsn is required")
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS binance_credentials (
	user_id           TEXT PRIMARY KEY,
	api_key           TEXT        NOT NULL,
	api_secret_cipher TEXT        NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_connections (
	user_id         TEXT PRIMARY KEY,
	connected       BOOLEAN     NOT NULL DEFAULT FALSE,
	token_issued_at TIMESTAMPTZ,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS operations (
	user_id      TEXT             NOT NULL,
	order_id     TEXT             NOT NULL,
	exchange     TEXT             NOT NULL,
	side         TEXT             NOT NULL,
	base_asset   TEXT             NOT NULL,
	quote_asset  TEXT             NOT NULL,
	base_amount  DOUBLE PRECISION NOT NULL,
	quote_amount DOUBLE PRECISION NOT NULL,
	rate         DOUBLE PRECISION NOT NULL,
	fee          DOUBLE PRECISION NOT NULL,
	fee_asset    TEXT             NOT NULL DEFAULT '',
	profit       DOUBLE PRECISION NOT NULL DEFAULT 0,
	status       TEXT             NOT NULL DEFAULT '',
	event_time   TIMESTAMPTZ      NOT NULL,
	raw_payload  JSONB,
	updated_at   TIMESTAMPTZ      NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, order_id)
);
`

// Store implements storage.Storage on PostgreSQL.
type Store struct {
	db  *sqlx.DB
	log *logger.Logger
}

var _ storage.Storage = (*Store)(nil)

// New connects to PostgreSQL and ensures the schema exists.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Store, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ensure schema: %w", err)
	}

	return &Store{db: db, log: log.Named("postgres")}, nil
}

func (s *Store) PutCredential(ctx context.Context, cred domain.Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO binance_credentials (user_id, api_key, api_secret_cipher, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id) DO UPDATE SET
			api_key = EXCLUDED.api_key,
			api_secret_cipher = EXCLUDED.api_secret_cipher,
			updated_at = now()`,
		cred.UserID, cred.APIKey, cred.APISecretCipher)
	if err != nil {
		return fmt.Errorf("postgres: put credential: %w", err)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, userID string) (domain.Credential, error) {
	var cred domain.Credential
	err := s.db.GetContext(ctx, &cred, `
		SELECT user_id, api_key, api_secret_cipher
		FROM binance_credentials WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Credential{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Credential{}, fmt.Errorf("postgres: get credential: %w", err)
	}
	return cred, nil
}

func (s *Store) DeleteCredential(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM binance_credentials WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("postgres: delete credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) SetConnected(ctx context.Context, userID string, connected bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_connections (user_id, connected, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET
			connected = EXCLUDED.connected,
			updated_at = now()`,
		userID, connected)
	if err != nil {
		return fmt.Errorf("postgres: set connected: %w", err)
	}
	return nil
}

func (s *Store) SetTokenIssuedAt(ctx context.Context, userID string, issuedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_connections (user_id, token_issued_at, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET
			token_issued_at = EXCLUDED.token_issued_at,
			updated_at = now()`,
		userID, issuedAt)
	if err != nil {
		return fmt.Errorf("postgres: set token issued at: %w", err)
	}
	return nil
}

func (s *Store) GetConnectionFlag(ctx context.Context, userID string) (domain.ConnectionFlag, error) {
	var row struct {
		UserID        string       `db:"user_id"`
		Connected     bool         `db:"connected"`
		TokenIssuedAt sql.NullTime `db:"token_issued_at"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT user_id, connected, token_issued_at
		FROM user_connections WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ConnectionFlag{UserID: userID}, nil
	}
	if err != nil {
		return domain.ConnectionFlag{}, fmt.Errorf("postgres: get connection flag: %w", err)
	}
	flag := domain.ConnectionFlag{UserID: row.UserID, Connected: row.Connected}
	if row.TokenIssuedAt.Valid {
		flag.TokenIssuedAt = row.TokenIssuedAt.Time
	}
	return flag, nil
}

func (s *Store) ListConnected(ctx context.Context) ([]string, error) {
	var users []string
	err := s.db.SelectContext(ctx, &users, `
		SELECT user_id FROM user_connections WHERE connected = TRUE ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list connected: %w", err)
	}
	return users, nil
}

func (s *Store) UpsertOperation(ctx context.Context, userID string, rec domain.OperationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operations (
			user_id, order_id, exchange, side, base_asset, quote_asset,
			base_amount, quote_amount, rate, fee, fee_asset, profit,
			status, event_time, raw_payload, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,now())
		ON CONFLICT (user_id, order_id) DO UPDATE SET
			exchange = EXCLUDED.exchange,
			side = EXCLUDED.side,
			base_asset = EXCLUDED.base_asset,
			quote_asset = EXCLUDED.quote_asset,
			base_amount = EXCLUDED.base_amount,
			quote_amount = EXCLUDED.quote_amount,
			rate = EXCLUDED.rate,
			fee = EXCLUDED.fee,
			fee_asset = EXCLUDED.fee_asset,
			profit = EXCLUDED.profit,
			status = EXCLUDED.status,
			event_time = EXCLUDED.event_time,
			raw_payload = EXCLUDED.raw_payload,
			updated_at = now()`,
		userID, rec.OrderID, rec.Exchange, string(rec.Side), rec.BaseAsset, rec.QuoteAsset,
		rec.BaseAmount, rec.QuoteAmount, rec.Rate, rec.Fee, rec.FeeAsset, rec.Profit,
		rec.Status, rec.EventTime, []byte(rec.RawPayload))
	if err != nil {
		return fmt.Errorf("postgres: upsert operation: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
