// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"binance-userstream-supervisor/internal/publisher"
	"binance-userstream-supervisor/internal/session"
	"binance-userstream-supervisor/internal/storage/postgres"
	"binance-userstream-supervisor/internal/storage/redis"
	binance "binance-userstream-supervisor/internal/transport/binance"
	"binance-userstream-supervisor/pkg/logger"
)

/*
   --------------------------------------------------------------------------
   STRUCTS
   --------------------------------------------------------------------------
*/

// Config holds every setting of the supervisor service.
type Config struct {
	ServiceName    string           `mapstructure:"service_name"`
	ServiceVersion string           `mapstructure:"service_version"`
	Logging        logger.Config    `mapstructure:"logging"`
	Vault          VaultConfig      `mapstructure:"vault"`
	Binance        BinanceConfig    `mapstructure:"binance"`
	Session        session.Config   `mapstructure:"session"`
	Storage        StorageConfig    `mapstructure:"storage"`
	Kafka          publisher.Config `mapstructure:"kafka"`
	HTTP           HTTPConfig       `mapstructure:"http"`
	Telemetry      Telemetry        `mapstructure:"telemetry"`
}

// VaultConfig carries the credential-vault key. An empty key disables
// sealing and stores secrets as-is.
type VaultConfig struct {
	Key string `mapstructure:"key"`
}

// BinanceConfig groups the REST and WS endpoints of the venue.
type BinanceConfig struct {
	REST binance.RESTConfig `mapstructure:"rest"`
	WS   binance.WSConfig   `mapstructure:"ws"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend  string          `mapstructure:"backend"` // "postgres" | "redis"
	Postgres postgres.Config `mapstructure:"postgres"`
	Redis    redis.Config    `mapstructure:"redis"`
}

// Telemetry holds the OpenTelemetry exporter settings.
type Telemetry struct {
	OTLPEndpoint string `mapstructure:"otel_endpoint"`
	Insecure     bool   `mapstructure:"insecure"`
	Disabled     bool   `mapstructure:"disabled"`
}

// HTTPConfig configures the admin/metrics HTTP server.
type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MetricsPath     string        `mapstructure:"metrics_path"`
	HealthzPath     string        `mapstructure:"healthz_path"`
	ReadyzPath      string        `mapstructure:"readyz_path"`
}

/*
   --------------------------------------------------------------------------
   LOADER
   --------------------------------------------------------------------------
*/

// Load reads and validates the config. With an empty path only ENV and
// defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	// ---------- 1) Defaults ----------
	v.SetDefault("service_name", "binance-userstream-supervisor")
	v.SetDefault("service_version", "v1.0.0")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dev_mode", false)

	// Binance
	v.SetDefault("binance.rest.base_url", "https://api.binance.com")
	v.SetDefault("binance.rest.timeout", "10s")
	v.SetDefault("binance.ws.url", "wss://stream.binance.com:9443/ws")
	v.SetDefault("binance.ws.buffer_size", 100)
	v.SetDefault("binance.ws.read_timeout", "30s")

	// Session
	v.SetDefault("session.renew_interval", "30m")

	// Storage
	v.SetDefault("storage.backend", "postgres")
	v.SetDefault("storage.postgres.max_open_conns", 10)
	v.SetDefault("storage.postgres.max_idle_conns", 5)
	v.SetDefault("storage.postgres.conn_max_lifetime", "30m")
	v.SetDefault("storage.redis.db", 0)

	// Kafka (optional feed; empty brokers keep it off)
	v.SetDefault("kafka.acks", "all")
	v.SetDefault("kafka.timeout", "15s")
	v.SetDefault("kafka.compression", "none")

	// HTTP
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("http.metrics_path", "/metrics")
	v.SetDefault("http.healthz_path", "/healthz")
	v.SetDefault("http.readyz_path", "/readyz")

	// Telemetry
	v.SetDefault("telemetry.otel_endpoint", "otel-collector:4317")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.disabled", false)

	// ---------- 2) ENV ----------
	v.SetEnvPrefix("SUPERVISOR")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ---------- 3) Optional file ----------
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", v.ConfigFileUsed(), err)
		}
	}

	// ---------- 4) Decode ----------
	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToBoolHook,
	)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:    "mapstructure",
		Result:     &cfg,
		DecodeHook: decodeHook,
	})
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// ---------- 5) Validation ----------
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// stringToBoolHook parses true/false, otherwise passes data through.
func stringToBoolHook(f, t reflect.Kind, data interface{}) (interface{}, error) {
	if f == reflect.String && t == reflect.Bool {
		return strconv.ParseBool(data.(string))
	}
	return data, nil
}

func (c *Config) applyDefaults() {
	c.Binance.REST.ApplyDefaults()
	c.Binance.WS.ApplyDefaults()
	c.Session.ApplyDefaults()
	c.Kafka.ApplyDefaults()
	if c.Storage.Backend == BackendPostgres {
		c.Storage.Postgres.ApplyDefaults()
	}
}

/*
   --------------------------------------------------------------------------
   VALIDATION
   --------------------------------------------------------------------------
*/

// Storage backend selectors.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

func (c *Config) Validate() error {
	// Service
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version is required")
	}

	// Logging
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error]")
	}

	// Vault: the key is optional, but a present key must be 32 bytes.
	if k := c.Vault.Key; k != "" && len(k) != 32 {
		return fmt.Errorf("vault.key must be exactly 32 bytes, got %d", len(k))
	}

	// Binance
	if err := c.Binance.REST.Validate(); err != nil {
		return err
	}
	if err := c.Binance.WS.Validate(); err != nil {
		return err
	}

	// Session
	if c.Session.RenewInterval <= 0 {
		return fmt.Errorf("session.renew_interval must be > 0")
	}
	if c.Session.RenewInterval >= 60*time.Minute {
		return fmt.Errorf("session.renew_interval must sit inside the 60m listen-key validity window")
	}

	// Storage
	switch c.Storage.Backend {
	case BackendPostgres:
		if err := c.Storage.Postgres.Validate(); err != nil {
			return err
		}
	case BackendRedis:
		if err := c.Storage.Redis.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("storage.backend must be one of [postgres, redis]")
	}

	// Kafka (validated only when enabled)
	if err := c.Kafka.Validate(); err != nil {
		return err
	}

	// Telemetry
	if !c.Telemetry.Disabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry.otel_endpoint is required unless telemetry.disabled")
	}

	// HTTP
	return validateHTTP(&c.HTTP)
}

func validateHTTP(h *HTTPConfig) error {
	if h.Port <= 0 || h.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535")
	}
	durations := map[string]time.Duration{
		"http.read_timeout":     h.ReadTimeout,
		"http.write_timeout":    h.WriteTimeout,
		"http.idle_timeout":     h.IdleTimeout,
		"http.shutdown_timeout": h.ShutdownTimeout,
	}
	for k, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", k)
		}
	}
	paths := map[string]string{
		"http.metrics_path": h.MetricsPath,
		"http.healthz_path": h.HealthzPath,
		"http.readyz_path":  h.ReadyzPath,
	}
	for k, p := range paths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with '/'", k)
		}
	}
	return nil
}

/*
   --------------------------------------------------------------------------
   DEBUG PRINT
   --------------------------------------------------------------------------
*/

// Print dumps the loaded config as JSON. The vault key is redacted.
func (c *Config) Print() {
	clone := *c
	if clone.Vault.Key != "" {
		clone.Vault.Key = "[redacted]"
	}
	b, _ := json.MarshalIndent(clone, "", "  ")
	fmt.Println("Loaded configuration:\n", string(b))
}
