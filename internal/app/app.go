// Package app wires configuration, storage, transport and the session
// registry into a running service.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"binance-userstream-supervisor/internal/config"
	"binance-userstream-supervisor/internal/httpapi"
	"binance-userstream-supervisor/internal/normalizer"
	"binance-userstream-supervisor/internal/publisher"
	"binance-userstream-supervisor/internal/session"
	"binance-userstream-supervisor/internal/storage"
	"binance-userstream-supervisor/internal/storage/postgres"
	"binance-userstream-supervisor/internal/storage/redis"
	binance "binance-userstream-supervisor/internal/transport/binance"
	"binance-userstream-supervisor/internal/vault"
	"binance-userstream-supervisor/pkg/httpserver"
	"binance-userstream-supervisor/pkg/logger"
	"binance-userstream-supervisor/pkg/telemetry"
)

// Run assembles every component and blocks until ctx is cancelled or a
// fatal error occurs.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	// Tracing
	if !cfg.Telemetry.Disabled {
		shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Config{
			Endpoint:       cfg.Telemetry.OTLPEndpoint,
			ServiceName:    cfg.ServiceName,
			ServiceVersion: cfg.ServiceVersion,
			Insecure:       cfg.Telemetry.Insecure,
		}, log)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer shutdownSafe("telemetry", func() error {
			return shutdownTracer(context.Background())
		}, log)
	}

	// Credential vault
	v, err := vault.New(cfg.Vault.Key)
	if err != nil {
		return err
	}
	if v.Disabled() {
		log.Warn("vault key not configured; secrets are stored unencrypted")
	}

	// Storage backend
	store, err := openStorage(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer shutdownSafe("storage", store.Close, log)

	// Venue transport
	rest, err := binance.NewRESTClient(cfg.Binance.REST, log)
	if err != nil {
		return fmt.Errorf("binance rest init: %w", err)
	}
	dialer, err := binance.NewWSDialer(cfg.Binance.WS, log)
	if err != nil {
		return fmt.Errorf("binance ws init: %w", err)
	}

	// Optional operation feed
	deps := session.Deps{
		Tokens:     rest,
		Dialer:     dialer,
		Store:      store,
		Normalizer: normalizer.New(nil),
		Log:        log,
	}
	if cfg.Kafka.Enabled() {
		prod, err := publisher.New(cfg.Kafka, log)
		if err != nil {
			return fmt.Errorf("kafka publisher init: %w", err)
		}
		defer shutdownSafe("kafka-publisher", prod.Close, log)
		deps.Publisher = prod
	}

	registry := session.NewRegistry(ctx, cfg.Session, deps, v)

	// Boot recovery: bring back every user still flagged connected.
	// Per-user failures are reported and skipped, they never abort boot.
	if started, failures := registry.RecoverAll(ctx); len(failures) > 0 {
		log.Warn("recovery finished with failures",
			zap.Int("recovered", started), zap.Int("failed", len(failures)))
	}

	// Admin API + metrics server
	api := httpapi.NewHandler(registry, log).Routes()
	readiness := func() error { return store.Ping(context.Background()) }
	httpSrv, err := httpserver.New(httpserver.Config{
		Addr:            fmt.Sprintf(":%d", cfg.HTTP.Port),
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		IdleTimeout:     cfg.HTTP.IdleTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		MetricsPath:     cfg.HTTP.MetricsPath,
		HealthzPath:     cfg.HTTP.HealthzPath,
		ReadyzPath:      cfg.HTTP.ReadyzPath,
	}, readiness, api, log)
	if err != nil {
		return fmt.Errorf("httpserver init: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Start(gctx) })

	err = g.Wait()

	// Stop sessions deterministically before the deferred closes run.
	// Durable flags stay untouched so the sessions return on next boot.
	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	registry.Shutdown(stopCtx)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("supervisor stopped")
	return nil
}

func openStorage(ctx context.Context, cfg *config.Config, log *logger.Logger) (storage.Storage, error) {
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		return redis.New(ctx, cfg.Storage.Redis, log)
	default:
		return postgres.New(ctx, cfg.Storage.Postgres, log)
	}
}

// shutdownSafe wraps a Close/Shutdown call with logging.
func shutdownSafe(name string, fn func() error, log *logger.Logger) {
	if err := fn(); err != nil {
		log.Error(fmt.Sprintf("%s shutdown error", name), zap.Error(err))
	} else {
		log.Info(fmt.Sprintf("%s: shutdown complete", name))
	}
}
