package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"binance-userstream-supervisor/internal/app"
	"binance-userstream-supervisor/internal/config"
	"binance-userstream-supervisor/pkg/logger"
)

func main() {
	var cfgFile string

	root := &cobra.Command{
		Use:           "supervisor",
		Short:         "Binance user-data-stream supervisor",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}

			log, err := logger.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer log.Sync()

			if cfg.Logging.DevMode {
				cfg.Print()
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.Sugar().Infow("starting service",
				"service.name", cfg.ServiceName,
				"service.version", cfg.ServiceVersion,
			)
			return app.Run(ctx, cfg, log)
		},
	}

	root.Flags().StringVar(&cfgFile, "config", "", "path to config file (ENV-only when empty)")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "supervisor: %v\n", err)
		os.Exit(1)
	}
}
