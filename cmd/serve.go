package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/config"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/server"
)

// runServer builds and runs the service. It is a variable so tests can replace it.
var runServer = func(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	app, err := server.Build(ctx, cfg, logger, server.Options{})
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	return app.Run(ctx)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the worker pool",
		Long: `Loads configuration, recovers persisted jobs, starts the worker pool and
serves the HTTP API until SIGINT or SIGTERM, then drains in-flight jobs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfigAndLogger(opts.configFile)
			if err != nil {
				return err
			}
			if workers > 0 {
				cfg.Pool.WorkerCount = workers
			}
			logger.Info("starting scraper",
				zap.String("addr", cfg.Addr()),
				zap.Int("workers", cfg.Pool.WorkerCount),
			)
			return runServer(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "override pool.worker_count")
	return cmd
}
