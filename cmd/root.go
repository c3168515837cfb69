// Package cmd defines the CLI for the scraper: the serve command that runs the
// service and client commands that talk to a running instance over HTTP.
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/config"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/logging"
)

type rootOptions struct {
	configFile string
	serverURL  string
	apiKey     string
	timeout    time.Duration
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "scraper",
		Short: "A prioritized scraping job queue with a worker pool.",
		Long: `scraper runs a durable, prioritized queue of scraping jobs and a pool of
workers that fetch them. The serve command starts the service; the remaining
commands talk to a running instance over its HTTP API.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (YAML); env vars use the SCRAPER_ prefix")
	cmd.PersistentFlags().StringVar(&opts.serverURL, "server", envOr("SCRAPER_URL", "http://localhost:8080"), "base URL of a running scraper")
	cmd.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("SCRAPER_AUTH_API_KEY"), "API key sent as X-API-Key")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "HTTP client timeout")

	cmd.AddCommand(
		newServeCmd(opts),
		newSubmitCmd(opts),
		newStatusCmd(opts),
		newResultCmd(opts),
		newCancelCmd(opts),
		newListCmd(opts),
		newPurgeCmd(opts),
		newStatsCmd(opts),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func loadConfigAndLogger(path string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Service:     "scraper",
	})
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
