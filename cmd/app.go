package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/docuchat/docuchat/internal/app"
	"github.com/docuchat/docuchat/internal/config"
	"github.com/docuchat/docuchat/internal/log"
)

var (
	verbose  bool
	jsonLogs bool
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "write logs as JSON")
}

// newApp loads configuration and assembles the application.
func newApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := log.New(log.Config{Level: level, JSON: jsonLogs})

	return app.New(ctx, cfg, logger)
}
