// Trustpipe - event-driven trust scoring and anomaly detection
package main

import (
	"context"
	"os"

	"github.com/mbd888/trustpipe/internal/config"
	"github.com/mbd888/trustpipe/internal/logging"
	"github.com/mbd888/trustpipe/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting trustpipe",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, logFormat(cfg.Env))
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"history_size", cfg.HistorySize,
		"rollup_interval", cfg.RollupInterval,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func logFormat(env string) string {
	if env == "production" {
		return "json"
	}
	return "text"
}
