// Command server runs the learner credit subsidy ledger API.
package main

import (
	"context"
	"os"

	"github.com/openlearn/subsidyledger/internal/config"
	"github.com/openlearn/subsidyledger/internal/logging"
	"github.com/openlearn/subsidyledger/internal/server"
)

// Set by ldflags at release build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("load config", "error", err)
		os.Exit(1)
	}

	format := "text"
	if cfg.IsProduction() {
		format = "json"
	}
	logger := logging.New(cfg.LogLevel, format)

	logger.Info("starting subsidyledger",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"catalog_url", cfg.CatalogURL,
		"fulfillment_url", cfg.FulfillmentURL,
		"reconcile_interval", cfg.ReconcileInterval.String(),
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}
