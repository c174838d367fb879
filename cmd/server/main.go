package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/medicaid-spend-watch/internal/api"
	"github.com/medicaid-spend-watch/internal/config"
	"github.com/medicaid-spend-watch/internal/database"
	"github.com/medicaid-spend-watch/internal/pipeline"
)

func main() {
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger := config.NewLogger(cfg.Logging)

	if err := pipeline.Migrate(cfg.Database.Path, cfg.Database.MigrationsPath, logger); err != nil {
		logger.WithError(err).Fatal("Schema migration failed")
	}

	db, err := database.Open(cfg.Database.Path, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	defer db.Close()

	logger.WithField("addr", cfg.Server.Host).
		WithField("port", cfg.Server.Port).
		Info("Starting spend watch API server")

	server := api.NewServer(cfg, db, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down")
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}
	logger.Info("Server stopped")
}
