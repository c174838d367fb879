package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/medicaid-spend-watch/internal/config"
	"github.com/medicaid-spend-watch/internal/database"
	"github.com/medicaid-spend-watch/internal/export"
	"github.com/medicaid-spend-watch/internal/pipeline"
	"github.com/medicaid-spend-watch/internal/report"
	"github.com/medicaid-spend-watch/internal/repository"
)

func main() {
	loadSpend := flag.Bool("load-spend", false, "reload the spend ledger from the configured CSV extract")
	exclusions := flag.Bool("exclusions", false, "fetch the OIG exclusion list and mark excluded providers")
	enrich := flag.Bool("enrich", false, "enrich unnamed providers from the NPI registry")
	reportPath := flag.String("report", "", "write an investigation-leads markdown report to this path")
	reportLimit := flag.Int("report-limit", 25, "providers to include in the report")
	exportRun := flag.Bool("export", false, "export the run to the configured Postgres database")
	flag.Parse()

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, aborting run")
		cancel()
	}()

	runner := pipeline.NewRunner(cfg, db, logger)
	result, err := runner.Run(ctx, pipeline.Options{
		LoadSpend:  *loadSpend,
		Exclusions: *exclusions,
		Enrich:     *enrich,
	})
	if err != nil {
		logger.WithError(err).Fatal("Screening run failed")
	}

	fmt.Printf("Run %s: %d providers, %d spend records, %d benchmarks, %d flags\n",
		result.RunID, result.Providers, result.SpendRecords, result.Benchmarks, result.TotalFlags)
	for flagType, n := range result.FlagsByType {
		fmt.Printf("  %-24s %d\n", flagType, n)
	}

	if *reportPath != "" {
		gen := report.NewGenerator(
			repository.NewProviderRepository(db.SQL, logger),
			repository.NewFlagRepository(db.SQL, logger),
			cfg.Scope, logger)
		md, err := gen.InvestigationLeads(ctx, *reportLimit)
		if err != nil {
			logger.WithError(err).Fatal("Report generation failed")
		}
		if err := os.WriteFile(*reportPath, []byte(md), 0o644); err != nil {
			logger.WithError(err).Fatal("Failed to write report")
		}
		logger.WithField("path", *reportPath).Info("Investigation leads written")
	}

	if *exportRun {
		if cfg.Export.PostgresURL == "" {
			logger.Fatal("Export requested but export.postgres_url is not configured")
		}
		exporter, err := export.NewPostgresExporterFromURL(cfg.Export.PostgresURL, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to export database")
		}
		defer exporter.Close()

		flags, err := repository.NewFlagRepository(db.SQL, logger).ListAll(ctx)
		if err != nil {
			logger.WithError(err).Fatal("Failed to read flags for export")
		}
		if err := exporter.ExportFlags(ctx, result.RunID, flags); err != nil {
			logger.WithError(err).Fatal("Flag export failed")
		}
		if err := exporter.ExportSummary(ctx, result.Summary()); err != nil {
			logger.WithError(err).Fatal("Summary export failed")
		}
	}
}
