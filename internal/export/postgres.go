// Package export pushes run results into an external PostgreSQL database
// so investigators can query flags without touching the embedded store.
package export

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/medicaid-spend-watch/internal/domain"
)

// PostgresExporter writes flags and run summaries to Postgres.
type PostgresExporter struct {
	db  *sql.DB
	log *logrus.Logger
}

// NewPostgresExporter wraps an existing connection. It expects the target
// tables to already exist.
func NewPostgresExporter(db *sql.DB, log *logrus.Logger) (*PostgresExporter, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresExporter{db: db, log: log}, nil
}

// NewPostgresExporterFromURL opens a pooled connection to databaseURL.
func NewPostgresExporterFromURL(databaseURL string, log *logrus.Logger) (*PostgresExporter, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	exp, err := NewPostgresExporter(db, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	return exp, nil
}

// ExportFlags replaces the exported flag set for one run. Runs are keyed
// by run_id so repeated exports of the same run are idempotent.
func (e *PostgresExporter) ExportFlags(ctx context.Context, runID string, flags []domain.RiskFlag) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin export: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM exported_flags WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("failed to clear previous export: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO exported_flags (npi, flag_type, flag_score, reason, run_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return fmt.Errorf("failed to prepare flag insert: %w", err)
	}
	defer stmt.Close()

	for i := range flags {
		f := &flags[i]
		if _, err := stmt.ExecContext(ctx,
			f.NPI, string(f.FlagType), f.FlagScore, f.Reason, runID, f.CreatedAt); err != nil {
			return fmt.Errorf("failed to export flag for %s: %w", f.NPI, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit export: %w", err)
	}
	e.log.WithFields(logrus.Fields{"run_id": runID, "flags": len(flags)}).
		Info("Flags exported")
	return nil
}

// ExportSummary upserts the run summary row.
func (e *PostgresExporter) ExportSummary(ctx context.Context, res *domain.RunSummary) error {
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO run_summaries (
			run_id, started, spend_records, providers, benchmarks, total_flags
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id) DO UPDATE SET
			started = EXCLUDED.started,
			spend_records = EXCLUDED.spend_records,
			providers = EXCLUDED.providers,
			benchmarks = EXCLUDED.benchmarks,
			total_flags = EXCLUDED.total_flags`,
		res.RunID, res.Started, res.SpendRecords, res.Providers, res.Benchmarks, res.TotalFlags)
	if err != nil {
		return fmt.Errorf("failed to export run summary: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (e *PostgresExporter) Close() error {
	return e.db.Close()
}
