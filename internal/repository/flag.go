package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/medicaid-spend-watch/internal/domain"
)

// FlagRepository handles the risk-flag evidence table. The table is
// cleared at the start of each screening run and repopulated by the
// screens and the anomaly model; readers aggregate, nothing dedupes.
type FlagRepository struct {
	db  *sql.DB
	log *logrus.Logger
}

// NewFlagRepository creates a new risk-flag repository
func NewFlagRepository(db *sql.DB, logger *logrus.Logger) *FlagRepository {
	return &FlagRepository{db: db, log: logger}
}

// Clear empties the flag table. It must happen-before any screen insert,
// which the run transaction enforces.
func (r *FlagRepository) Clear(ctx context.Context, q Querier) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM risk_flags"); err != nil {
		return fmt.Errorf("clearing risk flags: %w", err)
	}
	return nil
}

// Insert appends one flag.
func (r *FlagRepository) Insert(ctx context.Context, q Querier, f *domain.RiskFlag) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO risk_flags (npi, flag_type, flag_score, reason, run_id)
		VALUES (?, ?, ?, ?, ?)`,
		f.NPI, string(f.FlagType), f.FlagScore, f.Reason, f.RunID)
	if err != nil {
		return fmt.Errorf("inserting %s flag for %s: %w", f.FlagType, f.NPI, err)
	}
	return nil
}

// ListByNPI returns every flag held by one provider.
func (r *FlagRepository) ListByNPI(ctx context.Context, npi string) ([]domain.RiskFlag, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, npi, flag_type, flag_score, reason, COALESCE(run_id, ''), created_at
		FROM risk_flags
		WHERE npi = ?
		ORDER BY id`, npi)
	if err != nil {
		return nil, fmt.Errorf("querying flags for %s: %w", npi, err)
	}
	defer rows.Close()
	return scanFlags(rows)
}

// ListAll returns every flag in insertion order.
func (r *FlagRepository) ListAll(ctx context.Context) ([]domain.RiskFlag, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, npi, flag_type, flag_score, reason, COALESCE(run_id, ''), created_at
		FROM risk_flags
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying flags: %w", err)
	}
	defer rows.Close()
	return scanFlags(rows)
}

func scanFlags(rows *sql.Rows) ([]domain.RiskFlag, error) {
	var out []domain.RiskFlag
	for rows.Next() {
		var f domain.RiskFlag
		var flagType string
		if err := rows.Scan(&f.ID, &f.NPI, &flagType, &f.FlagScore, &f.Reason, &f.RunID, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning flag: %w", err)
		}
		f.FlagType = domain.FlagType(flagType)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Count returns the number of flags.
func (r *FlagRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM risk_flags").Scan(&n)
	return n, err
}

// CountByType aggregates flags by type.
func (r *FlagRepository) CountByType(ctx context.Context) (map[domain.FlagType]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT flag_type, COUNT(*) FROM risk_flags GROUP BY flag_type")
	if err != nil {
		return nil, fmt.Errorf("counting flags by type: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.FlagType]int64)
	for rows.Next() {
		var ft string
		var n int64
		if err := rows.Scan(&ft, &n); err != nil {
			return nil, fmt.Errorf("scanning flag count: %w", err)
		}
		counts[domain.FlagType(ft)] = n
	}
	return counts, rows.Err()
}
