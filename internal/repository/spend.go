package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medicaid-spend-watch/internal/domain"
)

// SpendRepository handles spend ledger persistence
type SpendRepository struct {
	db  *sql.DB
	log *logrus.Logger
}

// NewSpendRepository creates a new spend ledger repository
func NewSpendRepository(db *sql.DB, logger *logrus.Logger) *SpendRepository {
	return &SpendRepository{db: db, log: logger}
}

// ReplaceAll fully replaces the spend ledger with the given records in one
// transaction. Providers are pre-populated first so the ledger's foreign
// key is never violated mid-load. There is no incremental upsert; a re-run
// replaces everything.
func (r *SpendRepository) ReplaceAll(ctx context.Context, records []domain.SpendRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning ledger load: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM medicaid_spend"); err != nil {
		return fmt.Errorf("clearing spend ledger: %w", err)
	}

	provStmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO providers (npi) VALUES (?)")
	if err != nil {
		return fmt.Errorf("preparing provider pre-populate: %w", err)
	}
	defer provStmt.Close()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO medicaid_spend
			(billing_npi, period, hcpcs_code, total_paid, total_claims, unique_beneficiaries)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing ledger insert: %w", err)
	}
	defer stmt.Close()

	for i := range records {
		rec := &records[i]
		if _, err := provStmt.ExecContext(ctx, rec.BillingNPI); err != nil {
			return fmt.Errorf("pre-populating provider %s: %w", rec.BillingNPI, err)
		}
		_, err := stmt.ExecContext(ctx,
			rec.BillingNPI,
			rec.Period.Format(DateLayout),
			rec.HCPCSCode,
			rec.TotalPaid,
			rec.TotalClaims,
			rec.UniqueBeneficiaries,
		)
		if err != nil {
			return fmt.Errorf("inserting spend row (%s, %s, %s): %w",
				rec.BillingNPI, rec.Period.Format(DateLayout), rec.HCPCSCode, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing ledger load: %w", err)
	}

	r.log.WithField("rows", len(records)).Info("Spend ledger replaced")
	return nil
}

// Count returns the number of ledger rows.
func (r *SpendRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM medicaid_spend").Scan(&n)
	return n, err
}

// TotalSpend returns the sum of total_paid over the whole ledger.
func (r *SpendRepository) TotalSpend(ctx context.Context) (float64, error) {
	var total sql.NullFloat64
	err := r.db.QueryRowContext(ctx, "SELECT SUM(total_paid) FROM medicaid_spend").Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing ledger spend: %w", err)
	}
	return total.Float64, nil
}

// SpendTrend returns one provider's monthly spend history in period order.
func (r *SpendRepository) SpendTrend(ctx context.Context, npi string) ([]domain.SpendTrendPoint, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT period, SUM(total_paid) AS spend
		FROM medicaid_spend
		WHERE billing_npi = ?
		GROUP BY period
		ORDER BY period`, npi)
	if err != nil {
		return nil, fmt.Errorf("querying spend trend for %s: %w", npi, err)
	}
	defer rows.Close()

	var trend []domain.SpendTrendPoint
	for rows.Next() {
		var periodStr string
		var pt domain.SpendTrendPoint
		if err := rows.Scan(&periodStr, &pt.Spend); err != nil {
			return nil, fmt.Errorf("scanning trend point: %w", err)
		}
		period, err := parsePeriod(periodStr)
		if err != nil {
			return nil, err
		}
		pt.Period = period
		trend = append(trend, pt)
	}
	return trend, rows.Err()
}

// parsePeriod tolerates both the canonical date layout and the timestamp
// form some drivers hand back for DATE columns.
func parsePeriod(s string) (time.Time, error) {
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing period %q: %w", s, err)
	}
	return t, nil
}
