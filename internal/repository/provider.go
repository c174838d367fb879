package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medicaid-spend-watch/internal/domain"
)

// ProviderRepository handles provider registry persistence
type ProviderRepository struct {
	db  *sql.DB
	log *logrus.Logger
}

// NewProviderRepository creates a new provider repository
func NewProviderRepository(db *sql.DB, logger *logrus.Logger) *ProviderRepository {
	return &ProviderRepository{db: db, log: logger}
}

// SeedScope inserts bare provider rows for the scoped NPI set. Existing
// rows are left untouched.
func (r *ProviderRepository) SeedScope(ctx context.Context, npis []string) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning scope seed: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO providers (npi) VALUES (?)")
	if err != nil {
		return 0, fmt.Errorf("preparing scope insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, npi := range npis {
		res, err := stmt.ExecContext(ctx, npi)
		if err != nil {
			return 0, fmt.Errorf("inserting scope npi %s: %w", npi, err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing scope seed: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"scoped":   len(npis),
		"inserted": inserted,
	}).Info("Provider scope seeded")
	return inserted, nil
}

// EnsureFromLedger pre-populates the registry with every billing NPI seen
// in the spend ledger. This is the load-order contract that keeps the
// ledger's foreign key satisfied; it must run before any join that relies
// on referential integrity.
func (r *ProviderRepository) EnsureFromLedger(ctx context.Context, q Querier) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO providers (npi)
		SELECT DISTINCT billing_npi FROM medicaid_spend`)
	if err != nil {
		return 0, fmt.Errorf("pre-populating providers from ledger: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.WithField("created", n).Info("Created placeholder providers from ledger")
	}
	return n, nil
}

// UpdateEnrichment fills in the registry fields delivered by the external
// registry lookup for one provider.
func (r *ProviderRepository) UpdateEnrichment(ctx context.Context, p *domain.Provider) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		UPDATE providers
		SET name = ?, taxonomy_desc = ?, org_type = ?, city = ?, state = ?,
		    postal_code = ?, auth_official_name = ?, auth_official_title = ?,
		    mailing_address = ?, last_updated = ?
		WHERE npi = ?`,
		p.Name, p.TaxonomyDesc, p.OrgType, p.City, p.State,
		p.PostalCode, p.AuthOfficialName, p.AuthOfficialTitle,
		p.MailingAddress, now, p.NPI,
	)
	if err != nil {
		return fmt.Errorf("updating provider %s: %w", p.NPI, err)
	}
	return nil
}

// MarkExcluded sets is_excluded for every registry row whose NPI appears
// in the exclusion list. Unknown NPIs are ignored.
func (r *ProviderRepository) MarkExcluded(ctx context.Context, npis []string) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning exclusion update: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "UPDATE providers SET is_excluded = 1 WHERE npi = ?")
	if err != nil {
		return 0, fmt.Errorf("preparing exclusion update: %w", err)
	}
	defer stmt.Close()

	var matched int64
	for _, npi := range npis {
		res, err := stmt.ExecContext(ctx, npi)
		if err != nil {
			return 0, fmt.Errorf("marking npi %s excluded: %w", npi, err)
		}
		n, _ := res.RowsAffected()
		matched += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing exclusion update: %w", err)
	}

	r.log.WithField("matched", matched).Info("Exclusion list applied to providers")
	return matched, nil
}

// NPIsNeedingEnrichment returns NPIs that have never been enriched.
func (r *ProviderRepository) NPIsNeedingEnrichment(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT npi FROM providers WHERE name IS NULL LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("querying unenriched providers: %w", err)
	}
	defer rows.Close()

	var npis []string
	for rows.Next() {
		var npi string
		if err := rows.Scan(&npi); err != nil {
			return nil, fmt.Errorf("scanning npi: %w", err)
		}
		npis = append(npis, npi)
	}
	return npis, rows.Err()
}

// GetByNPI retrieves one provider, or nil when unknown.
func (r *ProviderRepository) GetByNPI(ctx context.Context, npi string) (*domain.Provider, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT npi, name, taxonomy_desc, org_type, city, state, postal_code,
		       is_excluded, auth_official_name, auth_official_title, mailing_address
		FROM providers WHERE npi = ?`, npi)

	var p domain.Provider
	err := row.Scan(&p.NPI, &p.Name, &p.TaxonomyDesc, &p.OrgType, &p.City,
		&p.State, &p.PostalCode, &p.IsExcluded,
		&p.AuthOfficialName, &p.AuthOfficialTitle, &p.MailingAddress)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning provider %s: %w", npi, err)
	}
	return &p, nil
}

// Count returns the number of registry rows.
func (r *ProviderRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM providers").Scan(&n)
	return n, err
}

// FlaggedProviders returns providers holding at least one risk flag,
// ordered by flag count then total spend. Flags are aggregated here; the
// flag table itself is never pre-aggregated.
func (r *ProviderRepository) FlaggedProviders(ctx context.Context, limit int) ([]domain.FlaggedProvider, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT
			p.npi,
			p.name,
			p.taxonomy_desc,
			COUNT(f.flag_type) AS flag_count,
			COALESCE((SELECT SUM(total_paid) FROM medicaid_spend WHERE billing_npi = p.npi), 0) AS total_spend
		FROM providers p
		JOIN risk_flags f ON p.npi = f.npi
		GROUP BY p.npi, p.name, p.taxonomy_desc
		ORDER BY flag_count DESC, total_spend DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying flagged providers: %w", err)
	}
	defer rows.Close()

	var out []domain.FlaggedProvider
	for rows.Next() {
		var fp domain.FlaggedProvider
		if err := rows.Scan(&fp.NPI, &fp.Name, &fp.TaxonomyDesc, &fp.FlagCount, &fp.TotalSpend); err != nil {
			return nil, fmt.Errorf("scanning flagged provider: %w", err)
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}
