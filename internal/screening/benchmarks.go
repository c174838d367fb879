// Package screening implements the risk-screening core: peer-group
// benchmark computation, the six rule screens, and the run engine that
// executes them inside a single transaction against the embedded store.
package screening

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

// BenchmarkBuilder rebuilds the peer-group benchmark table from the spend
// ledger joined with the provider registry.
type BenchmarkBuilder struct {
	db  *sql.DB
	log *logrus.Logger
}

// NewBenchmarkBuilder creates a new benchmark builder
func NewBenchmarkBuilder(db *sql.DB, logger *logrus.Logger) *BenchmarkBuilder {
	return &BenchmarkBuilder{db: db, log: logger}
}

// rebuildSQL aggregates price-per-claim statistics per
// (taxonomy, period, hcpcs) peer group. Rows with zero claims have an
// undefined price: they are excluded from the mean and stddev but still
// contribute their claims to total_peer_claims. The stddev is the sample
// standard deviation and is NULL with fewer than two priced rows. Groups
// of un-enriched (NULL taxonomy) or excluded providers never form a peer
// group.
const rebuildSQL = `
	INSERT INTO benchmarks
		(taxonomy_desc, period, hcpcs_code, avg_price_per_claim,
		 stddev_price_per_claim, total_peer_claims, peer_count)
	WITH priced AS (
		SELECT
			p.taxonomy_desc,
			s.period,
			s.hcpcs_code,
			s.billing_npi,
			s.total_claims,
			CASE WHEN s.total_claims > 0
			     THEN s.total_paid * 1.0 / s.total_claims
			END AS price
		FROM medicaid_spend s
		JOIN providers p ON s.billing_npi = p.npi
		WHERE p.taxonomy_desc IS NOT NULL
		  AND p.is_excluded = 0
	)
	SELECT
		taxonomy_desc,
		period,
		hcpcs_code,
		AVG(price),
		CASE WHEN COUNT(price) >= 2 THEN
			sqrt(MAX(0.0,
				(SUM(price * price) - COUNT(price) * AVG(price) * AVG(price))
					/ (COUNT(price) - 1)))
		END,
		SUM(total_claims),
		COUNT(DISTINCT billing_npi)
	FROM priced
	GROUP BY taxonomy_desc, period, hcpcs_code`

// Rebuild recomputes the benchmark table from scratch. The delete and the
// aggregation insert share one transaction, so readers never observe a
// half-built table and the operation is idempotent: re-running on
// unchanged inputs produces an identical table.
func (b *BenchmarkBuilder) Rebuild(ctx context.Context) (int64, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning benchmark rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM benchmarks"); err != nil {
		return 0, fmt.Errorf("clearing benchmarks: %w", err)
	}

	res, err := tx.ExecContext(ctx, rebuildSQL)
	if err != nil {
		return 0, fmt.Errorf("rebuilding benchmarks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing benchmark rebuild: %w", err)
	}

	rows, _ := res.RowsAffected()
	b.log.WithField("peer_groups", rows).Info("Benchmark table rebuilt")
	return rows, nil
}
