package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/medicaid-spend-watch/internal/domain"
)

// BenchmarkRepository reads the peer-group benchmark table. The table is
// rebuilt wholesale by the screening package; nothing mutates it row-wise.
type BenchmarkRepository struct {
	db  *sql.DB
	log *logrus.Logger
}

// NewBenchmarkRepository creates a new benchmark repository
func NewBenchmarkRepository(db *sql.DB, logger *logrus.Logger) *BenchmarkRepository {
	return &BenchmarkRepository{db: db, log: logger}
}

// Get retrieves the benchmark for one peer-group key, or nil when the
// group does not exist.
func (r *BenchmarkRepository) Get(ctx context.Context, taxonomy, period, hcpcs string) (*domain.Benchmark, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT taxonomy_desc, period, hcpcs_code, avg_price_per_claim,
		       stddev_price_per_claim, total_peer_claims, peer_count
		FROM benchmarks
		WHERE taxonomy_desc = ? AND period = ? AND hcpcs_code = ?`,
		taxonomy, period, hcpcs)

	var b domain.Benchmark
	var periodStr string
	err := row.Scan(&b.TaxonomyDesc, &periodStr, &b.HCPCSCode,
		&b.AvgPricePerClaim, &b.StddevPricePerClaim,
		&b.TotalPeerClaims, &b.PeerCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning benchmark: %w", err)
	}
	t, err := parsePeriod(periodStr)
	if err != nil {
		return nil, err
	}
	b.Period = t
	return &b, nil
}

// List returns benchmarks filtered by an optional procedure code, ordered
// by peer-group key. A zero limit means no cap.
func (r *BenchmarkRepository) List(ctx context.Context, hcpcs string, limit int) ([]domain.Benchmark, error) {
	query := `
		SELECT taxonomy_desc, period, hcpcs_code, avg_price_per_claim,
		       stddev_price_per_claim, total_peer_claims, peer_count
		FROM benchmarks`
	var args []any
	if hcpcs != "" {
		query += " WHERE hcpcs_code = ?"
		args = append(args, hcpcs)
	}
	query += " ORDER BY taxonomy_desc, period, hcpcs_code"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying benchmarks: %w", err)
	}
	defer rows.Close()

	var out []domain.Benchmark
	for rows.Next() {
		var b domain.Benchmark
		var periodStr string
		if err := rows.Scan(&b.TaxonomyDesc, &periodStr, &b.HCPCSCode,
			&b.AvgPricePerClaim, &b.StddevPricePerClaim,
			&b.TotalPeerClaims, &b.PeerCount); err != nil {
			return nil, fmt.Errorf("scanning benchmark: %w", err)
		}
		t, err := parsePeriod(periodStr)
		if err != nil {
			return nil, err
		}
		b.Period = t
		out = append(out, b)
	}
	return out, rows.Err()
}

// Count returns the number of benchmark rows.
func (r *BenchmarkRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM benchmarks").Scan(&n)
	return n, err
}
