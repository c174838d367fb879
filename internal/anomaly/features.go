package anomaly

import (
	"context"
	"fmt"

	"github.com/medicaid-spend-watch/internal/domain"
	"github.com/medicaid-spend-watch/internal/repository"
)

// extractFeatures builds one FeatureVector per provider in the ledger.
// Every aggregate that can be undefined for a sparse provider (no priced
// claims, no benchmark coverage, single active month, unknown beneficiary
// counts) comes back NULL from SQL and is zero-filled here, so the model
// always sees a complete matrix.
const featureSQL = `
	WITH monthly AS (
		SELECT
			billing_npi,
			period,
			SUM(total_paid) AS month_paid,
			SUM(total_claims) * 1.0 / NULLIF(SUM(unique_beneficiaries), 0) AS month_density
		FROM medicaid_spend GROUP BY billing_npi, period
	), monthly_stats AS (
		SELECT
			billing_npi,
			CASE WHEN COUNT(*) >= 2 THEN
				sqrt(MAX(0.0,
					(SUM(month_paid * month_paid) - COUNT(*) * AVG(month_paid) * AVG(month_paid))
					/ (COUNT(*) - 1)))
			END AS spend_stddev,
			AVG(month_density) AS claims_per_bene
		FROM monthly GROUP BY billing_npi
	), ratios AS (
		SELECT
			s.billing_npi,
			AVG((s.total_paid * 1.0 / s.total_claims) / b.avg_price_per_claim) AS bench_ratio
		FROM medicaid_spend s
		JOIN providers p ON s.billing_npi = p.npi
		JOIN benchmarks b
			ON p.taxonomy_desc = b.taxonomy_desc
			AND s.period = b.period
			AND s.hcpcs_code = b.hcpcs_code
		WHERE s.total_claims > 0 AND b.avg_price_per_claim > 0
		GROUP BY s.billing_npi
	)
	SELECT
		s.billing_npi,
		SUM(s.total_paid),
		COUNT(DISTINCT s.period),
		COUNT(DISTINCT s.hcpcs_code),
		SUM(s.total_paid) * 1.0 / NULLIF(SUM(s.total_claims), 0),
		r.bench_ratio,
		ms.spend_stddev,
		ms.claims_per_bene
	FROM medicaid_spend s
	LEFT JOIN ratios r ON s.billing_npi = r.billing_npi
	LEFT JOIN monthly_stats ms ON s.billing_npi = ms.billing_npi
	GROUP BY s.billing_npi
	ORDER BY s.billing_npi`

func extractFeatures(ctx context.Context, q repository.Querier) ([]domain.FeatureVector, error) {
	rows, err := q.QueryContext(ctx, featureSQL)
	if err != nil {
		return nil, fmt.Errorf("querying provider features: %w", err)
	}
	defer rows.Close()

	var vectors []domain.FeatureVector
	for rows.Next() {
		var (
			v                            domain.FeatureVector
			avgPrice, ratio, stddev, cpb *float64
		)
		if err := rows.Scan(&v.NPI, &v.TotalPaid, &v.ActiveMonths, &v.UniqueCodes,
			&avgPrice, &ratio, &stddev, &cpb); err != nil {
			return nil, fmt.Errorf("scanning provider features: %w", err)
		}
		if avgPrice != nil {
			v.AvgPricePerClaim = *avgPrice
		}
		if ratio != nil {
			v.BenchmarkPriceRatio = *ratio
		}
		if stddev != nil {
			v.MonthlySpendStddev = *stddev
		}
		if cpb != nil {
			v.ClaimsPerBeneficiary = *cpb
		}
		vectors = append(vectors, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating provider features: %w", err)
	}
	return vectors, nil
}
