package screening

import (
	"context"
	"strings"

	"github.com/medicaid-spend-watch/internal/domain"
	"github.com/medicaid-spend-watch/internal/repository"
)

// The six screens below share the same shape: one INSERT ... SELECT with
// every threshold bound as a parameter. Undefined arithmetic (zero or NULL
// denominators, NULL peer stddev) is filtered by the WHERE clause so it
// yields an excluded row, never an error. All comparisons are strict (>)
// except the percentile rank, which flags at or above its threshold.

// screenPriceZScore flags provider×period×code rows whose price per claim
// sits more than ZScoreThreshold sample standard deviations above the peer
// mean. Peer groups smaller than MinPeerCount, rows below MinPriceSpend,
// and groups with an undefined or zero stddev are ignored.
func screenPriceZScore(ctx context.Context, q repository.Querier, cfg *domain.ScreeningConfig, runID string) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO risk_flags (npi, flag_type, flag_score, reason, run_id)
		SELECT
			s.billing_npi,
			'PRICE_Z_SCORE_OUTLIER',
			((s.total_paid * 1.0 / s.total_claims) - b.avg_price_per_claim) / b.stddev_price_per_claim,
			'Price ' || ROUND(s.total_paid * 1.0 / s.total_claims, 2) || ' per claim is '
				|| ROUND(((s.total_paid * 1.0 / s.total_claims) - b.avg_price_per_claim) / b.stddev_price_per_claim, 1)
				|| ' std devs above peer mean ' || ROUND(b.avg_price_per_claim, 2)
				|| ' for code ' || s.hcpcs_code,
			?
		FROM medicaid_spend s
		JOIN providers p ON s.billing_npi = p.npi
		JOIN benchmarks b
			ON p.taxonomy_desc = b.taxonomy_desc
			AND s.period = b.period
			AND s.hcpcs_code = b.hcpcs_code
		WHERE s.total_claims > 0
		  AND b.stddev_price_per_claim IS NOT NULL
		  AND b.stddev_price_per_claim > 0
		  AND b.peer_count >= ?
		  AND s.total_paid > ?
		  AND ((s.total_paid * 1.0 / s.total_claims) - b.avg_price_per_claim) / b.stddev_price_per_claim > ?`,
		runID, cfg.MinPeerCount, cfg.MinPriceSpend, cfg.ZScoreThreshold)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// screenConcentration flags providers deriving more than
// ConcentrationThreshold of their total revenue from a single procedure
// code, one flag per offending code. Naturally-concentrated specialties
// and transport-named providers are skipped via the configured term lists.
func screenConcentration(ctx context.Context, q repository.Querier, cfg *domain.ScreeningConfig, runID string) (int64, error) {
	query := `
		INSERT INTO risk_flags (npi, flag_type, flag_score, reason, run_id)
		WITH provider_totals AS (
			SELECT billing_npi, SUM(total_paid) AS sum_paid
			FROM medicaid_spend GROUP BY billing_npi
		), code_totals AS (
			SELECT billing_npi, hcpcs_code, SUM(total_paid) AS code_paid
			FROM medicaid_spend GROUP BY billing_npi, hcpcs_code
		)
		SELECT
			c.billing_npi,
			'EXTREME_CONCENTRATION',
			c.code_paid / pt.sum_paid,
			'Derives ' || ROUND(c.code_paid / pt.sum_paid * 100, 1)
				|| '% of total Medicaid revenue from code ' || c.hcpcs_code,
			?
		FROM code_totals c
		JOIN provider_totals pt ON c.billing_npi = pt.billing_npi
		JOIN providers p ON c.billing_npi = p.npi
		WHERE pt.sum_paid > ?
		  AND c.code_paid / pt.sum_paid > ?`

	args := []any{runID, cfg.MinConcentrationSpend, cfg.ConcentrationThreshold}
	for _, term := range cfg.ConcentrationAllowlist {
		query += `
		  AND instr(lower(COALESCE(p.taxonomy_desc, '')), ?) = 0`
		args = append(args, strings.ToLower(term))
	}
	for _, term := range cfg.TransportNameTerms {
		query += `
		  AND instr(lower(COALESCE(p.name, '')), ?) = 0`
		args = append(args, strings.ToLower(term))
	}

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// screenSuddenUtilization flags providers whose earliest recorded month is
// after the cutoff date and already exceeds the utilization limit.
// Legitimate practices build volume gradually; a shell entity appears at
// scale. Boolean-strength flag: score carries no magnitude.
func screenSuddenUtilization(ctx context.Context, q repository.Querier, cfg *domain.ScreeningConfig, runID string) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO risk_flags (npi, flag_type, flag_score, reason, run_id)
		WITH firsts AS (
			SELECT billing_npi, MIN(period) AS first_period
			FROM medicaid_spend GROUP BY billing_npi
		), first_spend AS (
			SELECT f.billing_npi, f.first_period, SUM(s.total_paid) AS spend
			FROM firsts f
			JOIN medicaid_spend s
				ON s.billing_npi = f.billing_npi AND s.period = f.first_period
			GROUP BY f.billing_npi, f.first_period
		)
		SELECT
			billing_npi,
			'SUDDEN_UTILIZATION',
			1.0,
			'First billed month ' || first_period || ' already totals '
				|| ROUND(spend, 2) || ' in paid claims',
			?
		FROM first_spend
		WHERE first_period > ?
		  AND spend > ?`,
		runID, cfg.SuddenCutoffDate, cfg.SuddenUtilizationLimit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// screenVolumeOutlier flags provider×period×code rows whose claim count
// exceeds VolumeMultiplier times the peer-group mean claims. Volume
// comparison needs a larger reference set than price comparison, hence the
// separate (stricter) VolumeMinPeerCount.
func screenVolumeOutlier(ctx context.Context, q repository.Querier, cfg *domain.ScreeningConfig, runID string) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO risk_flags (npi, flag_type, flag_score, reason, run_id)
		SELECT
			s.billing_npi,
			'VOLUME_OUTLIER',
			s.total_claims * b.peer_count * 1.0 / b.total_peer_claims,
			'Billed ' || s.total_claims || ' claims for code ' || s.hcpcs_code
				|| ' in ' || s.period || ', '
				|| ROUND(s.total_claims * b.peer_count * 1.0 / b.total_peer_claims, 1)
				|| 'x the peer average',
			?
		FROM medicaid_spend s
		JOIN providers p ON s.billing_npi = p.npi
		JOIN benchmarks b
			ON p.taxonomy_desc = b.taxonomy_desc
			AND s.period = b.period
			AND s.hcpcs_code = b.hcpcs_code
		WHERE b.peer_count >= ?
		  AND b.total_peer_claims > 0
		  AND s.total_claims > ?
		  AND s.total_claims * b.peer_count * 1.0 / b.total_peer_claims > ?`,
		runID, cfg.VolumeMinPeerCount, cfg.MinVolumeClaims, cfg.VolumeMultiplier)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// screenPercentile flags rows ranking at or above PercentileThreshold by
// total_paid within their (taxonomy, period, code) peer group. Rows at or
// below the spend floor are dropped before ranking so low-dollar noise in
// thin peer groups cannot skew the percentile math.
func screenPercentile(ctx context.Context, q repository.Querier, cfg *domain.ScreeningConfig, runID string) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO risk_flags (npi, flag_type, flag_score, reason, run_id)
		WITH ranked AS (
			SELECT
				s.billing_npi,
				s.period,
				s.hcpcs_code,
				s.total_paid,
				PERCENT_RANK() OVER (
					PARTITION BY p.taxonomy_desc, s.period, s.hcpcs_code
					ORDER BY s.total_paid
				) AS pr
			FROM medicaid_spend s
			JOIN providers p ON s.billing_npi = p.npi
			WHERE p.taxonomy_desc IS NOT NULL
			  AND s.total_paid > ?
		)
		SELECT
			billing_npi,
			'PERCENTILE_PERSISTENCE',
			pr,
			'Spend ' || ROUND(total_paid, 2) || ' for code ' || hcpcs_code
				|| ' in ' || period || ' ranks at the '
				|| ROUND(pr * 100, 1) || 'th percentile of peers',
			?
		FROM ranked
		WHERE pr >= ?`,
		cfg.PercentileMinSpend, runID, cfg.PercentileThreshold)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// screenClaimMill flags rows billing more than ClaimMillRatio claims per
// distinct patient. Rows with zero or unknown beneficiary counts have an
// undefined density and are excluded, not flagged.
func screenClaimMill(ctx context.Context, q repository.Querier, cfg *domain.ScreeningConfig, runID string) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO risk_flags (npi, flag_type, flag_score, reason, run_id)
		SELECT
			billing_npi,
			'CLAIM_MILL_RATIO',
			total_claims * 1.0 / unique_beneficiaries,
			'Billed ' || total_claims || ' claims against ' || unique_beneficiaries
				|| ' unique patients ('
				|| ROUND(total_claims * 1.0 / unique_beneficiaries, 1)
				|| ' claims/patient) for code ' || hcpcs_code || ' in ' || period,
			?
		FROM medicaid_spend
		WHERE unique_beneficiaries > 0
		  AND total_paid > ?
		  AND total_claims * 1.0 / unique_beneficiaries > ?`,
		runID, cfg.ClaimMillMinSpend, cfg.ClaimMillRatio)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
