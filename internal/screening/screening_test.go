package screening

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medicaid-spend-watch/internal/database"
	"github.com/medicaid-spend-watch/internal/domain"
	"github.com/medicaid-spend-watch/internal/repository"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func newTestStore(t *testing.T) *database.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "watch.db")
	logger := testLogger()

	mr, err := database.NewMigrationRunner(dbPath, "../../migrations", logger)
	require.NoError(t, err)
	require.NoError(t, mr.Up())
	require.NoError(t, mr.Close())

	db, err := database.Open(dbPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedProvider(t *testing.T, db *database.DB, npi, name, taxonomy string, excluded bool) {
	t.Helper()
	_, err := db.SQL.Exec(`
		INSERT INTO providers (npi, name, taxonomy_desc, is_excluded)
		VALUES (?, NULLIF(?, ''), NULLIF(?, ''), ?)`,
		npi, name, taxonomy, excluded)
	require.NoError(t, err)
}

func seedSpend(t *testing.T, db *database.DB, npi, period, code string, paid float64, claims, benes int64) {
	t.Helper()
	_, err := db.SQL.Exec(`
		INSERT INTO medicaid_spend (billing_npi, period, hcpcs_code, total_paid, total_claims, unique_beneficiaries)
		VALUES (?, ?, ?, ?, ?, ?)`,
		npi, period, code, paid, claims, benes)
	require.NoError(t, err)
}

// testScreeningConfig uses thresholds scaled for small fixtures. Every
// screen reads its threshold from here, never from package state.
func testScreeningConfig() *domain.ScreeningConfig {
	return &domain.ScreeningConfig{
		ZScoreThreshold:        2.0,
		MinPriceSpend:          100,
		MinPeerCount:           3,
		ConcentrationThreshold: 0.95,
		MinConcentrationSpend:  1000,
		ConcentrationAllowlist: []string{"ambulance", "laboratory"},
		TransportNameTerms:     []string{"transport", "transit"},
		SuddenUtilizationLimit: 1_000_000,
		SuddenCutoffDate:       "2022-01-01",
		VolumeMultiplier:       5,
		MinVolumeClaims:        100,
		VolumeMinPeerCount:     5,
		PercentileThreshold:    0.99,
		PercentileMinSpend:     50,
		ClaimMillRatio:         20,
		ClaimMillMinSpend:      1000,
	}
}

func runScreen(t *testing.T, db *database.DB, run func(context.Context, repository.Querier, *domain.ScreeningConfig, string) (int64, error), cfg *domain.ScreeningConfig) int64 {
	t.Helper()
	n, err := run(context.Background(), db.SQL, cfg, "test-run")
	require.NoError(t, err)
	return n
}

func flagsOfType(t *testing.T, db *database.DB, ft domain.FlagType) map[string]float64 {
	t.Helper()
	rows, err := db.SQL.Query(`SELECT npi, flag_score FROM risk_flags WHERE flag_type = ?`, string(ft))
	require.NoError(t, err)
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var npi string
		var score float64
		require.NoError(t, rows.Scan(&npi, &score))
		out[npi] = score
	}
	require.NoError(t, rows.Err())
	return out
}

func TestBenchmarkBuilder_Rebuild(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	seedProvider(t, db, "1000000001", "Clinic A", "Family Medicine", false)
	seedProvider(t, db, "1000000002", "Clinic B", "Family Medicine", false)
	seedProvider(t, db, "1000000003", "Clinic C", "Family Medicine", false)
	seedSpend(t, db, "1000000001", "2023-01-01", "99213", 1000, 10, 8) // price 100
	seedSpend(t, db, "1000000002", "2023-01-01", "99213", 2200, 20, 15) // price 110
	seedSpend(t, db, "1000000003", "2023-01-01", "99213", 3600, 30, 22) // price 120

	builder := NewBenchmarkBuilder(db.SQL, testLogger())
	n, err := builder.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var avg, stddev float64
	var peerClaims, peerCount int64
	err = db.SQL.QueryRow(`
		SELECT avg_price_per_claim, stddev_price_per_claim, total_peer_claims, peer_count
		FROM benchmarks
		WHERE taxonomy_desc = 'Family Medicine' AND period = '2023-01-01' AND hcpcs_code = '99213'`).
		Scan(&avg, &stddev, &peerClaims, &peerCount)
	require.NoError(t, err)

	assert.InDelta(t, 110.0, avg, 1e-9)
	assert.InDelta(t, 10.0, stddev, 1e-9) // sample stddev of {100, 110, 120}
	assert.Equal(t, int64(60), peerClaims)
	assert.Equal(t, int64(3), peerCount)
}

func TestBenchmarkBuilder_RebuildIsIdempotent(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	seedProvider(t, db, "1000000001", "Clinic A", "Family Medicine", false)
	seedProvider(t, db, "1000000002", "Clinic B", "Family Medicine", false)
	seedSpend(t, db, "1000000001", "2023-01-01", "99213", 1000, 10, 8)
	seedSpend(t, db, "1000000002", "2023-01-01", "99213", 2200, 20, 15)

	builder := NewBenchmarkBuilder(db.SQL, testLogger())
	first, err := builder.Rebuild(ctx)
	require.NoError(t, err)
	second, err := builder.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var total int64
	require.NoError(t, db.SQL.QueryRow(`SELECT COUNT(*) FROM benchmarks`).Scan(&total))
	assert.Equal(t, first, total)
}

func TestBenchmarkBuilder_SkipsUnenrichedAndExcluded(t *testing.T) {
	db := newTestStore(t)

	seedProvider(t, db, "1000000001", "Clinic A", "", false) // no taxonomy yet
	seedProvider(t, db, "1000000002", "Clinic B", "Family Medicine", true) // OIG excluded
	seedSpend(t, db, "1000000001", "2023-01-01", "99213", 1000, 10, 8)
	seedSpend(t, db, "1000000002", "2023-01-01", "99213", 2200, 20, 15)

	builder := NewBenchmarkBuilder(db.SQL, testLogger())
	n, err := builder.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBenchmarkBuilder_StddevNullForSingleRow(t *testing.T) {
	db := newTestStore(t)

	seedProvider(t, db, "1000000001", "Clinic A", "Family Medicine", false)
	seedSpend(t, db, "1000000001", "2023-01-01", "99213", 1000, 10, 8)

	builder := NewBenchmarkBuilder(db.SQL, testLogger())
	_, err := builder.Rebuild(context.Background())
	require.NoError(t, err)

	var stddev sql.NullFloat64
	require.NoError(t, db.SQL.QueryRow(
		`SELECT stddev_price_per_claim FROM benchmarks`).Scan(&stddev))
	assert.False(t, stddev.Valid)
}

func TestScreenPriceZScore_FlagsOutlier(t *testing.T) {
	db := newTestStore(t)
	cfg := testScreeningConfig()

	// ten peers priced near 10, one priced at 1000
	for i := 0; i < 10; i++ {
		npi := fmt.Sprintf("10000000%02d", i)
		seedProvider(t, db, npi, "Peer", "Family Medicine", false)
		seedSpend(t, db, npi, "2023-01-01", "99213", float64(100+i), 10, 8)
	}
	seedProvider(t, db, "1999999999", "Outlier Clinic", "Family Medicine", false)
	seedSpend(t, db, "1999999999", "2023-01-01", "99213", 10000, 10, 8)

	builder := NewBenchmarkBuilder(db.SQL, testLogger())
	_, err := builder.Rebuild(context.Background())
	require.NoError(t, err)

	n := runScreen(t, db, screenPriceZScore, cfg)
	assert.Equal(t, int64(1), n)

	flags := flagsOfType(t, db, domain.FlagPriceZScoreOutlier)
	require.Contains(t, flags, "1999999999")
	assert.Greater(t, flags["1999999999"], cfg.ZScoreThreshold)
}

func TestScreenPriceZScore_ScoreIsExactZ(t *testing.T) {
	db := newTestStore(t)
	cfg := testScreeningConfig()

	seedProvider(t, db, "1000000001", "Outlier Clinic", "Family Medicine", false)
	seedSpend(t, db, "1000000001", "2023-01-01", "99213", 100_000, 10, 8) // price 10000

	// pin the peer stats so the score is checkable by hand
	_, err := db.SQL.Exec(`
		INSERT INTO benchmarks (taxonomy_desc, period, hcpcs_code, avg_price_per_claim, stddev_price_per_claim, total_peer_claims, peer_count)
		VALUES ('Family Medicine', '2023-01-01', '99213', 1000, 100, 50, 5)`)
	require.NoError(t, err)

	n := runScreen(t, db, screenPriceZScore, cfg)
	assert.Equal(t, int64(1), n)

	// (10000 - 1000) / 100
	flags := flagsOfType(t, db, domain.FlagPriceZScoreOutlier)
	require.Contains(t, flags, "1000000001")
	assert.InDelta(t, 90.0, flags["1000000001"], 1e-9)
}

func TestScreenPriceZScore_SkipsThinPeerGroups(t *testing.T) {
	db := newTestStore(t)
	cfg := testScreeningConfig()

	// only two providers in the group, below MinPeerCount
	seedProvider(t, db, "1000000001", "Clinic A", "Family Medicine", false)
	seedProvider(t, db, "1000000002", "Clinic B", "Family Medicine", false)
	seedSpend(t, db, "1000000001", "2023-01-01", "99213", 100, 10, 8)
	seedSpend(t, db, "1000000002", "2023-01-01", "99213", 100000, 10, 8)

	builder := NewBenchmarkBuilder(db.SQL, testLogger())
	_, err := builder.Rebuild(context.Background())
	require.NoError(t, err)

	n := runScreen(t, db, screenPriceZScore, cfg)
	assert.Zero(t, n)
}

func TestScreenConcentration(t *testing.T) {
	db := newTestStore(t)
	cfg := testScreeningConfig()

	// 96% of revenue from one code: flagged
	seedProvider(t, db, "1000000001", "Focused Clinic", "Family Medicine", false)
	seedSpend(t, db, "1000000001", "2023-01-01", "A0001", 9600, 10, 8)
	seedSpend(t, db, "1000000001", "2023-01-01", "B0002", 400, 10, 8)

	// exactly at the threshold: not flagged, comparison is strict
	seedProvider(t, db, "1000000002", "Boundary Clinic", "Family Medicine", false)
	seedSpend(t, db, "1000000002", "2023-01-01", "A0001", 9500, 10, 8)
	seedSpend(t, db, "1000000002", "2023-01-01", "B0002", 500, 10, 8)

	// same shape but an allowlisted single-service specialty
	seedProvider(t, db, "1000000003", "County EMS", "Ambulance Services", false)
	seedSpend(t, db, "1000000003", "2023-01-01", "A0001", 9600, 10, 8)
	seedSpend(t, db, "1000000003", "2023-01-01", "B0002", 400, 10, 8)

	// same shape but a transport-named provider
	seedProvider(t, db, "1000000004", "Reliable Transport LLC", "Family Medicine", false)
	seedSpend(t, db, "1000000004", "2023-01-01", "A0001", 9600, 10, 8)
	seedSpend(t, db, "1000000004", "2023-01-01", "B0002", 400, 10, 8)

	// concentrated but under the spend floor
	seedProvider(t, db, "1000000005", "Tiny Clinic", "Family Medicine", false)
	seedSpend(t, db, "1000000005", "2023-01-01", "A0001", 960, 10, 8)
	seedSpend(t, db, "1000000005", "2023-01-01", "B0002", 40, 10, 8)

	n := runScreen(t, db, screenConcentration, cfg)
	assert.Equal(t, int64(1), n)

	flags := flagsOfType(t, db, domain.FlagExtremeConcentration)
	require.Contains(t, flags, "1000000001")
	assert.InDelta(t, 0.96, flags["1000000001"], 1e-9)
}

func TestScreenConcentration_SharesSumToOne(t *testing.T) {
	db := newTestStore(t)
	cfg := testScreeningConfig()
	cfg.ConcentrationThreshold = 0.10 // every code clears the bar

	seedProvider(t, db, "1000000001", "Mixed Clinic", "Family Medicine", false)
	seedSpend(t, db, "1000000001", "2023-01-01", "A0001", 6000, 10, 8)
	seedSpend(t, db, "1000000001", "2023-01-01", "B0002", 2500, 10, 8)
	seedSpend(t, db, "1000000001", "2023-01-01", "C0003", 1500, 10, 8)

	n := runScreen(t, db, screenConcentration, cfg)
	assert.Equal(t, int64(3), n)

	var sum float64
	require.NoError(t, db.SQL.QueryRow(`
		SELECT SUM(flag_score) FROM risk_flags
		WHERE npi = '1000000001' AND flag_type = 'EXTREME_CONCENTRATION'`).Scan(&sum))
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestScreenSuddenUtilization(t *testing.T) {
	db := newTestStore(t)
	cfg := testScreeningConfig()

	// first month after the cutoff and above the limit: flagged
	seedProvider(t, db, "1000000001", "Pop-Up LLC", "Family Medicine", false)
	seedSpend(t, db, "1000000001", "2023-03-01", "99213", 1_500_000, 100, 50)

	// just under the limit: not flagged
	seedProvider(t, db, "1000000002", "Almost LLC", "Family Medicine", false)
	seedSpend(t, db, "1000000002", "2023-03-01", "99213", 999_999, 100, 50)

	// over the limit but established before the cutoff: not flagged
	seedProvider(t, db, "1000000003", "Old Clinic", "Family Medicine", false)
	seedSpend(t, db, "1000000003", "2021-05-01", "99213", 1_500_000, 100, 50)
	seedSpend(t, db, "1000000003", "2023-03-01", "99213", 1_500_000, 100, 50)

	n := runScreen(t, db, screenSuddenUtilization, cfg)
	assert.Equal(t, int64(1), n)

	flags := flagsOfType(t, db, domain.FlagSuddenUtilization)
	require.Contains(t, flags, "1000000001")
	assert.Equal(t, 1.0, flags["1000000001"])
}

func TestScreenVolumeOutlier(t *testing.T) {
	db := newTestStore(t)
	cfg := testScreeningConfig()

	// five peers at 10 claims each, one provider at 500
	for i := 0; i < 5; i++ {
		npi := fmt.Sprintf("10000000%02d", i)
		seedProvider(t, db, npi, "Peer", "Family Medicine", false)
		seedSpend(t, db, npi, "2023-01-01", "99213", 100, 10, 8)
	}
	seedProvider(t, db, "1999999999", "Volume Clinic", "Family Medicine", false)
	seedSpend(t, db, "1999999999", "2023-01-01", "99213", 5000, 500, 100)

	builder := NewBenchmarkBuilder(db.SQL, testLogger())
	_, err := builder.Rebuild(context.Background())
	require.NoError(t, err)

	n := runScreen(t, db, screenVolumeOutlier, cfg)
	assert.Equal(t, int64(1), n)

	// ratio = 500 claims * 6 peers / 550 peer claims
	flags := flagsOfType(t, db, domain.FlagVolumeOutlier)
	require.Contains(t, flags, "1999999999")
	assert.InDelta(t, 500.0*6/550, flags["1999999999"], 1e-9)
}

func TestScreenVolumeOutlier_ScoreGrowsWithClaims(t *testing.T) {
	cfg := testScreeningConfig()

	scoreAt := func(claims int64) float64 {
		db := newTestStore(t)
		for i := 0; i < 5; i++ {
			npi := fmt.Sprintf("10000000%02d", i)
			seedProvider(t, db, npi, "Peer", "Family Medicine", false)
			seedSpend(t, db, npi, "2023-01-01", "99213", 100, 10, 8)
		}
		seedProvider(t, db, "1999999999", "Volume Clinic", "Family Medicine", false)
		seedSpend(t, db, "1999999999", "2023-01-01", "99213", 5000, claims, 100)

		builder := NewBenchmarkBuilder(db.SQL, testLogger())
		_, err := builder.Rebuild(context.Background())
		require.NoError(t, err)

		n := runScreen(t, db, screenVolumeOutlier, cfg)
		require.Equal(t, int64(1), n)
		return flagsOfType(t, db, domain.FlagVolumeOutlier)["1999999999"]
	}

	// doubling the claim count raises the ratio even though the doubled
	// claims also inflate the peer total
	assert.Greater(t, scoreAt(1000), scoreAt(500))
}

func TestScreenPercentile(t *testing.T) {
	db := newTestStore(t)
	cfg := testScreeningConfig()

	spends := []float64{100, 200, 300, 400, 500}
	for i, paid := range spends {
		npi := fmt.Sprintf("10000000%02d", i)
		seedProvider(t, db, npi, "Peer", "Family Medicine", false)
		seedSpend(t, db, npi, "2023-01-01", "99213", paid, 10, 8)
	}
	// below the spend floor; must not enter the ranking
	seedProvider(t, db, "1000000099", "Tiny", "Family Medicine", false)
	seedSpend(t, db, "1000000099", "2023-01-01", "99213", 10, 1, 1)

	n := runScreen(t, db, screenPercentile, cfg)
	assert.Equal(t, int64(1), n)

	flags := flagsOfType(t, db, domain.FlagPercentilePersistence)
	require.Contains(t, flags, "1000000004") // the 500-spend row ranks highest
	assert.Equal(t, 1.0, flags["1000000004"])
}

func TestScreenClaimMill(t *testing.T) {
	db := newTestStore(t)
	cfg := testScreeningConfig()

	// exactly 20 claims per patient: not flagged, comparison is strict
	seedProvider(t, db, "1000000001", "Boundary Clinic", "Family Medicine", false)
	seedSpend(t, db, "1000000001", "2023-01-01", "99213", 4000, 400, 20)

	// 250 claims per patient: flagged
	seedProvider(t, db, "1000000002", "Mill Clinic", "Family Medicine", false)
	seedSpend(t, db, "1000000002", "2023-01-01", "99213", 50000, 5000, 20)

	// suppressed beneficiary count: excluded, never flagged
	seedProvider(t, db, "1000000003", "Opaque Clinic", "Family Medicine", false)
	seedSpend(t, db, "1000000003", "2023-01-01", "99213", 50000, 5000, 0)

	n := runScreen(t, db, screenClaimMill, cfg)
	assert.Equal(t, int64(1), n)

	flags := flagsOfType(t, db, domain.FlagClaimMillRatio)
	require.Contains(t, flags, "1000000002")
	assert.InDelta(t, 250.0, flags["1000000002"], 1e-9)
}

func TestEngine_RunAll(t *testing.T) {
	db := newTestStore(t)
	cfg := testScreeningConfig()

	seedProvider(t, db, "1000000001", "Mill Clinic", "Family Medicine", false)
	seedSpend(t, db, "1000000001", "2023-01-01", "99213", 50000, 5000, 20)

	// a single-code mill trips both the concentration and claim-mill screens
	engine := NewEngine(cfg, testLogger())
	total, err := engine.RunAll(context.Background(), db.SQL, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	assert.Len(t, flagsOfType(t, db, domain.FlagExtremeConcentration), 1)
	assert.Len(t, flagsOfType(t, db, domain.FlagClaimMillRatio), 1)

	var runID string
	require.NoError(t, db.SQL.QueryRow(`SELECT DISTINCT run_id FROM risk_flags`).Scan(&runID))
	assert.Equal(t, "run-1", runID)
}

func TestEngine_RunAllInsideTransaction(t *testing.T) {
	db := newTestStore(t)
	cfg := testScreeningConfig()

	seedProvider(t, db, "1000000001", "Mill Clinic", "Family Medicine", false)
	seedSpend(t, db, "1000000001", "2023-01-01", "99213", 50000, 5000, 20)

	tx, err := db.SQL.Begin()
	require.NoError(t, err)

	engine := NewEngine(cfg, testLogger())
	total, err := engine.RunAll(context.Background(), tx, "run-tx")
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.NoError(t, tx.Rollback())

	// rolled back: nothing persisted
	var count int64
	require.NoError(t, db.SQL.QueryRow(`SELECT COUNT(*) FROM risk_flags`).Scan(&count))
	assert.Zero(t, count)
}
