package domain

import (
	"time"
)

// FlagType identifies which anomaly screen produced a risk flag.
type FlagType string

const (
	FlagPriceZScoreOutlier    FlagType = "PRICE_Z_SCORE_OUTLIER"
	FlagExtremeConcentration  FlagType = "EXTREME_CONCENTRATION"
	FlagSuddenUtilization     FlagType = "SUDDEN_UTILIZATION"
	FlagVolumeOutlier         FlagType = "VOLUME_OUTLIER"
	FlagPercentilePersistence FlagType = "PERCENTILE_PERSISTENCE"
	FlagClaimMillRatio        FlagType = "CLAIM_MILL_RATIO"
	FlagMLIsolationForest     FlagType = "ML_ISOLATION_FOREST"
)

// SpendRecord is one row of the spend ledger: claim totals for a single
// billing provider, calendar month and procedure code. The triple
// (BillingNPI, Period, HCPCSCode) is unique; a row is not a single claim.
type SpendRecord struct {
	BillingNPI          string    `json:"billing_npi"`
	Period              time.Time `json:"period"` // first-of-month
	HCPCSCode           string    `json:"hcpcs_code"`
	TotalPaid           float64   `json:"total_paid"`
	TotalClaims         int64     `json:"total_claims"`
	UniqueBeneficiaries int64     `json:"unique_beneficiaries"`
}

// PricePerClaim returns TotalPaid/TotalClaims and whether the ratio is
// defined. Zero claims is an undefined price, never a fault.
func (r *SpendRecord) PricePerClaim() (float64, bool) {
	if r.TotalClaims == 0 {
		return 0, false
	}
	return r.TotalPaid / float64(r.TotalClaims), true
}

// Provider is one row of the provider registry. Rows are created lazily
// (NPI only) when first seen in the ledger and filled in by enrichment;
// they are never deleted.
type Provider struct {
	NPI               string     `json:"npi"`
	Name              *string    `json:"name,omitempty"`
	TaxonomyDesc      *string    `json:"taxonomy_desc,omitempty"`
	OrgType           *string    `json:"org_type,omitempty"`
	City              *string    `json:"city,omitempty"`
	State             *string    `json:"state,omitempty"`
	PostalCode        *string    `json:"postal_code,omitempty"`
	IsExcluded        bool       `json:"is_excluded"`
	AuthOfficialName  *string    `json:"auth_official_name,omitempty"`
	AuthOfficialTitle *string    `json:"auth_official_title,omitempty"`
	MailingAddress    *string    `json:"mailing_address,omitempty"`
	LastUpdated       *time.Time `json:"last_updated,omitempty"`
}

// Benchmark holds peer-group price and volume statistics for one
// (taxonomy, period, procedure code) group. StddevPricePerClaim is nil
// when fewer than two priced rows contributed.
type Benchmark struct {
	TaxonomyDesc        string    `json:"taxonomy_desc"`
	Period              time.Time `json:"period"`
	HCPCSCode           string    `json:"hcpcs_code"`
	AvgPricePerClaim    *float64  `json:"avg_price_per_claim"`
	StddevPricePerClaim *float64  `json:"stddev_price_per_claim"`
	TotalPeerClaims     int64     `json:"total_peer_claims"`
	PeerCount           int64     `json:"peer_count"`
}

// RiskFlag is one persisted piece of screening evidence. A provider may
// accumulate any number of flags, including several of the same type for
// different procedure codes; consumers aggregate, nothing dedupes.
type RiskFlag struct {
	ID        int64     `json:"id"`
	NPI       string    `json:"npi"`
	FlagType  FlagType  `json:"flag_type"`
	FlagScore float64   `json:"flag_score"`
	Reason    string    `json:"reason"`
	RunID     string    `json:"run_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// FlaggedProvider is the aggregated view reporting consumers read: one
// provider with its flag count and total ledger spend.
type FlaggedProvider struct {
	NPI          string  `json:"npi"`
	Name         *string `json:"name,omitempty"`
	TaxonomyDesc *string `json:"taxonomy_desc,omitempty"`
	FlagCount    int64   `json:"flag_count"`
	TotalSpend   float64 `json:"total_spend"`
}

// FeatureVector is the per-provider input to the anomaly model. Undefined
// values are zero-filled before modeling; sparse benchmark coverage pulls
// BenchmarkPriceRatio toward normal rather than excluding the provider.
type FeatureVector struct {
	NPI                  string
	TotalPaid            float64
	ActiveMonths         float64
	UniqueCodes          float64
	AvgPricePerClaim     float64
	BenchmarkPriceRatio  float64
	MonthlySpendStddev   float64
	ClaimsPerBeneficiary float64
}

// Values returns the numeric features in a fixed order for model fitting.
func (f *FeatureVector) Values() []float64 {
	return []float64{
		f.TotalPaid,
		f.ActiveMonths,
		f.UniqueCodes,
		f.AvgPricePerClaim,
		f.BenchmarkPriceRatio,
		f.MonthlySpendStddev,
		f.ClaimsPerBeneficiary,
	}
}

// RunSummary is the exported record of one completed screening run.
type RunSummary struct {
	RunID        string    `json:"run_id"`
	Started      time.Time `json:"started"`
	SpendRecords int64     `json:"spend_records"`
	Providers    int64     `json:"providers"`
	Benchmarks   int64     `json:"benchmarks"`
	TotalFlags   int64     `json:"total_flags"`
}

// SpendTrendPoint is one month of a provider's spend history.
type SpendTrendPoint struct {
	Period time.Time `json:"period"`
	Spend  float64   `json:"spend"`
}
