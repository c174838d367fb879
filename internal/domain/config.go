package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scope     ScopeConfig     `mapstructure:"scope"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Screening ScreeningConfig `mapstructure:"screening"`
	Anomaly   AnomalyConfig   `mapstructure:"anomaly"`
	Export    ExportConfig    `mapstructure:"export"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig locates the embedded store and its migrations.
type DatabaseConfig struct {
	Path           string `mapstructure:"path"`
	MigrationsPath string `mapstructure:"migrations_path"`
}

// ScopeConfig pins the analysis to one county's provider population.
type ScopeConfig struct {
	County string `mapstructure:"county"`
	State  string `mapstructure:"state"`
}

// IngestConfig configures the external data collaborators.
type IngestConfig struct {
	SpendCSVPath     string        `mapstructure:"spend_csv_path"`
	NPIScopePath     string        `mapstructure:"npi_scope_path"`
	LEIEURL          string        `mapstructure:"leie_url"`
	RegistryBaseURL  string        `mapstructure:"registry_base_url"`
	RegistryTimeout  time.Duration `mapstructure:"registry_timeout"`
	RegistryRPS      int           `mapstructure:"registry_rps"`
	EnrichBatchSize  int           `mapstructure:"enrich_batch_size"`
	CacheSize        int           `mapstructure:"cache_size"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
}

// ScreeningConfig carries every rule-screen threshold. All values are
// injected into the screens; nothing in the screening package reads
// ambient state. Comparisons against these are strict (>) except the
// percentile rank, which flags at or above PercentileThreshold.
type ScreeningConfig struct {
	ZScoreThreshold        float64 `mapstructure:"z_score_threshold"`
	MinPriceSpend          float64 `mapstructure:"min_price_spend"`
	MinPeerCount           int64   `mapstructure:"min_peer_count"`
	ConcentrationThreshold float64 `mapstructure:"concentration_threshold"`
	MinConcentrationSpend  float64 `mapstructure:"min_concentration_spend"`
	// Single-service specialties legitimately derive ~100% of revenue from
	// one code; matching taxonomy substrings are skipped by the
	// concentration screen, as are providers with transport-like names.
	ConcentrationAllowlist []string `mapstructure:"concentration_allowlist"`
	TransportNameTerms     []string `mapstructure:"transport_name_terms"`
	SuddenUtilizationLimit float64  `mapstructure:"sudden_utilization_limit"`
	SuddenCutoffDate       string   `mapstructure:"sudden_cutoff_date"` // YYYY-MM-DD
	VolumeMultiplier       float64  `mapstructure:"volume_multiplier"`
	MinVolumeClaims        int64    `mapstructure:"min_volume_claims"`
	VolumeMinPeerCount     int64    `mapstructure:"volume_min_peer_count"`
	PercentileThreshold    float64  `mapstructure:"percentile_threshold"`
	PercentileMinSpend     float64  `mapstructure:"percentile_min_spend"`
	ClaimMillRatio         float64  `mapstructure:"claim_mill_ratio"`
	ClaimMillMinSpend      float64  `mapstructure:"claim_mill_min_spend"`
}

// AnomalyConfig configures the multivariate outlier model.
type AnomalyConfig struct {
	Contamination float64 `mapstructure:"contamination"`
	Trees         int     `mapstructure:"trees"`
	SampleSize    int     `mapstructure:"sample_size"`
	Seed          int64   `mapstructure:"seed"`
}

// ExportConfig points at the optional external reporting database.
type ExportConfig struct {
	PostgresURL string `mapstructure:"postgres_url"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
