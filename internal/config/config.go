package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/medicaid-spend-watch/internal/domain"
)

// Manager loads and validates application configuration using Viper
type Manager struct {
	config *domain.Config
}

// NewManager creates a new configuration manager
func NewManager() (*Manager, error) {
	m := &Manager{}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/medicaid-spend-watch/")

	viper.SetEnvPrefix("MEDWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	m.setDefaults()

	// Config file is optional; defaults and env vars cover everything.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = config
	return nil
}

// setDefaults sets default configuration values
func (m *Manager) setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "127.0.0.1")
	viper.SetDefault("server.port", 8000)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")

	// Embedded store defaults
	viper.SetDefault("database.path", "data/processed/medicaid_watch.db")
	viper.SetDefault("database.migrations_path", "migrations")

	// Analysis scope
	viper.SetDefault("scope.county", "CLARK")
	viper.SetDefault("scope.state", "WA")

	// Ingestion collaborators
	viper.SetDefault("ingest.spend_csv_path", "")
	viper.SetDefault("ingest.npi_scope_path", "data/raw/clark_county_npis.json")
	viper.SetDefault("ingest.leie_url", "https://oig.hhs.gov/exclusions/downloadables/UPDATED.csv")
	viper.SetDefault("ingest.registry_base_url", "https://npiregistry.cms.hhs.gov/api/")
	viper.SetDefault("ingest.registry_timeout", "10s")
	viper.SetDefault("ingest.registry_rps", 2)
	viper.SetDefault("ingest.enrich_batch_size", 100)
	viper.SetDefault("ingest.cache_size", 1000)
	viper.SetDefault("ingest.cache_ttl", "24h")

	// Screen thresholds. Hand-tuned heuristics, not derived constants;
	// revisit per county.
	viper.SetDefault("screening.z_score_threshold", 5.0)
	viper.SetDefault("screening.min_price_spend", 5000.0)
	viper.SetDefault("screening.min_peer_count", 3)
	viper.SetDefault("screening.concentration_threshold", 0.95)
	viper.SetDefault("screening.min_concentration_spend", 250000.0)
	viper.SetDefault("screening.concentration_allowlist", []string{
		"ambulance", "laboratory", "dialysis", "interpreter",
		"transportation broker", "non-emergency medical transport",
	})
	viper.SetDefault("screening.transport_name_terms", []string{
		"transport", "transit", "nemt",
	})
	viper.SetDefault("screening.sudden_utilization_limit", 1000000.0)
	viper.SetDefault("screening.sudden_cutoff_date", "2022-01-01")
	viper.SetDefault("screening.volume_multiplier", 10.0)
	viper.SetDefault("screening.min_volume_claims", 500)
	viper.SetDefault("screening.volume_min_peer_count", 5)
	viper.SetDefault("screening.percentile_threshold", 0.99)
	viper.SetDefault("screening.percentile_min_spend", 50000.0)
	viper.SetDefault("screening.claim_mill_ratio", 20.0)
	viper.SetDefault("screening.claim_mill_min_spend", 10000.0)

	// Anomaly model defaults
	viper.SetDefault("anomaly.contamination", 0.02)
	viper.SetDefault("anomaly.trees", 100)
	viper.SetDefault("anomaly.sample_size", 256)
	viper.SetDefault("anomaly.seed", 42)

	// Reporting export (disabled unless a URL is provided)
	viper.SetDefault("export.postgres_url", "")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetScreeningConfig returns the rule-screen thresholds
func (m *Manager) GetScreeningConfig() *domain.ScreeningConfig {
	return &m.config.Screening
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}
	if config.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	s := config.Screening
	if s.MinPeerCount < 1 {
		return fmt.Errorf("min_peer_count must be >= 1, got %d", s.MinPeerCount)
	}
	if s.ConcentrationThreshold <= 0 || s.ConcentrationThreshold >= 1 {
		return fmt.Errorf("concentration_threshold must be in (0,1), got %v", s.ConcentrationThreshold)
	}
	if s.PercentileThreshold <= 0 || s.PercentileThreshold > 1 {
		return fmt.Errorf("percentile_threshold must be in (0,1], got %v", s.PercentileThreshold)
	}
	if _, err := time.Parse("2006-01-02", s.SuddenCutoffDate); err != nil {
		return fmt.Errorf("invalid sudden_cutoff_date %q: %w", s.SuddenCutoffDate, err)
	}

	a := config.Anomaly
	if a.Contamination <= 0 || a.Contamination >= 0.5 {
		return fmt.Errorf("contamination must be in (0,0.5), got %v", a.Contamination)
	}
	if a.Trees <= 0 || a.SampleSize <= 1 {
		return fmt.Errorf("anomaly model needs trees > 0 and sample_size > 1")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}
