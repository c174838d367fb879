// Package pipeline orchestrates a full screening run: load the spend
// ledger, reconcile the provider registry, rebuild benchmarks and apply
// every screen plus the anomaly model. Each mutating stage is atomic; a
// failed run leaves the previous run's outputs untouched.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/medicaid-spend-watch/internal/anomaly"
	"github.com/medicaid-spend-watch/internal/database"
	"github.com/medicaid-spend-watch/internal/domain"
	"github.com/medicaid-spend-watch/internal/ingest"
	"github.com/medicaid-spend-watch/internal/repository"
	"github.com/medicaid-spend-watch/internal/screening"
)

// Runner wires the ingestion collaborators and the screening core.
type Runner struct {
	cfg       *domain.Config
	db        *database.DB
	log       *logrus.Logger
	providers *repository.ProviderRepository
	spend     *repository.SpendRepository
	flags     *repository.FlagRepository
	builder   *screening.BenchmarkBuilder
	engine    *screening.Engine
	detector  *anomaly.Detector
	loader    *ingest.SpendLoader
	registry  *ingest.RegistryClient
	leie      *ingest.ExclusionsClient
}

// Options toggles the optional ingestion stages of a run. The screening
// stages always run.
type Options struct {
	LoadSpend  bool
	Exclusions bool
	Enrich     bool
}

// Result summarizes a completed run.
type Result struct {
	RunID          string                   `json:"run_id"`
	Started        time.Time                `json:"started"`
	Duration       time.Duration            `json:"duration"`
	SpendRecords   int64                    `json:"spend_records"`
	Providers      int64                    `json:"providers"`
	Benchmarks     int64                    `json:"benchmarks"`
	FlagsByType    map[domain.FlagType]int64 `json:"flags_by_type"`
	TotalFlags     int64                    `json:"total_flags"`
	MarkedExcluded int64                    `json:"marked_excluded"`
	Enriched       int64                    `json:"enriched"`
}

// Summary converts the result to its exportable form.
func (r *Result) Summary() *domain.RunSummary {
	return &domain.RunSummary{
		RunID:        r.RunID,
		Started:      r.Started,
		SpendRecords: r.SpendRecords,
		Providers:    r.Providers,
		Benchmarks:   r.Benchmarks,
		TotalFlags:   r.TotalFlags,
	}
}

func NewRunner(cfg *domain.Config, db *database.DB, log *logrus.Logger) *Runner {
	return &Runner{
		cfg:       cfg,
		db:        db,
		log:       log,
		providers: repository.NewProviderRepository(db.SQL, log),
		spend:     repository.NewSpendRepository(db.SQL, log),
		flags:     repository.NewFlagRepository(db.SQL, log),
		builder:   screening.NewBenchmarkBuilder(db.SQL, log),
		engine:    screening.NewEngine(&cfg.Screening, log),
		detector:  anomaly.NewDetector(&cfg.Anomaly, log),
		loader:    ingest.NewSpendLoader(log),
		registry: ingest.NewRegistryClient(ingest.RegistryConfig{
			BaseURL:   cfg.Ingest.RegistryBaseURL,
			Timeout:   cfg.Ingest.RegistryTimeout,
			RateLimit: cfg.Ingest.RegistryRPS,
			CacheSize: cfg.Ingest.CacheSize,
			CacheTTL:  cfg.Ingest.CacheTTL,
		}, log),
		leie: ingest.NewExclusionsClient(cfg.Ingest.LEIEURL, 0, log),
	}
}

// Run executes a full screening run and returns its summary. Ingestion
// stages run first so screening always sees a settled ledger.
func (r *Runner) Run(ctx context.Context, opts Options) (*Result, error) {
	res := &Result{
		RunID:   uuid.New().String(),
		Started: time.Now(),
	}
	log := r.log.WithField("run_id", res.RunID)
	log.Info("Screening run starting")

	if opts.LoadSpend {
		if err := r.loadSpend(ctx); err != nil {
			return nil, err
		}
	}

	if _, err := r.providers.EnsureFromLedger(ctx, r.db.SQL); err != nil {
		return nil, domain.NewPipelineError(domain.ErrStore, "providers", err)
	}

	if opts.Exclusions {
		n, err := r.applyExclusions(ctx)
		if err != nil {
			return nil, err
		}
		res.MarkedExcluded = n
	}

	if opts.Enrich {
		n, err := r.enrichProviders(ctx)
		if err != nil {
			return nil, err
		}
		res.Enriched = n
	}

	benchmarks, err := r.builder.Rebuild(ctx)
	if err != nil {
		return nil, err
	}
	res.Benchmarks = benchmarks

	if err := r.screen(ctx, res.RunID); err != nil {
		return nil, err
	}

	if err := r.collectCounts(ctx, res); err != nil {
		return nil, err
	}
	res.Duration = time.Since(res.Started)

	log.WithFields(logrus.Fields{
		"spend_records": res.SpendRecords,
		"providers":     res.Providers,
		"benchmarks":    res.Benchmarks,
		"total_flags":   res.TotalFlags,
		"duration":      res.Duration.String(),
	}).Info("Screening run complete")
	return res, nil
}

func (r *Runner) loadSpend(ctx context.Context) error {
	path := r.cfg.Ingest.SpendCSVPath
	if path == "" {
		return domain.NewPipelineError(domain.ErrInput, "spend-csv",
			fmt.Errorf("no spend extract configured"))
	}

	var scope map[string]struct{}
	if r.cfg.Ingest.NPIScopePath != "" {
		var err error
		scope, err = ingest.LoadScopeFile(r.cfg.Ingest.NPIScopePath)
		if err != nil {
			return err
		}
	}

	records, err := r.loader.LoadFile(ctx, path, scope)
	if err != nil {
		return err
	}
	if err := r.spend.ReplaceAll(ctx, records); err != nil {
		return domain.NewPipelineError(domain.ErrStore, "spend-load", err)
	}
	return nil
}

func (r *Runner) applyExclusions(ctx context.Context) (int64, error) {
	npis, err := r.leie.FetchExcludedNPIs(ctx)
	if err != nil {
		return 0, err
	}
	marked, err := r.providers.MarkExcluded(ctx, npis)
	if err != nil {
		return 0, domain.NewPipelineError(domain.ErrStore, "exclusions", err)
	}
	r.log.WithField("marked", marked).Info("Exclusion flags applied")
	return marked, nil
}

func (r *Runner) enrichProviders(ctx context.Context) (int64, error) {
	batch := r.cfg.Ingest.EnrichBatchSize
	if batch <= 0 {
		batch = 200
	}
	npis, err := r.providers.NPIsNeedingEnrichment(ctx, batch)
	if err != nil {
		return 0, domain.NewPipelineError(domain.ErrStore, "enrichment", err)
	}

	var enriched int64
	for _, npi := range npis {
		p, err := r.registry.Lookup(ctx, npi)
		if err != nil {
			// a broken registry should not sink the run; unenriched
			// providers simply stay out of taxonomy peer groups
			r.log.WithError(err).WithField("npi", npi).Warn("Registry lookup failed")
			continue
		}
		if p == nil {
			continue
		}
		if err := r.providers.UpdateEnrichment(ctx, p); err != nil {
			return enriched, domain.NewPipelineError(domain.ErrStore, "enrichment", err)
		}
		enriched++
	}
	r.log.WithFields(logrus.Fields{"requested": len(npis), "enriched": enriched}).
		Info("Provider enrichment complete")
	return enriched, nil
}

// screen replaces the flag set inside one transaction: the previous run's
// flags stay readable until the new set commits.
func (r *Runner) screen(ctx context.Context, runID string) error {
	tx, err := r.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewPipelineError(domain.ErrStore, "screening", err)
	}
	defer tx.Rollback()

	if err := r.flags.Clear(ctx, tx); err != nil {
		return domain.NewPipelineError(domain.ErrStore, "screening", err)
	}
	if _, err := r.engine.RunAll(ctx, tx, runID); err != nil {
		return err
	}
	if _, err := r.detector.Run(ctx, tx, r.flags, runID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.NewPipelineError(domain.ErrStore, "screening", err)
	}
	return nil
}

func (r *Runner) collectCounts(ctx context.Context, res *Result) error {
	var err error
	if res.SpendRecords, err = r.spend.Count(ctx); err != nil {
		return domain.NewPipelineError(domain.ErrStore, "summary", err)
	}
	if res.Providers, err = r.providers.Count(ctx); err != nil {
		return domain.NewPipelineError(domain.ErrStore, "summary", err)
	}
	if res.TotalFlags, err = r.flags.Count(ctx); err != nil {
		return domain.NewPipelineError(domain.ErrStore, "summary", err)
	}
	if res.FlagsByType, err = r.flags.CountByType(ctx); err != nil {
		return domain.NewPipelineError(domain.ErrStore, "summary", err)
	}
	return nil
}

// Migrate applies any pending schema migrations. Separate from Run so the
// server can migrate at startup without executing a screening run.
func Migrate(dbPath, migrationsPath string, log *logrus.Logger) error {
	mr, err := database.NewMigrationRunner(dbPath, migrationsPath, log)
	if err != nil {
		return domain.NewPipelineError(domain.ErrSchema, "migrate", err)
	}
	defer mr.Close()
	if err := mr.Up(); err != nil {
		return domain.NewPipelineError(domain.ErrSchema, "migrate", err)
	}
	return nil
}
