package screening

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/medicaid-spend-watch/internal/domain"
	"github.com/medicaid-spend-watch/internal/repository"
)

// Screen is one independent rule evaluator: a single set-based insert into
// the risk-flag table, parameterized by the injected thresholds. Screens
// never read each other's output and may run in any order.
type Screen struct {
	Type domain.FlagType
	Name string
	Run  func(ctx context.Context, q repository.Querier, cfg *domain.ScreeningConfig, runID string) (int64, error)
}

// Engine evaluates all rule screens against the ledger/registry/benchmark
// join. Thresholds come from configuration, never ambient state, so each
// screen is independently testable.
type Engine struct {
	cfg     *domain.ScreeningConfig
	log     *logrus.Logger
	screens []Screen
}

// NewEngine creates a screening engine with all six rule screens registered
func NewEngine(cfg *domain.ScreeningConfig, logger *logrus.Logger) *Engine {
	e := &Engine{cfg: cfg, log: logger}

	e.screens = []Screen{
		{domain.FlagPriceZScoreOutlier, "Price z-score outlier vs peer group", screenPriceZScore},
		{domain.FlagExtremeConcentration, "Extreme single-code revenue concentration", screenConcentration},
		{domain.FlagSuddenUtilization, "Sudden utilization by pop-up entity", screenSuddenUtilization},
		{domain.FlagVolumeOutlier, "Claim volume outlier vs peer average", screenVolumeOutlier},
		{domain.FlagPercentilePersistence, "Persistent top-percentile spend", screenPercentile},
		{domain.FlagClaimMillRatio, "Claims-per-patient density (claim mill)", screenClaimMill},
	}

	logger.WithField("screen_count", len(e.screens)).Info("Initialized rule screens")
	return e
}

// Screens returns the registered screens.
func (e *Engine) Screens() []Screen {
	return e.screens
}

// RunAll evaluates every screen against the store. A screen failure aborts
// the run: partial flag tables must never be presented as complete, so the
// caller runs this inside the screening transaction and rolls back on
// error.
func (e *Engine) RunAll(ctx context.Context, q repository.Querier, runID string) (int64, error) {
	var total int64
	for _, s := range e.screens {
		n, err := s.Run(ctx, q, e.cfg, runID)
		if err != nil {
			return total, domain.NewPipelineError(domain.ErrScreen, string(s.Type),
				fmt.Errorf("running screen: %w", err))
		}
		e.log.WithFields(logrus.Fields{
			"screen": s.Type,
			"flags":  n,
		}).Info("Screen completed")
		total += n
	}

	e.log.WithFields(logrus.Fields{
		"run_id":      runID,
		"total_flags": total,
	}).Info("All rule screens completed")
	return total, nil
}
