// Package anomaly scores providers with a multivariate isolation forest
// and persists the top slice as ML_ISOLATION_FOREST risk flags. It is the
// catch-all net behind the rule screens: it has no opinion about which
// feature combination is suspicious, only about which providers sit far
// from the rest of the population.
package anomaly

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/medicaid-spend-watch/internal/domain"
	"github.com/medicaid-spend-watch/internal/repository"
)

// Detector fits the model over all providers in the ledger and flags the
// most anomalous contamination fraction of them.
type Detector struct {
	cfg *domain.AnomalyConfig
	log *logrus.Logger
}

func NewDetector(cfg *domain.AnomalyConfig, log *logrus.Logger) *Detector {
	return &Detector{cfg: cfg, log: log}
}

// Run extracts features, fits the forest and inserts one flag per
// selected provider. Deterministic for a fixed dataset and seed. Fewer
// than two providers is a no-op, not an error.
func (d *Detector) Run(ctx context.Context, q repository.Querier, flags *repository.FlagRepository, runID string) (int64, error) {
	vectors, err := extractFeatures(ctx, q)
	if err != nil {
		return 0, domain.NewPipelineError(domain.ErrModel, "features", err)
	}
	if len(vectors) < 2 {
		d.log.WithField("providers", len(vectors)).
			Warn("Too few providers for anomaly modeling, skipping")
		return 0, nil
	}

	data := make([][]float64, len(vectors))
	for i := range vectors {
		data[i] = vectors[i].Values()
	}

	forest := fitForest(data, d.cfg.Trees, d.cfg.SampleSize, d.cfg.Seed)

	type scored struct {
		idx   int
		score float64
	}
	results := make([]scored, len(data))
	for i, point := range data {
		results[i] = scored{idx: i, score: forest.score(point)}
	}
	// ties broken by NPI order (vectors arrive NPI-sorted) to keep the
	// flagged set stable across runs
	sort.SliceStable(results, func(a, b int) bool {
		return results[a].score > results[b].score
	})

	n := int(math.Ceil(d.cfg.Contamination * float64(len(vectors))))
	if n > len(results) {
		n = len(results)
	}

	var inserted int64
	for _, r := range results[:n] {
		v := &vectors[r.idx]
		flag := &domain.RiskFlag{
			NPI:       v.NPI,
			FlagType:  domain.FlagMLIsolationForest,
			FlagScore: 1.0,
			Reason: fmt.Sprintf(
				"Isolation forest outlier (score %.3f): total paid %.2f, %d active months, %d codes",
				r.score, v.TotalPaid, int(v.ActiveMonths), int(v.UniqueCodes)),
			RunID: runID,
		}
		if err := flags.Insert(ctx, q, flag); err != nil {
			return inserted, domain.NewPipelineError(domain.ErrModel, "persist", err)
		}
		inserted++
	}

	d.log.WithFields(logrus.Fields{
		"providers": len(vectors),
		"flagged":   inserted,
		"trees":     d.cfg.Trees,
	}).Info("Anomaly detection complete")
	return inserted, nil
}
