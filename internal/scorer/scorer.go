// Package scorer recomputes each promise's 1-5 progress score from its
// accepted evidence links.
package scorer

import (
	"context"

	"go.uber.org/zap"

	"github.com/civicnorth/tracker-cli/internal/config"
	"github.com/civicnorth/tracker-cli/internal/job"
	"github.com/civicnorth/tracker-cli/internal/model"
	"github.com/civicnorth/tracker-cli/internal/store"
)

// enactedConfidence is the confidence bar separating band 4 from band 5:
// a direct-implementation link this confident is treated as delivered.
const enactedConfidence = 0.8

// Scorer is the scoring-stage job. It mutates only the promise score fields,
// never evidence or links.
type Scorer struct {
	name    string
	store   store.Store
	session string
	cfg     config.ScorerConfig
}

func New(name string, st store.Store, session string, cfg config.ScorerConfig) *Scorer {
	if cfg.PreparatoryMin <= 0 {
		cfg.PreparatoryMin = 2
	}
	if cfg.EnactedMin <= 0 {
		cfg.EnactedMin = 1
	}
	return &Scorer{name: name, store: st, session: session, cfg: cfg}
}

func (s *Scorer) Name() string       { return s.name }
func (s *Scorer) Stage() model.Stage { return model.StageScoring }

// Run rescores every promise in the session. A promise whose score is
// unchanged is skipped, keeping the run idempotent.
func (s *Scorer) Run(ctx context.Context) (*job.Result, error) {
	promises, err := s.store.ListPromisesBySession(ctx, s.session)
	if err != nil {
		return nil, err
	}

	res := &job.Result{}
	for _, p := range promises {
		links, err := s.store.ListActiveLinksByPromise(ctx, p.ID)
		if err != nil {
			res.ErrorCount++
			zap.L().Warn("failed to load links for promise", zap.String("promise", p.ID), zap.Error(err))
			continue
		}
		res.ItemsProcessed++

		score := s.Score(links)
		if p.ProgressScore != nil && *p.ProgressScore == score {
			res.ItemsSkipped++
			continue
		}
		if err := s.store.UpdatePromiseScore(ctx, p.ID, score); err != nil {
			res.ErrorCount++
			zap.L().Warn("failed to update promise score", zap.String("promise", p.ID), zap.Error(err))
			continue
		}
		res.ItemsUpdated++
	}

	zap.L().Info("scoring complete",
		zap.String("session", s.session),
		zap.Int("promises", res.ItemsProcessed),
		zap.Int("updated", res.ItemsUpdated),
	)
	return res, nil
}

// Score maps a promise's active links onto the 1-5 progress bands:
//
//	1: no accepted evidence
//	2: only weak evidence (related-policy, or fewer supporting actions
//	   than preparatory_min)
//	3: at least preparatory_min supporting actions, nothing enacted
//	4: at least enacted_min direct-implementation links
//	5: band 4 plus a direct link at or above the enacted confidence bar
func (s *Scorer) Score(links []model.Link) int {
	if len(links) == 0 {
		return 1
	}

	var direct, supporting int
	var maxDirectConfidence float64
	for _, link := range links {
		switch link.Category {
		case model.CategoryDirectImplementation:
			direct++
			if link.Confidence > maxDirectConfidence {
				maxDirectConfidence = link.Confidence
			}
		case model.CategorySupportingAction:
			supporting++
		}
	}

	switch {
	case direct >= s.cfg.EnactedMin && maxDirectConfidence >= enactedConfidence:
		return 5
	case direct >= s.cfg.EnactedMin:
		return 4
	case supporting >= s.cfg.PreparatoryMin:
		return 3
	default:
		return 2
	}
}
