// Package linker implements the evidence-promise matching engine: candidate
// narrowing, embedding similarity, validator confirmation, and link
// persistence.
package linker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/civicnorth/tracker-cli/internal/config"
	"github.com/civicnorth/tracker-cli/internal/job"
	"github.com/civicnorth/tracker-cli/internal/model"
	"github.com/civicnorth/tracker-cli/internal/store"
	"github.com/civicnorth/tracker-cli/pkg/embeddings"
	"github.com/civicnorth/tracker-cli/pkg/validator"
)

// RelationshipValidator confirms candidate pairs. Satisfied by
// validator.Validator.
type RelationshipValidator interface {
	Validate(ctx context.Context, pairs []validator.Pair) (map[string]validator.Verdict, error)
}

// Linker is the linking-stage job.
type Linker struct {
	name      string
	store     store.Store
	embedder  embeddings.Client
	validator RelationshipValidator
	cfg       config.LinkerConfig
}

func New(name string, st store.Store, emb embeddings.Client, val RelationshipValidator, cfg config.LinkerConfig) *Linker {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 15
	}
	return &Linker{name: name, store: st, embedder: emb, validator: val, cfg: cfg}
}

func (l *Linker) Name() string       { return l.name }
func (l *Linker) Stage() model.Stage { return model.StageLinking }

// candidate is one promise under consideration for an evidence item.
type candidate struct {
	promise    model.Promise
	similarity float64
}

// itemOutcome is the per-item tally folded into the run result.
type itemOutcome struct {
	newLinks     int
	updatedLinks int
	linked       bool
}

// Run claims a batch of linkable evidence items and processes them through
// the matching pipeline. Item failures are isolated: the item is marked
// errored and the run continues.
func (l *Linker) Run(ctx context.Context) (*job.Result, error) {
	limit := l.cfg.BatchSize
	if l.cfg.MaxItemsPerRun > 0 && limit > l.cfg.MaxItemsPerRun {
		limit = l.cfg.MaxItemsPerRun
	}
	items, err := l.store.ListLinkableEvidence(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return &job.Result{}, nil
	}

	var mu sync.Mutex
	res := &job.Result{Metadata: map[string]int{
		"new_links_created": 0,
		"links_updated":     0,
	}}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Workers)
	for _, item := range items {
		g.Go(func() error {
			outcome, err := l.processItem(gctx, item)

			mu.Lock()
			defer mu.Unlock()
			res.ItemsProcessed++
			if err != nil {
				res.ErrorCount++
				return nil
			}
			res.Metadata["new_links_created"] += outcome.newLinks
			res.Metadata["links_updated"] += outcome.updatedLinks
			if outcome.linked {
				res.ItemsUpdated++
			} else {
				res.ItemsSkipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	zap.L().Info("linking complete",
		zap.Int("items", res.ItemsProcessed),
		zap.Int("new_links", res.Metadata["new_links_created"]),
		zap.Int("updated_links", res.Metadata["links_updated"]),
		zap.Int("errors", res.ErrorCount),
	)
	return res, nil
}

func (l *Linker) processItem(ctx context.Context, item model.EvidenceItem) (itemOutcome, error) {
	claimed, err := l.store.ClaimEvidence(ctx, item.ID, item.LinkingStatus, model.LinkingProcessing)
	if err != nil {
		return itemOutcome{}, err
	}
	if !claimed {
		// Another run got there first.
		return itemOutcome{}, nil
	}

	outcome, err := l.linkItem(ctx, item)
	if err != nil {
		zap.L().Warn("linking failed",
			zap.String("evidence", item.ID),
			zap.Error(err),
		)
		// The terminal write uses a non-cancellable context so a cancelled
		// run cannot strand the claimed item in processing.
		if finishErr := l.store.FinishEvidence(context.WithoutCancel(ctx), item.ID, model.LinkingError, nil, err.Error()); finishErr != nil {
			zap.L().Error("failed to mark evidence errored", zap.String("evidence", item.ID), zap.Error(finishErr))
		}
		return itemOutcome{}, err
	}
	return outcome, nil
}

func (l *Linker) linkItem(ctx context.Context, item model.EvidenceItem) (itemOutcome, error) {
	// Duplicate-source bypass: later events for the same bill inherit the
	// first event's accepted links without embedding or validator calls.
	if item.SourceKey != "" {
		sibling, err := l.store.FindLinkedSibling(ctx, item.SourceKey, item.ID)
		if err != nil {
			return itemOutcome{}, err
		}
		if sibling != nil {
			siblingLinks, err := l.store.ListActiveLinksByEvidence(ctx, sibling.ID)
			if err != nil {
				return itemOutcome{}, err
			}
			if len(siblingLinks) > 0 {
				return l.inheritLinks(ctx, item, siblingLinks)
			}
		}
	}

	candidates, err := l.narrowCandidates(ctx, item)
	if err != nil {
		return itemOutcome{}, err
	}
	if len(candidates) == 0 {
		return itemOutcome{}, l.finish(ctx, item.ID)
	}

	scored, err := l.scoreCandidates(ctx, item, candidates)
	if err != nil {
		return itemOutcome{}, err
	}

	var outcome itemOutcome
	var needValidation []candidate
	for _, c := range scored {
		if c.similarity >= l.cfg.HighSimilarityBypass {
			accepted, created, updated, err := l.persistLink(ctx, item, c.promise, c.similarity,
				model.CategoryDirectImplementation,
				[]string{"high-similarity", fmt.Sprintf("cosine %.2f", c.similarity)})
			if err != nil {
				return itemOutcome{}, err
			}
			outcome.newLinks += created
			outcome.updatedLinks += updated
			outcome.linked = outcome.linked || accepted
			continue
		}
		needValidation = append(needValidation, c)
	}

	if len(needValidation) > 0 {
		created, updated, anyLinked, err := l.validateAndPersist(ctx, item, needValidation)
		if err != nil {
			return itemOutcome{}, err
		}
		outcome.newLinks += created
		outcome.updatedLinks += updated
		outcome.linked = outcome.linked || anyLinked
	}

	return outcome, l.finish(ctx, item.ID)
}

// narrowCandidates bounds comparison cost: same session, optionally
// department overlap.
func (l *Linker) narrowCandidates(ctx context.Context, item model.EvidenceItem) ([]model.Promise, error) {
	promises, err := l.store.ListPromisesBySession(ctx, item.Session)
	if err != nil {
		return nil, err
	}
	if !l.cfg.DepartmentFilter {
		return promises, nil
	}

	narrowed := promises[:0]
	for _, p := range promises {
		if departmentsOverlap(item.Departments, p.Department) {
			narrowed = append(narrowed, p)
		}
	}
	return narrowed, nil
}

// scoreCandidates embeds the evidence text and every candidate in one call
// and keeps candidates at or above the similarity floor, best first.
func (l *Linker) scoreCandidates(ctx context.Context, item model.EvidenceItem, promises []model.Promise) ([]candidate, error) {
	texts := make([]string, 0, len(promises)+1)
	texts = append(texts, item.CombinedText())
	for _, p := range promises {
		texts = append(texts, p.CombinedText())
	}

	vecs, err := l.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, eris.Wrap(err, "linker: embed")
	}
	evidenceVec := vecs[0]

	var scored []candidate
	for i, p := range promises {
		sim := embeddings.Cosine(evidenceVec, vecs[i+1])
		if sim < l.cfg.SimilarityFloor {
			continue
		}
		scored = append(scored, candidate{promise: p, similarity: sim})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].similarity > scored[j].similarity })
	return scored, nil
}

func (l *Linker) validateAndPersist(ctx context.Context, item model.EvidenceItem, cands []candidate) (created, updated int, anyLinked bool, err error) {
	pairs := make([]validator.Pair, 0, len(cands))
	byPromise := make(map[string]candidate, len(cands))
	for _, c := range cands {
		pairs = append(pairs, validator.Pair{
			ID:           c.promise.ID,
			PromiseText:  c.promise.CombinedText(),
			EvidenceText: item.CombinedText(),
		})
		byPromise[c.promise.ID] = c
	}

	verdicts, err := l.validator.Validate(ctx, pairs)
	if err != nil {
		return 0, 0, false, eris.Wrap(err, "linker: validate")
	}

	for promiseID, verdict := range verdicts {
		c, ok := byPromise[promiseID]
		if !ok {
			continue
		}
		category := model.LinkCategory(verdict.Category)
		if !category.Accepted() || verdict.Confidence < l.cfg.SimilarityThreshold {
			continue
		}
		reasons := []string{fmt.Sprintf("cosine %.2f", c.similarity)}
		if verdict.Reasoning != "" {
			reasons = append(reasons, verdict.Reasoning)
		}
		accepted, c2, u2, err := l.persistLink(ctx, item, c.promise, verdict.Confidence, category, reasons)
		if err != nil {
			return created, updated, anyLinked, err
		}
		created += c2
		updated += u2
		anyLinked = anyLinked || accepted
	}
	return created, updated, anyLinked, nil
}

func (l *Linker) inheritLinks(ctx context.Context, item model.EvidenceItem, siblingLinks []model.Link) (itemOutcome, error) {
	var outcome itemOutcome
	for _, link := range siblingLinks {
		promise, err := l.store.GetPromise(ctx, link.PromiseID)
		if err != nil {
			return itemOutcome{}, err
		}
		accepted, created, updated, err := l.persistLink(ctx, item, *promise, link.Confidence, link.Category,
			[]string{"inherited:" + item.SourceKey})
		if err != nil {
			return itemOutcome{}, err
		}
		outcome.newLinks += created
		outcome.updatedLinks += updated
		outcome.linked = outcome.linked || accepted
	}
	return outcome, l.finish(ctx, item.ID)
}

// persistLink creates, refreshes, or leaves alone the active link for one
// (promise, evidence) pair, honoring the at-most-one-active invariant and
// the materiality threshold.
func (l *Linker) persistLink(ctx context.Context, item model.EvidenceItem, promise model.Promise, confidence float64, category model.LinkCategory, reasons []string) (accepted bool, created, updated int, err error) {
	if l.cfg.DryRun {
		zap.L().Info("dry run: would link",
			zap.String("evidence", item.ID),
			zap.String("promise", promise.ID),
			zap.Float64("confidence", confidence),
			zap.String("category", string(category)),
		)
		return true, 0, 0, nil
	}

	existing, err := l.store.GetActiveLink(ctx, promise.ID, item.ID)
	if err != nil {
		return false, 0, 0, err
	}

	switch {
	case existing == nil:
		now := time.Now().UTC()
		link := model.Link{
			ID:           uuid.NewString(),
			PromiseID:    promise.ID,
			EvidenceID:   item.ID,
			Confidence:   confidence,
			Category:     category,
			MatchReasons: reasons,
			CreatedBy:    l.name,
			Status:       model.LinkActive,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := l.store.CreateLink(ctx, link); err != nil {
			return false, 0, 0, err
		}
		if err := l.store.AppendPromiseEvidence(ctx, promise.ID, item.ID); err != nil {
			return false, 0, 0, err
		}
		return true, 1, 0, nil

	case existing.Category != category:
		// A changed judgment supersedes rather than edits, preserving the
		// audit trail.
		if err := l.store.SupersedeLink(ctx, existing.ID); err != nil {
			return false, 0, 0, err
		}
		now := time.Now().UTC()
		link := model.Link{
			ID:           uuid.NewString(),
			PromiseID:    promise.ID,
			EvidenceID:   item.ID,
			Confidence:   confidence,
			Category:     category,
			MatchReasons: reasons,
			CreatedBy:    l.name,
			Status:       model.LinkActive,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := l.store.CreateLink(ctx, link); err != nil {
			return false, 0, 0, err
		}
		return true, 0, 1, nil

	case abs(existing.Confidence-confidence) >= l.cfg.MaterialityDelta:
		if err := l.store.UpdateLinkConfidence(ctx, existing.ID, confidence, reasons); err != nil {
			return false, 0, 0, err
		}
		return true, 0, 1, nil

	default:
		// Immaterial drift: keep the stored confidence stable.
		return true, 0, 0, nil
	}
}

// finish writes the item's terminal status from its surviving active links.
// It runs on a non-cancellable context: once an item is claimed it must end
// in a terminal status even if the run is cancelled mid-item.
func (l *Linker) finish(ctx context.Context, evidenceID string) error {
	ctx = context.WithoutCancel(ctx)
	if l.cfg.DryRun {
		// A dry run re-queues the item instead of consuming it.
		_, err := l.store.ClaimEvidence(ctx, evidenceID, model.LinkingProcessing, model.LinkingPending)
		return err
	}

	links, err := l.store.ListActiveLinksByEvidence(ctx, evidenceID)
	if err != nil {
		return err
	}
	promiseIDs := make([]string, 0, len(links))
	seen := make(map[string]bool, len(links))
	for _, link := range links {
		if !seen[link.PromiseID] {
			seen[link.PromiseID] = true
			promiseIDs = append(promiseIDs, link.PromiseID)
		}
	}
	sort.Strings(promiseIDs)

	status := model.LinkingLinked
	if len(promiseIDs) == 0 {
		status = model.LinkingNoMatches
	}
	return l.store.FinishEvidence(ctx, evidenceID, status, promiseIDs, "")
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// Relink re-queues errored evidence items for the next linker run.
func Relink(ctx context.Context, st store.Store) (int, error) {
	n, err := st.ResetErroredEvidence(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "linker: reset errored evidence")
	}
	return n, nil
}
