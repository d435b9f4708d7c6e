package scorer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicnorth/tracker-cli/internal/config"
	"github.com/civicnorth/tracker-cli/internal/model"
	"github.com/civicnorth/tracker-cli/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "scorer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newScorer(st store.Store) *Scorer {
	return New("progress-scorer", st, "45-1", config.ScorerConfig{PreparatoryMin: 2, EnactedMin: 1})
}

func seedPromise(t *testing.T, st store.Store, id string) {
	t.Helper()
	require.NoError(t, st.CreatePromise(context.Background(), model.Promise{
		ID:        id,
		Text:      "Strengthen border security legislation",
		Session:   "45-1",
		CreatedAt: time.Now().UTC(),
	}))
}

func seedLink(t *testing.T, st store.Store, id, promiseID string, category model.LinkCategory, confidence float64) {
	t.Helper()
	require.NoError(t, st.CreateEvidence(context.Background(), model.EvidenceItem{
		ID:            "ev-" + id,
		SourceType:    model.SourceLegislativeEvent,
		Title:         "Bill C-2 passed Third Reading",
		PublishedAt:   time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		Session:       "45-1",
		LinkingStatus: model.LinkingLinked,
		CreatedAt:     time.Now().UTC(),
	}))
	require.NoError(t, st.CreateLink(context.Background(), model.Link{
		ID:         id,
		PromiseID:  promiseID,
		EvidenceID: "ev-" + id,
		Confidence: confidence,
		Category:   category,
		CreatedBy:  "evidence-linker",
		Status:     model.LinkActive,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}))
}

func link(category model.LinkCategory, confidence float64) model.Link {
	return model.Link{Category: category, Confidence: confidence}
}

func TestScore_Bands(t *testing.T) {
	s := newScorer(newTestStore(t))

	cases := []struct {
		name  string
		links []model.Link
		want  int
	}{
		{"no evidence", nil, 1},
		{"related policy only", []model.Link{link(model.CategoryRelatedPolicy, 0.7)}, 2},
		{"one supporting action", []model.Link{link(model.CategorySupportingAction, 0.7)}, 2},
		{"enough supporting actions", []model.Link{
			link(model.CategorySupportingAction, 0.7),
			link(model.CategorySupportingAction, 0.6),
		}, 3},
		{"direct implementation, modest confidence", []model.Link{link(model.CategoryDirectImplementation, 0.6)}, 4},
		{"direct implementation, high confidence", []model.Link{link(model.CategoryDirectImplementation, 0.9)}, 5},
		{"mixed with enacted", []model.Link{
			link(model.CategoryRelatedPolicy, 0.5),
			link(model.CategorySupportingAction, 0.6),
			link(model.CategoryDirectImplementation, 0.85),
		}, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, s.Score(tc.links))
		})
	}
}

func TestRun_UpdatesScoreAndTimestamp(t *testing.T) {
	st := newTestStore(t)
	seedPromise(t, st, "p-1")
	seedLink(t, st, "l-1", "p-1", model.CategoryDirectImplementation, 0.9)

	s := newScorer(st)
	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ItemsProcessed)
	assert.Equal(t, 1, res.ItemsUpdated)

	p, err := st.GetPromise(context.Background(), "p-1")
	require.NoError(t, err)
	require.NotNil(t, p.ProgressScore)
	assert.Equal(t, 5, *p.ProgressScore)
	require.NotNil(t, p.LastScoredAt)
}

func TestRun_UnchangedScoreSkipped(t *testing.T) {
	st := newTestStore(t)
	seedPromise(t, st, "p-1")
	seedLink(t, st, "l-1", "p-1", model.CategorySupportingAction, 0.7)

	s := newScorer(st)
	_, err := s.Run(context.Background())
	require.NoError(t, err)

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ItemsSkipped)
	assert.Equal(t, 0, res.ItemsUpdated)
}

func TestRun_NoEvidenceScoresOne(t *testing.T) {
	st := newTestStore(t)
	seedPromise(t, st, "p-1")

	s := newScorer(st)
	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ItemsUpdated)

	p, err := st.GetPromise(context.Background(), "p-1")
	require.NoError(t, err)
	require.NotNil(t, p.ProgressScore)
	assert.Equal(t, 1, *p.ProgressScore)
}

func TestRun_SupersededLinksIgnored(t *testing.T) {
	st := newTestStore(t)
	seedPromise(t, st, "p-1")
	seedLink(t, st, "l-1", "p-1", model.CategoryDirectImplementation, 0.9)
	require.NoError(t, st.SupersedeLink(context.Background(), "l-1"))

	s := newScorer(st)
	_, err := s.Run(context.Background())
	require.NoError(t, err)

	p, err := st.GetPromise(context.Background(), "p-1")
	require.NoError(t, err)
	require.NotNil(t, p.ProgressScore)
	assert.Equal(t, 1, *p.ProgressScore)
}
