package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicnorth/tracker-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testRawDocument(naturalKey string) model.RawDocument {
	return model.RawDocument{
		ID:          uuid.NewString(),
		Source:      "legisinfo",
		NaturalKey:  naturalKey,
		Title:       "Bill " + naturalKey,
		Body:        "An Act respecting something",
		URL:         "https://example.org/" + naturalKey,
		Session:     "45-1",
		PublishedAt: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		IngestedAt:  time.Now().UTC(),
	}
}

func testEvidence(t *testing.T, st *SQLiteStore, status model.LinkingStatus) model.EvidenceItem {
	t.Helper()
	item := model.EvidenceItem{
		ID:            uuid.NewString(),
		SourceType:    model.SourceLegislativeEvent,
		SourceKey:     "C-5",
		Title:         "Bill C-5 received second reading",
		Description:   "Second reading in the House",
		PublishedAt:   time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC),
		Departments:   []string{"Environment and Climate Change Canada"},
		KeyConcepts:   "emissions, carbon pricing",
		Session:       "45-1",
		LinkingStatus: status,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, st.CreateEvidence(context.Background(), item))
	return item
}

func testPromise(t *testing.T, st *SQLiteStore) model.Promise {
	t.Helper()
	p := model.Promise{
		ID:         uuid.NewString(),
		Text:       "Cap oil and gas sector emissions",
		Department: "Environment and Climate Change Canada",
		PolicyTags: []string{"climate"},
		Session:    "45-1",
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, st.CreatePromise(context.Background(), p))
	return p
}

// --- Raw documents ---

func TestSQLite_UpsertRawDocument_Dedup(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	created, err := st.UpsertRawDocument(ctx, testRawDocument("C-5"))
	require.NoError(t, err)
	assert.True(t, created)

	// Same (source, natural_key) is a no-op.
	created, err = st.UpsertRawDocument(ctx, testRawDocument("C-5"))
	require.NoError(t, err)
	assert.False(t, created)

	created, err = st.UpsertRawDocument(ctx, testRawDocument("C-6"))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestSQLite_ClaimRawDocuments(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.UpsertRawDocument(ctx, testRawDocument("C-5"))
	require.NoError(t, err)
	_, err = st.UpsertRawDocument(ctx, testRawDocument("C-6"))
	require.NoError(t, err)

	claimed, err := st.ClaimRawDocuments(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, d := range claimed {
		assert.Equal(t, model.ProcessingInProgress, d.Status)
	}

	// Everything is claimed now; a second pass finds nothing.
	claimed, err = st.ClaimRawDocuments(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestSQLite_ClaimRawDocuments_Limit(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, key := range []string{"C-1", "C-2", "C-3"} {
		_, err := st.UpsertRawDocument(ctx, testRawDocument(key))
		require.NoError(t, err)
	}

	claimed, err := st.ClaimRawDocuments(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
}

func TestSQLite_CompleteRawDocument(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := testRawDocument("C-5")
	_, err := st.UpsertRawDocument(ctx, doc)
	require.NoError(t, err)

	_, err = st.ClaimRawDocuments(ctx, 1)
	require.NoError(t, err)

	err = st.CompleteRawDocument(ctx, doc.ID, model.ProcessingFailed, "parse failed")
	require.NoError(t, err)

	// Failed documents are not offered for claiming again.
	claimed, err := st.ClaimRawDocuments(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestSQLite_CompleteRawDocument_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.CompleteRawDocument(context.Background(), "nonexistent", model.ProcessingDone, "")
	assert.Error(t, err)
}

// --- Evidence ---

func TestSQLite_CreateAndGetEvidence(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	item := testEvidence(t, st, model.LinkingPending)

	fetched, err := st.GetEvidence(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.Title, fetched.Title)
	assert.Equal(t, model.SourceLegislativeEvent, fetched.SourceType)
	assert.Equal(t, []string{"Environment and Climate Change Canada"}, fetched.Departments)
	assert.Equal(t, model.LinkingPending, fetched.LinkingStatus)
}

func TestSQLite_ListLinkableEvidence(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	testEvidence(t, st, model.LinkingPending)
	testEvidence(t, st, model.LinkingNeedsRelinking)
	testEvidence(t, st, model.LinkingLinked)
	testEvidence(t, st, model.LinkingError)

	items, err := st.ListLinkableEvidence(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	for _, e := range items {
		assert.True(t, e.LinkingStatus == model.LinkingPending || e.LinkingStatus == model.LinkingNeedsRelinking)
	}
}

func TestSQLite_ClaimEvidence_Conditional(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	item := testEvidence(t, st, model.LinkingPending)

	ok, err := st.ClaimEvidence(ctx, item.ID, model.LinkingPending, model.LinkingProcessing)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second claim loses: the status already moved.
	ok, err = st.ClaimEvidence(ctx, item.ID, model.LinkingPending, model.LinkingProcessing)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLite_FinishEvidence(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	item := testEvidence(t, st, model.LinkingProcessing)

	err := st.FinishEvidence(ctx, item.ID, model.LinkingLinked, []string{"promise-1", "promise-2"}, "")
	require.NoError(t, err)

	fetched, err := st.GetEvidence(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LinkingLinked, fetched.LinkingStatus)
	assert.Equal(t, []string{"promise-1", "promise-2"}, fetched.PromiseIDs)
	assert.Empty(t, fetched.ErrorMessage)
}

func TestSQLite_ResetErroredEvidence(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	errored := testEvidence(t, st, model.LinkingError)
	testEvidence(t, st, model.LinkingLinked)

	n, err := st.ResetErroredEvidence(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	fetched, err := st.GetEvidence(ctx, errored.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LinkingNeedsRelinking, fetched.LinkingStatus)
}

func TestSQLite_FindLinkedSibling(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	linked := testEvidence(t, st, model.LinkingLinked)
	pending := testEvidence(t, st, model.LinkingPending)

	sibling, err := st.FindLinkedSibling(ctx, "C-5", pending.ID)
	require.NoError(t, err)
	require.NotNil(t, sibling)
	assert.Equal(t, linked.ID, sibling.ID)

	// No sibling when the source key is empty or unknown.
	sibling, err = st.FindLinkedSibling(ctx, "", pending.ID)
	require.NoError(t, err)
	assert.Nil(t, sibling)

	sibling, err = st.FindLinkedSibling(ctx, "C-99", pending.ID)
	require.NoError(t, err)
	assert.Nil(t, sibling)
}

// --- Promises ---

func TestSQLite_CreateAndGetPromise(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p := testPromise(t, st)

	fetched, err := st.GetPromise(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Text, fetched.Text)
	assert.Equal(t, []string{"climate"}, fetched.PolicyTags)
	assert.Nil(t, fetched.ProgressScore)
	assert.Nil(t, fetched.LastScoredAt)
}

func TestSQLite_GetPromises_Subset(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p1 := testPromise(t, st)
	testPromise(t, st)

	promises, err := st.GetPromises(ctx, []string{p1.ID, "unknown"})
	require.NoError(t, err)
	require.Len(t, promises, 1)
	assert.Equal(t, p1.ID, promises[0].ID)

	promises, err = st.GetPromises(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, promises)
}

func TestSQLite_ListPromisesBySession(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	testPromise(t, st)
	other := model.Promise{
		ID:         uuid.NewString(),
		Text:       "Other session promise",
		Department: "Finance Canada",
		Session:    "44-1",
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, st.CreatePromise(ctx, other))

	promises, err := st.ListPromisesBySession(ctx, "45-1")
	require.NoError(t, err)
	assert.Len(t, promises, 1)
}

func TestSQLite_UpdatePromiseScore(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p := testPromise(t, st)

	err := st.UpdatePromiseScore(ctx, p.ID, 4)
	require.NoError(t, err)

	fetched, err := st.GetPromise(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched.ProgressScore)
	assert.Equal(t, 4, *fetched.ProgressScore)
	assert.NotNil(t, fetched.LastScoredAt)
}

func TestSQLite_AppendPromiseEvidence_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p := testPromise(t, st)

	require.NoError(t, st.AppendPromiseEvidence(ctx, p.ID, "ev-1"))
	require.NoError(t, st.AppendPromiseEvidence(ctx, p.ID, "ev-2"))
	require.NoError(t, st.AppendPromiseEvidence(ctx, p.ID, "ev-1"))

	fetched, err := st.GetPromise(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"ev-1", "ev-2"}, fetched.EvidenceIDs)
}

// --- Links ---

func testLink(t *testing.T, st *SQLiteStore, promiseID, evidenceID string, confidence float64) model.Link {
	t.Helper()
	now := time.Now().UTC()
	link := model.Link{
		ID:           uuid.NewString(),
		PromiseID:    promiseID,
		EvidenceID:   evidenceID,
		Confidence:   confidence,
		Category:     model.CategoryDirectImplementation,
		MatchReasons: []string{"same department", "bill implements the commitment"},
		CreatedBy:    "linker",
		Status:       model.LinkActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, st.CreateLink(context.Background(), link))
	return link
}

func TestSQLite_GetActiveLink(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p := testPromise(t, st)
	e := testEvidence(t, st, model.LinkingLinked)
	created := testLink(t, st, p.ID, e.ID, 0.85)

	link, err := st.GetActiveLink(ctx, p.ID, e.ID)
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, created.ID, link.ID)
	assert.Equal(t, 0.85, link.Confidence)
	assert.Equal(t, model.CategoryDirectImplementation, link.Category)

	// Absent pair returns nil, not an error.
	link, err = st.GetActiveLink(ctx, p.ID, "unknown")
	require.NoError(t, err)
	assert.Nil(t, link)
}

func TestSQLite_ActivePairUnique(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p := testPromise(t, st)
	e := testEvidence(t, st, model.LinkingLinked)
	testLink(t, st, p.ID, e.ID, 0.7)

	// A second active link for the same pair violates the partial unique index.
	dup := model.Link{
		ID:         uuid.NewString(),
		PromiseID:  p.ID,
		EvidenceID: e.ID,
		Confidence: 0.9,
		Category:   model.CategorySupportingAction,
		CreatedBy:  "linker",
		Status:     model.LinkActive,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	err := st.CreateLink(ctx, dup)
	assert.Error(t, err)
}

func TestSQLite_SupersedeThenRelink(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p := testPromise(t, st)
	e := testEvidence(t, st, model.LinkingLinked)
	old := testLink(t, st, p.ID, e.ID, 0.6)

	require.NoError(t, st.SupersedeLink(ctx, old.ID))

	// After superseding, a fresh active link for the pair is allowed.
	replacement := testLink(t, st, p.ID, e.ID, 0.8)

	link, err := st.GetActiveLink(ctx, p.ID, e.ID)
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, replacement.ID, link.ID)
}

func TestSQLite_UpdateLinkConfidence(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p := testPromise(t, st)
	e := testEvidence(t, st, model.LinkingLinked)
	link := testLink(t, st, p.ID, e.ID, 0.6)

	err := st.UpdateLinkConfidence(ctx, link.ID, 0.75, []string{"re-validated"})
	require.NoError(t, err)

	fetched, err := st.GetActiveLink(ctx, p.ID, e.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, 0.75, fetched.Confidence)
	assert.Equal(t, []string{"re-validated"}, fetched.MatchReasons)
}

func TestSQLite_ListActiveLinks(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p1 := testPromise(t, st)
	p2 := testPromise(t, st)
	e := testEvidence(t, st, model.LinkingLinked)
	testLink(t, st, p1.ID, e.ID, 0.7)
	testLink(t, st, p2.ID, e.ID, 0.8)

	byEvidence, err := st.ListActiveLinksByEvidence(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, byEvidence, 2)

	byPromise, err := st.ListActiveLinksByPromise(ctx, p1.ID)
	require.NoError(t, err)
	assert.Len(t, byPromise, 1)
}

// --- Job history ---

func testExecution(jobName string, status model.ExecutionStatus, attempt int) model.JobExecutionRecord {
	now := time.Now().UTC()
	return model.JobExecutionRecord{
		ID:             uuid.NewString(),
		JobName:        jobName,
		Stage:          model.StageLinking,
		Status:         status,
		Attempt:        attempt,
		StartedAt:      now.Add(-time.Minute),
		EndedAt:        now,
		ItemsProcessed: 10,
		ItemsCreated:   3,
		Metadata:       map[string]int{"new_links_created": 3},
	}
}

func TestSQLite_AppendAndGetExecution(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := testExecution("evidence-linker", model.ExecutionSuccess, 1)
	require.NoError(t, st.AppendExecution(ctx, rec))

	fetched, err := st.GetExecution(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "evidence-linker", fetched.JobName)
	assert.Equal(t, model.ExecutionSuccess, fetched.Status)
	assert.Equal(t, 3, fetched.ItemsCreated)
	assert.Equal(t, 3, fetched.Metadata["new_links_created"])
}

func TestSQLite_ListExecutions_Filters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.AppendExecution(ctx, testExecution("evidence-linker", model.ExecutionSuccess, 1)))
	require.NoError(t, st.AppendExecution(ctx, testExecution("evidence-linker", model.ExecutionFailure, 2)))
	require.NoError(t, st.AppendExecution(ctx, testExecution("progress-scorer", model.ExecutionSuccess, 1)))

	all, err := st.ListExecutions(ctx, ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byJob, err := st.ListExecutions(ctx, ExecutionFilter{JobName: "evidence-linker"})
	require.NoError(t, err)
	assert.Len(t, byJob, 2)

	byStatus, err := st.ListExecutions(ctx, ExecutionFilter{Status: model.ExecutionFailure})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, 2, byStatus[0].Attempt)

	limited, err := st.ListExecutions(ctx, ExecutionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// --- Alerts ---

func TestSQLite_Alerts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	alert := model.Alert{
		ID:        uuid.NewString(),
		JobName:   "evidence-linker",
		Stage:     model.StageLinking,
		Message:   "evidence-linker failed after 4 attempts",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateAlert(ctx, alert))

	alerts, err := st.ListAlerts(ctx, false, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.Message, alerts[0].Message)
	assert.False(t, alerts[0].Resolved)

	require.NoError(t, st.ResolveAlert(ctx, alert.ID))

	alerts, err = st.ListAlerts(ctx, false, 10)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	alerts, err = st.ListAlerts(ctx, true, 10)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

// --- Migrate ---

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.Migrate(context.Background())
	require.NoError(t, err)
}
