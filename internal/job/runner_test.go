package job

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicnorth/tracker-cli/internal/config"
	"github.com/civicnorth/tracker-cli/internal/model"
	"github.com/civicnorth/tracker-cli/internal/resilience"
	"github.com/civicnorth/tracker-cli/internal/store"
)

type fakeJob struct {
	name  string
	stage model.Stage
	calls int
	run   func(ctx context.Context, call int) (*Result, error)
}

func (f *fakeJob) Name() string       { return f.name }
func (f *fakeJob) Stage() model.Stage { return f.stage }

func (f *fakeJob) Run(ctx context.Context) (*Result, error) {
	f.calls++
	return f.run(ctx, f.calls)
}

func newTestRunner(t *testing.T) (*Runner, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "runner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return NewRunner(st), st
}

func fastConfig(retries int) config.JobConfig {
	return config.JobConfig{
		Stage:              string(model.StageIngestion),
		TimeoutSeconds:     5,
		RetryAttempts:      retries,
		BackoffBaseSeconds: 0.001,
	}
}

func TestRun_Success(t *testing.T) {
	runner, st := newTestRunner(t)
	j := &fakeJob{name: "bill-ingestor", stage: model.StageIngestion, run: func(ctx context.Context, call int) (*Result, error) {
		res := &Result{ItemsProcessed: 10, ItemsCreated: 4}
		res.AddMetadata("new_links_created", 2)
		return res, nil
	}}

	res, err := runner.Run(context.Background(), j, fastConfig(2))
	require.NoError(t, err)
	assert.Equal(t, 4, res.ItemsCreated)
	assert.Equal(t, 1, j.calls)

	recs, err := st.ListExecutions(context.Background(), store.ExecutionFilter{JobName: "bill-ingestor"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.ExecutionSuccess, recs[0].Status)
	assert.Equal(t, 1, recs[0].Attempt)
	assert.Equal(t, 2, recs[0].Metadata["new_links_created"])
}

func TestRun_RetriesThenSucceeds(t *testing.T) {
	runner, st := newTestRunner(t)
	j := &fakeJob{name: "evidence-processor", stage: model.StageProcessing, run: func(ctx context.Context, call int) (*Result, error) {
		if call < 3 {
			return nil, eris.New("upstream flake")
		}
		return &Result{ItemsProcessed: 1}, nil
	}}

	res, err := runner.Run(context.Background(), j, fastConfig(3))
	require.NoError(t, err)
	assert.Equal(t, 1, res.ItemsProcessed)
	assert.Equal(t, 3, j.calls)

	recs, err := st.ListExecutions(context.Background(), store.ExecutionFilter{JobName: "evidence-processor"})
	require.NoError(t, err)
	require.Len(t, recs, 3)

	alerts, err := st.ListAlerts(context.Background(), true, 10)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestRun_ExhaustsRetriesAndAlerts(t *testing.T) {
	runner, st := newTestRunner(t)
	j := &fakeJob{name: "evidence-linker", stage: model.StageLinking, run: func(ctx context.Context, call int) (*Result, error) {
		return nil, eris.New("always down")
	}}

	_, err := runner.Run(context.Background(), j, fastConfig(2))
	require.Error(t, err)
	assert.Equal(t, 3, j.calls)

	recs, err := st.ListExecutions(context.Background(), store.ExecutionFilter{JobName: "evidence-linker"})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for _, rec := range recs {
		assert.Equal(t, model.ExecutionFailure, rec.Status)
		assert.Contains(t, rec.Error, "always down")
	}

	alerts, err := st.ListAlerts(context.Background(), false, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "evidence-linker", alerts[0].JobName)
	assert.Contains(t, alerts[0].Message, "3 attempt(s)")
}

func TestRun_PermanentErrorRunsOnce(t *testing.T) {
	runner, st := newTestRunner(t)
	j := &fakeJob{name: "bill-ingestor", stage: model.StageIngestion, run: func(ctx context.Context, call int) (*Result, error) {
		return nil, resilience.NewPermanentError(resilience.KindAuth, eris.New("bad api key"))
	}}

	_, err := runner.Run(context.Background(), j, fastConfig(5))
	require.Error(t, err)
	assert.Equal(t, 1, j.calls)

	recs, err := st.ListExecutions(context.Background(), store.ExecutionFilter{JobName: "bill-ingestor"})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	alerts, err := st.ListAlerts(context.Background(), false, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
}

func TestRun_TimeoutRecordsTimeoutStatus(t *testing.T) {
	runner, st := newTestRunner(t)
	j := &fakeJob{name: "progress-scorer", stage: model.StageScoring, run: func(ctx context.Context, call int) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	cfg := fastConfig(0)
	cfg.TimeoutSeconds = 1
	start := time.Now()
	_, err := runner.Run(context.Background(), j, cfg)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)

	recs, err := st.ListExecutions(context.Background(), store.ExecutionFilter{JobName: "progress-scorer"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.ExecutionTimeout, recs[0].Status)
}

func TestResultCounter(t *testing.T) {
	res := &Result{ItemsProcessed: 7, ItemsCreated: 2}
	res.AddMetadata("new_links_created", 5)

	v, ok := res.Counter("items_processed")
	assert.True(t, ok)
	assert.Equal(t, 7, v)

	v, ok = res.Counter("new_links_created")
	assert.True(t, ok)
	assert.Equal(t, 5, v)

	_, ok = res.Counter("unknown_counter")
	assert.False(t, ok)

	var nilRes *Result
	_, ok = nilRes.Counter("items_created")
	assert.False(t, ok)
}
