package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/civicnorth/tracker-cli/internal/model"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	origDir, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(origDir) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "tracker.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)

	assert.Equal(t, 8, cfg.Anthropic.MaxPairsPerCall)
	assert.Equal(t, "https://api.jina.ai/v1", cfg.Embeddings.BaseURL)
	assert.Equal(t, "45-1", cfg.LegisInfo.Session)

	assert.InDelta(t, 0.35, cfg.Linker.SimilarityFloor, 1e-9)
	assert.InDelta(t, 0.55, cfg.Linker.SimilarityThreshold, 1e-9)
	assert.InDelta(t, 0.82, cfg.Linker.HighSimilarityBypass, 1e-9)
	assert.InDelta(t, 0.05, cfg.Linker.MaterialityDelta, 1e-9)
	assert.True(t, cfg.Linker.DepartmentFilter)

	assert.Equal(t, 4, cfg.Orchestrator.MaxConcurrentJobs)
	assert.Equal(t, "reject", cfg.Orchestrator.BusyPolicy)

	// Built-in pipeline jobs are present and chained.
	require.Contains(t, cfg.Jobs, "legisinfo-bills")
	require.Contains(t, cfg.Jobs, "evidence-linker")
	assert.Equal(t, string(model.StageLinking), cfg.Jobs["evidence-linker"].Stage)
	require.Len(t, cfg.Jobs["legisinfo-bills"].Triggers, 1)
	assert.Equal(t, "evidence-processor", cfg.Jobs["legisinfo-bills"].Triggers[0].TargetJob)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/tracker
linker:
  similarity_threshold: 0.6
server:
  port: 9999
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	chdir(t, dir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/tracker", cfg.Store.DatabaseURL)
	assert.InDelta(t, 0.6, cfg.Linker.SimilarityThreshold, 1e-9)
	assert.Equal(t, 9999, cfg.Server.Port)
	// Unset keys keep their defaults.
	assert.InDelta(t, 0.35, cfg.Linker.SimilarityFloor, 1e-9)
}

func TestLoadBadJobConfig(t *testing.T) {
	dir := t.TempDir()
	yaml := `
jobs:
  broken-job:
    stage: launching
    timeout_seconds: 60
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	chdir(t, dir)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stage")
}

func TestValidateJobs(t *testing.T) {
	base := func() map[string]JobConfig {
		return map[string]JobConfig{
			"a": {Stage: string(model.StageIngestion), Triggers: []TriggerConfig{
				{Condition: "items_created > 0", TargetStage: string(model.StageProcessing), TargetJob: "b"},
			}},
			"b": {Stage: string(model.StageProcessing)},
		}
	}

	require.NoError(t, ValidateJobs(base()))

	jobs := base()
	jobs["a"] = JobConfig{Stage: "launching"}
	assert.Error(t, ValidateJobs(jobs))

	jobs = base()
	a := jobs["a"]
	a.Schedule = "not a cron line"
	jobs["a"] = a
	assert.Error(t, ValidateJobs(jobs))

	jobs = base()
	a = jobs["a"]
	a.Triggers = []TriggerConfig{{Condition: "items_created > 0", TargetStage: string(model.StageProcessing), TargetJob: "missing"}}
	jobs["a"] = a
	err := ValidateJobs(jobs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job")

	jobs = base()
	a = jobs["a"]
	a.Triggers = []TriggerConfig{{Condition: "items_created > 0", TargetStage: string(model.StageLinking), TargetJob: "b"}}
	jobs["a"] = a
	err = ValidateJobs(jobs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestDefaultJobsValidate(t *testing.T) {
	require.NoError(t, ValidateJobs(DefaultJobs()))
}

func TestEnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("TRACKER_SERVER_PORT", "7070")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())

	require.Error(t, InitLogger(LogConfig{Level: "shouty", Format: "json"}))
}
