package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/civicnorth/tracker-cli/internal/config"
	"github.com/civicnorth/tracker-cli/internal/ingest"
	"github.com/civicnorth/tracker-cli/internal/job"
	"github.com/civicnorth/tracker-cli/internal/linker"
	"github.com/civicnorth/tracker-cli/internal/model"
	"github.com/civicnorth/tracker-cli/internal/orchestrator"
	"github.com/civicnorth/tracker-cli/internal/process"
	"github.com/civicnorth/tracker-cli/internal/scorer"
	"github.com/civicnorth/tracker-cli/internal/store"
	"github.com/civicnorth/tracker-cli/pkg/anthropic"
	"github.com/civicnorth/tracker-cli/pkg/embeddings"
	"github.com/civicnorth/tracker-cli/pkg/legisinfo"
	"github.com/civicnorth/tracker-cli/pkg/validator"
)

// env holds the wired pipeline for one command invocation.
type env struct {
	Store store.Store
	Orch  *orchestrator.Orchestrator
}

func (e *env) Close() {
	_ = e.Store.Close()
}

// initEnv opens the store, builds every configured job through the static
// registry, and registers them with the orchestrator.
func initEnv(ctx context.Context) (*env, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}

	runner := job.NewRunner(st)
	orch := orchestrator.New(cfg.Orchestrator, runner, st)

	jobs, err := buildJobs(cfg, st)
	if err != nil {
		st.Close()
		return nil, err
	}
	for name, j := range jobs {
		if err := orch.Register(name, j, cfg.Jobs[name]); err != nil {
			st.Close()
			return nil, err
		}
	}

	return &env{Store: st, Orch: orch}, nil
}

func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL)
	case "", "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// buildJobs is the static job registry: each configured job name maps to a
// constructor chosen by its stage.
func buildJobs(cfg *config.Config, st store.Store) (map[string]job.Job, error) {
	llm := anthropic.NewClient(cfg.Anthropic.Key)
	emb := embeddings.NewClient(cfg.Embeddings.Key,
		embeddings.WithBaseURL(cfg.Embeddings.BaseURL),
		embeddings.WithModel(cfg.Embeddings.Model),
	)
	val := validator.New(llm,
		validator.WithModel(cfg.Anthropic.ValidatorModel),
		validator.WithMaxPairsPerCall(cfg.Anthropic.MaxPairsPerCall),
		validator.WithRateLimit(cfg.Anthropic.RatePerSecond, int(cfg.Anthropic.RatePerSecond)*2),
	)
	bills := legisinfo.NewClient(legisinfo.WithBaseURL(cfg.LegisInfo.BaseURL))

	jobs := make(map[string]job.Job, len(cfg.Jobs))
	for name, jc := range cfg.Jobs {
		switch model.Stage(jc.Stage) {
		case model.StageIngestion:
			jobs[name] = ingest.NewIngestor(name, ingest.NewLegisInfoSource(bills, cfg.LegisInfo.Session), st)
		case model.StageProcessing:
			jobs[name] = process.NewProcessor(name, st, llm, cfg.Anthropic.ExtractModel)
		case model.StageLinking:
			jobs[name] = linker.New(name, st, emb, val, cfg.Linker)
		case model.StageScoring:
			jobs[name] = scorer.New(name, st, cfg.LegisInfo.Session, cfg.Scorer)
		default:
			return nil, eris.Errorf("job %q has unknown stage %q", name, jc.Stage)
		}
	}
	return jobs, nil
}
