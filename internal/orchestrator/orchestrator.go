// Package orchestrator owns the static job registry, conditional stage
// triggers, and the concurrency bounds around job execution.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/civicnorth/tracker-cli/internal/config"
	"github.com/civicnorth/tracker-cli/internal/job"
	"github.com/civicnorth/tracker-cli/internal/model"
	"github.com/civicnorth/tracker-cli/internal/store"
)

var (
	ErrUnknownJob = eris.New("orchestrator: unknown job")
	ErrJobBusy    = eris.New("orchestrator: job is already running")
	ErrJobQueued  = eris.New("orchestrator: job re-queued behind a running instance")
)

// registration binds a job implementation to its static configuration and
// pre-parsed trigger conditions.
type registration struct {
	job      job.Job
	cfg      config.JobConfig
	triggers []parsedTrigger
}

type parsedTrigger struct {
	cond      condition
	targetJob string
}

// JobInfo describes a registered job for listing endpoints.
type JobInfo struct {
	Name     string                 `json:"name"`
	Stage    model.Stage            `json:"stage"`
	Schedule string                 `json:"schedule,omitempty"`
	Triggers []config.TriggerConfig `json:"triggers,omitempty"`
}

// Orchestrator runs registered jobs under a global concurrency limit, rejects
// or re-queues overlapping runs of the same job, and enqueues downstream jobs
// when a run's counters satisfy a trigger condition.
type Orchestrator struct {
	cfg    config.OrchestratorConfig
	runner *job.Runner
	store  store.Store

	mu   sync.Mutex
	jobs map[string]*registration
	busy map[string]bool

	sem   *semaphore.Weighted
	queue chan string
	cron  *cron.Cron
	wg    sync.WaitGroup
	quit  chan struct{}
	once  sync.Once
}

func New(cfg config.OrchestratorConfig, runner *job.Runner, st store.Store) *Orchestrator {
	maxConcurrent := cfg.MaxConcurrentJobs
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Orchestrator{
		cfg:    cfg,
		runner: runner,
		store:  st,
		jobs:   make(map[string]*registration),
		busy:   make(map[string]bool),
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		queue:  make(chan string, queueSize),
		cron:   cron.New(),
		quit:   make(chan struct{}),
	}
}

// Register adds a job under its configured name. The configuration's stage
// must match the implementation's.
func (o *Orchestrator) Register(name string, j job.Job, cfg config.JobConfig) error {
	if model.Stage(cfg.Stage) != j.Stage() {
		return eris.Errorf("orchestrator: job %q config stage %q does not match implementation stage %q",
			name, cfg.Stage, j.Stage())
	}

	triggers := make([]parsedTrigger, 0, len(cfg.Triggers))
	for _, tr := range cfg.Triggers {
		cond, err := parseCondition(tr.Condition)
		if err != nil {
			return eris.Wrapf(err, "orchestrator: job %q", name)
		}
		triggers = append(triggers, parsedTrigger{cond: cond, targetJob: tr.TargetJob})
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.jobs[name]; exists {
		return eris.Errorf("orchestrator: job %q already registered", name)
	}
	o.jobs[name] = &registration{job: j, cfg: cfg, triggers: triggers}
	return nil
}

// Jobs lists registered jobs sorted by name.
func (o *Orchestrator) Jobs() []JobInfo {
	o.mu.Lock()
	defer o.mu.Unlock()

	infos := make([]JobInfo, 0, len(o.jobs))
	for name, reg := range o.jobs {
		infos = append(infos, JobInfo{
			Name:     name,
			Stage:    reg.job.Stage(),
			Schedule: reg.cfg.Schedule,
			Triggers: reg.cfg.Triggers,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// ExecuteJob runs a registered job synchronously and fires any triggers whose
// condition the result satisfies. A job already running is rejected under the
// "reject" busy policy and re-queued under "queue".
func (o *Orchestrator) ExecuteJob(ctx context.Context, name string) (*job.Result, error) {
	o.mu.Lock()
	reg, ok := o.jobs[name]
	if !ok {
		o.mu.Unlock()
		return nil, eris.Wrapf(ErrUnknownJob, "%q", name)
	}
	if o.busy[name] {
		o.mu.Unlock()
		return nil, o.handleBusy(ctx, name, reg)
	}
	o.busy[name] = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.busy[name] = false
		o.mu.Unlock()
	}()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, eris.Wrap(err, "orchestrator: acquire slot")
	}
	defer o.sem.Release(1)

	res, err := o.runner.Run(ctx, reg.job, reg.cfg)
	if err != nil {
		return nil, err
	}

	o.fireTriggers(name, reg, res)
	return res, nil
}

// BatchOutcome is the per-job result of ExecuteBatch.
type BatchOutcome struct {
	Name   string
	Result *job.Result
	Err    error
}

// ExecuteBatch runs the named jobs concurrently, bounded by the global
// concurrency limit. A failing job does not stop its siblings.
func (o *Orchestrator) ExecuteBatch(ctx context.Context, names []string) []BatchOutcome {
	outcomes := make([]BatchOutcome, len(names))
	g, ctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			res, err := o.ExecuteJob(ctx, name)
			outcomes[i] = BatchOutcome{Name: name, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (o *Orchestrator) handleBusy(ctx context.Context, name string, reg *registration) error {
	if o.cfg.BusyPolicy == "queue" {
		o.enqueue(name, "busy requeue")
		return eris.Wrapf(ErrJobQueued, "%q", name)
	}

	rec := model.JobExecutionRecord{
		ID:        uuid.NewString(),
		JobName:   name,
		Stage:     reg.job.Stage(),
		Status:    model.ExecutionBusy,
		Attempt:   1,
		StartedAt: time.Now().UTC(),
		EndedAt:   time.Now().UTC(),
		Error:     "rejected: job already running",
	}
	if err := o.store.AppendExecution(ctx, rec); err != nil {
		zap.L().Warn("failed to record busy rejection", zap.String("job", name), zap.Error(err))
	}
	return eris.Wrapf(ErrJobBusy, "%q", name)
}

func (o *Orchestrator) fireTriggers(name string, reg *registration, res *job.Result) {
	for i, tr := range reg.triggers {
		if !tr.cond.eval(res) {
			continue
		}
		zap.L().Info("trigger fired",
			zap.String("job", name),
			zap.String("condition", reg.cfg.Triggers[i].Condition),
			zap.String("target", tr.targetJob),
		)
		o.enqueue(tr.targetJob, "trigger from "+name)
	}
}

// enqueue submits a job for asynchronous execution. A full queue drops the
// request with a warning rather than blocking the finishing job.
func (o *Orchestrator) enqueue(name, reason string) {
	select {
	case o.queue <- name:
	default:
		zap.L().Warn("trigger queue full, dropping request",
			zap.String("job", name),
			zap.String("reason", reason),
		)
	}
}

// Start launches the trigger queue worker and the cron scheduler for jobs
// with a schedule. It returns immediately.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	for name, reg := range o.jobs {
		if reg.cfg.Schedule == "" {
			continue
		}
		if _, err := o.cron.AddFunc(reg.cfg.Schedule, func() {
			o.enqueue(name, "schedule")
		}); err != nil {
			o.mu.Unlock()
			return eris.Wrapf(err, "orchestrator: schedule job %q", name)
		}
	}
	o.mu.Unlock()

	o.cron.Start()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-o.quit:
				return
			case <-ctx.Done():
				return
			case name := <-o.queue:
				if _, err := o.ExecuteJob(ctx, name); err != nil && !eris.Is(err, ErrJobBusy) && !eris.Is(err, ErrJobQueued) {
					zap.L().Error("queued job failed", zap.String("job", name), zap.Error(err))
				}
			}
		}
	}()
	return nil
}

// Stop halts the scheduler and the queue worker. Queued requests that have
// not started are discarded.
func (o *Orchestrator) Stop() {
	o.once.Do(func() {
		o.cron.Stop()
		close(o.quit)
	})
	o.wg.Wait()
}

// History returns execution records matching the filter.
func (o *Orchestrator) History(ctx context.Context, filter store.ExecutionFilter) ([]model.JobExecutionRecord, error) {
	return o.store.ListExecutions(ctx, filter)
}

// Execution returns a single execution record by id.
func (o *Orchestrator) Execution(ctx context.Context, id string) (*model.JobExecutionRecord, error) {
	return o.store.GetExecution(ctx, id)
}

// Alerts returns alerts, optionally including resolved ones.
func (o *Orchestrator) Alerts(ctx context.Context, includeResolved bool, limit int) ([]model.Alert, error) {
	return o.store.ListAlerts(ctx, includeResolved, limit)
}
