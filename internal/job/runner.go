package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicnorth/tracker-cli/internal/config"
	"github.com/civicnorth/tracker-cli/internal/model"
	"github.com/civicnorth/tracker-cli/internal/resilience"
	"github.com/civicnorth/tracker-cli/internal/store"
)

// Runner executes a job under its configured timeout and retry policy,
// recording one execution row per attempt and raising an alert when every
// attempt has been spent.
type Runner struct {
	store store.Store
}

func NewRunner(st store.Store) *Runner {
	return &Runner{store: st}
}

// Run executes j according to cfg. Each attempt gets its own timeout
// derived from cfg.TimeoutSeconds; retries follow cfg.RetryAttempts and
// cfg.BackoffBaseSeconds. Permanent errors stop retrying immediately.
func (r *Runner) Run(ctx context.Context, j Job, cfg config.JobConfig) (*Result, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	retryCfg := resilience.FromJobConfig(cfg.RetryAttempts, cfg.BackoffBaseSeconds)

	attempt := 0
	res, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*Result, error) {
		attempt++
		return r.runOnce(ctx, j, timeout, attempt)
	})
	if err != nil {
		r.raiseAlert(ctx, j, attempt, err)
		return nil, eris.Wrapf(err, "job %s failed after %d attempt(s)", j.Name(), attempt)
	}

	zap.L().Info("job completed",
		zap.String("job", j.Name()),
		zap.String("stage", string(j.Stage())),
		zap.Int("attempts", attempt),
		zap.Int("items_processed", res.ItemsProcessed),
		zap.Int("items_created", res.ItemsCreated),
		zap.Int("items_updated", res.ItemsUpdated),
	)
	return res, nil
}

func (r *Runner) runOnce(ctx context.Context, j Job, timeout time.Duration, attempt int) (*Result, error) {
	started := time.Now().UTC()

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := j.Run(runCtx)

	rec := model.JobExecutionRecord{
		ID:        uuid.NewString(),
		JobName:   j.Name(),
		Stage:     j.Stage(),
		Status:    model.ExecutionSuccess,
		Attempt:   attempt,
		StartedAt: started,
		EndedAt:   time.Now().UTC(),
	}
	if res != nil {
		rec.ItemsProcessed = res.ItemsProcessed
		rec.ItemsCreated = res.ItemsCreated
		rec.ItemsUpdated = res.ItemsUpdated
		rec.ItemsSkipped = res.ItemsSkipped
		rec.ErrorCount = res.ErrorCount
		rec.Metadata = res.Metadata
	}
	if err != nil {
		rec.Status = model.ExecutionFailure
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			rec.Status = model.ExecutionTimeout
		}
		rec.Error = err.Error()
	}

	// History writes use the parent context so a per-attempt timeout does
	// not also lose the record of the attempt.
	if histErr := r.store.AppendExecution(context.WithoutCancel(ctx), rec); histErr != nil {
		zap.L().Warn("failed to record job execution",
			zap.String("job", j.Name()),
			zap.Int("attempt", attempt),
			zap.Error(histErr),
		)
	}

	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Runner) raiseAlert(ctx context.Context, j Job, attempts int, err error) {
	alert := model.Alert{
		ID:        uuid.NewString(),
		JobName:   j.Name(),
		Stage:     j.Stage(),
		Message:   fmt.Sprintf("job %s failed after %d attempt(s): %v", j.Name(), attempts, err),
		CreatedAt: time.Now().UTC(),
	}
	if alertErr := r.store.CreateAlert(context.WithoutCancel(ctx), alert); alertErr != nil {
		zap.L().Error("failed to create alert",
			zap.String("job", j.Name()),
			zap.Error(alertErr),
		)
	}
	zap.L().Error("job exhausted retries",
		zap.String("job", j.Name()),
		zap.String("stage", string(j.Stage())),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
}
