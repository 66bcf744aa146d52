package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/animus-labs/animus-pipeline/internal/domain"
	"github.com/animus-labs/animus-pipeline/internal/repo"
	"github.com/animus-labs/animus-pipeline/internal/service/jobs"
)

// StageFunc is the stage specific part of processing a job.
type StageFunc func(ctx context.Context, run domain.Run, job domain.Job, traceID string) error

// Lifecycle loads the job of a request, skips jobs that no longer need work, marks the job
// RUNNING and calls the stage function.
type Lifecycle struct {
	stage      domain.Stage
	jobs       repo.JobRepository
	runs       repo.RunRepository
	reconciler *jobs.Reconciler
	fn         StageFunc
	logger     *slog.Logger
	now        func() time.Time
}

func NewLifecycle(stage domain.Stage, jobRepo repo.JobRepository, runRepo repo.RunRepository, reconciler *jobs.Reconciler, fn StageFunc, logger *slog.Logger) *Lifecycle {
	if jobRepo == nil || runRepo == nil || reconciler == nil || fn == nil {
		return nil
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Lifecycle{
		stage:      stage,
		jobs:       jobRepo,
		runs:       runRepo,
		reconciler: reconciler,
		fn:         fn,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (l *Lifecycle) Run(ctx context.Context, jobID, traceID string) RunResult {
	job, err := l.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Failure(fmt.Errorf("job %s does not exist", jobID))
		}
		return Failure(fmt.Errorf("load job %s: %w", jobID, err))
	}
	if job.Stage != l.stage {
		return Failure(fmt.Errorf("job %s belongs to stage %s", jobID, job.Stage))
	}
	if job.Status.IsTerminal() {
		l.logger.Info("job already completed", "job_id", jobID, "status", string(job.Status))
		return Ignored()
	}

	run, err := l.runs.GetRun(ctx, job.RunID)
	if err != nil {
		return Failure(fmt.Errorf("load run %s: %w", job.RunID, err))
	}
	if run.Status == domain.RunStatusFailed {
		l.logger.Info("run already failed", "job_id", jobID, "run_id", run.ID)
		return Ignored()
	}

	job, started, err := l.reconciler.Start(ctx, jobID, l.now())
	if err != nil {
		return Failure(fmt.Errorf("start job %s: %w", jobID, err))
	}
	if !started && job.Status.IsTerminal() {
		return Ignored()
	}

	if err := l.fn(ctx, run, job, traceID); err != nil {
		return Failure(err)
	}
	return Success()
}
