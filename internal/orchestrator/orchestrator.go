// Package orchestrator drives runs through the pipeline. It creates the job of each configured
// stage, sends the stage request, and applies the worker results through the completion
// reconciler, so duplicated results never advance a run twice.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/animus-labs/animus-pipeline/internal/domain"
	"github.com/animus-labs/animus-pipeline/internal/messaging"
	"github.com/animus-labs/animus-pipeline/internal/platform/metrics"
	"github.com/animus-labs/animus-pipeline/internal/repo"
	"github.com/animus-labs/animus-pipeline/internal/service/jobs"
)

// SenderProvider returns the sender of an endpoint. messaging.Transports implements it.
type SenderProvider interface {
	Sender(endpoint messaging.Endpoint) (messaging.Sender, error)
}

type Config struct {
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	Headers    messaging.HeaderFactory
}

type Orchestrator struct {
	runs       repo.RunRepository
	jobs       repo.JobRepository
	reconciler *jobs.Reconciler
	senders    SenderProvider
	headers    messaging.HeaderFactory
	logger     *slog.Logger
	scheduled  *prometheus.CounterVec
	runResults *prometheus.CounterVec
	now        func() time.Time
	newTraceID func() string
}

func New(runRepo repo.RunRepository, jobRepo repo.JobRepository, reconciler *jobs.Reconciler, senders SenderProvider, cfg Config) *Orchestrator {
	if runRepo == nil || jobRepo == nil || reconciler == nil || senders == nil {
		return nil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	o := &Orchestrator{
		runs:       runRepo,
		jobs:       jobRepo,
		reconciler: reconciler,
		senders:    senders,
		headers:    cfg.Headers,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		newTraceID: uuid.NewString,
	}
	o.scheduled = metrics.MustRegisterCounterVec(cfg.Registerer, "orchestrator", "jobs_scheduled_total",
		"Scheduled stage jobs by stage.", "stage")
	o.runResults = metrics.MustRegisterCounterVec(cfg.Registerer, "orchestrator", "runs_completed_total",
		"Completed runs by status.", "status")
	return o
}

// Start stores a new run and schedules its first configured stage. An empty traceID starts a
// new trace.
func (o *Orchestrator) Start(ctx context.Context, run domain.Run, traceID string) error {
	if traceID == "" {
		traceID = o.newTraceID()
	}
	run.Status = domain.RunStatusCreated
	if run.CreatedAt.IsZero() {
		run.CreatedAt = o.now()
	}
	if err := o.runs.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	o.logger.Info("run created", "run_id", run.ID, "trace_id", traceID)

	stage, cfg, ok := firstStage(run.JobConfigs, "")
	if !ok {
		return o.finishRun(ctx, run.ID, domain.RunStatusFinished)
	}
	if err := o.runs.UpdateRunStatus(ctx, run.ID, domain.RunStatusActive, nil); err != nil {
		return fmt.Errorf("activate run %s: %w", run.ID, err)
	}
	return o.schedule(ctx, run.ID, stage, cfg, traceID)
}

// Run handles worker results until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, receiver messaging.Receiver) error {
	o.logger.Info("orchestrator started")
	defer o.logger.Info("orchestrator stopped")
	return receiver.Receive(ctx, o.Handle)
}

// Handle applies one worker result. Results for unknown jobs and duplicates are dropped; other
// errors are returned so the result is redelivered.
func (o *Orchestrator) Handle(ctx context.Context, msg messaging.Message) error {
	switch p := msg.Payload.(type) {
	case messaging.StageWorkerResult:
		return o.complete(ctx, msg.Header, p.Stage, p.JobID, domain.JobStatusFinished)
	case messaging.StageWorkerError:
		return o.complete(ctx, msg.Header, p.Stage, p.JobID, domain.JobStatusFailed)
	default:
		o.logger.Error("unexpected message", "trace_id", msg.Header.TraceID)
		return nil
	}
}

func (o *Orchestrator) complete(ctx context.Context, header messaging.Header, stage domain.Stage, jobID string, status domain.JobStatus) error {
	logger := o.logger.With("job_id", jobID, "stage", string(stage), "trace_id", header.TraceID)

	job, applied, err := o.reconciler.TryComplete(ctx, jobID, o.now(), status)
	if errors.Is(err, repo.ErrNotFound) {
		logger.Warn("result for unknown job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	if !applied {
		logger.Info("duplicate result")
		// The first delivery may have failed after completing the job. Advancing again is a
		// no-op once the next stage exists.
		if job, err = o.jobs.Get(ctx, jobID); err != nil {
			return fmt.Errorf("load job %s: %w", jobID, err)
		}
	} else if status == domain.JobStatusFailed {
		logger.Warn("stage failed")
	}
	return o.advance(ctx, job, header.TraceID)
}

// advance moves the run of a completed job on: a failed job fails the run, a finished job
// schedules the next configured stage or finishes the run.
func (o *Orchestrator) advance(ctx context.Context, job domain.Job, traceID string) error {
	run, err := o.runs.GetRun(ctx, job.RunID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", job.RunID, err)
	}
	if run.Status.IsTerminal() {
		return nil
	}
	if job.Status == domain.JobStatusFailed {
		return o.finishRun(ctx, run.ID, domain.RunStatusFailed)
	}
	next, cfg, ok := firstStage(run.JobConfigs, job.Stage)
	if !ok {
		return o.finishRun(ctx, run.ID, domain.RunStatusFinished)
	}
	return o.schedule(ctx, run.ID, next, cfg, traceID)
}

// schedule creates the job of stage and sends its request. The request is sent only after the
// job was recorded.
func (o *Orchestrator) schedule(ctx context.Context, runID string, stage domain.Stage, cfg domain.JobConfiguration, traceID string) error {
	logger := o.logger.With("run_id", runID, "stage", string(stage), "trace_id", traceID)

	job, err := o.jobs.Create(ctx, runID, cfg)
	if errors.Is(err, repo.ErrConflict) {
		logger.Info("stage already scheduled")
		return nil
	}
	if err != nil {
		return fmt.Errorf("create %s job for run %s: %w", stage, runID, err)
	}
	if _, err := o.jobs.Update(ctx, job.ID, domain.JobUpdate{Status: domain.Present(domain.JobStatusScheduled)}); err != nil {
		return fmt.Errorf("schedule job %s: %w", job.ID, err)
	}

	if err := o.send(ctx, stage, job.ID, traceID); err != nil {
		// Without its request the job would never run. Removing it lets a redelivered result
		// schedule the stage again.
		if delErr := o.jobs.Delete(ctx, job.ID); delErr != nil {
			logger.Error("remove unsent job", "job_id", job.ID, "error", delErr)
		}
		return err
	}
	o.scheduled.WithLabelValues(string(stage)).Inc()
	logger.Info("job scheduled", "job_id", job.ID)
	return nil
}

func (o *Orchestrator) send(ctx context.Context, stage domain.Stage, jobID, traceID string) error {
	header, err := o.headers.New(traceID)
	if err != nil {
		return err
	}
	sender, err := o.senders.Sender(messaging.StageEndpoint(stage))
	if err != nil {
		return err
	}
	req := messaging.Message{Header: header, Payload: messaging.StageRequest{Stage: stage, JobID: jobID}}
	if err := sender.Send(ctx, req); err != nil {
		return fmt.Errorf("send %s request for job %s: %w", stage, jobID, err)
	}
	return nil
}

func (o *Orchestrator) finishRun(ctx context.Context, runID string, status domain.RunStatus) error {
	finishedAt := o.now()
	if err := o.runs.UpdateRunStatus(ctx, runID, status, &finishedAt); err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	o.runResults.WithLabelValues(string(status)).Inc()
	o.logger.Info("run completed", "run_id", runID, "status", string(status))
	return nil
}

// firstStage returns the first configured stage after the given one. An empty after starts at
// the beginning of the pipeline.
func firstStage(configs domain.JobConfigurations, after domain.Stage) (domain.Stage, domain.JobConfiguration, bool) {
	stage := domain.Stages[0]
	if after != "" {
		next, ok := domain.NextStage(after)
		if !ok {
			return "", nil, false
		}
		stage = next
	}
	for {
		if cfg, ok := configs.For(stage); ok {
			return stage, cfg, true
		}
		next, ok := domain.NextStage(stage)
		if !ok {
			return "", nil, false
		}
		stage = next
	}
}
