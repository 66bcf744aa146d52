package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/animus-labs/animus-pipeline/internal/domain"
	"github.com/animus-labs/animus-pipeline/internal/platform/metrics"
	"github.com/animus-labs/animus-pipeline/internal/repo"
)

const (
	outcomeApplied   = "applied"
	outcomeDuplicate = "duplicate"
	outcomeForced    = "forced"
)

type Config struct {
	Logger     *slog.Logger
	Registerer prometheus.Registerer

	// MaxAttempts bounds the retries of a write that lost a lock conflict.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Reconciler struct {
	jobs        repo.JobRepository
	logger      *slog.Logger
	completions *prometheus.CounterVec
	attempts    int
	initial     time.Duration
	max         time.Duration
}

func New(jobRepo repo.JobRepository, cfg Config) *Reconciler {
	if jobRepo == nil {
		return nil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Reconciler{
		jobs:     jobRepo,
		logger:   logger,
		attempts: cfg.MaxAttempts,
		initial:  cfg.InitialBackoff,
		max:      cfg.MaxBackoff,
	}
	r.completions = metrics.MustRegisterCounterVec(cfg.Registerer, "jobs", "completions_total",
		"Job completion reports by stage and outcome.", "stage", "outcome")
	if r.attempts < 1 {
		r.attempts = 5
	}
	if r.initial <= 0 {
		r.initial = 50 * time.Millisecond
	}
	if r.max < r.initial {
		r.max = time.Second
	}
	return r
}

// Complete sets finishedAt and status regardless of the current status of the job.
func (r *Reconciler) Complete(ctx context.Context, id string, finishedAt time.Time, status domain.JobStatus) (domain.Job, error) {
	if !status.IsTerminal() {
		return domain.Job{}, fmt.Errorf("status %s is not terminal: %w", status, repo.ErrInvalidArgument)
	}
	var job domain.Job
	err := r.retry(ctx, func() error {
		var err error
		job, err = r.jobs.Update(ctx, id, domain.JobUpdate{
			FinishedAt: domain.Present(&finishedAt),
			Status:     domain.Present(status),
		})
		return err
	})
	if err != nil {
		return domain.Job{}, err
	}
	r.completions.WithLabelValues(string(job.Stage), outcomeForced).Inc()
	r.logger.Info("job completed", "job_id", job.ID, "stage", job.Stage, "status", job.Status, "forced", true)
	return job, nil
}

// TryComplete moves the job to status unless it is already terminal. The boolean reports whether
// this call performed the transition; a duplicate report returns (Job{}, false, nil).
func (r *Reconciler) TryComplete(ctx context.Context, id string, finishedAt time.Time, status domain.JobStatus) (domain.Job, bool, error) {
	if !status.IsTerminal() {
		return domain.Job{}, false, fmt.Errorf("status %s is not terminal: %w", status, repo.ErrInvalidArgument)
	}
	var (
		job     domain.Job
		applied bool
	)
	err := r.retry(ctx, func() error {
		var err error
		job, applied, err = r.jobs.CompleteIfActive(ctx, id, finishedAt, status)
		return err
	})
	if err != nil {
		return domain.Job{}, false, err
	}
	if !applied {
		r.completions.WithLabelValues(string(job.Stage), outcomeDuplicate).Inc()
		r.logger.Info("ignoring completion of terminal job", "job_id", id, "stage", job.Stage, "status", job.Status, "reported", status)
		return domain.Job{}, false, nil
	}
	r.completions.WithLabelValues(string(job.Stage), outcomeApplied).Inc()
	r.logger.Info("job completed", "job_id", job.ID, "stage", job.Stage, "status", job.Status)
	return job, true, nil
}

// Start marks a CREATED or SCHEDULED job as RUNNING. It reports false if the job already runs or
// is terminal.
func (r *Reconciler) Start(ctx context.Context, id string, startedAt time.Time) (domain.Job, bool, error) {
	job, err := r.jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, false, err
	}
	if job.Status == domain.JobStatusRunning || job.Status.IsTerminal() {
		return job, false, nil
	}

	err = r.retry(ctx, func() error {
		var err error
		job, err = r.jobs.Update(ctx, id, domain.JobUpdate{
			StartedAt: domain.Present(&startedAt),
			Status:    domain.Present(domain.JobStatusRunning),
		})
		return err
	})
	if errors.Is(err, repo.ErrInvalidArgument) {
		// Completed concurrently: RUNNING with a finishedAt is rejected by the ledger.
		current, getErr := r.jobs.Get(ctx, id)
		if getErr == nil && current.Status.IsTerminal() {
			return current, false, nil
		}
	}
	if err != nil {
		return domain.Job{}, false, err
	}
	r.logger.Info("job started", "job_id", job.ID, "stage", job.Stage)
	return job, true, nil
}

// retry runs fn again with exponential backoff while it reports a lock conflict. Other
// errors are returned at once.
func (r *Reconciler) retry(ctx context.Context, fn func() error) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		if err != nil && !errors.Is(err, repo.ErrConflict) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		r.logger.Warn("retrying job write after conflict", "attempt", attempt, "backoff", next, "error", err)
	}
	err := backoff.RetryNotify(operation, r.backOff(ctx), notify)
	if errors.Is(err, repo.ErrConflict) {
		return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
	}
	return err
}

func (r *Reconciler) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initial
	b.MaxInterval = r.max
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.attempts-1)), ctx)
}
