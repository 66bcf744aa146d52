package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/animus-labs/animus-pipeline/internal/domain"
	"github.com/animus-labs/animus-pipeline/internal/repo"
	"github.com/animus-labs/animus-pipeline/internal/repo/memory"
)

func newTestReconciler(t *testing.T, jobRepo repo.JobRepository) (*Reconciler, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	r := New(jobRepo, Config{Registerer: reg, MaxAttempts: 3, InitialBackoff: time.Microsecond, MaxBackoff: time.Microsecond})
	if r == nil {
		t.Fatalf("expected reconciler")
	}
	return r, reg
}

func createJob(t *testing.T, store repo.JobRepository) domain.Job {
	t.Helper()
	job, err := store.Create(context.Background(), "run-1", domain.AnalyzerJobConfiguration{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return job
}

func TestTryCompleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	job := createJob(t, store)
	r, _ := newTestReconciler(t, store)

	finished := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	got, ok, err := r.TryComplete(ctx, job.ID, finished, domain.JobStatusFinished)
	if err != nil || !ok {
		t.Fatalf("first TryComplete()=%v,%v", ok, err)
	}
	if got.Status != domain.JobStatusFinished || got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Fatalf("unexpected completed job %+v", got)
	}

	got, ok, err = r.TryComplete(ctx, job.ID, finished.Add(time.Hour), domain.JobStatusFailed)
	if err != nil || ok || got.ID != "" {
		t.Fatalf("second TryComplete()=%+v,%v,%v", got, ok, err)
	}

	stored, _ := store.Get(ctx, job.ID)
	if stored.Status != domain.JobStatusFinished || !stored.FinishedAt.Equal(finished) {
		t.Fatalf("duplicate report changed the job: %+v", stored)
	}
	if v := testutil.ToFloat64(r.completions.WithLabelValues("analyzer", outcomeApplied)); v != 1 {
		t.Fatalf("expected one applied completion, got %v", v)
	}
	if v := testutil.ToFloat64(r.completions.WithLabelValues("analyzer", outcomeDuplicate)); v != 1 {
		t.Fatalf("expected one duplicate, got %v", v)
	}
}

func TestTryCompleteDistinguishesNotFound(t *testing.T) {
	r, _ := newTestReconciler(t, memory.NewJobStore())
	_, ok, err := r.TryComplete(context.Background(), "missing", time.Now(), domain.JobStatusFinished)
	if ok || !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v,%v", ok, err)
	}
}

func TestTryCompleteRejectsNonTerminalStatus(t *testing.T) {
	store := memory.NewJobStore()
	job := createJob(t, store)
	r, _ := newTestReconciler(t, store)

	if _, _, err := r.TryComplete(context.Background(), job.ID, time.Now(), domain.JobStatusRunning); !errors.Is(err, repo.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := r.Complete(context.Background(), job.ID, time.Now(), domain.JobStatusScheduled); !errors.Is(err, repo.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	stored, _ := store.Get(context.Background(), job.ID)
	if stored.Status != domain.JobStatusCreated {
		t.Fatalf("rejected completion must not write, got %s", stored.Status)
	}
}

func TestConcurrentTryCompleteAppliesOnce(t *testing.T) {
	store := memory.NewJobStore()
	job := createJob(t, store)
	r, _ := newTestReconciler(t, store)

	var applied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := r.TryComplete(context.Background(), job.ID, time.Now(), domain.JobStatusFinished)
			if err != nil {
				t.Errorf("TryComplete: %v", err)
			}
			if ok {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()
	if applied.Load() != 1 {
		t.Fatalf("expected exactly one effective completion, got %d", applied.Load())
	}
}

func TestCompleteOverwritesTerminalJob(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	job := createJob(t, store)
	r, _ := newTestReconciler(t, store)

	if _, _, err := r.TryComplete(ctx, job.ID, time.Now(), domain.JobStatusFinished); err != nil {
		t.Fatalf("TryComplete: %v", err)
	}
	got, err := r.Complete(ctx, job.ID, time.Now(), domain.JobStatusFailed)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("expected forced FAILED, got %s", got.Status)
	}
	if _, err := r.Complete(ctx, "missing", time.Now(), domain.JobStatusFailed); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStart(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	job := createJob(t, store)
	r, _ := newTestReconciler(t, store)

	started, ok, err := r.Start(ctx, job.ID, time.Now())
	if err != nil || !ok || started.Status != domain.JobStatusRunning || started.StartedAt == nil {
		t.Fatalf("Start()=%+v,%v,%v", started, ok, err)
	}
	if _, ok, err := r.Start(ctx, job.ID, time.Now()); err != nil || ok {
		t.Fatalf("second Start()=%v,%v", ok, err)
	}
	if _, _, err := r.TryComplete(ctx, job.ID, time.Now(), domain.JobStatusFailed); err != nil {
		t.Fatalf("TryComplete: %v", err)
	}
	if got, ok, err := r.Start(ctx, job.ID, time.Now()); err != nil || ok || got.Status != domain.JobStatusFailed {
		t.Fatalf("Start() on terminal job=%+v,%v,%v", got, ok, err)
	}
}

type contendedJobs struct {
	repo.JobRepository
	conflicts int
	calls     int
}

func (c *contendedJobs) CompleteIfActive(ctx context.Context, id string, finishedAt time.Time, status domain.JobStatus) (domain.Job, bool, error) {
	c.calls++
	if c.calls <= c.conflicts {
		return domain.Job{}, false, repo.ErrConflict
	}
	return c.JobRepository.CompleteIfActive(ctx, id, finishedAt, status)
}

func TestTryCompleteRetriesConflicts(t *testing.T) {
	store := memory.NewJobStore()
	job := createJob(t, store)

	contended := &contendedJobs{JobRepository: store, conflicts: 2}
	r, _ := newTestReconciler(t, contended)
	if _, ok, err := r.TryComplete(context.Background(), job.ID, time.Now(), domain.JobStatusFinished); err != nil || !ok {
		t.Fatalf("expected completion after retries, got %v,%v", ok, err)
	}
	if contended.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", contended.calls)
	}

	exhausted := &contendedJobs{JobRepository: memory.NewJobStore(), conflicts: 10}
	r, _ = newTestReconciler(t, exhausted)
	if _, _, err := r.TryComplete(context.Background(), "job", time.Now(), domain.JobStatusFinished); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict after exhausting attempts, got %v", err)
	}
	if exhausted.calls != 3 {
		t.Fatalf("expected MaxAttempts calls, got %d", exhausted.calls)
	}
}

func TestTryCompleteDoesNotRetryOtherErrors(t *testing.T) {
	missing := &contendedJobs{JobRepository: memory.NewJobStore()}
	r, _ := newTestReconciler(t, missing)
	if _, _, err := r.TryComplete(context.Background(), "missing", time.Now(), domain.JobStatusFinished); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if missing.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", missing.calls)
	}
}

func TestTryCompleteStopsRetryingWhenCanceled(t *testing.T) {
	contended := &contendedJobs{JobRepository: memory.NewJobStore(), conflicts: 10}
	r := New(contended, Config{Registerer: prometheus.NewRegistry(), MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := r.TryComplete(ctx, "job", time.Now(), domain.JobStatusFinished); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if contended.calls != 1 {
		t.Fatalf("expected no retries after cancellation, got %d calls", contended.calls)
	}
}

func TestNewRequiresRepository(t *testing.T) {
	if New(nil, Config{}) != nil {
		t.Fatalf("expected nil reconciler without repository")
	}
}
