// Package memory provides in-process implementations of the repo interfaces. They back the
// single-process dev mode and the tests of packages built on top of the ledger.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-pipeline/internal/domain"
	"github.com/animus-labs/animus-pipeline/internal/repo"
)

type JobStore struct {
	mu    sync.Mutex
	jobs  map[string]domain.Job
	order []string
	now   func() time.Time
}

func NewJobStore() *JobStore {
	return &JobStore{
		jobs: map[string]domain.Job{},
		now:  time.Now,
	}
}

func (s *JobStore) Create(ctx context.Context, runID string, configuration domain.JobConfiguration) (domain.Job, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Job{}, fmt.Errorf("run id is required: %w", repo.ErrInvalidArgument)
	}
	if configuration == nil {
		return domain.Job{}, fmt.Errorf("configuration is required: %w", repo.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stage := configuration.Stage()
	for _, id := range s.order {
		job := s.jobs[id]
		if job.RunID == runID && job.Stage == stage {
			return domain.Job{}, fmt.Errorf("%s job for run %s exists: %w", stage, runID, repo.ErrConflict)
		}
	}

	job := domain.Job{
		ID:            uuid.NewString(),
		RunID:         runID,
		Stage:         stage,
		Status:        domain.JobStatusCreated,
		CreatedAt:     s.now().UTC(),
		Configuration: configuration,
	}
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	return job.Clone(), nil
}

func (s *JobStore) Get(ctx context.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[strings.TrimSpace(id)]
	if !ok {
		return domain.Job{}, repo.ErrNotFound
	}
	return job.Clone(), nil
}

func (s *JobStore) GetForRun(ctx context.Context, runID string, stage domain.Stage) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		job := s.jobs[id]
		if job.RunID == runID && job.Stage == stage {
			return job.Clone(), nil
		}
	}
	return domain.Job{}, repo.ErrNotFound
}

func (s *JobStore) ListForRun(ctx context.Context, runID string) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Job, 0)
	for _, id := range s.order {
		job := s.jobs[id]
		if job.RunID == runID {
			out = append(out, job.Clone())
		}
	}
	return out, nil
}

func (s *JobStore) Update(ctx context.Context, id string, update domain.JobUpdate) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[strings.TrimSpace(id)]
	if !ok {
		return domain.Job{}, repo.ErrNotFound
	}
	updated := job.Apply(update)
	if err := updated.Validate(); err != nil {
		return domain.Job{}, fmt.Errorf("update job: %v: %w", err, repo.ErrInvalidArgument)
	}
	s.jobs[updated.ID] = updated
	return updated.Clone(), nil
}

func (s *JobStore) CompleteIfActive(ctx context.Context, id string, finishedAt time.Time, status domain.JobStatus) (domain.Job, bool, error) {
	if !status.IsTerminal() {
		return domain.Job{}, false, fmt.Errorf("status %s is not terminal: %w", status, repo.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[strings.TrimSpace(id)]
	if !ok {
		return domain.Job{}, false, repo.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return job.Clone(), false, nil
	}
	updated := job.Apply(domain.JobUpdate{
		FinishedAt: domain.Present(&finishedAt),
		Status:     domain.Present(status),
	})
	s.jobs[updated.ID] = updated
	return updated.Clone(), true, nil
}

func (s *JobStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id = strings.TrimSpace(id)
	if _, ok := s.jobs[id]; !ok {
		return repo.ErrNotFound
	}
	s.remove(func(job domain.Job) bool { return job.ID == id })
	return nil
}

func (s *JobStore) DeleteForRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remove(func(job domain.Job) bool { return job.RunID == runID })
	return nil
}

func (s *JobStore) remove(match func(domain.Job) bool) {
	kept := s.order[:0]
	for _, id := range s.order {
		if match(s.jobs[id]) {
			delete(s.jobs, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}
