package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/animus-pipeline/internal/domain"
	"github.com/animus-labs/animus-pipeline/internal/repo"
)

type RunStore struct {
	mu   sync.Mutex
	runs map[string]domain.Run
}

func NewRunStore() *RunStore {
	return &RunStore{runs: map[string]domain.Run{}}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("create run: %v: %w", err, repo.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s exists: %w", run.ID, repo.ErrConflict)
	}
	if run.Status == "" {
		run.Status = domain.RunStatusCreated
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	s.runs[run.ID] = run
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[strings.TrimSpace(id)]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (s *RunStore) UpdateRunStatus(ctx context.Context, id string, status domain.RunStatus, finishedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[strings.TrimSpace(id)]
	if !ok {
		return repo.ErrNotFound
	}
	run.Status = status
	if finishedAt != nil {
		t := finishedAt.UTC()
		run.FinishedAt = &t
	} else {
		run.FinishedAt = nil
	}
	s.runs[run.ID] = run
	return nil
}
