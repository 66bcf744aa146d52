package repo

import (
	"context"
	"time"

	"github.com/animus-labs/animus-pipeline/internal/domain"
)

// JobRepository is the job ledger. There is one job per stage per run.
type JobRepository interface {
	Create(ctx context.Context, runID string, configuration domain.JobConfiguration) (domain.Job, error)
	Get(ctx context.Context, id string) (domain.Job, error)
	GetForRun(ctx context.Context, runID string, stage domain.Stage) (domain.Job, error)
	ListForRun(ctx context.Context, runID string) ([]domain.Job, error)
	Update(ctx context.Context, id string, update domain.JobUpdate) (domain.Job, error)

	// CompleteIfActive atomically moves a non-terminal job to the given terminal status. It
	// returns false without writing if the job is already terminal. Implementations must
	// serialize concurrent calls for the same id.
	CompleteIfActive(ctx context.Context, id string, finishedAt time.Time, status domain.JobStatus) (domain.Job, bool, error)

	Delete(ctx context.Context, id string) error
	DeleteForRun(ctx context.Context, runID string) error
}

// RunRepository manages runs.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, id string) (domain.Run, error)
	UpdateRunStatus(ctx context.Context, id string, status domain.RunStatus, finishedAt *time.Time) error
}

// InfrastructureServiceRepository manages registered services and their association with runs.
type InfrastructureServiceRepository interface {
	Create(ctx context.Context, service domain.InfrastructureService) (domain.InfrastructureService, error)
	ListForHierarchy(ctx context.Context, organizationID, productID string) ([]domain.InfrastructureService, error)

	// ListForRepositoryURL returns services of the organization/product whose URL is a prefix of
	// repositoryURL, in registration order.
	ListForRepositoryURL(ctx context.Context, repositoryURL, organizationID, productID string) ([]domain.InfrastructureService, error)

	ListForRun(ctx context.Context, runID string) ([]domain.InfrastructureService, error)

	// GetOrCreateForRun records that service was used by the run. Repeated and concurrent calls
	// for the same service and run leave exactly one association.
	GetOrCreateForRun(ctx context.Context, service domain.InfrastructureService, runID string) (domain.InfrastructureService, error)
}

// SecretRepository looks up secret metadata. Values live in a secrets.Store.
type SecretRepository interface {
	// GetByName searches from the repository scope of h up to its organization scope.
	GetByName(ctx context.Context, h domain.Hierarchy, name string) (domain.Secret, error)
}
