package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-pipeline/internal/domain"
	"github.com/animus-labs/animus-pipeline/internal/platform/auditlog"
	platformpg "github.com/animus-labs/animus-pipeline/internal/platform/postgres"
	"github.com/animus-labs/animus-pipeline/internal/repo"
)

type JobStore struct {
	db  TxDB
	now func() time.Time
}

const (
	jobColumns = `id, run_id, stage, status, created_at, started_at, finished_at, configuration`

	insertJobQuery = `INSERT INTO jobs (` + jobColumns + `)
	 VALUES ($1,$2,$3,$4,$5,NULL,NULL,$6)
	 ON CONFLICT (run_id, stage) DO NOTHING
	 RETURNING ` + jobColumns

	selectJobQuery = `SELECT ` + jobColumns + `
	 FROM jobs
	 WHERE id = $1`

	selectJobForUpdateQuery = selectJobQuery + `
	 FOR UPDATE`

	selectJobForRunQuery = `SELECT ` + jobColumns + `
	 FROM jobs
	 WHERE run_id = $1 AND stage = $2`

	listJobsForRunQuery = `SELECT ` + jobColumns + `
	 FROM jobs
	 WHERE run_id = $1
	 ORDER BY created_at ASC, id ASC`

	updateJobQuery = `UPDATE jobs
	 SET started_at = $2, finished_at = $3, status = $4
	 WHERE id = $1
	 RETURNING ` + jobColumns

	deleteJobQuery        = `DELETE FROM jobs WHERE id = $1`
	deleteJobsForRunQuery = `DELETE FROM jobs WHERE run_id = $1`
)

func NewJobStore(db TxDB) *JobStore {
	if db == nil {
		return nil
	}
	return &JobStore{db: db, now: time.Now}
}

func (s *JobStore) Create(ctx context.Context, runID string, configuration domain.JobConfiguration) (domain.Job, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, fmt.Errorf("job store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Job{}, fmt.Errorf("run id is required: %w", repo.ErrInvalidArgument)
	}
	if configuration == nil {
		return domain.Job{}, fmt.Errorf("configuration is required: %w", repo.ErrInvalidArgument)
	}
	raw, err := domain.EncodeJobConfiguration(configuration)
	if err != nil {
		return domain.Job{}, fmt.Errorf("encode configuration: %w", err)
	}

	stage := configuration.Stage()
	var job domain.Job
	err = platformpg.WithTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		var err error
		job, err = scanJob(tx.QueryRowContext(ctx, insertJobQuery,
			uuid.NewString(),
			runID,
			string(stage),
			string(domain.JobStatusCreated),
			s.now().UTC(),
			string(raw),
		))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%s job for run %s exists: %w", stage, runID, repo.ErrConflict)
			}
			return fmt.Errorf("insert job: %w", err)
		}
		return recordTransition(ctx, tx, auditlog.ActionJobCreated, domain.Job{}, job)
	})
	if err != nil {
		return domain.Job{}, classify(err)
	}
	return job, nil
}

func (s *JobStore) Get(ctx context.Context, id string) (domain.Job, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, fmt.Errorf("job store not initialized")
	}
	job, err := scanJob(s.db.QueryRowContext(ctx, selectJobQuery, strings.TrimSpace(id)))
	if err != nil {
		return domain.Job{}, handleNotFound(err)
	}
	return job, nil
}

func (s *JobStore) GetForRun(ctx context.Context, runID string, stage domain.Stage) (domain.Job, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, fmt.Errorf("job store not initialized")
	}
	job, err := scanJob(s.db.QueryRowContext(ctx, selectJobForRunQuery, strings.TrimSpace(runID), string(stage)))
	if err != nil {
		return domain.Job{}, handleNotFound(err)
	}
	return job, nil
}

func (s *JobStore) ListForRun(ctx context.Context, runID string) ([]domain.Job, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("job store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listJobsForRunQuery, strings.TrimSpace(runID))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Update applies update under a row lock so the finishedAt/status invariant is checked against
// the current row.
func (s *JobStore) Update(ctx context.Context, id string, update domain.JobUpdate) (domain.Job, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, fmt.Errorf("job store not initialized")
	}
	var out domain.Job
	err := platformpg.WithTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		current, err := scanJob(tx.QueryRowContext(ctx, selectJobForUpdateQuery, strings.TrimSpace(id)))
		if err != nil {
			return handleNotFound(err)
		}
		updated := current.Apply(update)
		if err := updated.Validate(); err != nil {
			return fmt.Errorf("update job: %v: %w", err, repo.ErrInvalidArgument)
		}
		if out, err = writeJob(ctx, tx, updated); err != nil {
			return err
		}
		return recordTransition(ctx, tx, auditlog.ActionJobUpdated, current, out)
	})
	if err != nil {
		return domain.Job{}, classify(err)
	}
	return out, nil
}

func (s *JobStore) CompleteIfActive(ctx context.Context, id string, finishedAt time.Time, status domain.JobStatus) (domain.Job, bool, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, false, fmt.Errorf("job store not initialized")
	}
	if !status.IsTerminal() {
		return domain.Job{}, false, fmt.Errorf("status %s is not terminal: %w", status, repo.ErrInvalidArgument)
	}

	var (
		out     domain.Job
		applied bool
	)
	err := platformpg.WithTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		current, err := scanJob(tx.QueryRowContext(ctx, selectJobForUpdateQuery, strings.TrimSpace(id)))
		if err != nil {
			return handleNotFound(err)
		}
		if current.Status.IsTerminal() {
			out = current
			return nil
		}
		out, err = writeJob(ctx, tx, current.Apply(domain.JobUpdate{
			FinishedAt: domain.Present(&finishedAt),
			Status:     domain.Present(status),
		}))
		if err != nil {
			return err
		}
		if err := recordTransition(ctx, tx, auditlog.ActionJobCompleted, current, out); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return domain.Job{}, false, classify(err)
	}
	return out, applied, nil
}

func (s *JobStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	res, err := s.db.ExecContext(ctx, deleteJobQuery, strings.TrimSpace(id))
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return expectAffected(res)
}

func (s *JobStore) DeleteForRun(ctx context.Context, runID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	if _, err := s.db.ExecContext(ctx, deleteJobsForRunQuery, strings.TrimSpace(runID)); err != nil {
		return fmt.Errorf("delete jobs for run: %w", err)
	}
	return nil
}

func writeJob(ctx context.Context, tx *sql.Tx, job domain.Job) (domain.Job, error) {
	written, err := scanJob(tx.QueryRowContext(ctx, updateJobQuery,
		job.ID,
		nullTime(job.StartedAt),
		nullTime(job.FinishedAt),
		string(job.Status),
	))
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job: %w", err)
	}
	return written, nil
}

// recordTransition appends the status change of a job to the audit log within tx.
func recordTransition(ctx context.Context, tx *sql.Tx, action string, from, to domain.Job) error {
	_, err := auditlog.Insert(ctx, tx, auditlog.Event{
		OccurredAt: time.Now().UTC(),
		Action:     action,
		JobID:      to.ID,
		RunID:      to.RunID,
		Stage:      string(to.Stage),
		FromStatus: string(from.Status),
		ToStatus:   string(to.Status),
	})
	return err
}

// classify maps lock contention to repo.ErrConflict so callers can retry.
func classify(err error) error {
	if platformpg.IsTransientConflict(err) {
		return fmt.Errorf("%v: %w", err, repo.ErrConflict)
	}
	return err
}

func scanJob(scanner rowScanner) (domain.Job, error) {
	var (
		job        domain.Job
		stage      string
		status     string
		startedAt  sql.NullTime
		finishedAt sql.NullTime
		raw        []byte
	)
	if err := scanner.Scan(
		&job.ID,
		&job.RunID,
		&stage,
		&status,
		&job.CreatedAt,
		&startedAt,
		&finishedAt,
		&raw,
	); err != nil {
		return domain.Job{}, err
	}

	job.Stage = domain.Stage(stage)
	parsed, err := domain.ParseJobStatus(status)
	if err != nil {
		return domain.Job{}, err
	}
	job.Status = parsed
	job.CreatedAt = job.CreatedAt.UTC()
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)

	cfg, err := domain.DecodeJobConfiguration(job.Stage, raw)
	if err != nil {
		return domain.Job{}, err
	}
	job.Configuration = cfg
	return job, nil
}
