package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/animus-pipeline/internal/domain"
	"github.com/animus-labs/animus-pipeline/internal/repo"
)

type RunStore struct {
	db DB
}

const (
	runColumns = `id, organization_id, organization_name, product_id, product_name, repository_id, repository_url, repository_type,
	 revision, path, environment_config_path, environment_config, job_configs, status, created_at, finished_at`

	insertRunQuery = `INSERT INTO runs (` + runColumns + `)
	 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,NULL)
	 ON CONFLICT (id) DO NOTHING
	 RETURNING id`

	selectRunQuery = `SELECT ` + runColumns + `
	 FROM runs
	 WHERE id = $1`

	updateRunStatusQuery = `UPDATE runs
	 SET status = $2, finished_at = $3
	 WHERE id = $1`
)

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return fmt.Errorf("create run: %v: %w", err, repo.ErrInvalidArgument)
	}
	if run.Status == "" {
		run.Status = domain.RunStatusCreated
	}
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var envConfig sql.NullString
	if run.EnvironmentConfig != nil {
		raw, err := json.Marshal(run.EnvironmentConfig)
		if err != nil {
			return fmt.Errorf("encode environment config: %w", err)
		}
		envConfig = sql.NullString{String: string(raw), Valid: true}
	}
	jobConfigs, err := json.Marshal(run.JobConfigs)
	if err != nil {
		return fmt.Errorf("encode job configs: %w", err)
	}

	h := run.Hierarchy
	var id string
	err = s.db.QueryRowContext(ctx, insertRunQuery,
		strings.TrimSpace(run.ID),
		h.Organization.ID,
		h.Organization.Name,
		h.Product.ID,
		h.Product.Name,
		h.Repository.ID,
		h.Repository.URL,
		h.Repository.Type,
		run.Revision,
		run.Path,
		run.EnvironmentConfigPath,
		envConfig,
		string(jobConfigs),
		string(run.Status),
		createdAt.UTC(),
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %s exists: %w", run.ID, repo.ErrConflict)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	var (
		run        domain.Run
		envConfig  []byte
		jobConfigs []byte
		status     string
		finishedAt sql.NullTime
	)
	h := &run.Hierarchy
	err := s.db.QueryRowContext(ctx, selectRunQuery, strings.TrimSpace(id)).Scan(
		&run.ID,
		&h.Organization.ID,
		&h.Organization.Name,
		&h.Product.ID,
		&h.Product.Name,
		&h.Repository.ID,
		&h.Repository.URL,
		&h.Repository.Type,
		&run.Revision,
		&run.Path,
		&run.EnvironmentConfigPath,
		&envConfig,
		&jobConfigs,
		&status,
		&run.CreatedAt,
		&finishedAt,
	)
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}

	if len(envConfig) > 0 {
		var cfg domain.EnvironmentConfig
		if err := json.Unmarshal(envConfig, &cfg); err != nil {
			return domain.Run{}, fmt.Errorf("decode environment config: %w", err)
		}
		run.EnvironmentConfig = &cfg
	}
	if len(jobConfigs) > 0 {
		if err := json.Unmarshal(jobConfigs, &run.JobConfigs); err != nil {
			return domain.Run{}, fmt.Errorf("decode job configs: %w", err)
		}
	}
	run.Status = domain.RunStatus(status)
	run.CreatedAt = run.CreatedAt.UTC()
	run.FinishedAt = timePtr(finishedAt)
	return run, nil
}

func (s *RunStore) UpdateRunStatus(ctx context.Context, id string, status domain.RunStatus, finishedAt *time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	res, err := s.db.ExecContext(ctx, updateRunStatusQuery, strings.TrimSpace(id), string(status), nullTime(finishedAt))
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return expectAffected(res)
}
