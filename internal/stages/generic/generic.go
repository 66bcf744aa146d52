// Package generic implements the stages after the analyzer that only need the credentials the
// analyzer recorded for the run.
package generic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/animus-labs/animus-pipeline/internal/domain"
	"github.com/animus-labs/animus-pipeline/internal/environment"
)

type Stage struct {
	stage     domain.Stage
	configDir string
	env       *environment.Service
	logger    *slog.Logger
}

func New(stage domain.Stage, configDir string, envService *environment.Service, logger *slog.Logger) (*Stage, error) {
	if envService == nil {
		return nil, errors.New("environment service is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Stage{stage: stage, configDir: configDir, env: envService, logger: logger}, nil
}

// Process writes the credential files of the services recorded for the run.
func (s *Stage) Process(ctx context.Context, run domain.Run, job domain.Job, traceID string) error {
	wc := environment.WorkerContext{
		RunID:                 run.ID,
		Hierarchy:             run.Hierarchy,
		EnvironmentConfigPath: run.EnvironmentConfigPath,
		ConfigDir:             s.configDir,
	}
	if err := s.env.GenerateNetRCFileForRun(ctx, wc); err != nil {
		return fmt.Errorf("generate credentials for %s: %w", s.stage, err)
	}
	s.logger.Info("stage environment prepared", "stage", string(s.stage), "run_id", run.ID, "job_id", job.ID, "trace_id", traceID)
	return nil
}
