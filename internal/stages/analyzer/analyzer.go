// Package analyzer implements the analyzer stage: it checks out the repository of a run with
// the credentials registered for it, prepares the build environment and runs the configured
// analysis command in the checkout.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/animus-labs/animus-pipeline/internal/domain"
	"github.com/animus-labs/animus-pipeline/internal/environment"
	"github.com/animus-labs/animus-pipeline/internal/platform/env"
	"github.com/animus-labs/animus-pipeline/internal/worker"
)

type Config struct {
	GitBin string
	// Command is run in the checkout. An empty command only prepares the environment.
	Command []string
}

func ConfigFromEnv() Config {
	return Config{
		GitBin:  strings.TrimSpace(env.String("PIPELINE_GIT_BIN", "git")),
		Command: strings.Fields(env.String("PIPELINE_ANALYZER_COMMAND", "")),
	}
}

type Analyzer struct {
	cfg       Config
	worker    worker.Config
	env       *environment.Service
	commander Commander
	logger    *slog.Logger
}

func New(cfg Config, workerCfg worker.Config, envService *environment.Service, logger *slog.Logger) (*Analyzer, error) {
	if envService == nil {
		return nil, errors.New("environment service is required")
	}
	if cfg.GitBin == "" {
		cfg.GitBin = "git"
	}
	if _, err := exec.LookPath(cfg.GitBin); err != nil {
		return nil, fmt.Errorf("git binary not found: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Analyzer{cfg: cfg, worker: workerCfg, env: envService, commander: execCommander{}, logger: logger}, nil
}

// Process is the stage function of the analyzer worker.
func (a *Analyzer) Process(ctx context.Context, run domain.Run, job domain.Job, traceID string) error {
	logger := a.logger.With("run_id", run.ID, "job_id", job.ID, "trace_id", traceID)
	subdir, err := analysisDir(run.Path)
	if err != nil {
		return err
	}
	wc := environment.WorkerContext{
		RunID:                 run.ID,
		Hierarchy:             run.Hierarchy,
		EnvironmentConfigPath: run.EnvironmentConfigPath,
		ConfigDir:             a.worker.ConfigDir,
	}

	repositoryService, err := a.repositoryService(ctx, wc, run.EnvironmentConfig)
	if err != nil {
		return err
	}
	if repositoryService != nil {
		logger.Info("using repository credentials", "service", repositoryService.Name)
		if err := a.env.GenerateNetRCFile(ctx, wc, []domain.InfrastructureService{*repositoryService}); err != nil {
			return fmt.Errorf("generate repository credentials: %w", err)
		}
	}

	if err := os.MkdirAll(a.worker.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	checkout, err := os.MkdirTemp(a.worker.WorkDir, "run-"+run.ID+"-")
	if err != nil {
		return fmt.Errorf("create checkout dir: %w", err)
	}
	if !a.worker.KeepWorkDir {
		defer os.RemoveAll(checkout)
	}

	baseEnv := a.baseEnv(run, job, traceID)
	if err := a.checkout(ctx, run, checkout, baseEnv); err != nil {
		return err
	}
	logger.Info("repository checked out", "revision", run.Revision)

	resolved, err := a.env.SetUpEnvironment(ctx, wc, checkout, run.EnvironmentConfig, repositoryService)
	if err != nil {
		return fmt.Errorf("set up environment: %w", err)
	}
	variables, err := a.env.ResolveVariables(ctx, resolved.EnvironmentVariables)
	if err != nil {
		return err
	}

	if len(a.cfg.Command) == 0 {
		logger.Warn("no analysis command configured")
		return nil
	}
	out, err := a.commander.Run(ctx, filepath.Join(checkout, subdir), mergeEnv(baseEnv, variables, logger), a.cfg.Command[0], a.cfg.Command[1:]...)
	if err != nil {
		return fmt.Errorf("analysis command: %w", err)
	}
	logger.Info("analysis finished", "output", truncate(strings.TrimSpace(string(out)), 4096))
	return nil
}

// analysisDir returns the directory to analyze relative to the checkout.
func analysisDir(path string) (string, error) {
	p := strings.Trim(path, "/")
	if p == "" {
		return ".", nil
	}
	clean := filepath.Clean(p)
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("path %q is outside of the repository", path)
	}
	return clean, nil
}

// repositoryService prefers the services of the run's environment config and falls back to
// the registered ones.
func (a *Analyzer) repositoryService(ctx context.Context, wc environment.WorkerContext, cfg *domain.EnvironmentConfig) (*domain.InfrastructureService, error) {
	if cfg != nil {
		service, err := a.env.FindServiceForRepositoryWithConfig(ctx, wc, *cfg)
		if err != nil {
			return nil, fmt.Errorf("find repository service: %w", err)
		}
		if service != nil {
			return service, nil
		}
	}
	service, err := a.env.FindServiceForRepository(ctx, wc)
	if err != nil {
		return nil, fmt.Errorf("find repository service: %w", err)
	}
	return service, nil
}

func (a *Analyzer) checkout(ctx context.Context, run domain.Run, dir string, environ []string) error {
	url := run.Hierarchy.Repository.URL
	if _, err := a.commander.Run(ctx, dir, environ, a.cfg.GitBin, "clone", "--quiet", "--", url, "."); err != nil {
		return fmt.Errorf("clone %s: %w", url, err)
	}
	if revision := strings.TrimSpace(run.Revision); revision != "" {
		if _, err := a.commander.Run(ctx, dir, environ, a.cfg.GitBin, "checkout", "--quiet", revision); err != nil {
			return fmt.Errorf("checkout %s: %w", revision, err)
		}
	}
	return nil
}

func (a *Analyzer) baseEnv(run domain.Run, job domain.Job, traceID string) []string {
	environ := []string{
		"HOME=" + a.worker.ConfigDir,
		"PIPELINE_RUN_ID=" + run.ID,
		"PIPELINE_JOB_ID=" + job.ID,
		"PIPELINE_TRACE_ID=" + traceID,
		"PIPELINE_STAGE=" + string(domain.StageAnalyzer),
		"GIT_TERMINAL_PROMPT=0",
	}
	if path := os.Getenv("PATH"); path != "" {
		environ = append(environ, "PATH="+path)
	}
	if cfg, ok := job.Configuration.(domain.AnalyzerJobConfiguration); ok {
		if len(cfg.EnabledPackageManagers) > 0 {
			environ = append(environ, "ANALYZER_ENABLED_PACKAGE_MANAGERS="+strings.Join(cfg.EnabledPackageManagers, ","))
		}
		if len(cfg.DisabledPackageManagers) > 0 {
			environ = append(environ, "ANALYZER_DISABLED_PACKAGE_MANAGERS="+strings.Join(cfg.DisabledPackageManagers, ","))
		}
		if cfg.AllowDynamicVersions {
			environ = append(environ, "ANALYZER_ALLOW_DYNAMIC_VERSIONS=true")
		}
		if cfg.SkipExcluded {
			environ = append(environ, "ANALYZER_SKIP_EXCLUDED=true")
		}
	}
	return environ
}

// mergeEnv appends the resolved variables in name order. Reserved keys keep their worker value.
func mergeEnv(base []string, variables map[string]string, logger *slog.Logger) []string {
	names := make([]string, 0, len(variables))
	for name := range variables {
		names = append(names, name)
	}
	sort.Strings(names)

	out := append([]string(nil), base...)
	for _, name := range names {
		if isReservedEnvKey(name) {
			logger.Warn("ignoring reserved environment variable", "name", name)
			continue
		}
		out = append(out, name+"="+variables[name])
	}
	return out
}
