package worker

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/animus-labs/animus-pipeline/internal/domain"
	"github.com/animus-labs/animus-pipeline/internal/platform/env"
)

type Config struct {
	Stage domain.Stage
	// ConfigDir receives generated tool configuration such as .netrc. It is usually the home
	// directory of the worker user.
	ConfigDir string
	// WorkDir holds the checkouts of processed repositories.
	WorkDir string
	// KeepWorkDir leaves checkouts in place after processing, for debugging.
	KeepWorkDir bool
}

func ConfigFromEnv(stage domain.Stage) (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	keep, err := env.Bool("PIPELINE_WORKER_KEEP_WORK_DIR", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Stage:       stage,
		ConfigDir:   strings.TrimSpace(env.String("PIPELINE_WORKER_CONFIG_DIR", home)),
		WorkDir:     strings.TrimSpace(env.String("PIPELINE_WORKER_WORK_DIR", filepath.Join(os.TempDir(), "pipeline"))),
		KeepWorkDir: keep,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, err := domain.ParseStage(string(c.Stage)); err != nil {
		return err
	}
	if c.ConfigDir == "" {
		return errors.New("PIPELINE_WORKER_CONFIG_DIR is required")
	}
	if c.WorkDir == "" {
		return errors.New("PIPELINE_WORKER_WORK_DIR is required")
	}
	return nil
}
