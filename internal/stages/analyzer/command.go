package analyzer

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Commander runs external programs. Output is the combined stdout and stderr.
type Commander interface {
	Run(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error)
}

type execCommander struct{}

func (execCommander) Run(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s failed: %w: %s", name, strings.Join(args, " "), err, truncate(strings.TrimSpace(string(out)), 2048))
	}
	return out, nil
}

// isReservedEnvKey reports variables set by the worker that repository configs cannot override.
func isReservedEnvKey(key string) bool {
	switch strings.ToUpper(strings.TrimSpace(key)) {
	case "HOME", "PIPELINE_RUN_ID", "PIPELINE_JOB_ID", "PIPELINE_TRACE_ID", "PIPELINE_STAGE":
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
