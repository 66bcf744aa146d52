package analyzer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/animus-labs/animus-pipeline/internal/domain"
	"github.com/animus-labs/animus-pipeline/internal/environment"
	"github.com/animus-labs/animus-pipeline/internal/environment/generators"
	"github.com/animus-labs/animus-pipeline/internal/repo/memory"
	"github.com/animus-labs/animus-pipeline/internal/secrets"
	"github.com/animus-labs/animus-pipeline/internal/worker"
)

type call struct {
	dir   string
	env   []string
	name  string
	args  []string
	netrc string
}

type fakeCommander struct {
	configDir string
	calls     []call
	files     map[string]string
	fail      string
}

func (f *fakeCommander) Run(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	netrc, _ := os.ReadFile(filepath.Join(f.configDir, generators.NetRCFile))
	f.calls = append(f.calls, call{dir: dir, env: env, name: name, args: args, netrc: string(netrc)})
	if f.fail != "" && slices.Contains(args, f.fail) {
		return []byte("fatal: " + f.fail), errors.New("exit status 128")
	}
	if len(args) > 0 && args[0] == "clone" {
		for path, content := range f.files {
			full := filepath.Join(dir, path)
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
				return nil, err
			}
		}
	}
	return []byte("ok"), nil
}

type analyzerFixture struct {
	analyzer  *Analyzer
	commander *fakeCommander
	services  *memory.InfrastructureServiceStore
	configDir string
}

func newAnalyzerFixture(t *testing.T, command []string) analyzerFixture {
	t.Helper()
	services := memory.NewInfrastructureServiceStore()
	secretRepo := memory.NewSecretStore()
	values := secrets.MapStore{}
	for name, value := range map[string]string{"user": "scott", "password": "tiger", "token": "t0ken"} {
		path := "org-1/" + name
		secretRepo.Add(domain.SecretScope{OrganizationID: "org-1"}, domain.Secret{Name: name, Path: path})
		values[path] = value
	}
	if _, err := services.Create(context.Background(), domain.InfrastructureService{
		Name:           "git-host",
		URL:            "https://git.example.com/",
		UsernameSecret: domain.Secret{Name: "user", Path: "org-1/user"},
		PasswordSecret: domain.Secret{Name: "password", Path: "org-1/password"},
		OrganizationID: "org-1",
	}); err != nil {
		t.Fatalf("create service: %v", err)
	}

	loader := environment.NewConfigLoader(services, secretRepo, nil)
	envService := environment.NewService(services, loader, generators.Defaults(), values, nil)
	configDir := t.TempDir()
	commander := &fakeCommander{configDir: configDir, files: map[string]string{}}
	return analyzerFixture{
		analyzer: &Analyzer{
			cfg:       Config{GitBin: "git", Command: command},
			worker:    worker.Config{Stage: domain.StageAnalyzer, ConfigDir: configDir, WorkDir: t.TempDir()},
			env:       envService,
			commander: commander,
			logger:    discardLogger(),
		},
		commander: commander,
		services:  services,
		configDir: configDir,
	}
}

func testRun() (domain.Run, domain.Job) {
	run := domain.Run{
		ID: "run-1",
		Hierarchy: domain.Hierarchy{
			Organization: domain.Organization{ID: "org-1"},
			Product:      domain.Product{ID: "prod-1"},
			Repository:   domain.Repository{ID: "repo-1", URL: "https://git.example.com/org/repo.git", Type: "git"},
		},
		Revision: "v1.0.0",
		Path:     "backend",
	}
	job := domain.Job{
		ID:            "job-1",
		RunID:         run.ID,
		Stage:         domain.StageAnalyzer,
		Status:        domain.JobStatusRunning,
		Configuration: domain.AnalyzerJobConfiguration{EnabledPackageManagers: []string{"Gradle", "NPM"}},
	}
	return run, job
}

func TestProcessChecksOutAndRunsCommand(t *testing.T) {
	f := newAnalyzerFixture(t, []string{"analyze", "--format", "json"})
	f.commander.files[environment.DefaultConfigPath] = `
environmentVariables:
  - name: REGISTRY_TOKEN
    secretName: token
  - name: HOME
    value: /elsewhere
`
	run, job := testRun()

	if err := f.analyzer.Process(context.Background(), run, job, "42"); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(f.commander.calls) != 3 {
		t.Fatalf("expected clone, checkout and command, got %+v", f.commander.calls)
	}

	clone, checkout, analyze := f.commander.calls[0], f.commander.calls[1], f.commander.calls[2]
	if clone.name != "git" || strings.Join(clone.args, " ") != "clone --quiet -- https://git.example.com/org/repo.git ." {
		t.Fatalf("unexpected clone %+v", clone)
	}
	if clone.netrc != "machine git.example.com login scott password tiger\n" {
		t.Fatalf("expected netrc before clone, got %q", clone.netrc)
	}
	if strings.Join(checkout.args, " ") != "checkout --quiet v1.0.0" || checkout.dir != clone.dir {
		t.Fatalf("unexpected checkout %+v", checkout)
	}

	if analyze.name != "analyze" || analyze.dir != filepath.Join(clone.dir, "backend") {
		t.Fatalf("unexpected command %+v", analyze)
	}
	for _, want := range []string{
		"HOME=" + f.configDir,
		"PIPELINE_TRACE_ID=42",
		"PIPELINE_JOB_ID=job-1",
		"ANALYZER_ENABLED_PACKAGE_MANAGERS=Gradle,NPM",
		"REGISTRY_TOKEN=t0ken",
	} {
		if !slices.Contains(analyze.env, want) {
			t.Fatalf("command env misses %q: %v", want, analyze.env)
		}
	}
	if slices.Contains(analyze.env, "HOME=/elsewhere") {
		t.Fatalf("reserved variable was overridden: %v", analyze.env)
	}

	forRun, err := f.services.ListForRun(context.Background(), run.ID)
	if err != nil || len(forRun) != 1 || forRun[0].Name != "git-host" {
		t.Fatalf("expected repository service recorded for run, got %+v,%v", forRun, err)
	}
	if _, err := os.Stat(clone.dir); !os.IsNotExist(err) {
		t.Fatalf("expected checkout to be removed, got %v", err)
	}
}

func TestProcessPrefersServicesOfRunConfig(t *testing.T) {
	f := newAnalyzerFixture(t, nil)
	run, job := testRun()
	run.Revision = ""
	run.EnvironmentConfig = &domain.EnvironmentConfig{InfrastructureServices: []domain.InfrastructureServiceDeclaration{
		{Name: "org-repos", URL: "https://git.example.com/org/", UsernameSecret: "user", PasswordSecret: "token"},
	}}

	if err := f.analyzer.Process(context.Background(), run, job, "42"); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(f.commander.calls) != 1 {
		t.Fatalf("expected only a clone without command, got %+v", f.commander.calls)
	}
	if f.commander.calls[0].netrc != "machine git.example.com login scott password t0ken\n" {
		t.Fatalf("expected credentials of run config, got %q", f.commander.calls[0].netrc)
	}
}

func TestProcessReportsCheckoutFailures(t *testing.T) {
	f := newAnalyzerFixture(t, []string{"analyze"})
	f.commander.fail = "v1.0.0"
	run, job := testRun()

	err := f.analyzer.Process(context.Background(), run, job, "42")
	if err == nil || !strings.Contains(err.Error(), "checkout v1.0.0") {
		t.Fatalf("expected checkout error, got %v", err)
	}
	if len(f.commander.calls) != 2 {
		t.Fatalf("expected command not to run, got %+v", f.commander.calls)
	}
}

func TestProcessRejectsPathsOutsideCheckout(t *testing.T) {
	for _, path := range []string{"..", "backend/../../etc", "/../secrets"} {
		f := newAnalyzerFixture(t, []string{"analyze"})
		run, job := testRun()
		run.Path = path

		err := f.analyzer.Process(context.Background(), run, job, "42")
		if err == nil || !strings.Contains(err.Error(), "outside of the repository") {
			t.Fatalf("Process() with path %q: expected rejection, got %v", path, err)
		}
		if len(f.commander.calls) != 0 {
			t.Fatalf("expected nothing to run for path %q, got %+v", path, f.commander.calls)
		}
	}
}

func TestAnalysisDir(t *testing.T) {
	for path, want := range map[string]string{
		"":         ".",
		"/":        ".",
		"backend/": "backend",
		"/a/./b":   "a/b",
		"a/../b":   "b",
	} {
		got, err := analysisDir(path)
		if err != nil || got != filepath.FromSlash(want) {
			t.Fatalf("analysisDir(%q)=%q,%v, want %q", path, got, err, want)
		}
	}
}

func TestMergeEnvSkipsReservedKeys(t *testing.T) {
	got := mergeEnv([]string{"HOME=/home"}, map[string]string{"b": "2", "a": "1", "pipeline_job_id": "x"}, discardLogger())
	if strings.Join(got, " ") != "HOME=/home a=1 b=2" {
		t.Fatalf("unexpected env %v", got)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
