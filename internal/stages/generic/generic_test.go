package generic

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/animus-labs/animus-pipeline/internal/domain"
	"github.com/animus-labs/animus-pipeline/internal/environment"
	"github.com/animus-labs/animus-pipeline/internal/environment/generators"
	"github.com/animus-labs/animus-pipeline/internal/repo/memory"
	"github.com/animus-labs/animus-pipeline/internal/secrets"
)

func TestProcessWritesCredentialsOfRun(t *testing.T) {
	ctx := context.Background()
	services := memory.NewInfrastructureServiceStore()
	secretRepo := memory.NewSecretStore()
	store := secrets.MapStore{"org-1/user": "scott", "org-1/password": "tiger"}
	envService := environment.NewService(services, environment.NewConfigLoader(services, secretRepo, nil), generators.Defaults(), store, nil)

	if _, err := services.GetOrCreateForRun(ctx, domain.InfrastructureService{
		Name:           "registry",
		URL:            "https://registry.example.com/",
		UsernameSecret: domain.Secret{Name: "user", Path: "org-1/user"},
		PasswordSecret: domain.Secret{Name: "password", Path: "org-1/password"},
	}, "run-1"); err != nil {
		t.Fatalf("record service: %v", err)
	}

	configDir := t.TempDir()
	stage, err := New(domain.StageAdvisor, configDir, envService, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := stage.Process(ctx, domain.Run{ID: "run-1"}, domain.Job{ID: "job-1"}, "42"); err != nil {
		t.Fatalf("process: %v", err)
	}

	netrc, err := os.ReadFile(filepath.Join(configDir, generators.NetRCFile))
	if err != nil {
		t.Fatalf("read netrc: %v", err)
	}
	if string(netrc) != "machine registry.example.com login scott password tiger\n" {
		t.Fatalf("unexpected netrc %q", netrc)
	}
}

func TestNewRequiresEnvironmentService(t *testing.T) {
	if _, err := New(domain.StageScanner, t.TempDir(), nil, nil); err == nil {
		t.Fatalf("expected error")
	}
}
