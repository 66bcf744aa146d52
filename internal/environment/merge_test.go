package environment

import (
	"bytes"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/animus-labs/animus-pipeline/internal/domain"
)

func decl(name, url string) domain.InfrastructureServiceDeclaration {
	return domain.InfrastructureServiceDeclaration{Name: name, URL: url, UsernameSecret: "user", PasswordSecret: "password"}
}

func TestMergeOverrideWinsOnServiceName(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	base := &domain.EnvironmentConfig{InfrastructureServices: []domain.InfrastructureServiceDeclaration{decl("A", "u1"), decl("B", "u2")}}
	override := &domain.EnvironmentConfig{InfrastructureServices: []domain.InfrastructureServiceDeclaration{decl("A", "u3")}}

	merged := Merge(logger, base, override)
	want := []domain.InfrastructureServiceDeclaration{decl("B", "u2"), decl("A", "u3")}
	if !reflect.DeepEqual(merged.InfrastructureServices, want) {
		t.Fatalf("unexpected services %+v", merged.InfrastructureServices)
	}
	// Dropping the base service is only logged.
	if !strings.Contains(logs.String(), "overridden") || !strings.Contains(logs.String(), "services=A") {
		t.Fatalf("expected override to be logged, got %q", logs.String())
	}
}

func TestMergeFlattensDefinitions(t *testing.T) {
	x := domain.EnvironmentDefinition{"service": "x"}
	y := domain.EnvironmentDefinition{"service": "y"}
	z := domain.EnvironmentDefinition{"service": "z"}
	base := &domain.EnvironmentConfig{EnvironmentDefinitions: map[string][]domain.EnvironmentDefinition{"k": {x}, "only-base": {z}}}
	override := &domain.EnvironmentConfig{EnvironmentDefinitions: map[string][]domain.EnvironmentDefinition{"k": {y, x}}}

	merged := Merge(nil, base, override)
	if got := merged.EnvironmentDefinitions["k"]; !reflect.DeepEqual(got, []domain.EnvironmentDefinition{x, y, x}) {
		t.Fatalf("expected [x y x] without dedup, got %v", got)
	}
	if got := merged.EnvironmentDefinitions["only-base"]; !reflect.DeepEqual(got, []domain.EnvironmentDefinition{z}) {
		t.Fatalf("expected base-only kind to survive, got %v", got)
	}
}

func TestMergeVariablesByName(t *testing.T) {
	base := &domain.EnvironmentConfig{EnvironmentVariables: []domain.EnvironmentVariableDeclaration{
		{Name: "USER", Value: "base"},
		{Name: "HOME", Value: "/home/base"},
	}}
	override := &domain.EnvironmentConfig{EnvironmentVariables: []domain.EnvironmentVariableDeclaration{
		{Name: "USER", SecretName: "user-secret"},
	}}

	merged := Merge(nil, base, override)
	want := []domain.EnvironmentVariableDeclaration{
		{Name: "HOME", Value: "/home/base"},
		{Name: "USER", SecretName: "user-secret"},
	}
	if !reflect.DeepEqual(merged.EnvironmentVariables, want) {
		t.Fatalf("unexpected variables %+v", merged.EnvironmentVariables)
	}
}

func TestMergeWithoutOverrideIsIdentity(t *testing.T) {
	strict := false
	base := &domain.EnvironmentConfig{InfrastructureServices: []domain.InfrastructureServiceDeclaration{decl("A", "u1")}, Strict: &strict}
	if merged := Merge(nil, base, nil); !reflect.DeepEqual(merged, *base) {
		t.Fatalf("expected base unchanged, got %+v", merged)
	}
	if merged := Merge(nil, nil, nil); !reflect.DeepEqual(merged, domain.EnvironmentConfig{}) {
		t.Fatalf("expected empty config, got %+v", merged)
	}

	strictOverride := true
	merged := Merge(nil, base, &domain.EnvironmentConfig{Strict: &strictOverride})
	if !merged.IsStrict() {
		t.Fatalf("expected override strict flag to win")
	}
}
