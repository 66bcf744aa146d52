// Package environment prepares the build environment of a run: it merges the repository
// environment file with run overrides, binds the referenced services and secrets, records which
// services the run used, and renders the configuration files of the build tools.
package environment

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/animus-labs/animus-pipeline/internal/domain"
	"github.com/animus-labs/animus-pipeline/internal/environment/generators"
	"github.com/animus-labs/animus-pipeline/internal/repo"
	"github.com/animus-labs/animus-pipeline/internal/secrets"
)

// WorkerContext describes the run a worker processes and where its generated files go.
type WorkerContext struct {
	RunID                 string
	Hierarchy             domain.Hierarchy
	EnvironmentConfigPath string
	// ConfigDir receives the generated files, usually the home directory of the build tools.
	ConfigDir string
}

type Service struct {
	services   repo.InfrastructureServiceRepository
	loader     *ConfigLoader
	generators []generators.Generator
	secrets    secrets.Store
	logger     *slog.Logger
}

func NewService(services repo.InfrastructureServiceRepository, loader *ConfigLoader, gens []generators.Generator, store secrets.Store, logger *slog.Logger) *Service {
	if services == nil || loader == nil || store == nil {
		return nil
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{services: services, loader: loader, generators: gens, secrets: store, logger: logger}
}

// FindServiceForRepository returns the registered service with the longest URL prefix of the
// repository URL, or nil.
func (s *Service) FindServiceForRepository(ctx context.Context, wc WorkerContext) (*domain.InfrastructureService, error) {
	h := wc.Hierarchy
	candidates, err := s.services.ListForRepositoryURL(ctx, h.Repository.URL, h.Organization.ID, h.Product.ID)
	if err != nil {
		return nil, fmt.Errorf("list infrastructure services: %w", err)
	}
	return longestPrefixMatch(h.Repository.URL, candidates), nil
}

// FindServiceForRepositoryWithConfig is FindServiceForRepository over the services declared in
// cfg that support NETRC_FILE.
func (s *Service) FindServiceForRepositoryWithConfig(ctx context.Context, wc WorkerContext, cfg domain.EnvironmentConfig) (*domain.InfrastructureService, error) {
	resolved, err := s.loader.Resolve(ctx, cfg, wc.Hierarchy)
	if err != nil {
		return nil, err
	}
	candidates := make([]domain.InfrastructureService, 0, len(resolved.InfrastructureServices))
	for _, service := range resolved.InfrastructureServices {
		if service.HasCredentialsType(domain.CredentialsTypeNetRCFile) {
			candidates = append(candidates, service)
		}
	}
	return longestPrefixMatch(wc.Hierarchy.Repository.URL, candidates), nil
}

// longestPrefixMatch returns the service with the longest URL that prefixes repositoryURL. Ties
// keep the earlier service.
func longestPrefixMatch(repositoryURL string, services []domain.InfrastructureService) *domain.InfrastructureService {
	var best *domain.InfrastructureService
	for i := range services {
		service := services[i]
		if !strings.HasPrefix(repositoryURL, service.URL) {
			continue
		}
		if best == nil || len(service.URL) > len(best.URL) {
			best = &service
		}
	}
	return best
}

// SetUpEnvironment prepares the environment for the repository checked out to repoDir. The
// override takes precedence over the repository file. repositoryService holds the credentials
// used for the checkout, if any.
func (s *Service) SetUpEnvironment(ctx context.Context, wc WorkerContext, repoDir string, override *domain.EnvironmentConfig, repositoryService *domain.InfrastructureService) (ResolvedConfig, error) {
	parsed, err := s.loader.ParseFile(repoDir, wc.EnvironmentConfigPath)
	if err != nil {
		return ResolvedConfig{}, err
	}
	merged := Merge(s.logger, &parsed, override)
	resolved, err := s.loader.Resolve(ctx, merged, wc.Hierarchy)
	if err != nil {
		return ResolvedConfig{}, err
	}
	return resolved, s.setUp(ctx, wc, resolved, repositoryService)
}

func (s *Service) setUp(ctx context.Context, wc WorkerContext, cfg ResolvedConfig, repositoryService *domain.InfrastructureService) error {
	services := append([]domain.InfrastructureService(nil), cfg.InfrastructureServices...)
	if repositoryService != nil && !containsService(services, *repositoryService) {
		services = append(services, *repositoryService)
	}

	referenced := make([]domain.InfrastructureService, 0, len(cfg.EnvironmentDefinitions))
	for _, d := range cfg.EnvironmentDefinitions {
		referenced = append(referenced, d.Service)
	}

	definitions := append([]domain.EnvironmentServiceDefinition(nil), cfg.EnvironmentDefinitions...)
	used := make([]domain.InfrastructureService, 0, len(services)+len(definitions))
	for _, service := range services {
		if containsService(referenced, service) {
			continue
		}
		definitions = append(definitions, domain.EnvironmentServiceDefinition{Service: service})
		used = append(used, service)
	}
	for _, d := range cfg.EnvironmentDefinitions {
		if effective := d.EffectiveService(); !containsService(used, effective) {
			used = append(used, effective)
		}
	}

	if err := s.assignServicesToRun(ctx, wc.RunID, used); err != nil {
		return err
	}
	return s.generate(ctx, wc, definitions)
}

// GenerateNetRCFile renders the credential files for services outside of a full environment
// setup.
func (s *Service) GenerateNetRCFile(ctx context.Context, wc WorkerContext, services []domain.InfrastructureService) error {
	definitions := make([]domain.EnvironmentServiceDefinition, 0, len(services))
	for _, service := range services {
		definitions = append(definitions, domain.EnvironmentServiceDefinition{Service: service})
	}
	return s.generate(ctx, wc, definitions)
}

// GenerateNetRCFileForRun renders the credential files for the services recorded for the run.
// Stages after the analyzer use it to reach the same hosts.
func (s *Service) GenerateNetRCFileForRun(ctx context.Context, wc WorkerContext) error {
	services, err := s.services.ListForRun(ctx, wc.RunID)
	if err != nil {
		return fmt.Errorf("list infrastructure services for run: %w", err)
	}
	return s.GenerateNetRCFile(ctx, wc, services)
}

func (s *Service) assignServicesToRun(ctx context.Context, runID string, services []domain.InfrastructureService) error {
	for _, service := range services {
		if _, err := s.services.GetOrCreateForRun(ctx, service, runID); err != nil {
			return fmt.Errorf("record service %s for run %s: %w", service.Name, runID, err)
		}
	}
	return nil
}

func (s *Service) generate(ctx context.Context, wc WorkerContext, definitions []domain.EnvironmentServiceDefinition) error {
	newBuilder := func() *generators.ConfigFileBuilder {
		return generators.NewConfigFileBuilder(wc.ConfigDir, s.secrets)
	}
	_, err := generators.Run(ctx, s.logger.With("run_id", wc.RunID), s.generators, newBuilder, definitions)
	return err
}

func containsService(services []domain.InfrastructureService, service domain.InfrastructureService) bool {
	for _, candidate := range services {
		if candidate.Equal(service) {
			return true
		}
	}
	return false
}

// ResolveVariables returns the values of the resolved environment variables.
func (s *Service) ResolveVariables(ctx context.Context, variables []ResolvedVariable) (map[string]string, error) {
	out := make(map[string]string, len(variables))
	for _, v := range variables {
		if v.Secret == nil {
			out[v.Name] = v.Value
			continue
		}
		value, err := s.secrets.Resolve(ctx, v.Secret.Path)
		if err != nil {
			return nil, fmt.Errorf("environment variable %s: %w", v.Name, err)
		}
		out[v.Name] = value
	}
	return out, nil
}
