package environment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/animus-pipeline/internal/domain"
	"github.com/animus-labs/animus-pipeline/internal/repo"
)

// DefaultConfigPath is the location of the environment file relative to the repository root.
const DefaultConfigPath = ".ort.env.yml"

// ResolvedVariable is an environment variable whose value is either literal or a secret.
type ResolvedVariable struct {
	Name   string
	Secret *domain.Secret
	Value  string
}

// ResolvedConfig is an environment config with all names bound to services and secrets.
type ResolvedConfig struct {
	InfrastructureServices []domain.InfrastructureService
	EnvironmentDefinitions []domain.EnvironmentServiceDefinition
	EnvironmentVariables   []ResolvedVariable
}

// lookupError marks a failed repository lookup. It aborts resolution in every mode.
type lookupError struct {
	err error
}

func (e lookupError) Error() string { return e.err.Error() }
func (e lookupError) Unwrap() error { return e.err }

// ConfigLoader parses environment files and resolves them against a hierarchy.
type ConfigLoader struct {
	services repo.InfrastructureServiceRepository
	secrets  repo.SecretRepository
	logger   *slog.Logger
}

func NewConfigLoader(services repo.InfrastructureServiceRepository, secrets repo.SecretRepository, logger *slog.Logger) *ConfigLoader {
	if services == nil || secrets == nil {
		return nil
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ConfigLoader{services: services, secrets: secrets, logger: logger}
}

// Parse decodes a YAML environment file. Unknown top-level keys are rejected.
func (l *ConfigLoader) Parse(r io.Reader) (domain.EnvironmentConfig, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cfg domain.EnvironmentConfig
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.EnvironmentConfig{}, nil
		}
		return domain.EnvironmentConfig{}, fmt.Errorf("parse environment config: %w", err)
	}
	return cfg, nil
}

// ParseFile reads the environment file of a checked-out repository. A missing file yields an
// empty config. An empty path selects DefaultConfigPath. Paths leaving repoDir are rejected.
func (l *ConfigLoader) ParseFile(repoDir, path string) (domain.EnvironmentConfig, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultConfigPath
	}
	clean := filepath.Clean(path)
	if !filepath.IsLocal(clean) {
		return domain.EnvironmentConfig{}, fmt.Errorf("environment config %q is outside of the repository", path)
	}
	f, err := os.Open(filepath.Join(repoDir, clean))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			l.logger.Info("no environment config file", "path", path)
			return domain.EnvironmentConfig{}, nil
		}
		return domain.EnvironmentConfig{}, fmt.Errorf("open environment config: %w", err)
	}
	defer f.Close()
	return l.Parse(f)
}

// Resolve binds secret and service names of cfg. In strict mode every unresolvable reference is
// an error; otherwise the entry is dropped with a warning.
func (l *ConfigLoader) Resolve(ctx context.Context, cfg domain.EnvironmentConfig, h domain.Hierarchy) (ResolvedConfig, error) {
	var (
		out    ResolvedConfig
		issues []error
	)
	report := func(err error) {
		if cfg.IsStrict() {
			issues = append(issues, err)
			return
		}
		l.logger.Warn("ignoring invalid environment config entry", "error", err)
	}
	var failed lookupError

	declared := map[string]domain.InfrastructureService{}
	for _, decl := range cfg.InfrastructureServices {
		service, err := l.resolveService(ctx, decl, h)
		if errors.As(err, &failed) {
			return ResolvedConfig{}, err
		}
		if err != nil {
			report(err)
			continue
		}
		declared[service.Name] = service
		out.InfrastructureServices = append(out.InfrastructureServices, service)
	}

	var registered map[string]domain.InfrastructureService
	for _, kind := range slices.Sorted(maps.Keys(cfg.EnvironmentDefinitions)) {
		for _, def := range cfg.EnvironmentDefinitions[kind] {
			name := strings.TrimSpace(def["service"])
			if name == "" {
				report(fmt.Errorf("%s definition without service", kind))
				continue
			}
			service, ok := declared[name]
			if !ok {
				if registered == nil {
					var err error
					if registered, err = l.registeredServices(ctx, h); err != nil {
						return ResolvedConfig{}, err
					}
				}
				service, ok = registered[name]
			}
			if !ok {
				report(fmt.Errorf("%s definition references unknown service %q", kind, name))
				continue
			}

			resolved := domain.EnvironmentServiceDefinition{Kind: kind, Service: service, Properties: map[string]string{}}
			if raw, ok := def["credentialsTypes"]; ok {
				types, err := domain.ParseCredentialsTypes(raw)
				if err != nil {
					report(fmt.Errorf("%s definition for %q: %w", kind, name, err))
					continue
				}
				resolved.CredentialsTypes = types
			}
			for key, value := range def {
				if key != "service" && key != "credentialsTypes" {
					resolved.Properties[key] = value
				}
			}
			out.EnvironmentDefinitions = append(out.EnvironmentDefinitions, resolved)
		}
	}

	for _, decl := range cfg.EnvironmentVariables {
		variable, err := l.resolveVariable(ctx, decl, h)
		if errors.As(err, &failed) {
			return ResolvedConfig{}, err
		}
		if err != nil {
			report(err)
			continue
		}
		out.EnvironmentVariables = append(out.EnvironmentVariables, variable)
	}

	if len(issues) > 0 {
		return ResolvedConfig{}, fmt.Errorf("invalid environment config: %w", errors.Join(issues...))
	}
	return out, nil
}

func (l *ConfigLoader) resolveService(ctx context.Context, decl domain.InfrastructureServiceDeclaration, h domain.Hierarchy) (domain.InfrastructureService, error) {
	if strings.TrimSpace(decl.Name) == "" || strings.TrimSpace(decl.URL) == "" {
		return domain.InfrastructureService{}, fmt.Errorf("infrastructure service %q needs a name and a url", decl.Name)
	}
	user, err := l.secret(ctx, h, decl.UsernameSecret)
	if err != nil {
		return domain.InfrastructureService{}, fmt.Errorf("infrastructure service %q: %w", decl.Name, err)
	}
	password, err := l.secret(ctx, h, decl.PasswordSecret)
	if err != nil {
		return domain.InfrastructureService{}, fmt.Errorf("infrastructure service %q: %w", decl.Name, err)
	}
	types := decl.CredentialsTypes
	if types == nil {
		types = domain.DefaultCredentialsTypes
	}
	// Services declared in a config belong to no organization or product, only to the runs
	// that use them.
	return domain.InfrastructureService{
		Name:             decl.Name,
		URL:              decl.URL,
		Description:      decl.Description,
		UsernameSecret:   user,
		PasswordSecret:   password,
		CredentialsTypes: domain.SortedCredentialsTypes(types),
	}, nil
}

func (l *ConfigLoader) resolveVariable(ctx context.Context, decl domain.EnvironmentVariableDeclaration, h domain.Hierarchy) (ResolvedVariable, error) {
	name := strings.TrimSpace(decl.Name)
	if name == "" {
		return ResolvedVariable{}, errors.New("environment variable without name")
	}
	switch {
	case decl.SecretName != "" && decl.Value != "":
		return ResolvedVariable{}, fmt.Errorf("environment variable %s sets both secretName and value", name)
	case decl.SecretName != "":
		secret, err := l.secret(ctx, h, decl.SecretName)
		if err != nil {
			return ResolvedVariable{}, fmt.Errorf("environment variable %s: %w", name, err)
		}
		return ResolvedVariable{Name: name, Secret: &secret}, nil
	default:
		return ResolvedVariable{Name: name, Value: decl.Value}, nil
	}
}

func (l *ConfigLoader) secret(ctx context.Context, h domain.Hierarchy, name string) (domain.Secret, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Secret{}, errors.New("secret name is required")
	}
	secret, err := l.secrets.GetByName(ctx, h, name)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Secret{}, fmt.Errorf("unknown secret %q", name)
		}
		return domain.Secret{}, lookupError{err: fmt.Errorf("look up secret %q: %w", name, err)}
	}
	return secret, nil
}

func (l *ConfigLoader) registeredServices(ctx context.Context, h domain.Hierarchy) (map[string]domain.InfrastructureService, error) {
	services, err := l.services.ListForHierarchy(ctx, h.Organization.ID, h.Product.ID)
	if err != nil {
		return nil, fmt.Errorf("list infrastructure services: %w", err)
	}
	out := map[string]domain.InfrastructureService{}
	for _, s := range services {
		// Product services shadow organization services of the same name.
		if existing, ok := out[s.Name]; ok && existing.ProductID != "" {
			continue
		}
		out[s.Name] = s
	}
	return out, nil
}
