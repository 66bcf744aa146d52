package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/animus-labs/animus-pipeline/internal/domain"
	"github.com/animus-labs/animus-pipeline/internal/repo"
	"github.com/animus-labs/animus-pipeline/internal/secrets"
)

// runFile is the YAML document accepted by submit and dev. It describes one run together with
// the secrets and infrastructure services it needs.
type runFile struct {
	Run struct {
		ID           string `yaml:"id"`
		Organization struct {
			ID   string `yaml:"id"`
			Name string `yaml:"name"`
		} `yaml:"organization"`
		Product struct {
			ID   string `yaml:"id"`
			Name string `yaml:"name"`
		} `yaml:"product"`
		Repository struct {
			ID   string `yaml:"id"`
			URL  string `yaml:"url"`
			Type string `yaml:"type"`
		} `yaml:"repository"`
		Revision              string                    `yaml:"revision"`
		Path                  string                    `yaml:"path"`
		EnvironmentConfigPath string                    `yaml:"environmentConfigPath"`
		EnvironmentConfig     *domain.EnvironmentConfig `yaml:"environmentConfig"`
		Jobs                  domain.JobConfigurations  `yaml:"jobs"`
	} `yaml:"run"`
	Secrets                []secretEntry  `yaml:"secrets"`
	InfrastructureServices []serviceEntry `yaml:"infrastructureServices"`
}

type secretEntry struct {
	Name string `yaml:"name"`
	// Path defaults to the name.
	Path string `yaml:"path"`
	// Value is only used by the in-memory secrets provider.
	Value string `yaml:"value"`
	// Scope defaults to the organization of the run.
	Scope struct {
		Organization string `yaml:"organization"`
		Product      string `yaml:"product"`
		Repository   string `yaml:"repository"`
	} `yaml:"scope"`
}

type serviceEntry struct {
	Name             string   `yaml:"name"`
	URL              string   `yaml:"url"`
	Description      string   `yaml:"description"`
	UsernameSecret   string   `yaml:"usernameSecret"`
	PasswordSecret   string   `yaml:"passwordSecret"`
	CredentialsTypes []string `yaml:"credentialsTypes"`
}

type scopedSecret struct {
	scope  domain.SecretScope
	secret domain.Secret
	value  string
}

// runPlan is a validated run file.
type runPlan struct {
	run      domain.Run
	secrets  []scopedSecret
	services []domain.InfrastructureService
}

func loadRunFile(path string) (runPlan, error) {
	f, err := os.Open(path)
	if err != nil {
		return runPlan{}, err
	}
	defer f.Close()
	plan, err := parseRunFile(f)
	if err != nil {
		return runPlan{}, fmt.Errorf("%s: %w", path, err)
	}
	return plan, nil
}

func parseRunFile(r io.Reader) (runPlan, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var file runFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return runPlan{}, errors.New("run file is empty")
		}
		return runPlan{}, err
	}

	in := file.Run
	run := domain.Run{
		ID: strings.TrimSpace(in.ID),
		Hierarchy: domain.Hierarchy{
			Organization: domain.Organization{ID: in.Organization.ID, Name: in.Organization.Name},
			Product:      domain.Product{ID: in.Product.ID, Name: in.Product.Name},
			Repository:   domain.Repository{ID: in.Repository.ID, URL: in.Repository.URL, Type: in.Repository.Type},
		},
		Revision:              in.Revision,
		Path:                  in.Path,
		EnvironmentConfigPath: in.EnvironmentConfigPath,
		EnvironmentConfig:     in.EnvironmentConfig,
		JobConfigs:            in.Jobs,
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if err := run.Validate(); err != nil {
		return runPlan{}, err
	}

	plan := runPlan{run: run}
	byName := map[string]domain.Secret{}
	for i, entry := range file.Secrets {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			return runPlan{}, fmt.Errorf("secrets[%d]: name is required", i)
		}
		if _, ok := byName[name]; ok {
			return runPlan{}, fmt.Errorf("secrets[%d]: duplicate secret %q", i, name)
		}
		secret := domain.Secret{Name: name, Path: strings.TrimSpace(entry.Path)}
		if secret.Path == "" {
			secret.Path = name
		}
		scope := domain.SecretScope{
			OrganizationID: entry.Scope.Organization,
			ProductID:      entry.Scope.Product,
			RepositoryID:   entry.Scope.Repository,
		}
		if scope == (domain.SecretScope{}) {
			scope.OrganizationID = run.Hierarchy.Organization.ID
		}
		byName[name] = secret
		plan.secrets = append(plan.secrets, scopedSecret{scope: scope, secret: secret, value: entry.Value})
	}

	for i, entry := range file.InfrastructureServices {
		service := domain.InfrastructureService{
			Name:           strings.TrimSpace(entry.Name),
			URL:            strings.TrimSpace(entry.URL),
			Description:    entry.Description,
			OrganizationID: run.Hierarchy.Organization.ID,
			ProductID:      run.Hierarchy.Product.ID,
		}
		if service.Name == "" || service.URL == "" {
			return runPlan{}, fmt.Errorf("infrastructureServices[%d]: name and url are required", i)
		}
		var ok bool
		if service.UsernameSecret, ok = byName[entry.UsernameSecret]; !ok {
			return runPlan{}, fmt.Errorf("infrastructureServices[%d]: unknown secret %q", i, entry.UsernameSecret)
		}
		if service.PasswordSecret, ok = byName[entry.PasswordSecret]; !ok {
			return runPlan{}, fmt.Errorf("infrastructureServices[%d]: unknown secret %q", i, entry.PasswordSecret)
		}
		types, err := domain.ParseCredentialsTypes(strings.Join(entry.CredentialsTypes, ","))
		if err != nil {
			return runPlan{}, fmt.Errorf("infrastructureServices[%d]: %w", i, err)
		}
		if entry.CredentialsTypes == nil {
			types = domain.DefaultCredentialsTypes
		}
		plan.services = append(plan.services, service.WithCredentialsTypes(types))
	}
	return plan, nil
}

// register stores the secrets and services of the plan and keeps entries that already exist.
// Values are copied into values when it is an in-memory store.
func (p runPlan) register(ctx context.Context, st stores, values secrets.Store) error {
	mem, _ := values.(secrets.MapStore)
	for _, s := range p.secrets {
		if err := st.addSecret(ctx, s.scope, s.secret); err != nil && !errors.Is(err, repo.ErrConflict) {
			return fmt.Errorf("add secret %s: %w", s.secret.Name, err)
		}
		if mem != nil && s.value != "" {
			mem[s.secret.Path] = s.value
		}
	}
	for _, service := range p.services {
		if _, err := st.services.Create(ctx, service); err != nil && !errors.Is(err, repo.ErrConflict) {
			return fmt.Errorf("create infrastructure service %s: %w", service.Name, err)
		}
	}
	return nil
}
