package environment

import (
	"github.com/animus-labs/animus-pipeline/internal/domain"
	"github.com/animus-labs/animus-pipeline/internal/repo/memory"
	"github.com/animus-labs/animus-pipeline/internal/secrets"
)

var testHierarchy = domain.Hierarchy{
	Organization: domain.Organization{ID: "org-1"},
	Product:      domain.Product{ID: "prod-1"},
	Repository:   domain.Repository{ID: "repo-1", URL: "https://example.com/org/repo.git", Type: "git"},
}

type fixture struct {
	services *memory.InfrastructureServiceStore
	secrets  *memory.SecretStore
	values   secrets.MapStore
	loader   *ConfigLoader
}

func newFixture() fixture {
	f := fixture{
		services: memory.NewInfrastructureServiceStore(),
		secrets:  memory.NewSecretStore(),
		values:   secrets.MapStore{},
	}
	f.addSecret("repo-user", "scott")
	f.addSecret("repo-password", "tiger")
	f.addSecret("npm-token", "npm-secret")
	f.loader = NewConfigLoader(f.services, f.secrets, nil)
	return f
}

func (f fixture) addSecret(name, value string) {
	path := "org-1/" + name
	f.secrets.Add(domain.SecretScope{OrganizationID: "org-1"}, domain.Secret{Name: name, Path: path})
	f.values[path] = value
}

func registered(name, url string) domain.InfrastructureService {
	return domain.InfrastructureService{
		Name:           name,
		URL:            url,
		UsernameSecret: domain.Secret{Name: "repo-user", Path: "org-1/repo-user"},
		PasswordSecret: domain.Secret{Name: "repo-password", Path: "org-1/repo-password"},
		OrganizationID: "org-1",
	}
}
