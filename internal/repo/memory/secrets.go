package memory

import (
	"context"
	"sync"

	"github.com/animus-labs/animus-pipeline/internal/domain"
	"github.com/animus-labs/animus-pipeline/internal/repo"
)

type scopedSecret struct {
	scope  domain.SecretScope
	secret domain.Secret
}

type SecretStore struct {
	mu      sync.Mutex
	secrets []scopedSecret
}

func NewSecretStore() *SecretStore {
	return &SecretStore{}
}

func (s *SecretStore) Add(scope domain.SecretScope, secret domain.Secret) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets = append(s.secrets, scopedSecret{scope: scope, secret: secret})
}

func (s *SecretStore) GetByName(ctx context.Context, h domain.Hierarchy, name string) (domain.Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matchers := []func(domain.SecretScope) bool{
		func(sc domain.SecretScope) bool { return sc.RepositoryID != "" && sc.RepositoryID == h.Repository.ID },
		func(sc domain.SecretScope) bool { return sc.ProductID != "" && sc.ProductID == h.Product.ID },
		func(sc domain.SecretScope) bool {
			return sc.OrganizationID != "" && sc.OrganizationID == h.Organization.ID
		},
	}
	for _, match := range matchers {
		for _, entry := range s.secrets {
			if entry.secret.Name == name && match(entry.scope) {
				return entry.secret, nil
			}
		}
	}
	return domain.Secret{}, repo.ErrNotFound
}
