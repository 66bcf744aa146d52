package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-pipeline/internal/domain"
	platformpg "github.com/animus-labs/animus-pipeline/internal/platform/postgres"
	"github.com/animus-labs/animus-pipeline/internal/repo"
)

type SecretStore struct {
	db DB
}

const (
	insertSecretQuery = `INSERT INTO secrets (name, path, organization_id, product_id, repository_id)
	 VALUES ($1,$2,$3,$4,$5)`

	// The most specific scope wins: repository, then product, then organization.
	selectSecretByNameQuery = `SELECT name, path
	 FROM secrets
	 WHERE name = $1
	 AND (repository_id = $2 OR product_id = $3 OR organization_id = $4)
	 ORDER BY CASE
	   WHEN repository_id IS NOT NULL THEN 0
	   WHEN product_id IS NOT NULL THEN 1
	   ELSE 2
	 END ASC
	 LIMIT 1`
)

func NewSecretStore(db DB) *SecretStore {
	if db == nil {
		return nil
	}
	return &SecretStore{db: db}
}

func (s *SecretStore) Add(ctx context.Context, scope domain.SecretScope, secret domain.Secret) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("secret store not initialized")
	}
	if strings.TrimSpace(secret.Name) == "" || strings.TrimSpace(secret.Path) == "" {
		return fmt.Errorf("secret name and path are required: %w", repo.ErrInvalidArgument)
	}
	_, err := s.db.ExecContext(ctx, insertSecretQuery,
		secret.Name,
		secret.Path,
		nullIfEmpty(scope.OrganizationID),
		nullIfEmpty(scope.ProductID),
		nullIfEmpty(scope.RepositoryID),
	)
	if err != nil {
		if platformpg.IsUniqueViolation(err) {
			return fmt.Errorf("secret %s exists: %w", secret.Name, repo.ErrConflict)
		}
		return fmt.Errorf("insert secret: %w", err)
	}
	return nil
}

func (s *SecretStore) GetByName(ctx context.Context, h domain.Hierarchy, name string) (domain.Secret, error) {
	if s == nil || s.db == nil {
		return domain.Secret{}, fmt.Errorf("secret store not initialized")
	}
	var secret domain.Secret
	err := s.db.QueryRowContext(ctx, selectSecretByNameQuery,
		name,
		nullIfEmpty(h.Repository.ID),
		nullIfEmpty(h.Product.ID),
		nullIfEmpty(h.Organization.ID),
	).Scan(&secret.Name, &secret.Path)
	if err != nil {
		return domain.Secret{}, handleNotFound(err)
	}
	return secret, nil
}
