package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-pipeline/internal/domain"
	platformpg "github.com/animus-labs/animus-pipeline/internal/platform/postgres"
	"github.com/animus-labs/animus-pipeline/internal/repo"
)

type InfrastructureServiceStore struct {
	db DB
}

const (
	serviceColumns = `name, url, description, username_secret_name, username_secret_path, password_secret_name, password_secret_path,
	 credentials_types, organization_id, product_id`

	insertRegisteredServiceQuery = `INSERT INTO infrastructure_services (` + serviceColumns + `, registered)
	 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,TRUE)`

	insertRunServiceQuery = `INSERT INTO infrastructure_services (` + serviceColumns + `)
	 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	 ON CONFLICT ON CONSTRAINT infrastructure_services_identity_key DO NOTHING
	 RETURNING id`

	selectServiceIDQuery = `SELECT id FROM infrastructure_services
	 WHERE name = $1 AND url = $2 AND description = $3
	 AND username_secret_name = $4 AND username_secret_path = $5
	 AND password_secret_name = $6 AND password_secret_path = $7
	 AND credentials_types = $8 AND organization_id = $9 AND product_id = $10`

	linkRunServiceQuery = `INSERT INTO run_infrastructure_services (run_id, service_id)
	 VALUES ($1,$2)
	 ON CONFLICT (run_id, service_id) DO NOTHING`

	listServicesForHierarchyQuery = `SELECT ` + serviceColumns + `
	 FROM infrastructure_services
	 WHERE registered
	 AND ((organization_id = $1 AND $1 <> '' AND product_id = '') OR (product_id = $2 AND $2 <> ''))
	 ORDER BY id ASC`

	listServicesForRepositoryURLQuery = `SELECT ` + serviceColumns + `
	 FROM infrastructure_services
	 WHERE registered
	 AND ((organization_id = $1 AND $1 <> '' AND product_id = '') OR (product_id = $2 AND $2 <> ''))
	 AND starts_with($3, url)
	 ORDER BY id ASC`

	listServicesForRunQuery = `SELECT s.name, s.url, s.description, s.username_secret_name, s.username_secret_path,
	 s.password_secret_name, s.password_secret_path, s.credentials_types, s.organization_id, s.product_id
	 FROM infrastructure_services s
	 JOIN run_infrastructure_services r ON r.service_id = s.id
	 WHERE r.run_id = $1
	 ORDER BY s.id ASC`
)

func NewInfrastructureServiceStore(db DB) *InfrastructureServiceStore {
	if db == nil {
		return nil
	}
	return &InfrastructureServiceStore{db: db}
}

func (s *InfrastructureServiceStore) Create(ctx context.Context, service domain.InfrastructureService) (domain.InfrastructureService, error) {
	if s == nil || s.db == nil {
		return domain.InfrastructureService{}, fmt.Errorf("infrastructure service store not initialized")
	}
	if strings.TrimSpace(service.Name) == "" || strings.TrimSpace(service.URL) == "" {
		return domain.InfrastructureService{}, fmt.Errorf("service name and url are required: %w", repo.ErrInvalidArgument)
	}
	service = normalizeService(service)
	if _, err := s.db.ExecContext(ctx, insertRegisteredServiceQuery, serviceArgs(service)...); err != nil {
		if platformpg.IsUniqueViolation(err) {
			return domain.InfrastructureService{}, fmt.Errorf("service %s exists: %w", service.Key(), repo.ErrConflict)
		}
		return domain.InfrastructureService{}, fmt.Errorf("insert infrastructure service: %w", err)
	}
	return service, nil
}

func (s *InfrastructureServiceStore) ListForHierarchy(ctx context.Context, organizationID, productID string) ([]domain.InfrastructureService, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("infrastructure service store not initialized")
	}
	return s.list(ctx, listServicesForHierarchyQuery, organizationID, productID)
}

func (s *InfrastructureServiceStore) ListForRepositoryURL(ctx context.Context, repositoryURL, organizationID, productID string) ([]domain.InfrastructureService, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("infrastructure service store not initialized")
	}
	return s.list(ctx, listServicesForRepositoryURLQuery, organizationID, productID, repositoryURL)
}

func (s *InfrastructureServiceStore) ListForRun(ctx context.Context, runID string) ([]domain.InfrastructureService, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("infrastructure service store not initialized")
	}
	return s.list(ctx, listServicesForRunQuery, strings.TrimSpace(runID))
}

// GetOrCreateForRun relies on the identity constraint: a concurrent insert of the same service
// makes ours a no-op and the existing row is read back.
func (s *InfrastructureServiceStore) GetOrCreateForRun(ctx context.Context, service domain.InfrastructureService, runID string) (domain.InfrastructureService, error) {
	if s == nil || s.db == nil {
		return domain.InfrastructureService{}, fmt.Errorf("infrastructure service store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.InfrastructureService{}, fmt.Errorf("run id is required: %w", repo.ErrInvalidArgument)
	}
	service = normalizeService(service)
	args := serviceArgs(service)

	var id int64
	err := s.db.QueryRowContext(ctx, insertRunServiceQuery, args...).Scan(&id)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.InfrastructureService{}, fmt.Errorf("insert infrastructure service: %w", err)
		}
		if err := s.db.QueryRowContext(ctx, selectServiceIDQuery, args...).Scan(&id); err != nil {
			return domain.InfrastructureService{}, fmt.Errorf("select infrastructure service: %w", handleNotFound(err))
		}
	}
	if _, err := s.db.ExecContext(ctx, linkRunServiceQuery, runID, id); err != nil {
		return domain.InfrastructureService{}, fmt.Errorf("link infrastructure service: %w", err)
	}
	return service, nil
}

func (s *InfrastructureServiceStore) list(ctx context.Context, query string, args ...any) ([]domain.InfrastructureService, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list infrastructure services: %w", err)
	}
	defer rows.Close()

	out := make([]domain.InfrastructureService, 0)
	for rows.Next() {
		service, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, service)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list infrastructure services: %w", err)
	}
	return out, nil
}

func serviceArgs(service domain.InfrastructureService) []any {
	return []any{
		service.Name,
		service.URL,
		service.Description,
		service.UsernameSecret.Name,
		service.UsernameSecret.Path,
		service.PasswordSecret.Name,
		service.PasswordSecret.Path,
		encodeCredentialsTypes(service.CredentialsTypes),
		service.OrganizationID,
		service.ProductID,
	}
}

func scanService(scanner rowScanner) (domain.InfrastructureService, error) {
	var (
		service domain.InfrastructureService
		types   string
	)
	if err := scanner.Scan(
		&service.Name,
		&service.URL,
		&service.Description,
		&service.UsernameSecret.Name,
		&service.UsernameSecret.Path,
		&service.PasswordSecret.Name,
		&service.PasswordSecret.Path,
		&types,
		&service.OrganizationID,
		&service.ProductID,
	); err != nil {
		return domain.InfrastructureService{}, err
	}
	service.CredentialsTypes = decodeCredentialsTypes(types)
	return service, nil
}

func normalizeService(service domain.InfrastructureService) domain.InfrastructureService {
	if service.CredentialsTypes == nil {
		service.CredentialsTypes = domain.DefaultCredentialsTypes
	}
	service.CredentialsTypes = domain.SortedCredentialsTypes(service.CredentialsTypes)
	return service
}

// encodeCredentialsTypes stores the sorted set as a comma separated list so it can take part in
// the identity constraint.
func encodeCredentialsTypes(types []domain.CredentialsType) string {
	parts := make([]string, 0, len(types))
	for _, t := range domain.SortedCredentialsTypes(types) {
		parts = append(parts, string(t))
	}
	return strings.Join(parts, ",")
}

func decodeCredentialsTypes(raw string) []domain.CredentialsType {
	out := make([]domain.CredentialsType, 0)
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, domain.CredentialsType(part))
		}
	}
	return out
}
