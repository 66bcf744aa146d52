package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/animus-labs/animus-pipeline/internal/domain"
	"github.com/animus-labs/animus-pipeline/internal/repo"
)

// InfrastructureServiceStore keeps registered services and the services recorded for runs in
// one list. Only registered services are visible to hierarchy lookups.
type InfrastructureServiceStore struct {
	mu         sync.Mutex
	services   []domain.InfrastructureService
	registered map[int]bool
	runLinks   map[string][]int
}

func NewInfrastructureServiceStore() *InfrastructureServiceStore {
	return &InfrastructureServiceStore{registered: map[int]bool{}, runLinks: map[string][]int{}}
}

func (s *InfrastructureServiceStore) Create(ctx context.Context, service domain.InfrastructureService) (domain.InfrastructureService, error) {
	if strings.TrimSpace(service.Name) == "" || strings.TrimSpace(service.URL) == "" {
		return domain.InfrastructureService{}, fmt.Errorf("service name and url are required: %w", repo.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for idx, existing := range s.services {
		if s.registered[idx] && existing.Key() == service.Key() {
			return domain.InfrastructureService{}, fmt.Errorf("service %s exists: %w", service.Key(), repo.ErrConflict)
		}
	}
	service = normalizeService(service)
	s.services = append(s.services, service)
	s.registered[len(s.services)-1] = true
	return service, nil
}

func (s *InfrastructureServiceStore) ListForHierarchy(ctx context.Context, organizationID, productID string) ([]domain.InfrastructureService, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.InfrastructureService, 0)
	for idx, service := range s.services {
		if s.registered[idx] && inHierarchy(service, organizationID, productID) {
			out = append(out, service)
		}
	}
	return out, nil
}

func (s *InfrastructureServiceStore) ListForRepositoryURL(ctx context.Context, repositoryURL, organizationID, productID string) ([]domain.InfrastructureService, error) {
	all, err := s.ListForHierarchy(ctx, organizationID, productID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.InfrastructureService, 0, len(all))
	for _, service := range all {
		if strings.HasPrefix(repositoryURL, service.URL) {
			out = append(out, service)
		}
	}
	return out, nil
}

func (s *InfrastructureServiceStore) ListForRun(ctx context.Context, runID string) ([]domain.InfrastructureService, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.InfrastructureService, 0)
	for _, idx := range s.runLinks[runID] {
		out = append(out, s.services[idx])
	}
	return out, nil
}

func (s *InfrastructureServiceStore) GetOrCreateForRun(ctx context.Context, service domain.InfrastructureService, runID string) (domain.InfrastructureService, error) {
	if strings.TrimSpace(runID) == "" {
		return domain.InfrastructureService{}, fmt.Errorf("run id is required: %w", repo.ErrInvalidArgument)
	}
	service = normalizeService(service)

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.services, service.Equal)
	if idx < 0 {
		s.services = append(s.services, service)
		idx = len(s.services) - 1
	}
	if !slices.Contains(s.runLinks[runID], idx) {
		s.runLinks[runID] = append(s.runLinks[runID], idx)
	}
	return s.services[idx], nil
}

// inHierarchy matches organization-wide services and services of the given product.
func inHierarchy(service domain.InfrastructureService, organizationID, productID string) bool {
	if service.OrganizationID != "" && service.OrganizationID == organizationID && service.ProductID == "" {
		return true
	}
	return service.ProductID != "" && service.ProductID == productID
}

func normalizeService(service domain.InfrastructureService) domain.InfrastructureService {
	if service.CredentialsTypes == nil {
		service.CredentialsTypes = domain.DefaultCredentialsTypes
	}
	service.CredentialsTypes = domain.SortedCredentialsTypes(service.CredentialsTypes)
	return service
}
