package domain

import (
	"errors"
	"strings"
	"time"
)

// RunStatus is the umbrella status of a pipeline execution.
type RunStatus string

const (
	RunStatusCreated  RunStatus = "CREATED"
	RunStatusActive   RunStatus = "ACTIVE"
	RunStatusFinished RunStatus = "FINISHED"
	RunStatusFailed   RunStatus = "FAILED"
)

func (s RunStatus) IsTerminal() bool {
	return s == RunStatusFinished || s == RunStatusFailed
}

type Organization struct {
	ID   string
	Name string
}

type Product struct {
	ID   string
	Name string
}

type Repository struct {
	ID   string
	URL  string
	Type string
}

// Hierarchy is the organization -> product -> repository chain used for credential scoping.
type Hierarchy struct {
	Organization Organization
	Product      Product
	Repository   Repository
}

// Run is one end-to-end pipeline execution over a repository.
type Run struct {
	ID                    string
	Hierarchy             Hierarchy
	Revision              string
	Path                  string
	EnvironmentConfigPath string
	EnvironmentConfig     *EnvironmentConfig
	JobConfigs            JobConfigurations
	Status                RunStatus
	CreatedAt             time.Time
	FinishedAt            *time.Time
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.Hierarchy.Organization.ID) == "" {
		return errors.New("organization id is required")
	}
	if strings.TrimSpace(r.Hierarchy.Product.ID) == "" {
		return errors.New("product id is required")
	}
	if strings.TrimSpace(r.Hierarchy.Repository.URL) == "" {
		return errors.New("repository url is required")
	}
	return nil
}
