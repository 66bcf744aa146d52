package domain

import (
	"slices"
	"strings"
)

// CredentialsType names a kind of generated credential file a service may contribute to.
type CredentialsType string

const (
	CredentialsTypeNetRCFile          CredentialsType = "NETRC_FILE"
	CredentialsTypeGitCredentialsFile CredentialsType = "GIT_CREDENTIALS_FILE"
)

// DefaultCredentialsTypes is used for services that do not declare any.
var DefaultCredentialsTypes = []CredentialsType{CredentialsTypeNetRCFile}

// Secret references a value in the secret store by its path.
type Secret struct {
	Name string
	Path string
}

// SecretScope places a secret on one level of the hierarchy. Exactly one field is set.
type SecretScope struct {
	OrganizationID string
	ProductID      string
	RepositoryID   string
}

// InfrastructureService is a named, URL-scoped credential source.
type InfrastructureService struct {
	Name             string
	URL              string
	Description      string
	UsernameSecret   Secret
	PasswordSecret   Secret
	CredentialsTypes []CredentialsType
	OrganizationID   string
	ProductID        string
}

func (s InfrastructureService) HasCredentialsType(t CredentialsType) bool {
	return slices.Contains(s.CredentialsTypes, t)
}

// WithCredentialsTypes returns a copy of s using the given credential types.
func (s InfrastructureService) WithCredentialsTypes(types []CredentialsType) InfrastructureService {
	out := s
	out.CredentialsTypes = slices.Clone(types)
	return out
}

// Key identifies a service within its organization/product scope.
func (s InfrastructureService) Key() string {
	return strings.Join([]string{s.OrganizationID, s.ProductID, s.Name}, "/")
}

// EnvironmentConfig is the environment description of a run, either parsed from a repository
// file or supplied as a run-scoped override.
type EnvironmentConfig struct {
	InfrastructureServices []InfrastructureServiceDeclaration `json:"infrastructureServices,omitempty" yaml:"infrastructureServices,omitempty"`
	EnvironmentDefinitions map[string][]EnvironmentDefinition `json:"environmentDefinitions,omitempty" yaml:"environmentDefinitions,omitempty"`
	EnvironmentVariables   []EnvironmentVariableDeclaration   `json:"environmentVariables,omitempty" yaml:"environmentVariables,omitempty"`
	Strict                 *bool                              `json:"strict,omitempty" yaml:"strict,omitempty"`
}

// IsStrict reports whether unresolvable references are errors. Strict is the default.
func (c EnvironmentConfig) IsStrict() bool {
	return c.Strict == nil || *c.Strict
}

// InfrastructureServiceDeclaration declares a service inside an environment config. Secrets are
// referenced by name and resolved against the run's hierarchy.
type InfrastructureServiceDeclaration struct {
	Name             string            `json:"name" yaml:"name"`
	URL              string            `json:"url" yaml:"url"`
	Description      string            `json:"description,omitempty" yaml:"description,omitempty"`
	UsernameSecret   string            `json:"usernameSecret" yaml:"usernameSecret"`
	PasswordSecret   string            `json:"passwordSecret" yaml:"passwordSecret"`
	CredentialsTypes []CredentialsType `json:"credentialsTypes,omitempty" yaml:"credentialsTypes,omitempty"`
}

// EnvironmentDefinition is one binding of a definition kind. The "service" key names the bound
// infrastructure service, "credentialsTypes" optionally overrides its credential types, and all
// other keys are passed to the generator.
type EnvironmentDefinition map[string]string

// EnvironmentVariableDeclaration defines a variable either by secret name or literal value.
type EnvironmentVariableDeclaration struct {
	Name       string `json:"name" yaml:"name"`
	SecretName string `json:"secretName,omitempty" yaml:"secretName,omitempty"`
	Value      string `json:"value,omitempty" yaml:"value,omitempty"`
}

// Equal compares all persisted properties; credential types are compared as a set.
func (s InfrastructureService) Equal(o InfrastructureService) bool {
	return s.Name == o.Name &&
		s.URL == o.URL &&
		s.Description == o.Description &&
		s.UsernameSecret == o.UsernameSecret &&
		s.PasswordSecret == o.PasswordSecret &&
		s.OrganizationID == o.OrganizationID &&
		s.ProductID == o.ProductID &&
		slices.Equal(SortedCredentialsTypes(s.CredentialsTypes), SortedCredentialsTypes(o.CredentialsTypes))
}

// SortedCredentialsTypes returns a sorted copy without duplicates.
func SortedCredentialsTypes(types []CredentialsType) []CredentialsType {
	out := slices.Clone(types)
	slices.Sort(out)
	return slices.Compact(out)
}

// EnvironmentServiceDefinition binds an infrastructure service to a definition kind such as
// "maven" or "npm". Plain definitions (empty Kind) only carry the service credentials.
type EnvironmentServiceDefinition struct {
	Kind    string
	Service InfrastructureService
	// CredentialsTypes overrides the credential types of Service when not nil.
	CredentialsTypes []CredentialsType
	Properties       map[string]string
}

// EffectiveService returns the bound service with the credential type override applied.
func (d EnvironmentServiceDefinition) EffectiveService() InfrastructureService {
	if d.CredentialsTypes == nil {
		return d.Service
	}
	return d.Service.WithCredentialsTypes(d.CredentialsTypes)
}

// Property returns the named definition property.
func (d EnvironmentServiceDefinition) Property(name string) (string, bool) {
	v, ok := d.Properties[name]
	return v, ok
}
