package generators

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/animus-labs/animus-pipeline/internal/domain"
)

const (
	NetRCFile          = ".netrc"
	GitCredentialsFile = ".git-credentials"
)

// NetRC writes one machine entry per host of the services supporting NETRC_FILE. The first
// service of a host wins.
type NetRC struct{}

func (NetRC) Name() string { return "netrc" }

func (NetRC) Generate(ctx context.Context, b *ConfigFileBuilder, definitions []domain.EnvironmentServiceDefinition) error {
	services := servicesWith(definitions, domain.CredentialsTypeNetRCFile)
	if len(services) == 0 {
		return nil
	}

	var sb strings.Builder
	seen := map[string]bool{}
	for _, service := range services {
		host, err := hostOf(service.URL)
		if err != nil {
			return err
		}
		if seen[host] {
			continue
		}
		seen[host] = true
		user, password, err := b.Credentials(ctx, service)
		if err != nil {
			return err
		}
		fmt.Fprintf(&sb, "machine %s login %s password %s\n", host, user, password)
	}
	_, err := b.WriteFile(NetRCFile, []byte(sb.String()))
	return err
}

// GitCredentials writes a git credential store file for the services supporting
// GIT_CREDENTIALS_FILE.
type GitCredentials struct{}

func (GitCredentials) Name() string { return "git-credentials" }

func (GitCredentials) Generate(ctx context.Context, b *ConfigFileBuilder, definitions []domain.EnvironmentServiceDefinition) error {
	services := servicesWith(definitions, domain.CredentialsTypeGitCredentialsFile)
	if len(services) == 0 {
		return nil
	}

	var sb strings.Builder
	for _, service := range services {
		u, err := url.Parse(service.URL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("service %s: invalid url %q", service.Name, service.URL)
		}
		user, password, err := b.Credentials(ctx, service)
		if err != nil {
			return err
		}
		entry := url.URL{Scheme: u.Scheme, User: url.UserPassword(user, password), Host: u.Host, Path: strings.TrimSuffix(u.Path, "/")}
		sb.WriteString(entry.String())
		sb.WriteByte('\n')
	}
	_, err := b.WriteFile(GitCredentialsFile, []byte(sb.String()))
	return err
}

// servicesWith returns the distinct effective services of definitions that support t, in
// definition order.
func servicesWith(definitions []domain.EnvironmentServiceDefinition, t domain.CredentialsType) []domain.InfrastructureService {
	out := make([]domain.InfrastructureService, 0)
	for _, d := range definitions {
		service := d.EffectiveService()
		if !service.HasCredentialsType(t) {
			continue
		}
		duplicate := false
		for _, existing := range out {
			if existing.Equal(service) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			out = append(out, service)
		}
	}
	return out
}

func hostOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("invalid service url %q", raw)
	}
	return u.Hostname(), nil
}

func definitionsOfKind(definitions []domain.EnvironmentServiceDefinition, kind string) []domain.EnvironmentServiceDefinition {
	out := make([]domain.EnvironmentServiceDefinition, 0)
	for _, d := range definitions {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}
