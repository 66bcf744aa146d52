package generators

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/animus-labs/animus-pipeline/internal/domain"
	"github.com/animus-labs/animus-pipeline/internal/secrets"
)

// ConfigFileBuilder writes generated files below one directory and resolves the secrets a
// generator asks for. Each secret path is fetched at most once per builder.
type ConfigFileBuilder struct {
	dir     string
	secrets secrets.Store

	mu    sync.Mutex
	cache map[string]string
}

func NewConfigFileBuilder(dir string, store secrets.Store) *ConfigFileBuilder {
	return &ConfigFileBuilder{dir: dir, secrets: store, cache: map[string]string{}}
}

func (b *ConfigFileBuilder) Dir() string {
	return b.dir
}

// Secret returns the value of s.
func (b *ConfigFileBuilder) Secret(ctx context.Context, s domain.Secret) (string, error) {
	if s.Path == "" {
		return "", fmt.Errorf("secret %q has no path", s.Name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if v, ok := b.cache[s.Path]; ok {
		return v, nil
	}
	if b.secrets == nil {
		return "", fmt.Errorf("resolve secret %q: no secret store configured", s.Name)
	}
	v, err := b.secrets.Resolve(ctx, s.Path)
	if err != nil {
		return "", fmt.Errorf("resolve secret %q: %w", s.Name, err)
	}
	b.cache[s.Path] = v
	return v, nil
}

// Credentials resolves the username and password secrets of service.
func (b *ConfigFileBuilder) Credentials(ctx context.Context, service domain.InfrastructureService) (string, string, error) {
	user, err := b.Secret(ctx, service.UsernameSecret)
	if err != nil {
		return "", "", err
	}
	password, err := b.Secret(ctx, service.PasswordSecret)
	if err != nil {
		return "", "", err
	}
	return user, password, nil
}

// WriteFile writes content to name, relative to the builder directory, readable by the owner
// only.
func (b *ConfigFileBuilder) WriteFile(name string, content []byte) (string, error) {
	clean := filepath.Clean(name)
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("file %q is outside of the config directory", name)
	}
	path := filepath.Join(b.dir, clean)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create directory for %s: %w", name, err)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	// WriteFile keeps the mode of existing files.
	if err := os.Chmod(path, 0o600); err != nil {
		return "", fmt.Errorf("chmod %s: %w", name, err)
	}
	return path, nil
}
