// Package secrets resolves secret paths to their values. Secret metadata (name to path) lives in
// the repo layer; only the stores here ever see values.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/animus-labs/animus-pipeline/internal/platform/env"
	"github.com/animus-labs/animus-pipeline/internal/platform/objectstore"
)

// ErrNotFound reports a path without a value.
var ErrNotFound = errors.New("secret not found")

type Store interface {
	Resolve(ctx context.Context, path string) (string, error)
}

// MapStore keeps values in memory, keyed by path.
type MapStore map[string]string

func (m MapStore) Resolve(ctx context.Context, path string) (string, error) {
	value, ok := m[path]
	if !ok {
		return "", fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return value, nil
}

// EnvStore reads values from environment variables named Prefix_PATH, with path separators
// replaced by underscores.
type EnvStore struct {
	Prefix string
}

func (s EnvStore) Resolve(ctx context.Context, path string) (string, error) {
	key := env.Key(s.Prefix, strings.NewReplacer("/", "_", ".", "_").Replace(path))
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return value, nil
}

type objectOpener func(ctx context.Context, bucket, key string) (io.ReadCloser, error)

// ObjectStore reads each secret from one object of the secrets bucket.
type ObjectStore struct {
	open   objectOpener
	bucket string
	prefix string
}

func NewObjectStore(client *minio.Client, cfg objectstore.Config) (*ObjectStore, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	open := func(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
		return client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	}
	return &ObjectStore{open: open, bucket: cfg.BucketSecrets, prefix: cfg.SecretsPrefix}, nil
}

func (s *ObjectStore) Resolve(ctx context.Context, path string) (string, error) {
	key := strings.TrimPrefix(path, "/")
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	obj, err := s.open(ctx, s.bucket, key)
	if err != nil {
		return "", mapObjectError(path, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return "", mapObjectError(path, err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

func mapObjectError(path string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return fmt.Errorf("read secret %s: %w", path, err)
}
