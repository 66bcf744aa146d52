package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-pipeline/internal/platform/env"
)

type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Region        string
	UseSSL        bool
	BucketSecrets string
	SecretsPrefix string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("PIPELINE_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:      env.String("PIPELINE_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:     strings.TrimSpace(env.String("PIPELINE_MINIO_ACCESS_KEY", "")),
		SecretKey:     env.String("PIPELINE_MINIO_SECRET_KEY", ""),
		Region:        env.String("PIPELINE_MINIO_REGION", "us-east-1"),
		UseSSL:        useSSL,
		BucketSecrets: env.String("PIPELINE_MINIO_BUCKET_SECRETS", "secrets"),
		SecretsPrefix: strings.Trim(env.String("PIPELINE_MINIO_SECRETS_PREFIX", ""), "/"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if (c.AccessKey == "") != (strings.TrimSpace(c.SecretKey) == "") {
		return errors.New("access key and secret key must be set together")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketSecrets) == "" {
		return errors.New("secrets bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
