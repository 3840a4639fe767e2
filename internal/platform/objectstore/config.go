package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/openearth-labs/openearth-go/internal/platform/env"
)

type Config struct {
	Enabled         bool
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Region          string
	UseSSL          bool
	BucketResults   string
	BucketPublished string
}

func ConfigFromEnv() (Config, error) {
	enabled, err := env.Bool("OPENEARTH_MINIO_ENABLED", false)
	if err != nil {
		return Config{}, err
	}
	useSSL, err := env.Bool("OPENEARTH_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Enabled:         enabled,
		Endpoint:        env.String("OPENEARTH_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:       env.String("OPENEARTH_MINIO_ACCESS_KEY", "openearth"),
		SecretKey:       env.String("OPENEARTH_MINIO_SECRET_KEY", "openearthminio"),
		Region:          env.String("OPENEARTH_MINIO_REGION", "us-east-1"),
		UseSSL:          useSSL,
		BucketResults:   env.String("OPENEARTH_MINIO_BUCKET_RESULTS", "results"),
		BucketPublished: env.String("OPENEARTH_MINIO_BUCKET_PUBLISHED", "published"),
	}
	if !cfg.Enabled {
		return cfg, nil
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
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketResults) == "" {
		return errors.New("results bucket is required")
	}
	if strings.TrimSpace(c.BucketPublished) == "" {
		return errors.New("published bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
