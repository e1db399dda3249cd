package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tessera-labs/tessera-go/internal/platform/env"
)

type Config struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	Region         string
	UseSSL         bool
	BucketArchives string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("TESSERA_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:       env.String("TESSERA_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:      env.String("TESSERA_MINIO_ACCESS_KEY", "tessera"),
		SecretKey:      env.String("TESSERA_MINIO_SECRET_KEY", "tesseraminio"),
		Region:         env.String("TESSERA_MINIO_REGION", "us-east-1"),
		UseSSL:         useSSL,
		BucketArchives: env.String("TESSERA_MINIO_BUCKET_ARCHIVES", "execution-archives"),
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
	if strings.TrimSpace(c.BucketArchives) == "" {
		return errors.New("archives bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
