package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/coughsense/coughsense-go/internal/platform/env"
)

// Config addresses an S3-compatible endpoint. The bucket itself belongs to the
// deployment configuration, not to the connection.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("COUGHSENSE_S3_USE_SSL", true)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("COUGHSENSE_S3_ENDPOINT", "s3.amazonaws.com"),
		AccessKey: env.String("COUGHSENSE_S3_ACCESS_KEY", ""),
		SecretKey: env.String("COUGHSENSE_S3_SECRET_KEY", ""),
		Region:    env.String("COUGHSENSE_S3_REGION", "us-east-1"),
		UseSSL:    useSSL,
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
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return errors.New("access key and secret key must be set together")
	}
	return nil
}

// StaticCredentials reports whether keys were configured explicitly. Without
// them the client falls back to the environment and instance role chain.
func (c Config) StaticCredentials() bool {
	return c.AccessKey != "" && c.SecretKey != ""
}
