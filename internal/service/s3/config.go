package s3

import (
	"fmt"

	"targetdialer/internal/config"
)

type Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
}

// NewConfig takes the object storage section of the application config.
// An empty bucket means archiving is disabled and yields nil.
func NewConfig(cfg config.S3Config) (*Config, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}
	if cfg.AccessKeyID == "" {
		return nil, fmt.Errorf("AccessKeyID is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("SecretAccessKey is required")
	}

	return &Config{
		Endpoint:        cfg.Endpoint,
		Region:          cfg.Region,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		Bucket:          cfg.Bucket,
	}, nil
}
