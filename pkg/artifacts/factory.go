package artifacts

import (
	"context"
	"fmt"
	"path/filepath"
)

// Backend names the store_backend config values.
type Backend string

const (
	BackendLocal Backend = "local"
	BackendCloud Backend = "cloud-object-store"
)

// Provider selects the cloud object store.
type Provider string

const (
	ProviderS3  Provider = "s3"
	ProviderGCS Provider = "gcs"
)

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	Backend  Backend
	Provider Provider
	DataDir  string // local backend root; objects live under DataDir/evidence
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewStore builds the configured backend.
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch cfg.Backend {
	case BackendLocal, "":
		dataDir := cfg.DataDir
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "evidence"))
	case BackendCloud:
		switch cfg.Provider {
		case ProviderS3, "":
			if cfg.Bucket == "" {
				return nil, fmt.Errorf("bucket is required for S3 storage")
			}
			region := cfg.Region
			if region == "" {
				region = "us-east-1"
			}
			return NewS3Store(ctx, S3StoreConfig{
				Bucket:   cfg.Bucket,
				Region:   region,
				Endpoint: cfg.Endpoint,
				Prefix:   cfg.Prefix,
			})
		case ProviderGCS:
			if cfg.Bucket == "" {
				return nil, fmt.Errorf("bucket is required for GCS storage")
			}
			return newGCSStore(ctx, cfg)
		default:
			return nil, fmt.Errorf("unsupported cloud provider: %s", cfg.Provider)
		}
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.Backend)
	}
}
