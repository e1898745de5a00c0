package vault

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType selects the blob storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// NewBlobStoreFromEnv creates a blob store from environment variables.
//
//   - VAULT_STORAGE_TYPE: "fs" (default), "s3", or "gcs"
//   - DATA_DIR: base directory for the filesystem store (default "data")
//
// For S3:
//   - VAULT_S3_BUCKET (required)
//   - VAULT_S3_REGION or AWS_REGION
//   - VAULT_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - VAULT_S3_PREFIX (optional)
//
// For GCS (requires the gcp build tag):
//   - VAULT_GCS_BUCKET (required)
//   - VAULT_GCS_PREFIX (optional)
func NewBlobStoreFromEnv(ctx context.Context) (BlobStore, error) {
	storeType := StoreType(os.Getenv("VAULT_STORAGE_TYPE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		dataDir := os.Getenv("DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "vault"))
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("vault: unsupported storage type %q", storeType)
	}
}

func newS3StoreFromEnv(ctx context.Context) (BlobStore, error) {
	bucket := os.Getenv("VAULT_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("vault: VAULT_S3_BUCKET is required for s3 storage")
	}
	region := os.Getenv("VAULT_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Store(ctx, S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("VAULT_S3_ENDPOINT"),
		Prefix:   os.Getenv("VAULT_S3_PREFIX"),
	})
}
