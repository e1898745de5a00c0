//go:build gcp

package vault

import (
	"context"
	"fmt"
	"os"
)

func newGCSStoreFromEnv(ctx context.Context) (BlobStore, error) {
	bucket := os.Getenv("VAULT_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("vault: VAULT_GCS_BUCKET is required for gcs storage")
	}
	return NewGCSStore(ctx, GCSStoreConfig{
		Bucket: bucket,
		Prefix: os.Getenv("VAULT_GCS_PREFIX"),
	})
}
