//go:build !gcp

package vault

import (
	"context"
	"fmt"
)

func newGCSStoreFromEnv(context.Context) (BlobStore, error) {
	return nil, fmt.Errorf("vault: gcs storage is not enabled in this build (use -tags gcp)")
}
