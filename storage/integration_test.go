//go:build integration

package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/electric-coding-llc/s3store/internal/storagetest"
	"github.com/electric-coding-llc/s3store/internal/testutil"
	"github.com/electric-coding-llc/s3store/storage"
)

// Requires Docker.
func TestS3ClientAgainstLocalStack(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	ls, err := testutil.StartLocalStack(ctx, "s3store-conformance")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := ls.Close(context.Background()); err != nil {
			t.Errorf("terminate localstack: %v", err)
		}
	})

	storagetest.Run(t, func(t *testing.T) storage.ObjectStore {
		c, err := storage.NewS3Client(ctx, ls.Config)
		require.NoError(t, err)
		return c
	})
}
