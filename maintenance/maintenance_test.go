package maintenance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electric-coding-llc/s3store/internal/testutil"
	"github.com/electric-coding-llc/s3store/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seed(t *testing.T, store storage.ObjectStore, keys ...string) map[string]storage.Version {
	t.Helper()
	versions := make(map[string]storage.Version, len(keys))
	for _, key := range keys {
		res, err := store.CreateObject(context.Background(), key, []byte(key), "text/plain")
		require.NoError(t, err)
		versions[key] = res.Version
	}
	return versions
}

func keysUnder(t *testing.T, store storage.ObjectStore, prefix string) []string {
	t.Helper()
	keys, err := store.List(prefix).Keys(context.Background())
	require.NoError(t, err)
	return keys
}

func TestClearPrefixLocal(t *testing.T) {
	store := storage.NewLocalClient(t.TempDir())
	seed(t, store, "run/a", "run/b", "run/c", "run/d", "run/e", "keep/x")

	result, err := ClearPrefix(context.Background(), ClearOptions{
		Store:    store,
		Prefix:   "run/",
		PageSize: 2,
		Logger:   discardLogger(),
	})
	require.NoError(t, err)
	assert.Equal(t, 5, result.ListedObjects)
	assert.Equal(t, 5, result.DeletedObjects)
	assert.Equal(t, 3, result.Pages)
	assert.Empty(t, keysUnder(t, store, "run/"))
	assert.Equal(t, []string{"keep/x"}, keysUnder(t, store, ""))
}

func TestClearPrefixBatchDeletes(t *testing.T) {
	api := testutil.NewMemS3()
	store, err := storage.NewS3ClientWithAPI(api, "documents", "tenant")
	require.NoError(t, err)

	keys := make([]string, 0, 25)
	for i := range 25 {
		keys = append(keys, fmt.Sprintf("run/%02d", i))
	}
	seed(t, store, keys...)

	result, err := ClearPrefix(context.Background(), ClearOptions{
		Store:    store,
		Prefix:   "run/",
		PageSize: 10,
		Logger:   discardLogger(),
	})
	require.NoError(t, err)
	assert.Equal(t, 25, result.DeletedObjects)
	assert.Equal(t, 3, api.Calls("DeleteObjects"))
	assert.Zero(t, api.Calls("DeleteObject"))
	assert.Empty(t, api.Keys())
}

func TestClearPrefixDryRun(t *testing.T) {
	store := storage.NewLocalClient(t.TempDir())
	seed(t, store, "run/a", "run/b")

	result, err := ClearPrefix(context.Background(), ClearOptions{Store: store, Prefix: "run/", DryRun: true})
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, 2, result.CandidateDeletes)
	assert.Zero(t, result.DeletedObjects)
	assert.Len(t, keysUnder(t, store, "run/"), 2)
}

// vanishingStore reports a key in listings that is already gone when the
// delete arrives.
type vanishingStore struct {
	storage.ObjectStore
	gone string
}

func (s vanishingStore) DeleteObject(ctx context.Context, key string) error {
	if key == s.gone {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	return s.ObjectStore.DeleteObject(ctx, key)
}

func TestClearPrefixTreatsAbsentAsCleared(t *testing.T) {
	local := storage.NewLocalClient(t.TempDir())
	seed(t, local, "run/a", "run/b")

	result, err := ClearPrefix(context.Background(), ClearOptions{
		Store:  vanishingStore{ObjectStore: local, gone: "run/a"},
		Prefix: "run/",
		Logger: discardLogger(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeletedObjects)
	assert.Equal(t, 1, result.AlreadyAbsent)
}

func TestClearPrefixStopsOnTransportError(t *testing.T) {
	api := testutil.NewMemS3()
	store, err := storage.NewS3ClientWithAPI(api, "documents", "")
	require.NoError(t, err)
	seed(t, store, "run/a")

	boom := errors.New("boom")
	api.Hook = func(op, _ string) error {
		if op == "DeleteObjects" {
			return boom
		}
		return nil
	}

	_, err = ClearPrefix(context.Background(), ClearOptions{Store: store, Prefix: "run/", Logger: discardLogger()})
	require.ErrorIs(t, err, boom)
	assert.True(t, storage.IsTransportError(err))
}

func TestClearPrefixRequiresStore(t *testing.T) {
	_, err := ClearPrefix(context.Background(), ClearOptions{})
	require.Error(t, err)
}

// driftStore rewrites or removes keys between listing and reading.
type driftStore struct {
	storage.ObjectStore
	onRead func(key string)
}

func (s driftStore) GetObjectIfMatch(ctx context.Context, key string, version storage.Version) (*storage.Response, error) {
	if s.onRead != nil {
		s.onRead(key)
	}
	return s.ObjectStore.GetObjectIfMatch(ctx, key, version)
}

func TestScrubCountsDrift(t *testing.T) {
	local := storage.NewLocalClient(t.TempDir())
	versions := seed(t, local, "docs/ok", "docs/changed", "docs/missing")
	ctx := context.Background()

	store := driftStore{ObjectStore: local, onRead: func(key string) {
		switch key {
		case "docs/changed":
			_, err := local.UpdateObjectIfMatch(ctx, key, []byte("new"), versions[key], "")
			require.NoError(t, err)
		case "docs/missing":
			require.NoError(t, local.DeleteObject(ctx, key))
		}
	}}

	result, err := Scrub(ctx, ScrubOptions{Store: store, Prefix: "docs/", PageSize: 2, Logger: discardLogger()})
	require.NoError(t, err)
	assert.Equal(t, ScrubResult{Checked: 3, OK: 1, Missing: 1, Changed: 1}, result)
	assert.False(t, result.HasFailures())
}

func TestScrubCountsReadErrors(t *testing.T) {
	api := testutil.NewMemS3()
	store, err := storage.NewS3ClientWithAPI(api, "documents", "")
	require.NoError(t, err)
	seed(t, store, "docs/a", "docs/b")

	api.Hook = func(op, key string) error {
		if op == "GetObject" && key == "docs/b" {
			return errors.New("slow down")
		}
		return nil
	}

	result, err := Scrub(context.Background(), ScrubOptions{Store: store, Prefix: "docs/", Logger: discardLogger()})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Checked)
	assert.Equal(t, 1, result.OK)
	assert.Equal(t, 1, result.ReadErrors)
	assert.True(t, result.HasFailures())
}

func TestScrubFailsOnListError(t *testing.T) {
	api := testutil.NewMemS3()
	store, err := storage.NewS3ClientWithAPI(api, "documents", "")
	require.NoError(t, err)
	api.Hook = func(op, _ string) error {
		if op == "ListObjectsV2" {
			return errors.New("access denied")
		}
		return nil
	}

	_, err = Scrub(context.Background(), ScrubOptions{Store: store, Logger: discardLogger()})
	require.Error(t, err)
	assert.True(t, storage.IsTransportError(err))
}
