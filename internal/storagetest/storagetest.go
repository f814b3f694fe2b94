// Package storagetest checks that an ObjectStore honors the conditional
// contract. Every backend runs the same suite.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electric-coding-llc/s3store/docstore"
	"github.com/electric-coding-llc/s3store/storage"
)

// NewStore returns a store for one subtest. Stores may share a backend;
// every subtest writes under its own random namespace.
type NewStore func(t *testing.T) storage.ObjectStore

func Run(t *testing.T, newStore NewStore) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, store storage.ObjectStore, ns string)
	}{
		{"CreateTwiceFails", testCreateTwiceFails},
		{"UpdateAssignsNewVersion", testUpdateAssignsNewVersion},
		{"UpdateWithStaleVersionFails", testUpdateWithStaleVersionFails},
		{"UpdateMissingKeyFails", testUpdateMissingKeyFails},
		{"GetIfMatchReturnsBodyForVersion", testGetIfMatchReturnsBodyForVersion},
		{"GetIfMatchPrefersNotFound", testGetIfMatchPrefersNotFound},
		{"GetMissingKeyFails", testGetMissingKeyFails},
		{"DeleteIfMatch", testDeleteIfMatch},
		{"DeleteObject", testDeleteObject},
		{"ListPages", testListPages},
		{"ListEmptyPrefix", testListEmptyPrefix},
		{"PrefixKeysCoexist", testPrefixKeysCoexist},
		{"ConcurrentUpdatesOneWins", testConcurrentUpdatesOneWins},
		{"EmptyKeyRejected", testEmptyKeyRejected},
		{"UpdateScenario", testUpdateScenario},
		{"DocumentRoundTrip", testDocumentRoundTrip},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ns := uuid.NewString() + "/"
			tt.fn(t, newStore(t), ns)
		})
	}
}

func testCreateTwiceFails(t *testing.T, store storage.ObjectStore, ns string) {
	ctx := context.Background()
	key := ns + "doc"

	first, err := store.CreateObject(ctx, key, []byte(`{"n":1}`), "application/json")
	require.NoError(t, err)
	require.False(t, first.Version.IsZero(), "create must return a version")

	_, err = store.CreateObject(ctx, key, []byte(`{"n":2}`), "application/json")
	require.ErrorIs(t, err, storage.ErrAlreadyExists)

	resp, err := store.GetObject(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, resp.Text())
	assert.Equal(t, first.Version, resp.Version)
}

func testUpdateAssignsNewVersion(t *testing.T, store storage.ObjectStore, ns string) {
	ctx := context.Background()
	key := ns + "doc"

	created, err := store.CreateObject(ctx, key, []byte("one"), "text/plain")
	require.NoError(t, err)

	updated, err := store.UpdateObjectIfMatch(ctx, key, []byte("two"), created.Version, "text/plain")
	require.NoError(t, err)
	assert.NotEqual(t, created.Version, updated.Version)

	// The new version is immediately usable as the next precondition.
	_, err = store.UpdateObjectIfMatch(ctx, key, []byte("three"), updated.Version, "text/plain")
	require.NoError(t, err)
}

func testUpdateWithStaleVersionFails(t *testing.T, store storage.ObjectStore, ns string) {
	ctx := context.Background()
	key := ns + "doc"

	created, err := store.CreateObject(ctx, key, []byte("one"), "text/plain")
	require.NoError(t, err)
	_, err = store.UpdateObjectIfMatch(ctx, key, []byte("two"), created.Version, "text/plain")
	require.NoError(t, err)

	_, err = store.UpdateObjectIfMatch(ctx, key, []byte("three"), created.Version, "text/plain")
	require.ErrorIs(t, err, storage.ErrPreconditionFailed)

	_, err = store.UpdateObjectIfMatch(ctx, key, []byte("three"), storage.Version{}, "text/plain")
	require.ErrorIs(t, err, storage.ErrPreconditionFailed)

	resp, err := store.GetObject(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "two", resp.Text())
}

func testUpdateMissingKeyFails(t *testing.T, store storage.ObjectStore, ns string) {
	ctx := context.Background()
	key := ns + "doc"

	created, err := store.CreateObject(ctx, key, []byte("one"), "text/plain")
	require.NoError(t, err)
	require.NoError(t, store.DeleteObject(ctx, key))

	_, err = store.UpdateObjectIfMatch(ctx, key, []byte("two"), created.Version, "text/plain")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testGetIfMatchReturnsBodyForVersion(t *testing.T, store storage.ObjectStore, ns string) {
	ctx := context.Background()
	key := ns + "doc"

	created, err := store.CreateObject(ctx, key, []byte("first body"), "text/plain")
	require.NoError(t, err)

	resp, err := store.GetObjectIfMatch(ctx, key, created.Version)
	require.NoError(t, err)
	assert.Equal(t, []byte("first body"), resp.Bytes())
	assert.Equal(t, created.Version, resp.Version)

	updated, err := store.UpdateObjectIfMatch(ctx, key, []byte("second body"), created.Version, "text/plain")
	require.NoError(t, err)

	_, err = store.GetObjectIfMatch(ctx, key, created.Version)
	require.ErrorIs(t, err, storage.ErrPreconditionFailed)

	resp, err = store.GetObjectIfMatch(ctx, key, updated.Version)
	require.NoError(t, err)
	assert.Equal(t, []byte("second body"), resp.Bytes())
}

func testGetIfMatchPrefersNotFound(t *testing.T, store storage.ObjectStore, ns string) {
	ctx := context.Background()

	_, err := store.GetObjectIfMatch(ctx, ns+"missing", storage.NewVersion(`"0123456789abcdef0123456789abcdef"`))
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.NotErrorIs(t, err, storage.ErrPreconditionFailed)
}

func testGetMissingKeyFails(t *testing.T, store storage.ObjectStore, ns string) {
	_, err := store.GetObject(context.Background(), ns+"missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.False(t, storage.IsTransportError(err), "not found must not be reported as a transport error")
}

func testDeleteIfMatch(t *testing.T, store storage.ObjectStore, ns string) {
	ctx := context.Background()
	key := ns + "doc"

	created, err := store.CreateObject(ctx, key, []byte("one"), "text/plain")
	require.NoError(t, err)
	updated, err := store.UpdateObjectIfMatch(ctx, key, []byte("two"), created.Version, "text/plain")
	require.NoError(t, err)

	err = store.DeleteObjectIfMatch(ctx, key, created.Version)
	if errors.Is(err, storage.ErrConditionalDeleteUnsupported) {
		t.Skip("store does not support conditional delete")
	}
	require.ErrorIs(t, err, storage.ErrPreconditionFailed)

	require.NoError(t, store.DeleteObjectIfMatch(ctx, key, updated.Version))

	_, err = store.GetObject(ctx, key)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testDeleteObject(t *testing.T, store storage.ObjectStore, ns string) {
	ctx := context.Background()
	key := ns + "doc"

	_, err := store.CreateObject(ctx, key, []byte("one"), "text/plain")
	require.NoError(t, err)
	require.NoError(t, store.DeleteObject(ctx, key))

	_, err = store.GetObject(ctx, key)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.DeleteObject(ctx, key), "deleting an absent key succeeds")

	_, err = store.CreateObject(ctx, key, []byte("again"), "text/plain")
	require.NoError(t, err, "a deleted key can be created again")
}

func testListPages(t *testing.T, store storage.ObjectStore, ns string) {
	ctx := context.Background()
	const total = 7
	const pageSize = 3

	want := make(map[string]bool, total)
	for i := range total {
		key := fmt.Sprintf("%sp/item-%02d", ns, i)
		_, err := store.CreateObject(ctx, key, []byte(key), "text/plain")
		require.NoError(t, err)
		want[key] = true
	}
	_, err := store.CreateObject(ctx, ns+"other/item", []byte("x"), "text/plain")
	require.NoError(t, err)

	cursor := store.List(ns+"p/", storage.WithPageSize(pageSize))
	seen := make(map[string]int, total)
	pages := 0
	for cursor.HasMorePages() {
		page, err := cursor.NextPage(ctx)
		require.NoError(t, err)
		pages++
		assert.LessOrEqual(t, len(page.Objects), pageSize)
		for _, obj := range page.Objects {
			seen[obj.Key]++
			assert.False(t, obj.Version.IsZero(), "listed key %s has no version", obj.Key)
		}
	}

	assert.Len(t, seen, total)
	for key, n := range seen {
		assert.True(t, want[key], "unexpected key %s", key)
		assert.Equal(t, 1, n, "key %s listed %d times", key, n)
	}
	assert.GreaterOrEqual(t, pages, 3)

	_, err = cursor.NextPage(ctx)
	require.ErrorIs(t, err, storage.ErrCursorExhausted)
}

func testListEmptyPrefix(t *testing.T, store storage.ObjectStore, ns string) {
	keys, err := store.List(ns + "nothing/").Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

// A key may be both an object and the prefix of other objects.
func testPrefixKeysCoexist(t *testing.T, store storage.ObjectStore, ns string) {
	ctx := context.Background()

	_, err := store.CreateObject(ctx, ns+"p/x", []byte("px"), "text/plain")
	require.NoError(t, err)
	require.NoError(t, store.DeleteObject(ctx, ns+"p/x"))

	_, err = store.GetObject(ctx, ns+"p")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.CreateObject(ctx, ns+"p", []byte("p"), "text/plain")
	require.NoError(t, err, "create after the nested key is deleted")
	_, err = store.CreateObject(ctx, ns+"p/x", []byte("px"), "text/plain")
	require.NoError(t, err, "nested key beside an existing object")

	_, err = store.CreateObject(ctx, ns+"q", []byte("q"), "text/plain")
	require.NoError(t, err)
	_, err = store.CreateObject(ctx, ns+"q/y", []byte("qy"), "text/plain")
	require.NoError(t, err)

	for key, want := range map[string]string{"p": "p", "p/x": "px", "q": "q", "q/y": "qy"} {
		resp, err := store.GetObject(ctx, ns+key)
		require.NoError(t, err, key)
		assert.Equal(t, want, resp.Text(), key)
	}

	keys, err := store.List(ns).Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ns + "p", ns + "p/x", ns + "q", ns + "q/y"}, keys)
}

func testConcurrentUpdatesOneWins(t *testing.T, store storage.ObjectStore, ns string) {
	ctx := context.Background()
	key := ns + "counter"

	created, err := store.CreateObject(ctx, key, []byte("0"), "text/plain")
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.UpdateObjectIfMatch(ctx, key, []byte(fmt.Sprintf("writer-%d", i)), created.Version, "text/plain")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, storage.ErrPreconditionFailed)
	}
	assert.Equal(t, 1, wins)
}

func testEmptyKeyRejected(t *testing.T, store storage.ObjectStore, _ string) {
	_, err := store.CreateObject(context.Background(), "", []byte("x"), "text/plain")
	require.ErrorIs(t, err, storage.ErrInvalidKey)
}

func testUpdateScenario(t *testing.T, store storage.ObjectStore, ns string) {
	ctx := context.Background()
	key := ns + "test-object"

	first, err := store.CreateObject(ctx, key, []byte(`{"hello":"world"}`), "application/json")
	require.NoError(t, err)

	second, err := store.UpdateObjectIfMatch(ctx, key, []byte(`{"hello":"world","updated":true}`), first.Version, "application/json")
	require.NoError(t, err)
	require.NotEqual(t, first.Version, second.Version)

	resp, err := store.GetObjectIfMatch(ctx, key, second.Version)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, resp.Decode(&got))
	assert.Equal(t, map[string]any{"hello": "world", "updated": true}, got)

	// Decoding is repeatable.
	var again map[string]any
	require.NoError(t, resp.Decode(&again))
	assert.Equal(t, got, again)
	assert.JSONEq(t, `{"hello":"world","updated":true}`, resp.Text())
}

func testDocumentRoundTrip(t *testing.T, store storage.ObjectStore, ns string) {
	ctx := context.Background()
	docs := docstore.New[map[string]int](store)
	key := ns + "doc.json"

	version, err := docs.CreateObject(ctx, key, map[string]int{"a": 1})
	require.NoError(t, err)

	got, err := docs.GetObjectIfMatch(ctx, key, version)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1}, got)

	next, err := docs.UpdateObjectIfMatch(ctx, key, map[string]int{"a": 2}, version)
	require.NoError(t, err)

	current, currentVersion, err := docs.GetObject(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 2}, current)
	assert.Equal(t, next, currentVersion)
}
