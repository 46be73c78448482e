package artifact

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/credit-extractor/constants"
)

type countingStore struct {
	Store
	gets int
}

func (c *countingStore) Get(ctx context.Context, key Key) ([]byte, error) {
	c.gets++
	return c.Store.Get(ctx, key)
}

func TestCacheIsStageScoped(t *testing.T) {
	fs, _ := newFS(t)
	backend := &countingStore{Store: fs}
	store := NewCachedStore(backend, 4)
	ctx := context.Background()
	id := uuid.New()

	clean := Key{DocumentID: id, Stage: constants.ArtifactOCRClean, Kind: "json"}
	raw := Key{DocumentID: id, Stage: constants.ArtifactRaw, Kind: "pdf"}
	_, err := store.Put(ctx, clean, []byte("[]"))
	require.NoError(t, err)
	_, err = store.Put(ctx, raw, []byte("%PDF"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = store.Get(ctx, clean)
		require.NoError(t, err)
		_, err = store.Get(ctx, raw)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, backend.gets, "only RAW reads reach the backend")
}

func TestCacheIsBounded(t *testing.T) {
	fs, _ := newFS(t)
	store := NewCachedStore(fs, 2).(*CachedStore)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.Put(ctx, Key{DocumentID: uuid.New(), Stage: constants.ArtifactOCRClean, Kind: "json"}, []byte("[]"))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, store.Len())
}

func TestCachePutRefreshes(t *testing.T) {
	fs, _ := newFS(t)
	store := NewCachedStore(fs, 2)
	ctx := context.Background()
	key := Key{DocumentID: uuid.New(), Stage: constants.ArtifactLLMExtracted, Kind: "json"}

	_, err := store.Put(ctx, key, []byte("old"))
	require.NoError(t, err)
	_, err = store.Get(ctx, key)
	require.NoError(t, err)
	_, err = store.Put(ctx, key, []byte("new"))
	require.NoError(t, err)

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestZeroCapacityDisablesCache(t *testing.T) {
	fs, _ := newFS(t)
	assert.Same(t, Store(fs), NewCachedStore(fs, 0))
}

func TestCacheSeesRewriteByAnotherWriter(t *testing.T) {
	fs, dir := newFS(t)
	backend := &countingStore{Store: fs}
	store := NewCachedStore(backend, 4)
	ctx := context.Background()
	key := Key{DocumentID: uuid.New(), Stage: constants.ArtifactOCRClean, Kind: "json"}

	_, err := store.Put(ctx, key, []byte(`["first"]`))
	require.NoError(t, err)
	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `["first"]`, string(got))
	assert.Zero(t, backend.gets)

	other, err := NewFSStore(dir, nil)
	require.NoError(t, err)
	_, err = other.Put(ctx, key, []byte(`["second"]`))
	require.NoError(t, err)

	got, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `["second"]`, string(got))
	assert.Equal(t, 1, backend.gets)

	_, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, backend.gets, "the refreshed entry is served again")
}

func TestCacheReturnsPrivateCopy(t *testing.T) {
	fs, _ := newFS(t)
	store := NewCachedStore(fs, 2)
	ctx := context.Background()
	key := Key{DocumentID: uuid.New(), Stage: constants.ArtifactLLMExtracted, Kind: "json"}

	_, err := store.Put(ctx, key, []byte("abc"))
	require.NoError(t, err)
	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	got[0] = 'X'

	again, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again))
}
