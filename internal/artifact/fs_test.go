package artifact

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/credit-extractor/constants"
	"github.com/joseph-ayodele/credit-extractor/internal/common"
)

func newFS(t *testing.T) (*FSStore, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewFSStore(dir, nil)
	require.NoError(t, err)
	return s, dir
}

func TestFSPutOverwritesIdempotently(t *testing.T) {
	s, dir := newFS(t)
	ctx := context.Background()
	key := Key{DocumentID: uuid.New(), Stage: constants.ArtifactOCRRaw, Kind: "json"}

	first, err := s.Put(ctx, key, []byte(`{"v":1}`))
	require.NoError(t, err)
	second, err := s.Put(ctx, key, []byte(`{"v":2}`))
	require.NoError(t, err)
	assert.Equal(t, first.Locator, second.Locator, "locator is stable per key")

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(got))

	entries, err := os.ReadDir(filepath.Join(dir, "ocr-raw"))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{key.DocumentID.String() + ".json", key.DocumentID.String() + ".json.sha256"}, names)
	for _, n := range names {
		assert.False(t, strings.Contains(n, ".tmp-"), "no temp files left behind")
	}
}

func TestFSHashPairedAtWrite(t *testing.T) {
	s, _ := newFS(t)
	ctx := context.Background()
	key := Key{DocumentID: uuid.New(), Stage: constants.ArtifactRaw, Kind: "pdf"}
	data := []byte("%PDF-1.4 test")

	put, err := s.Put(ctx, key, data)
	require.NoError(t, err)
	assert.Equal(t, Hash(data), put.SHA256)
	assert.Equal(t, int64(len(data)), put.Size)
	assert.True(t, strings.HasPrefix(put.Locator, "file://"))

	st, err := s.Stat(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, put.SHA256, st.SHA256)
	require.NoError(t, VerifyHash(data, st))
	assert.Error(t, VerifyHash([]byte("tampered"), st))
}

func TestFSGetMissing(t *testing.T) {
	s, _ := newFS(t)
	_, err := s.Get(context.Background(), Key{DocumentID: uuid.New(), Stage: constants.ArtifactOCRClean, Kind: "json"})
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = s.Stat(context.Background(), Key{DocumentID: uuid.New(), Stage: constants.ArtifactOCRClean, Kind: "json"})
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestKeyValidation(t *testing.T) {
	s, _ := newFS(t)
	ctx := context.Background()
	bad := []Key{
		{Stage: constants.ArtifactRaw, Kind: "pdf"},
		{DocumentID: uuid.New(), Stage: "THUMBNAIL", Kind: "png"},
		{DocumentID: uuid.New(), Stage: constants.ArtifactRaw, Kind: "../etc"},
		{DocumentID: uuid.New(), Stage: constants.ArtifactRaw, Kind: ""},
	}
	for _, k := range bad {
		_, err := s.Put(ctx, k, []byte("x"))
		assert.ErrorIs(t, err, common.ErrInvalidInput, k.String())
	}
}

func TestStageOrder(t *testing.T) {
	assert.True(t, constants.ArtifactRaw.Before(constants.ArtifactOCRRaw))
	assert.True(t, constants.ArtifactOCRClean.Before(constants.ArtifactVisualized))
	assert.False(t, constants.ArtifactLLMExtracted.Before(constants.ArtifactOCRClean))
	assert.False(t, constants.ArtifactRaw.Before(constants.ArtifactRaw))
}
