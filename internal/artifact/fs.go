package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/credit-extractor/internal/common"
)

// FSStore keeps artifacts under a root directory, one sub-directory per stage.
type FSStore struct {
	root   string
	logger *slog.Logger
}

// NewFSStore creates root if needed.
func NewFSStore(root string, logger *slog.Logger) (*FSStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create artifact root: %v", common.ErrStoreUnavailable, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FSStore{root: abs, logger: logger}, nil
}

func (s *FSStore) path(key Key) string {
	return filepath.Join(s.root, filepath.FromSlash(key.Name()))
}

func (s *FSStore) Put(ctx context.Context, key Key, data []byte) (Artifact, error) {
	if err := key.Validate(); err != nil {
		return Artifact{}, err
	}
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", common.ErrStoreUnavailable, err)
	}
	sum := Hash(data)
	if err := writeAtomic(p, data); err != nil {
		s.logger.Error("artifact.put.failed", "key", key.String(), "error", err)
		return Artifact{}, fmt.Errorf("%w: write %s: %v", common.ErrStoreUnavailable, key, err)
	}
	if err := writeAtomic(p+".sha256", []byte(sum)); err != nil {
		// data is in place; the hash is metadata only
		s.logger.Warn("artifact.put.hash_failed", "key", key.String(), "error", err)
	}
	s.logger.Debug("artifact.put", "key", key.String(), "bytes", len(data))
	return Artifact{Key: key, Locator: "file://" + filepath.ToSlash(p), SHA256: sum, Size: int64(len(data))}, nil
}

func (s *FSStore) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, mapFSError(key, err)
	}
	return b, nil
}

func (s *FSStore) Stat(ctx context.Context, key Key) (Artifact, error) {
	if err := key.Validate(); err != nil {
		return Artifact{}, err
	}
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	p := s.path(key)
	fi, err := os.Stat(p)
	if err != nil {
		return Artifact{}, mapFSError(key, err)
	}
	a := Artifact{Key: key, Locator: "file://" + filepath.ToSlash(p), Size: fi.Size()}
	if h, err := os.ReadFile(p + ".sha256"); err == nil {
		a.SHA256 = strings.TrimSpace(string(h))
	}
	return a, nil
}

func mapFSError(key Key, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: artifact %s", common.ErrNotFound, key)
	}
	return fmt.Errorf("%w: read %s: %v", common.ErrStoreUnavailable, key, err)
}

// writeAtomic writes to a temp file in the target directory and renames it
// over the destination, so readers see either the old or the new content.
func writeAtomic(dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		cleanup()
		return err
	}
	return nil
}
