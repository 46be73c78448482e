package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/credit-extractor/constants"
)

// DirStats summarizes a directory ingest.
type DirStats struct {
	Scanned      uint32 `json:"scanned"`
	Matched      uint32 `json:"matched"`
	Succeeded    uint32 `json:"succeeded"`
	Deduplicated uint32 `json:"deduplicated"`
	Failed       uint32 `json:"failed"`
}

// IngestDirectory walks root, skips hidden entries if requested, and ingests
// every file with an allowed extension. A failing file is recorded in its
// result and does not stop the walk.
func (i *Ingestor) IngestDirectory(ctx context.Context, root, docType string, skipHidden bool, opts ...UploadOption) ([]IngestionResult, DirStats, error) {
	if strings.TrimSpace(root) == "" {
		return nil, DirStats{}, errors.New("root path is required")
	}

	var results []IngestionResult
	var stats DirStats

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Scanned++
		if walkErr != nil {
			results = append(results, IngestionResult{SourcePath: path, Err: walkErr.Error()})
			stats.Failed++
			return nil
		}
		if skipHidden && IsHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !AllowedExt(constants.NormalizeExt(filepath.Ext(path))) {
			return nil
		}
		stats.Matched++

		r, err := i.IngestPath(ctx, path, docType, opts...)
		if err != nil {
			r.SourcePath = path
			r.Err = err.Error()
			results = append(results, r)
			stats.Failed++
			return nil
		}
		results = append(results, r)
		stats.Succeeded++
		if r.Deduplicated {
			stats.Deduplicated++
		}
		return nil
	})
	if err != nil {
		return results, stats, fmt.Errorf("walk: %w", err)
	}
	i.logger.Info("ingest.directory.done", "root", root, "matched", stats.Matched,
		"succeeded", stats.Succeeded, "deduplicated", stats.Deduplicated, "failed", stats.Failed)
	return results, stats, nil
}
