package ingest

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

type WatchConfig struct {
	Roots       []string      // directories to watch, recursively
	InitialScan bool          // emit files already present
	Debounce    time.Duration // coalesce bursts of writes to the same file
	SkipHidden  bool
}

// StartWatcher emits paths of allowed files created or written under the
// roots. Both channels close when ctx is done.
func StartWatcher(ctx context.Context, cfg WatchConfig, logger *slog.Logger) (<-chan string, <-chan error, error) {
	if len(cfg.Roots) == 0 {
		return nil, nil, errors.New("no roots provided")
	}
	if logger == nil {
		logger = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}

	var initial []string
	addDir := func(root string) error {
		return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if cfg.SkipHidden && IsHidden(path) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return w.Add(path)
			}
			if cfg.InitialScan && wanted(path, cfg.SkipHidden) {
				initial = append(initial, path)
			}
			return nil
		})
	}
	for _, r := range cfg.Roots {
		if err := addDir(r); err != nil {
			_ = w.Close()
			return nil, nil, err
		}
	}

	evCh := make(chan string, 256)
	errCh := make(chan error, 1)

	go func() {
		defer close(evCh)
		defer close(errCh)
		defer func() {
			if err := w.Close(); err != nil {
				logger.Warn("ingest.watch.close_failed", "err", err)
			}
		}()

		emit := func(p string) bool {
			select {
			case evCh <- p:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, p := range initial {
			if !emit(p) {
				return
			}
		}

		pending := map[string]struct{}{}
		timer := time.NewTimer(time.Hour)
		timer.Stop()
		flush := func() bool {
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			clear(pending)
			for _, p := range paths {
				if !emit(p) {
					return false
				}
			}
			return true
		}

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if e.Has(fsnotify.Create) {
					if fi, err := os.Stat(e.Name); err == nil && fi.IsDir() && !(cfg.SkipHidden && IsHidden(e.Name)) {
						if err := w.Add(e.Name); err != nil {
							logger.Warn("ingest.watch.add_failed", "path", e.Name, "err", err)
						}
						continue
					}
				}
				if !wanted(e.Name, cfg.SkipHidden) || !(e.Has(fsnotify.Create) || e.Has(fsnotify.Write) || e.Has(fsnotify.Rename)) {
					continue
				}
				pending[e.Name] = struct{}{}
				if cfg.Debounce <= 0 {
					if !flush() {
						return
					}
					continue
				}
				timer.Reset(cfg.Debounce)
			case <-timer.C:
				if !flush() {
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Error("ingest.watch.error", "err", err)
				select {
				case errCh <- err:
				default:
				}
			}
		}
	}()

	return evCh, errCh, nil
}

func wanted(path string, skipHidden bool) bool {
	if skipHidden && IsHidden(path) {
		return false
	}
	return AllowedExt(filepath.Ext(path))
}

// Watch ingests every file StartWatcher reports and passes new documents to
// onReady. It blocks until ctx is done.
func (i *Ingestor) Watch(ctx context.Context, cfg WatchConfig, docType string, onReady func(ctx context.Context, documentID uuid.UUID) error) error {
	paths, errs, err := StartWatcher(ctx, cfg, i.logger)
	if err != nil {
		return err
	}
	i.logger.Info("ingest.watch.started", "roots", cfg.Roots, "type", docType)
	for {
		select {
		case p, ok := <-paths:
			if !ok {
				return ctx.Err()
			}
			r, err := i.IngestPath(ctx, p, docType)
			if err != nil {
				i.logger.Warn("ingest.watch.ingest_failed", "path", p, "err", err)
				continue
			}
			if r.Deduplicated || onReady == nil {
				continue
			}
			if err := onReady(ctx, r.DocumentID); err != nil {
				i.logger.Warn("ingest.watch.submit_failed", "document_id", r.DocumentID, "err", err)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			i.logger.Warn("ingest.watch.backend_error", "err", err)
		}
	}
}
