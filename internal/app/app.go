// Package app wires configuration into the running components shared by the
// daemon and the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/credit-extractor/constants"
	"github.com/joseph-ayodele/credit-extractor/internal/artifact"
	"github.com/joseph-ayodele/credit-extractor/internal/async"
	"github.com/joseph-ayodele/credit-extractor/internal/common"
	"github.com/joseph-ayodele/credit-extractor/internal/export"
	"github.com/joseph-ayodele/credit-extractor/internal/ingest"
	"github.com/joseph-ayodele/credit-extractor/internal/llm"
	"github.com/joseph-ayodele/credit-extractor/internal/llm/ollama"
	"github.com/joseph-ayodele/credit-extractor/internal/llm/openai"
	"github.com/joseph-ayodele/credit-extractor/internal/ocr"
	"github.com/joseph-ayodele/credit-extractor/internal/ocr/azure"
	"github.com/joseph-ayodele/credit-extractor/internal/ocr/tesseract"
	"github.com/joseph-ayodele/credit-extractor/internal/pipeline"
	"github.com/joseph-ayodele/credit-extractor/internal/repository"
	"github.com/joseph-ayodele/credit-extractor/internal/schema"
	"github.com/joseph-ayodele/credit-extractor/internal/server"
	"github.com/joseph-ayodele/credit-extractor/internal/visualize"
)

// NewLogger builds the process logger. format "json" selects the JSON
// handler; anything else the text handler without timestamps.
func NewLogger(w io.Writer, format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	}))
}

// NewOCR returns the configured OCR backend.
func NewOCR(cfg common.OCRConfig, logger *slog.Logger) (ocr.Service, error) {
	switch cfg.Backend {
	case "azure", "":
		return azure.NewClient(azure.Config{
			Endpoint:     cfg.Endpoint,
			APIKey:       cfg.APIKey,
			APIVersion:   cfg.APIVersion,
			Model:        cfg.Model,
			Timeout:      cfg.Timeout,
			PollInterval: cfg.PollInterval,
		}, logger), nil
	case "tesseract":
		return tesseract.NewEngine(tesseract.Config{
			Tesseract: cfg.Tesseract,
			Pdftoppm:  cfg.Pdftoppm,
			Lang:      cfg.TesseractLang,
			DPI:       cfg.DPI,
		}, logger), nil
	}
	return nil, fmt.Errorf("%w: unknown OCR backend %q", common.ErrInvalidInput, cfg.Backend)
}

// NewChatBackend returns the configured chat model provider.
func NewChatBackend(cfg common.LLMConfig, logger *slog.Logger) (llm.ChatBackend, error) {
	switch cfg.Provider {
	case "ollama", "":
		return ollama.New(ollama.Config{BaseURL: cfg.BaseURL, Model: cfg.Model, Timeout: cfg.Timeout}, logger)
	case "openai":
		return openai.NewClient(openai.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model, Timeout: cfg.Timeout}, logger), nil
	}
	return nil, fmt.Errorf("%w: unknown LLM provider %q", common.ErrInvalidInput, cfg.Provider)
}

func NewNormalizer(cfg common.OCRConfig) ocr.Normalizer {
	return ocr.Normalizer{
		MinConfidence: cfg.MinConfidence,
		RowTolerance:  cfg.RowTolerance,
		GapTolerance:  cfg.GapTolerance,
	}
}

// App holds the opened stores and the components built on them.
type App struct {
	Config *common.Config
	Logger *slog.Logger

	DB        *repository.DB
	Artifacts artifact.Store
	Registry  *schema.Registry
	Documents repository.DocumentRepository
	Jobs      repository.JobRepository
	Tasks     repository.TaskRepository
	Fields    repository.FieldRepository

	Ingestor     *ingest.Ingestor
	Export       *export.Service
	Orchestrator *pipeline.Orchestrator

	mu   sync.Mutex
	pool *async.WorkerPool
}

// Options select what Open builds beyond the stores.
type Options struct {
	// Collaborators builds the OCR backend and the extractor. Commands that
	// only read state leave it off so no credentials are needed.
	Collaborators bool
	// Overrides for tests and custom wiring.
	OCR       ocr.Service
	Extractor llm.Extractor
}

// Open connects the metadata and artifact stores, loads the registry and
// builds the orchestrator.
func Open(ctx context.Context, cfg *common.Config, logger *slog.Logger, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	registry, err := schema.Load(cfg.Schema.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("load document types: %w", err)
	}
	if _, err := registry.Get(cfg.Schema.DefaultType); err != nil {
		return nil, fmt.Errorf("default document type: %w", err)
	}
	db, err := server.ConnectDB(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	store, err := artifact.Open(ctx, cfg.Storage, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	a := &App{
		Config:    cfg,
		Logger:    logger,
		DB:        db,
		Artifacts: store,
		Registry:  registry,
		Documents: repository.NewDocumentRepository(db, logger),
		Jobs:      repository.NewJobRepository(db, logger),
		Tasks:     repository.NewTaskRepository(db, logger),
		Fields:    repository.NewFieldRepository(db, logger),
	}
	a.Ingestor = ingest.NewIngestor(a.Documents, store, registry, logger)
	a.Export = export.NewService(a.Jobs, a.Documents, logger)

	deps := pipeline.Deps{
		Documents:  a.Documents,
		Jobs:       a.Jobs,
		Tasks:      a.Tasks,
		Artifacts:  store,
		Normalizer: NewNormalizer(cfg.OCR),
		Registry:   registry,
		OCR:        opts.OCR,
		Extractor:  opts.Extractor,
	}
	if opts.Collaborators {
		if deps.OCR == nil {
			if err := cfg.ValidateOCR(); err != nil {
				a.Close()
				return nil, err
			}
			if deps.OCR, err = NewOCR(cfg.OCR, logger); err != nil {
				a.Close()
				return nil, err
			}
		}
		if deps.Extractor == nil {
			backend, err := NewChatBackend(cfg.LLM, logger)
			if err != nil {
				a.Close()
				return nil, err
			}
			deps.Extractor = llm.NewFieldExtractor(backend, logger, llm.WithTemperature(cfg.LLM.Temperature))
		}
	}

	popts := []pipeline.Option{
		pipeline.WithRetryPolicy(pipeline.RetryPolicy{
			MaxAttempts: cfg.Pipeline.MaxAttempts,
			BaseDelay:   cfg.Pipeline.BaseBackoff,
			MaxDelay:    cfg.Pipeline.MaxBackoff,
		}),
		pipeline.WithTaskMaxAttempts(cfg.Pipeline.TaskMaxAttempts),
		pipeline.WithTaskLease(cfg.Pipeline.LeaseDuration),
		pipeline.WithNotifier(a.notify),
	}
	if cfg.Pipeline.VisualizeEnabled {
		popts = append(popts, pipeline.WithRenderer(visualize.NewFieldMap()))
	}
	a.Orchestrator = pipeline.New(deps, logger, popts...)
	return a, nil
}

// WorkerPool returns the pool draining the task queue into the orchestrator.
func (a *App) WorkerPool() *async.WorkerPool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pool == nil {
		p := a.Config.Pipeline
		a.pool = async.NewWorkerPool(a.Tasks, a.Orchestrator, a.Logger,
			async.WithWorkers(p.Workers),
			async.WithProcessTimeout(p.JobTimeout),
			async.WithPollInterval(p.PollInterval),
			async.WithLease(p.LeaseDuration),
		)
	}
	return a.pool
}

func (a *App) notify() {
	a.mu.Lock()
	p := a.pool
	a.mu.Unlock()
	if p != nil {
		p.Notify()
	}
}

// Checks are the health probes the daemon publishes.
func (a *App) Checks() []server.Check {
	return []server.Check{
		server.DatabaseCheck(a.DB, 2*time.Second),
		{Name: "artifacts", Probe: a.probeArtifacts},
	}
}

// probeArtifacts stats a key that never exists; NotFound means reachable.
func (a *App) probeArtifacts(ctx context.Context) error {
	_, err := a.Artifacts.Stat(ctx, artifact.Key{DocumentID: uuid.Max, Stage: constants.ArtifactRaw, Kind: "probe"})
	if err == nil || errors.Is(err, common.ErrNotFound) {
		return nil
	}
	return err
}

func (a *App) Close() {
	server.CloseDB(a.DB, a.Logger)
}
