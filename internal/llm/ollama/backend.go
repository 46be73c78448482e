// Package ollama is an llm.ChatBackend for a local or remote Ollama server.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/joseph-ayodele/credit-extractor/internal/common"
	"github.com/joseph-ayodele/credit-extractor/internal/llm"
)

type Config struct {
	BaseURL string // default http://127.0.0.1:11434
	Model   string
	Timeout time.Duration
}

// chatter is the part of *api.Client we use.
type chatter interface {
	Chat(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error
}

type Backend struct {
	client  chatter
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

var _ llm.ChatBackend = (*Backend)(nil)

func New(cfg Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:11434"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("ollama base url: %w", err)
	}
	client := api.NewClient(base, &http.Client{})
	return &Backend{client: client, model: cfg.Model, timeout: cfg.Timeout, logger: logger}, nil
}

func (b *Backend) Model() string { return b.model }

// Chat runs one non-streaming chat turn constrained to the reply schema.
func (b *Backend) Chat(ctx context.Context, req llm.ChatRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	stream := false
	chatReq := &api.ChatRequest{
		Model: b.model,
		Messages: []api.Message{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Stream:  &stream,
		Format:  req.Schema,
		Options: map[string]any{"temperature": req.Temperature},
	}

	var content strings.Builder
	err := b.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", b.classify(ctx, err)
	}
	b.logger.Debug("llm.ollama.chat", "model", b.model, "bytes", content.Len())
	return content.String(), nil
}

func (b *Backend) classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: ollama: %v", common.ErrTimeout, err)
	}
	var se api.StatusError
	if errors.As(err, &se) {
		return llm.StatusError(se.StatusCode, se.ErrorMessage)
	}
	var sep *api.StatusError
	if errors.As(err, &sep) {
		return llm.StatusError(sep.StatusCode, sep.ErrorMessage)
	}
	return fmt.Errorf("%w: ollama: %v", common.ErrModel, err)
}
