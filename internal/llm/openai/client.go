package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/credit-extractor/internal/common"
	"github.com/joseph-ayodele/credit-extractor/internal/llm"
)

var _ llm.ChatBackend = (*Client)(nil)

func (c *Client) Model() string { return c.cfg.Model }

// Chat implements llm.ChatBackend using text-only chat/completions in JSON mode.
func (c *Client) Chat(ctx context.Context, req llm.ChatRequest) (string, error) {
	rid := uuid.New().String()
	start := time.Now()

	messages := []map[string]any{
		{"role": "system", "content": req.System},
		{"role": "user", "content": req.User},
	}
	if len(req.Schema) > 0 {
		messages = append(messages, map[string]any{"role": "system", "content": "JSON Schema:\n" + string(req.Schema)})
	}
	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     req.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages":        messages,
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	raw, err := llm.SendJSON(ctx, c.httpClient, endpoint, body,
		map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}, c.log)
	if err != nil {
		c.log.Error("llm.openai.http_error",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return "", err
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		c.log.Error("llm.openai.decode_error",
			"req_id", rid, "error", err, "raw_bytes", len(raw),
		)
		return "", fmt.Errorf("%w: decode openai response: %v", common.ErrMalformedResponse, err)
	}
	if len(cc.Choices) == 0 {
		c.log.Error("llm.openai.no_choices", "req_id", rid, "raw", string(raw))
		return "", fmt.Errorf("%w: no choices in openai response", common.ErrModel)
	}

	c.log.Debug("llm.openai.ok",
		"req_id", rid,
		"model", c.cfg.Model,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return strings.TrimSpace(cc.Choices[0].Message.Content), nil
}
