// Package azure is an ocr.Service backed by Azure AI Document Intelligence.
package azure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/joseph-ayodele/credit-extractor/internal/common"
	"github.com/joseph-ayodele/credit-extractor/internal/entity"
	"github.com/joseph-ayodele/credit-extractor/internal/ocr"
)

// Config holds connection settings for the analyze API.
type Config struct {
	Endpoint     string
	APIKey       string
	APIVersion   string        // default "2023-07-31"
	Model        string        // default "prebuilt-read"
	Timeout      time.Duration // whole analyze call, including polling
	PollInterval time.Duration
}

// Client implements ocr.Service.
type Client struct {
	client *resty.Client
	cfg    Config
	logger *slog.Logger
}

var _ ocr.Service = (*Client)(nil)

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2023-07-31"
	}
	if cfg.Model == "" {
		cfg.Model = "prebuilt-read"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	client := resty.New()
	client.SetHeader("Ocp-Apim-Subscription-Key", cfg.APIKey)
	client.SetTimeout(cfg.Timeout)
	return &Client{client: client, cfg: cfg, logger: logger}
}

type analyzeResponse struct {
	Status        string         `json:"status"`
	AnalyzeResult *analyzeResult `json:"analyzeResult"`
	Error         *apiError      `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error *apiError `json:"error"`
}

type analyzeResult struct {
	Pages []page `json:"pages"`
}

type page struct {
	PageNumber int    `json:"pageNumber"`
	Words      []word `json:"words"`
	Lines      []line `json:"lines"`
}

type span struct {
	Offset int `json:"offset"`
	Length int `json:"length"`
}

type word struct {
	Content    string    `json:"content"`
	Polygon    []float64 `json:"polygon"`
	Confidence float64   `json:"confidence"`
	Span       span      `json:"span"`
}

type line struct {
	Content string    `json:"content"`
	Polygon []float64 `json:"polygon"`
	Spans   []span    `json:"spans"`
}

// Analyze submits the document and polls until the operation finishes.
func (c *Client) Analyze(ctx context.Context, data []byte, mimeType string) ([]ocr.RawLine, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	start := time.Now()

	url := fmt.Sprintf("%s/formrecognizer/documentModels/%s:analyze",
		strings.TrimRight(c.cfg.Endpoint, "/"), c.cfg.Model)
	var env errorEnvelope
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("api-version", c.cfg.APIVersion).
		SetHeader("Content-Type", mimeType).
		SetBody(data).
		SetError(&env).
		Post(url)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	if resp.StatusCode() != http.StatusAccepted && resp.StatusCode() != http.StatusOK {
		return nil, statusError(resp, env.Error)
	}
	opURL := resp.Header().Get("Operation-Location")
	if opURL == "" {
		return nil, &common.ServiceError{Status: resp.StatusCode(), Message: "missing Operation-Location header"}
	}
	c.logger.Debug("ocr.azure.submitted", "bytes", len(data), "mime", mimeType)

	result, err := c.poll(ctx, opURL)
	if err != nil {
		return nil, err
	}
	lines := convert(result)
	c.logger.Info("ocr.azure.done", "pages", len(result.Pages), "lines", len(lines),
		"elapsed_ms", time.Since(start).Milliseconds())
	return lines, nil
}

func (c *Client) poll(ctx context.Context, opURL string) (*analyzeResult, error) {
	for attempt := 1; ; attempt++ {
		var out analyzeResponse
		var env errorEnvelope
		resp, err := c.client.R().
			SetContext(ctx).
			SetResult(&out).
			SetError(&env).
			Get(opURL)
		if err != nil {
			return nil, c.transportError(ctx, err)
		}
		if resp.IsError() {
			return nil, statusError(resp, env.Error)
		}
		c.logger.Debug("ocr.azure.poll", "attempt", attempt, "status", out.Status)

		switch strings.ToLower(out.Status) {
		case "succeeded":
			if out.AnalyzeResult == nil {
				return &analyzeResult{}, nil
			}
			return out.AnalyzeResult, nil
		case "failed", "canceled":
			msg := "analysis " + out.Status
			if out.Error != nil {
				msg = out.Error.Code + ": " + out.Error.Message
			}
			// a failed analysis is a property of the document, not the service
			return nil, &common.ServiceError{Status: http.StatusUnprocessableEntity, Message: msg}
		}

		select {
		case <-ctx.Done():
			return nil, c.transportError(ctx, ctx.Err())
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

func (c *Client) transportError(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		c.logger.Warn("ocr.azure.timeout", "timeout", c.cfg.Timeout, "error", err)
		return fmt.Errorf("%w: azure analyze: %v", common.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	c.logger.Error("ocr.azure.transport_failed", "error", err)
	return &common.ServiceError{Status: http.StatusServiceUnavailable, Message: err.Error()}
}

func statusError(resp *resty.Response, e *apiError) error {
	msg := strings.TrimSpace(string(resp.Body()))
	if e != nil && e.Message != "" {
		msg = e.Code + ": " + e.Message
	}
	switch resp.StatusCode() {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: azure: %s", common.ErrUnauthorized, msg)
	}
	return &common.ServiceError{Status: resp.StatusCode(), Message: msg}
}

// convert maps pages to raw lines. Line confidence is the mean of the
// confidences of the words whose span lies inside one of the line's spans.
func convert(res *analyzeResult) []ocr.RawLine {
	var out []ocr.RawLine
	for _, p := range res.Pages {
		for _, l := range p.Lines {
			rl := ocr.RawLine{
				Text:        l.Content,
				BoundingBox: polygon(l.Polygon),
				Page:        p.PageNumber,
			}
			var sum float64
			var n int
			for _, w := range p.Words {
				if within(w.Span, l.Spans) {
					sum += w.Confidence
					n++
				}
			}
			if n > 0 {
				c := sum / float64(n)
				rl.Confidence = &c
			}
			out = append(out, rl)
		}
	}
	return out
}

func within(w span, spans []span) bool {
	for _, s := range spans {
		if w.Offset >= s.Offset && w.Offset+w.Length <= s.Offset+s.Length {
			return true
		}
	}
	return false
}

func polygon(flat []float64) entity.Polygon {
	if len(flat) < 2 {
		return nil
	}
	p := make(entity.Polygon, 0, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		p = append(p, entity.Point{X: flat[i], Y: flat[i+1]})
	}
	return p
}
