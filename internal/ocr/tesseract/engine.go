// Package tesseract is an offline ocr.Service built on the tesseract and
// pdftoppm command line tools.
package tesseract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/joseph-ayodele/credit-extractor/internal/common"
	"github.com/joseph-ayodele/credit-extractor/internal/ocr"
)

type Config struct {
	Tesseract   string // binary name or absolute path; default "tesseract"
	Pdftoppm    string // default "pdftoppm"
	Lang        string // default "deu+eng"
	DPI         int    // rasterization DPI for PDFs, default 300
	MaxPages    int    // 0 = no limit
	TessdataDir string
	PSM         int
}

// Engine implements ocr.Service.
type Engine struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

var _ ocr.Service = (*Engine)(nil)

func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return newEngine(cfg, execRunner{logger: logger}, logger)
}

func newEngine(cfg Config, runner Runner, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.Lang == "" {
		cfg.Lang = "deu+eng"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	return &Engine{cfg: cfg, runner: runner, logger: logger}
}

// Analyze rasterizes PDFs page by page and reads line boxes from tesseract TSV.
func (e *Engine) Analyze(ctx context.Context, data []byte, mimeType string) ([]ocr.RawLine, error) {
	tmpDir, err := os.MkdirTemp("", "cx-ocr-*")
	if err != nil {
		return nil, fmt.Errorf("%w: temp dir: %v", common.ErrInternal, err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	var pages []string
	switch {
	case mimeType == "application/pdf":
		in := filepath.Join(tmpDir, "in.pdf")
		if err := os.WriteFile(in, data, 0o600); err != nil {
			return nil, fmt.Errorf("%w: write input: %v", common.ErrInternal, err)
		}
		pages, err = e.rasterize(ctx, in, tmpDir)
		if err != nil {
			return nil, err
		}
	case strings.HasPrefix(mimeType, "image/"):
		in := filepath.Join(tmpDir, "page-1"+imageExt(mimeType))
		if err := os.WriteFile(in, data, 0o600); err != nil {
			return nil, fmt.Errorf("%w: write input: %v", common.ErrInternal, err)
		}
		pages = []string{in}
	default:
		return nil, fmt.Errorf("%w: unsupported mime type %q", common.ErrMalformedDocument, mimeType)
	}

	var lines []ocr.RawLine
	for i, img := range pages {
		out, err := e.run(ctx, e.cfg.Tesseract, e.tsvArgs(img)...)
		if err != nil {
			return nil, err
		}
		pageLines := ParseTSV(string(out), i+1)
		e.logger.Debug("ocr.tesseract.page", "page", i+1, "lines", len(pageLines))
		lines = append(lines, pageLines...)
	}
	e.logger.Info("ocr.tesseract.done", "pages", len(pages), "lines", len(lines))
	return lines, nil
}

func (e *Engine) tsvArgs(img string) []string {
	args := []string{img, "stdout", "-l", e.cfg.Lang}
	if e.cfg.PSM > 0 {
		args = append(args, "--psm", strconv.Itoa(e.cfg.PSM))
	}
	if e.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", e.cfg.TessdataDir)
	}
	return append(args, "tsv")
}

// rasterize renders each PDF page to <dir>/page-N.png and returns them in page order.
func (e *Engine) rasterize(ctx context.Context, in, dir string) ([]string, error) {
	prefix := filepath.Join(dir, "page")
	args := []string{"-r", strconv.Itoa(e.cfg.DPI), "-png"}
	if e.cfg.MaxPages > 0 {
		args = append(args, "-l", strconv.Itoa(e.cfg.MaxPages))
	}
	if _, err := e.run(ctx, e.cfg.Pdftoppm, append(args, in, prefix)...); err != nil {
		return nil, err
	}
	matches, _ := filepath.Glob(prefix + "-*.png")
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: pdftoppm produced no pages", common.ErrMalformedDocument)
	}
	sort.Slice(matches, func(i, j int) bool { return pageNum(matches[i]) < pageNum(matches[j]) })
	return matches, nil
}

func (e *Engine) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, errb, err := e.runner.Run(ctx, name, args...)
	if err == nil {
		return out, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s", common.ErrTimeout, name)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	msg := strings.TrimSpace(string(errb))
	if msg == "" {
		msg = err.Error()
	}
	return nil, &common.ServiceError{Status: 500, Message: name + ": " + msg}
}

// pageNum extracts N from ".../page-N.png"; pdftoppm zero-pads inconsistently.
func pageNum(path string) int {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	i := strings.LastIndexByte(base, '-')
	n, _ := strconv.Atoi(base[i+1:])
	return n
}

func imageExt(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/tiff":
		return ".tif"
	}
	return ".png"
}
