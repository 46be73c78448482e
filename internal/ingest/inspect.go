package ingest

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/ledongthuc/pdf"
	_ "golang.org/x/image/tiff"

	"github.com/joseph-ayodele/credit-extractor/internal/common"
)

// Inspect checks that data is a readable document of kind ext and returns
// its page count. Unreadable content fails with common.ErrMalformedDocument.
func Inspect(ext string, data []byte) (int, error) {
	switch ext {
	case "pdf":
		return inspectPDF(data)
	case "png", "jpg", "jpeg", "tif", "tiff":
		cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return 0, fmt.Errorf("%w: %s image: %v", common.ErrMalformedDocument, ext, err)
		}
		if cfg.Width == 0 || cfg.Height == 0 {
			return 0, fmt.Errorf("%w: empty %s image", common.ErrMalformedDocument, format)
		}
		return 1, nil
	}
	return 0, fmt.Errorf("%w: cannot inspect %q", common.ErrInvalidInput, ext)
}

func inspectPDF(data []byte) (pages int, err error) {
	// the reader panics on some truncated cross-reference tables
	defer func() {
		if r := recover(); r != nil {
			pages, err = 0, fmt.Errorf("%w: pdf: %v", common.ErrMalformedDocument, r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("%w: pdf: %v", common.ErrMalformedDocument, err)
	}
	n := r.NumPage()
	if n < 1 {
		return 0, fmt.Errorf("%w: pdf has no pages", common.ErrMalformedDocument)
	}
	return n, nil
}
