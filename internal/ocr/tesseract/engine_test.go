package tesseract

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/credit-extractor/internal/common"
)

const header = "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n"

func tsvRows(rows ...string) string { return header + strings.Join(rows, "\n") + "\n" }

type fakeRunner struct {
	calls  []string
	pages  int
	tsv    map[string]string
	err    error
	before func(ctx context.Context)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.calls = append(f.calls, name)
	if f.before != nil {
		f.before(ctx)
	}
	if f.err != nil {
		return nil, []byte("boom"), f.err
	}
	switch name {
	case "pdftoppm":
		prefix := args[len(args)-1]
		for i := 1; i <= f.pages; i++ {
			p := prefix + "-" + strconv.Itoa(i) + ".png"
			if err := os.WriteFile(p, []byte("png"), 0o600); err != nil {
				return nil, nil, err
			}
		}
		return nil, nil, nil
	case "tesseract":
		base := args[0][strings.LastIndex(args[0], "/")+1:]
		return []byte(f.tsv[base]), nil, nil
	}
	return nil, nil, errors.New("unexpected command " + name)
}

func TestParseTSVGroupsWordsIntoLines(t *testing.T) {
	tsv := tsvRows(
		"1\t1\t0\t0\t0\t0\t0\t0\t1000\t1400\t-1\t",
		"4\t1\t1\t1\t1\t0\t10\t100\t200\t12\t-1\t",
		"5\t1\t1\t1\t1\t1\t10\t100\t60\t12\t96\tHotel",
		"5\t1\t1\t1\t1\t2\t75\t101\t40\t12\t90\tzur",
		"5\t1\t1\t1\t1\t3\t120\t100\t70\t13\t93\tTaube",
		"5\t1\t1\t1\t2\t1\t10\t130\t80\t12\t88\tKreditbetrag",
		"5\t1\t1\t1\t2\t2\t95\t130\t5\t12\t-1\t ",
	)
	lines := ParseTSV(tsv, 1)
	require.Len(t, lines, 2)

	assert.Equal(t, "Hotel zur Taube", lines[0].Text)
	r, ok := lines[0].BoundingBox.Bounds()
	require.True(t, ok)
	assert.Equal(t, 10.0, r.MinX)
	assert.Equal(t, 100.0, r.MinY)
	assert.Equal(t, 190.0, r.MaxX)
	assert.Equal(t, 113.0, r.MaxY)
	require.NotNil(t, lines[0].Confidence)
	assert.InDelta(t, 0.93, *lines[0].Confidence, 1e-9)

	assert.Equal(t, "Kreditbetrag", lines[1].Text)
	assert.Equal(t, 1, lines[1].Page)
}

func TestAnalyzePDFRasterizesPages(t *testing.T) {
	fr := &fakeRunner{pages: 2, tsv: map[string]string{
		"page-1.png": tsvRows("5\t1\t1\t1\t1\t1\t0\t0\t10\t10\t90\tEins"),
		"page-2.png": tsvRows("5\t1\t1\t1\t1\t1\t0\t0\t10\t10\t80\tZwei"),
	}}
	e := newEngine(Config{}, fr, nil)
	lines, err := e.Analyze(context.Background(), []byte("%PDF"), "application/pdf")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "Eins", lines[0].Text)
	assert.Equal(t, 1, lines[0].Page)
	assert.Equal(t, "Zwei", lines[1].Text)
	assert.Equal(t, 2, lines[1].Page)
	assert.Equal(t, []string{"pdftoppm", "tesseract", "tesseract"}, fr.calls)
}

func TestAnalyzeImage(t *testing.T) {
	fr := &fakeRunner{tsv: map[string]string{
		"page-1.png": tsvRows("5\t1\t1\t1\t1\t1\t0\t0\t10\t10\t70\tScan"),
	}}
	lines, err := newEngine(Config{}, fr, nil).Analyze(context.Background(), []byte("png"), "image/png")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, []string{"tesseract"}, fr.calls)
}

func TestAnalyzeErrors(t *testing.T) {
	e := newEngine(Config{}, &fakeRunner{err: errors.New("exit status 1")}, nil)
	_, err := e.Analyze(context.Background(), []byte("png"), "image/png")
	var svc *common.ServiceError
	require.ErrorAs(t, err, &svc)
	assert.True(t, common.IsRetryable(err))

	_, err = e.Analyze(context.Background(), []byte("x"), "text/plain")
	assert.ErrorIs(t, err, common.ErrMalformedDocument)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	slow := &fakeRunner{err: errors.New("signal: killed"), before: func(ctx context.Context) { <-ctx.Done() }}
	_, err = newEngine(Config{}, slow, nil).Analyze(ctx, []byte("png"), "image/png")
	assert.ErrorIs(t, err, common.ErrTimeout)
}
