package ingest

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/credit-extractor/constants"
	"github.com/joseph-ayodele/credit-extractor/internal/artifact"
	"github.com/joseph-ayodele/credit-extractor/internal/common"
	"github.com/joseph-ayodele/credit-extractor/internal/entity"
	"github.com/joseph-ayodele/credit-extractor/internal/repository"
	"github.com/joseph-ayodele/credit-extractor/internal/schema"
)

// buildPDF writes a minimal PDF with the given number of blank pages and a
// valid cross-reference table.
func buildPDF(pages int) []byte {
	var b bytes.Buffer
	var offsets []int
	obj := func(body string) {
		offsets = append(offsets, b.Len())
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}
	b.WriteString("%PDF-1.4\n")
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	kids := ""
	for p := 0; p < pages; p++ {
		kids += fmt.Sprintf("%d 0 R ", p+3)
	}
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, pages))
	for p := 0; p < pages; p++ {
		obj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 595 842] >>")
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return b.Bytes()
}

func buildPNG(t *testing.T) []byte {
	t.Helper()
	var b bytes.Buffer
	require.NoError(t, png.Encode(&b, image.NewGray(image.Rect(0, 0, 4, 3))))
	return b.Bytes()
}

type fixture struct {
	ing   *Ingestor
	docs  repository.DocumentRepository
	store artifact.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := repository.Open(context.Background(), common.DatabaseConfig{DSN: ":memory:"}, logger)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	store, err := artifact.NewFSStore(t.TempDir(), logger)
	require.NoError(t, err)
	dt, err := schema.NewDocumentType("credit_request", "", []schema.Field{{Name: "company_name"}})
	require.NoError(t, err)
	bank, err := schema.NewDocumentType("bank_statement", "", []schema.Field{{Name: "iban"}})
	require.NoError(t, err)
	reg, err := schema.NewRegistry(dt, bank)
	require.NoError(t, err)

	docs := repository.NewDocumentRepository(db, logger)
	return &fixture{ing: NewIngestor(docs, store, reg, logger), docs: docs, store: store}
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func TestIngestStoresRawAndMarksReady(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := buildPDF(2)
	path := writeFile(t, t.TempDir(), "Kreditantrag.PDF", data)

	res, err := f.ing.IngestPath(ctx, path, "credit_request")
	require.NoError(t, err)
	assert.False(t, res.Deduplicated)
	assert.Equal(t, "pdf", res.FileExt)
	assert.Equal(t, 2, res.PageCount)
	assert.Equal(t, artifact.Hash(data), res.HashHex)

	doc, err := f.docs.Get(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, constants.DocumentReady, doc.Status)
	assert.Equal(t, "application/pdf", doc.MimeType)
	assert.Equal(t, int64(len(data)), doc.SizeBytes)
	assert.NotEmpty(t, doc.RawLocator)

	raw, err := f.store.Get(ctx, artifact.Key{DocumentID: doc.ID, Stage: constants.ArtifactRaw, Kind: "pdf"})
	require.NoError(t, err)
	assert.Equal(t, data, raw)
}

func TestIngestDeduplicatesByContentHash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := buildPNG(t)

	first, err := f.ing.Ingest(ctx, "scan.png", "credit_request", data)
	require.NoError(t, err)
	second, err := f.ing.Ingest(ctx, "copy-of-scan.png", "credit_request", data)
	require.NoError(t, err)

	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.DocumentID, second.DocumentID)
	assert.Equal(t, 1, second.PageCount)
	all, err := f.docs.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestIngestRejectsKnownContentUnderAnotherType(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := buildPNG(t)

	first, err := f.ing.Ingest(ctx, "scan.png", "credit_request", data)
	require.NoError(t, err)

	_, err = f.ing.Ingest(ctx, "kontoauszug.png", "bank_statement", data)
	require.ErrorIs(t, err, common.ErrInvalidInput)
	assert.Contains(t, err.Error(), `of type "credit_request"`)

	doc, err := f.docs.Get(ctx, first.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, "credit_request", doc.DocumentType)
	all, err := f.docs.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestIngestGroupsByCreditRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dir := t.TempDir()
	writeFile(t, dir, "antrag.pdf", buildPDF(2))
	writeFile(t, dir, "anlage.png", buildPNG(t))

	_, stats, err := f.ing.IngestDirectory(ctx, dir, "credit_request", true, WithCreditRequest(" KA-2024-0815 "))
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Succeeded)
	loose, err := f.ing.Ingest(ctx, "brief.pdf", "credit_request", buildPDF(1))
	require.NoError(t, err)
	assert.Empty(t, loose.CreditRequestID)

	grouped, err := f.docs.ListByCreditRequest(ctx, "KA-2024-0815")
	require.NoError(t, err)
	require.Len(t, grouped, 2)
	for _, d := range grouped {
		assert.Equal(t, "KA-2024-0815", d.CreditRequestID)
		assert.Equal(t, constants.DocumentReady, d.Status)
	}

	// re-upload into the same group deduplicates, another group is refused
	again, err := f.ing.IngestPath(ctx, filepath.Join(dir, "antrag.pdf"), "credit_request", WithCreditRequest("KA-2024-0815"))
	require.NoError(t, err)
	assert.True(t, again.Deduplicated)
	assert.Equal(t, "KA-2024-0815", again.CreditRequestID)

	_, err = f.ing.IngestPath(ctx, filepath.Join(dir, "antrag.pdf"), "credit_request", WithCreditRequest("KA-2024-0999"))
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestIngestFinishesInterruptedUpload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := buildPDF(1)
	doc := &entity.Document{
		DocumentType: "credit_request",
		SourcePath:   "antrag.pdf",
		ContentKind:  "pdf",
		MimeType:     "application/pdf",
		ContentHash:  artifact.Hash(data),
		SizeBytes:    int64(len(data)),
		PageCount:    1,
	}
	require.NoError(t, f.docs.Create(ctx, doc))

	res, err := f.ing.Ingest(ctx, "antrag.pdf", "credit_request", data)
	require.NoError(t, err)
	assert.True(t, res.Deduplicated)
	assert.Equal(t, doc.ID, res.DocumentID)

	got, err := f.docs.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.DocumentReady, got.Status)
}

func TestIngestRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tests := []struct {
		name    string
		path    string
		docType string
		data    []byte
		wantErr error
	}{
		{"malformed pdf", "broken.pdf", "credit_request", []byte("%PDF-1.4 truncated"), common.ErrMalformedDocument},
		{"not an image", "scan.png", "credit_request", []byte("plain text"), common.ErrMalformedDocument},
		{"unsupported extension", "notes.txt", "credit_request", []byte("hello"), common.ErrInvalidInput},
		{"empty", "empty.pdf", "credit_request", nil, common.ErrInvalidInput},
		{"unknown type", "antrag.pdf", "mortgage", buildPDF(1), common.ErrUnknownDocumentType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ing.Ingest(ctx, tt.path, tt.docType, tt.data)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	all, err := f.docs.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, all, "rejected uploads leave no document behind")
}

func TestIngestRespectsSizeLimit(t *testing.T) {
	f := newFixture(t)
	f.ing.MaxBytes = 16
	path := writeFile(t, t.TempDir(), "big.pdf", buildPDF(1))
	_, err := f.ing.IngestPath(context.Background(), path, "credit_request")
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestIngestDirectory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dir := t.TempDir()
	pdf := buildPDF(1)
	writeFile(t, dir, "a.pdf", pdf)
	writeFile(t, dir, "sub/b.png", buildPNG(t))
	writeFile(t, dir, "sub/a-again.pdf", pdf)
	writeFile(t, dir, ".cache/c.pdf", buildPDF(3))
	writeFile(t, dir, "notes.txt", []byte("ignored"))
	writeFile(t, dir, "broken.pdf", []byte("%PDF-"))

	results, stats, err := f.ing.IngestDirectory(ctx, dir, "credit_request", true)
	require.NoError(t, err)
	assert.EqualValues(t, 4, stats.Matched)
	assert.EqualValues(t, 3, stats.Succeeded)
	assert.EqualValues(t, 1, stats.Deduplicated)
	assert.EqualValues(t, 1, stats.Failed)
	assert.Len(t, results, 4)

	var failed []string
	for _, r := range results {
		if r.Err != "" {
			failed = append(failed, filepath.Base(r.SourcePath))
		}
	}
	assert.Equal(t, []string{"broken.pdf"}, failed)

	_, _, err = f.ing.IngestDirectory(ctx, " ", "credit_request", true)
	assert.Error(t, err)
}

func TestWatchIngestsNewFiles(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	writeFile(t, dir, "existing.pdf", buildPDF(1))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ready := make(chan uuid.UUID, 4)
	done := make(chan error, 1)
	go func() {
		done <- f.ing.Watch(ctx, WatchConfig{Roots: []string{dir}, InitialScan: true, Debounce: 20 * time.Millisecond}, "credit_request",
			func(_ context.Context, id uuid.UUID) error {
				ready <- id
				return nil
			})
	}()

	select {
	case <-ready:
	case <-ctx.Done():
		t.Fatal("initial scan did not report existing.pdf")
	}

	writeFile(t, dir, "new.png", buildPNG(t))
	select {
	case id := <-ready:
		doc, err := f.docs.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "png", doc.ContentKind)
	case <-ctx.Done():
		t.Fatal("new.png was not ingested")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
