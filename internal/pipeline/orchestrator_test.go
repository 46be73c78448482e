package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/credit-extractor/constants"
	"github.com/joseph-ayodele/credit-extractor/internal/artifact"
	"github.com/joseph-ayodele/credit-extractor/internal/async"
	"github.com/joseph-ayodele/credit-extractor/internal/common"
	"github.com/joseph-ayodele/credit-extractor/internal/entity"
	"github.com/joseph-ayodele/credit-extractor/internal/llm"
	"github.com/joseph-ayodele/credit-extractor/internal/ocr"
	"github.com/joseph-ayodele/credit-extractor/internal/repository"
	"github.com/joseph-ayodele/credit-extractor/internal/schema"
)

func ptr[T any](v T) *T { return &v }

type extractorFunc func(ctx context.Context, lines []entity.OCRLine, dt *schema.DocumentType) (llm.Extraction, error)

func (f extractorFunc) Extract(ctx context.Context, lines []entity.OCRLine, dt *schema.DocumentType) (llm.Extraction, error) {
	return f(ctx, lines, dt)
}

type renderFunc func(doc *entity.Document, lines []entity.OCRLine, res *entity.PipelineResult) ([]byte, error)

func (f renderFunc) Render(doc *entity.Document, lines []entity.OCRLine, res *entity.PipelineResult) ([]byte, error) {
	return f(doc, lines, res)
}

type harness struct {
	o      *Orchestrator
	docs   repository.DocumentRepository
	jobs   repository.JobRepository
	tasks  repository.TaskRepository
	fields repository.FieldRepository
	store  artifact.Store

	ocrCalls  atomic.Int32
	llmCalls  atomic.Int32
	ocrErr    func(n int32) error
	llmErr    func(n int32) error
	onOCR     func()
	notified  atomic.Int32
	rendered  atomic.Int32
	renderErr error
}

func box(x0, y0, x1, y1 float64) entity.Polygon {
	return entity.Rect{MinX: x0, MinY: y0, MaxX: x1, MaxY: y1}.Polygon()
}

func taubeOCR() []ocr.RawLine {
	return []ocr.RawLine{
		{Text: "Kreditantrag", BoundingBox: box(10, 20, 200, 40), Confidence: ptr(0.99), Page: 1},
		{Text: "Firmenname:", BoundingBox: box(10, 100, 80, 112), Confidence: ptr(0.97), Page: 1},
		{Text: "Hotel zur Taube", BoundingBox: box(85, 100, 190, 112), Confidence: ptr(0.98), Page: 1},
		{Text: "USt-IdNr.: DE12", BoundingBox: box(10, 140, 150, 152), Confidence: ptr(0.95), Page: 1},
		{Text: "Kreditbetrag: 250.000,00 EUR", BoundingBox: box(10, 180, 260, 192), Confidence: ptr(0.93), Page: 1},
	}
}

func taubeExtraction() llm.Extraction {
	return llm.Extraction{
		Model: "fake",
		Candidates: []llm.Candidate{
			{Label: "Firmenname", Value: "Hotel zur Taube", Confidence: ptr(0.98), Source: llm.SourceLabelValue},
			{Label: "USt-IdNr.", Value: "DE12", Confidence: ptr(0.9)},
			{Label: "Kreditbetrag", Value: "250.000,00 EUR", Confidence: ptr(0.93)},
			{Label: "Bearbeiter", Value: "Frau Klein"},
		},
	}
}

func creditRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	dt, err := schema.NewDocumentType("credit_request", "Kreditantrag", []schema.Field{
		{Name: "company_name", Aliases: []string{"Firmenname"}},
		{Name: "website", Aliases: []string{"Webseite"}},
		{Name: "vat_id", Aliases: []string{"USt-IdNr."}, HasRule: true,
			Rule: schema.Rule{Type: constants.FieldString, Pattern: regexp.MustCompile(`^DE[0-9]{9}$`)}},
		{Name: "credit_amount", Aliases: []string{"Kreditbetrag"}, HasRule: true,
			Rule: schema.Rule{Type: constants.FieldNumber, Min: ptr(0.0), DecimalComma: true}},
	})
	require.NoError(t, err)
	reg, err := schema.NewRegistry(dt)
	require.NoError(t, err)
	return reg
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := repository.Open(context.Background(), common.DatabaseConfig{DSN: ":memory:"}, logger)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	fs, err := artifact.NewFSStore(t.TempDir(), logger)
	require.NoError(t, err)

	h := &harness{
		docs:   repository.NewDocumentRepository(db, logger),
		jobs:   repository.NewJobRepository(db, logger),
		tasks:  repository.NewTaskRepository(db, logger),
		fields: repository.NewFieldRepository(db, logger),
		store:  fs,
	}
	service := ocr.ServiceFunc(func(ctx context.Context, data []byte, mime string) ([]ocr.RawLine, error) {
		n := h.ocrCalls.Add(1)
		if h.onOCR != nil {
			h.onOCR()
		}
		if h.ocrErr != nil {
			if err := h.ocrErr(n); err != nil {
				return nil, err
			}
		}
		return taubeOCR(), nil
	})
	extractor := extractorFunc(func(ctx context.Context, lines []entity.OCRLine, dt *schema.DocumentType) (llm.Extraction, error) {
		n := h.llmCalls.Add(1)
		if h.llmErr != nil {
			if err := h.llmErr(n); err != nil {
				return llm.Extraction{}, err
			}
		}
		return taubeExtraction(), nil
	})
	renderer := renderFunc(func(*entity.Document, []entity.OCRLine, *entity.PipelineResult) ([]byte, error) {
		h.rendered.Add(1)
		if h.renderErr != nil {
			return nil, h.renderErr
		}
		return []byte("\x89PNG"), nil
	})

	base := []Option{
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3}),
		WithRenderer(renderer),
		WithNotifier(func() { h.notified.Add(1) }),
	}
	h.o = New(Deps{
		Documents: h.docs,
		Jobs:      h.jobs,
		Tasks:     h.tasks,
		Artifacts: fs,
		OCR:       service,
		Extractor: extractor,
		Registry:  creditRegistry(t),
	}, logger, append(base, opts...)...)
	return h
}

func (h *harness) upload(t *testing.T, docType string) *entity.Document {
	t.Helper()
	ctx := context.Background()
	data := []byte("%PDF-1.4 " + uuid.NewString())
	doc := &entity.Document{
		DocumentType: docType,
		SourcePath:   "kreditantrag.pdf",
		ContentKind:  "pdf",
		MimeType:     "application/pdf",
		ContentHash:  artifact.Hash(data),
		SizeBytes:    int64(len(data)),
	}
	require.NoError(t, h.docs.Create(ctx, doc))
	a, err := h.store.Put(ctx, artifact.Key{DocumentID: doc.ID, Stage: constants.ArtifactRaw, Kind: "pdf"}, data)
	require.NoError(t, err)
	require.NoError(t, h.docs.MarkReady(ctx, doc.ID, a.Locator))
	return doc
}

func (h *harness) document(t *testing.T, id uuid.UUID) *entity.Document {
	t.Helper()
	doc, err := h.docs.Get(context.Background(), id)
	require.NoError(t, err)
	return doc
}

func TestRunHotelZurTaube(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.upload(t, "credit_request")

	job, err := h.o.CreateJob(ctx, doc.ID)
	require.NoError(t, err)
	job, err = h.o.Run(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, constants.StageFinished, job.Stage)
	assert.Equal(t, constants.JobFinished, job.State)
	assert.Empty(t, job.WorkerLog)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, constants.DocumentDone, h.document(t, doc.ID).Status)

	res, err := h.o.Result(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, res.JobID)
	assert.Equal(t, []string{"website"}, res.Missing)
	assert.Equal(t, []string{"Bearbeiter"}, res.Unmapped)

	company, ok := res.Field("company_name")
	require.True(t, ok)
	assert.Equal(t, entity.StringValue("Hotel zur Taube"), company.Value)
	assert.InDelta(t, 0.98, company.Confidence, 1e-9, "takes the value line's confidence")
	bounds, ok := company.BoundingBox.Bounds()
	require.True(t, ok)
	assert.Equal(t, entity.Rect{MinX: 85, MinY: 100, MaxX: 190, MaxY: 112}, bounds, "the label is not part of the box")
	require.NotNil(t, company.Page)
	assert.Equal(t, 1, *company.Page)
	assert.Equal(t, doc.ID, company.DocumentID)

	vat, ok := res.Field("vat_id")
	require.True(t, ok)
	assert.True(t, vat.Validation.HasFlag(constants.FlagPatternInvalid))

	amount, ok := res.Field("credit_amount")
	require.True(t, ok)
	assert.Equal(t, entity.NumberValue(250000), amount.Value)

	stored, err := h.fields.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 3)

	for _, st := range []constants.ArtifactStage{constants.ArtifactOCRRaw, constants.ArtifactOCRClean, constants.ArtifactLLMExtracted} {
		_, err := h.store.Stat(ctx, artifact.Key{DocumentID: doc.ID, Stage: st, Kind: "json"})
		assert.NoError(t, err, st)
	}
	_, err = h.store.Stat(ctx, artifact.Key{DocumentID: doc.ID, Stage: constants.ArtifactVisualized, Kind: "png"})
	assert.NoError(t, err)

	// a redelivered task for a finished job is a no-op
	again, err := h.o.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.StageFinished, again.Stage)
	assert.EqualValues(t, 1, h.ocrCalls.Load())
}

func TestRunOCRTimeoutExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.ocrErr = func(int32) error { return fmt.Errorf("analyze: %w", common.ErrTimeout) }
	doc := h.upload(t, "credit_request")

	job, err := h.o.CreateJob(ctx, doc.ID)
	require.NoError(t, err)
	job, err = h.o.Run(ctx, job.ID)
	require.NoError(t, err)

	assert.EqualValues(t, 3, h.ocrCalls.Load())
	assert.Equal(t, constants.StageError, job.Stage)
	assert.Equal(t, constants.JobError, job.State)
	require.NotNil(t, job.ErrorCode)
	assert.Equal(t, "Timeout", *job.ErrorCode)
	assert.Equal(t, 3, job.Attempts)
	assert.Contains(t, job.WorkerLog, "OCR_RUNNING Timeout: attempt 1/3")
	assert.Contains(t, job.WorkerLog, "OCR_RUNNING Timeout: attempt 3/3")

	d := h.document(t, doc.ID)
	assert.Equal(t, constants.DocumentError, d.Status)
	assert.Nil(t, d.ActiveJobID)
	assert.Zero(t, h.llmCalls.Load())

	// a failed job is superseded, never resumed
	h.ocrErr = nil
	next, err := h.o.CreateJob(ctx, doc.ID)
	require.NoError(t, err)
	next, err = h.o.Run(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.StageFinished, next.Stage)
}

func TestRunUnauthorizedFailsImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.ocrErr = func(int32) error { return common.ErrUnauthorized }
	doc := h.upload(t, "credit_request")

	job, err := h.o.CreateJob(ctx, doc.ID)
	require.NoError(t, err)
	job, err = h.o.Run(ctx, job.ID)
	require.NoError(t, err)

	assert.EqualValues(t, 1, h.ocrCalls.Load())
	assert.Equal(t, constants.StageError, job.Stage)
	assert.Equal(t, "Unauthorized", *job.ErrorCode)
}

func TestRunRetriesTransientExtractorError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.llmErr = func(n int32) error {
		if n == 1 {
			return fmt.Errorf("%w: model api status 503", common.ErrModel)
		}
		return nil
	}
	doc := h.upload(t, "credit_request")

	job, err := h.o.CreateJob(ctx, doc.ID)
	require.NoError(t, err)
	job, err = h.o.Run(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, constants.StageFinished, job.Stage)
	assert.EqualValues(t, 2, h.llmCalls.Load())
	lines := strings.Split(strings.TrimSpace(job.WorkerLog), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "EXTRACTING ModelError: attempt 1/3")
}

func TestCreateJobRejectsSecondActiveJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.upload(t, "credit_request")

	first, err := h.o.CreateJob(ctx, doc.ID)
	require.NoError(t, err)
	_, err = h.o.CreateJob(ctx, doc.ID)
	require.ErrorIs(t, err, common.ErrConcurrentJobConflict)
	assert.False(t, common.IsRetryable(err))

	_, err = h.o.CreateJob(ctx, uuid.New())
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = h.o.Run(ctx, first.ID)
	require.NoError(t, err)
	_, err = h.o.CreateJob(ctx, doc.ID)
	assert.NoError(t, err, "a DONE document accepts a superseding job")
}

func TestCancelBetweenStages(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.upload(t, "credit_request")
	job, err := h.o.CreateJob(ctx, doc.ID)
	require.NoError(t, err)

	// cancel lands while the OCR call is in flight; its result is discarded
	h.onOCR = func() {
		_, err := h.o.Cancel(ctx, job.ID)
		require.NoError(t, err)
	}
	job, err = h.o.Run(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, constants.StageError, job.Stage)
	require.NotNil(t, job.ErrorCode)
	assert.Equal(t, "Cancelled", *job.ErrorCode)
	assert.Contains(t, job.WorkerLog, "OCR_RUNNING Cancelled")
	assert.Zero(t, h.llmCalls.Load())

	d := h.document(t, doc.ID)
	assert.Equal(t, constants.DocumentReady, d.Status)
	assert.Nil(t, d.ActiveJobID)
}

func TestCancelBeforeStart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.upload(t, "credit_request")
	job, err := h.o.CreateJob(ctx, doc.ID)
	require.NoError(t, err)

	job, err = h.o.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.StageError, job.Stage)
	assert.Equal(t, constants.DocumentReady, h.document(t, doc.ID).Status)

	// cancelling a terminal job changes nothing
	again, err := h.o.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.WorkerLog, again.WorkerLog)

	_, err = h.o.Cancel(ctx, uuid.New())
	assert.ErrorIs(t, err, common.ErrNotFound)

	ran, err := h.o.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.StageError, ran.Stage)
	assert.Zero(t, h.ocrCalls.Load())
}

func TestRunResumesFromPersistedStage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.upload(t, "credit_request")
	job, err := h.o.CreateJob(ctx, doc.ID)
	require.NoError(t, err)

	// the process dies while the extractor call is in flight
	h.llmErr = func(int32) error { return context.Canceled }
	interrupted, err := h.o.Run(ctx, job.ID)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, constants.StageExtracting, interrupted.Stage)
	assert.Equal(t, constants.DocumentInProgress, h.document(t, doc.ID).Status)

	h.llmErr = nil
	done, err := h.o.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.StageFinished, done.Stage)
	assert.EqualValues(t, 1, h.ocrCalls.Load(), "OCR is not repeated on resume")
	assert.EqualValues(t, 2, h.llmCalls.Load())
}

func TestRunUnknownDocumentTypeIsStructural(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.upload(t, "mortgage")
	job, err := h.o.CreateJob(ctx, doc.ID)
	require.NoError(t, err)

	job, err = h.o.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.StageError, job.Stage)
	assert.Equal(t, "UnknownDocumentType", *job.ErrorCode)
	assert.Equal(t, constants.DocumentError, h.document(t, doc.ID).Status)
}

func TestVisualizeFailureKeepsJobFinished(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.renderErr = errors.New("font missing")
	doc := h.upload(t, "credit_request")
	job, err := h.o.CreateJob(ctx, doc.ID)
	require.NoError(t, err)

	job, err = h.o.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.StageFinished, job.Stage)
	assert.Contains(t, job.WorkerLog, "FINISHED VisualizeFailed: font missing")
	assert.Equal(t, constants.DocumentDone, h.document(t, doc.ID).Status)
}

func TestSubmitEnqueuesTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithTaskMaxAttempts(4))
	doc := h.upload(t, "credit_request")

	job, err := h.o.Submit(ctx, doc.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, h.notified.Load())

	task, err := h.tasks.ClaimNext(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, job.ID, task.JobID)
	assert.Equal(t, 4, task.MaxAttempts)

	require.NoError(t, h.o.Handle(ctx, task.JobID))
	status, err := h.o.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.StageFinished, status.Stage)

	_, err = h.o.Submit(ctx, uuid.New())
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestResultRequiresFinishedJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.upload(t, "credit_request")
	job, err := h.o.CreateJob(ctx, doc.ID)
	require.NoError(t, err)

	_, err = h.o.Result(ctx, job.ID)
	assert.ErrorIs(t, err, common.ErrInvalidInput)
	_, err = h.o.Result(ctx, uuid.New())
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestRunCancelledDuringBackoffStaysResumable(t *testing.T) {
	h := newHarness(t, WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: 300 * time.Millisecond}))
	doc := h.upload(t, "credit_request")
	job, err := h.o.CreateJob(context.Background(), doc.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ocrErr = func(int32) error {
		time.AfterFunc(50*time.Millisecond, cancel)
		return fmt.Errorf("analyze: %w", common.ErrTimeout)
	}
	interrupted, err := h.o.Run(ctx, job.ID)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, constants.StageOCRRunning, interrupted.Stage)
	assert.EqualValues(t, 1, h.ocrCalls.Load())
	assert.Contains(t, interrupted.WorkerLog, "OCR_RUNNING Timeout: attempt 1/3")

	stored, err := h.o.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.StageOCRRunning, stored.Stage)
	assert.Nil(t, stored.ErrorCode)
	assert.Equal(t, constants.DocumentInProgress, h.document(t, doc.ID).Status)

	h.ocrErr = nil
	done, err := h.o.Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.StageFinished, done.Stage)
}

func TestExhaustedTaskFailsJobAndFreesDocument(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithTaskMaxAttempts(1))
	h.onOCR = func() { panic("ocr backend crashed") }
	doc := h.upload(t, "credit_request")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := async.NewWorkerPool(h.tasks, h.o, logger,
		async.WithWorkers(1), async.WithPollInterval(10*time.Millisecond))
	pool.Start()
	t.Cleanup(func() { pool.Shutdown(context.Background()) })

	job, err := h.o.Submit(ctx, doc.ID)
	require.NoError(t, err)
	pool.Notify()

	require.Eventually(t, func() bool {
		st, err := h.o.Status(ctx, job.ID)
		return err == nil && st.Stage.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	failed, err := h.o.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.StageError, failed.Stage)
	require.NotNil(t, failed.ErrorCode)
	assert.Equal(t, repository.TaskFailedCode, *failed.ErrorCode)
	assert.Contains(t, failed.WorkerLog, "OCR_RUNNING TaskFailed: task gave up after 1 attempts: handler panic: ocr backend crashed")

	d := h.document(t, doc.ID)
	assert.Equal(t, constants.DocumentError, d.Status)
	assert.Nil(t, d.ActiveJobID)

	h.onOCR = nil
	_, err = h.o.CreateJob(ctx, doc.ID)
	assert.NoError(t, err, "the document is not stuck behind the dead job")
}

func TestRunNowBacksJobWithTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithTaskLease(time.Hour))
	doc := h.upload(t, "credit_request")

	job, err := h.o.RunNow(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.StageFinished, job.Stage)
	task, err := h.tasks.GetByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.TaskCompleted, task.Status)

	// an interrupted run is handed back to the queue, not abandoned
	second := h.upload(t, "credit_request")
	h.llmErr = func(int32) error { return context.Canceled }
	interrupted, err := h.o.RunNow(ctx, second.ID)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, constants.StageExtracting, interrupted.Stage)
	task, err = h.tasks.GetByJob(ctx, interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.TaskPending, task.Status)
	assert.Nil(t, task.LeaseUntil)

	_, err = h.o.RunNow(ctx, uuid.New())
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(10))
	assert.Zero(t, RetryPolicy{}.Delay(1))
}
