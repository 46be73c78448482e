package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/credit-extractor/constants"
	"github.com/joseph-ayodele/credit-extractor/internal/artifact"
	"github.com/joseph-ayodele/credit-extractor/internal/common"
	"github.com/joseph-ayodele/credit-extractor/internal/entity"
	"github.com/joseph-ayodele/credit-extractor/internal/llm"
	"github.com/joseph-ayodele/credit-extractor/internal/merge"
	"github.com/joseph-ayodele/credit-extractor/internal/ocr"
	"github.com/joseph-ayodele/credit-extractor/internal/repository"
	"github.com/joseph-ayodele/credit-extractor/internal/schema"
)

// Renderer draws the field map overlay stored as the VISUALIZED artifact.
type Renderer interface {
	Render(doc *entity.Document, lines []entity.OCRLine, result *entity.PipelineResult) ([]byte, error)
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Documents  repository.DocumentRepository
	Jobs       repository.JobRepository
	Tasks      repository.TaskRepository
	Artifacts  artifact.Store
	OCR        ocr.Service
	Normalizer ocr.Normalizer
	Extractor  llm.Extractor
	Merger     *merge.Engine
	Registry   *schema.Registry
}

// Orchestrator drives document/job pairs through the extraction state machine.
type Orchestrator struct {
	Deps
	logger          *slog.Logger
	retry           RetryPolicy
	renderer        Renderer
	taskMaxAttempts int
	taskLease       time.Duration
	notify          func()
	now             func() time.Time
}

type Option func(*Orchestrator)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// WithRenderer enables the best-effort VISUALIZED overlay.
func WithRenderer(r Renderer) Option {
	return func(o *Orchestrator) { o.renderer = r }
}

func WithTaskMaxAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.taskMaxAttempts = n
		}
	}
}

// WithTaskLease is how long RunNow holds the task backing its job.
func WithTaskLease(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.taskLease = d
		}
	}
}

// WithNotifier is called after Submit enqueues a task, e.g. WorkerPool.Notify.
func WithNotifier(fn func()) Option {
	return func(o *Orchestrator) { o.notify = fn }
}

func New(deps Deps, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Merger == nil {
		deps.Merger = merge.NewEngine(logger)
	}
	if deps.Normalizer == (ocr.Normalizer{}) {
		deps.Normalizer = ocr.DefaultNormalizer()
	}
	o := &Orchestrator{
		Deps:            deps,
		logger:          logger,
		retry:           DefaultRetryPolicy(),
		taskMaxAttempts: 5,
		taskLease:       15 * time.Minute,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateJob claims the document for a new job. A document that already has an
// active job yields common.ErrConcurrentJobConflict.
func (o *Orchestrator) CreateJob(ctx context.Context, documentID uuid.UUID) (*entity.ExtractionJob, error) {
	var job *entity.ExtractionJob
	err := o.retryStore(ctx, func(ctx context.Context) error {
		var err error
		job, err = o.Jobs.Create(ctx, documentID)
		return err
	})
	if err != nil {
		o.logger.Warn("pipeline.job.create_failed", "document_id", documentID, "code", common.Code(err), "err", err)
		return nil, err
	}
	o.logger.Info("pipeline.job.created", "job_id", job.ID, "document_id", documentID)
	return job, nil
}

// Submit creates a job and enqueues it for the worker pool.
func (o *Orchestrator) Submit(ctx context.Context, documentID uuid.UUID) (*entity.ExtractionJob, error) {
	job, err := o.CreateJob(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if _, err := o.Tasks.Enqueue(ctx, job.ID, o.taskMaxAttempts); err != nil {
		return nil, o.releaseUnqueued(ctx, job, err)
	}
	if o.notify != nil {
		o.notify()
	}
	o.logger.Info("pipeline.job.submitted", "job_id", job.ID, "document_id", documentID)
	return job, nil
}

// RunNow creates a job and runs it in this process. The job is backed by a
// task leased to the caller: if this process stops before the job ends, a
// worker resumes it once the lease expires.
func (o *Orchestrator) RunNow(ctx context.Context, documentID uuid.UUID) (*entity.ExtractionJob, error) {
	job, err := o.CreateJob(ctx, documentID)
	if err != nil {
		return nil, err
	}
	task, err := o.Tasks.EnqueueLeased(ctx, job.ID, o.taskMaxAttempts, o.taskLease)
	if err != nil {
		return nil, o.releaseUnqueued(ctx, job, err)
	}

	ran, err := o.Run(ctx, job.ID)
	bg := context.WithoutCancel(ctx)
	if err != nil {
		if ferr := o.Tasks.Fail(bg, task.ID, err.Error()); ferr != nil {
			o.logger.Error("pipeline.task.fail_not_recorded", "task_id", task.ID, "job_id", job.ID, "err", ferr)
		}
		if ran == nil {
			ran = job
		}
		return ran, err
	}
	if cerr := o.Tasks.Complete(bg, task.ID); cerr != nil {
		o.logger.Error("pipeline.task.complete_not_recorded", "task_id", task.ID, "job_id", job.ID, "err", cerr)
	}
	return ran, nil
}

// releaseUnqueued ends a job no task will ever run and frees its document.
func (o *Orchestrator) releaseUnqueued(ctx context.Context, job *entity.ExtractionJob, cause error) error {
	if ferr := o.Jobs.Fail(context.WithoutCancel(ctx), job.ID, common.Code(cause), "enqueue failed: "+cause.Error(), constants.DocumentReady); ferr != nil {
		o.logger.Error("pipeline.job.release_failed", "job_id", job.ID, "err", ferr)
	}
	return fmt.Errorf("enqueue job %s: %w", job.ID, cause)
}

// Handle runs a delivered job. It returns an error only when the job's
// outcome could not be recorded, so the task is redelivered.
func (o *Orchestrator) Handle(ctx context.Context, jobID uuid.UUID) error {
	_, err := o.Run(ctx, jobID)
	return err
}

// Cancel requests cancellation. It takes effect before the job's next
// transition; a job that has not started is cancelled at once.
func (o *Orchestrator) Cancel(ctx context.Context, jobID uuid.UUID) (*entity.ExtractionJob, error) {
	job, err := o.Jobs.RequestCancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Stage.Terminal() {
		return job, nil
	}
	if job.Stage == constants.StageCreated {
		st := &runState{job: job}
		if err := o.cancel(ctx, st); err != nil {
			return nil, err
		}
		return st.job, nil
	}
	return job, nil
}

func (o *Orchestrator) Status(ctx context.Context, jobID uuid.UUID) (*entity.ExtractionJob, error) {
	return o.Jobs.Get(ctx, jobID)
}

// Result returns the persisted result of a FINISHED job.
func (o *Orchestrator) Result(ctx context.Context, jobID uuid.UUID) (*entity.PipelineResult, error) {
	job, err := o.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Stage != constants.StageFinished {
		return nil, fmt.Errorf("%w: job %s is %s", common.ErrInvalidInput, jobID, job.Stage)
	}
	var res entity.PipelineResult
	if err := json.Unmarshal(job.ResultJSON, &res); err != nil {
		return nil, fmt.Errorf("decode result of job %s: %w", jobID, err)
	}
	return &res, nil
}

// retryStore retries store and metadata operations that fail as unavailable.
func (o *Orchestrator) retryStore(ctx context.Context, fn func(ctx context.Context) error) error {
	limit := o.retry.attempts()
	for n := 1; ; n++ {
		err := fn(ctx)
		if err == nil || !errors.Is(err, common.ErrStoreUnavailable) || n >= limit {
			if err != nil && errors.Is(err, common.ErrStoreUnavailable) {
				return exhausted(err, n)
			}
			return err
		}
		o.logger.Warn("pipeline.store.retry", "attempt", n, "max", limit, "err", err)
		if serr := sleep(ctx, o.retry.Delay(n)); serr != nil {
			return errors.Join(serr, err)
		}
	}
}

// exhausted marks a transient failure that ran out of attempts.
func exhausted(err error, attempts int) error {
	return &common.AppError{
		Code:    common.Code(err),
		Message: fmt.Sprintf("giving up after %d attempts", attempts),
		Kind:    common.KindInfrastructure,
		Cause:   err,
	}
}
