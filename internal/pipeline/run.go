package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/credit-extractor/constants"
	"github.com/joseph-ayodele/credit-extractor/internal/artifact"
	"github.com/joseph-ayodele/credit-extractor/internal/common"
	"github.com/joseph-ayodele/credit-extractor/internal/entity"
	"github.com/joseph-ayodele/credit-extractor/internal/llm"
	"github.com/joseph-ayodele/credit-extractor/internal/ocr"
	"github.com/joseph-ayodele/credit-extractor/internal/repository"
	"github.com/joseph-ayodele/credit-extractor/internal/schema"
)

// runState carries what one Run has loaded or produced so far. Anything
// missing after a restart is reloaded from the artifact store.
type runState struct {
	job        *entity.ExtractionJob
	doc        *entity.Document
	dt         *schema.DocumentType
	raw        []ocr.RawLine
	lines      []entity.OCRLine
	extraction *llm.Extraction
	result     *entity.PipelineResult
	log        *slog.Logger
}

// Run drives the job from its persisted stage to FINISHED or ERROR. A
// redelivered job re-enters the stage it was in. Failures of the job itself
// are recorded on the job and are not returned; the error is non-nil only
// when that recording failed or ctx was cancelled.
func (o *Orchestrator) Run(ctx context.Context, jobID uuid.UUID) (*entity.ExtractionJob, error) {
	job, err := o.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	log := o.logger.With("job_id", jobID, "document_id", job.DocumentID)
	if tid := common.TaskIDFromContext(ctx); tid != "" {
		log = log.With("task_id", tid)
	}
	if job.Stage.Terminal() {
		log.Debug("pipeline.job.terminal", "stage", job.Stage)
		return job, nil
	}
	st := &runState{job: job, log: log}
	log.Info("pipeline.job.run", "stage", job.Stage)

	if err := o.load(ctx, st); err != nil {
		return o.abort(ctx, st, st.job.Stage, err)
	}

	for !st.job.Stage.Terminal() {
		cancelled, err := o.cancelRequested(ctx, st)
		if err != nil {
			return o.abort(ctx, st, st.job.Stage, err)
		}
		if cancelled {
			return st.job, o.cancel(ctx, st)
		}
		if st.job.Stage.Terminal() {
			log.Info("pipeline.job.moved", "stage", st.job.Stage)
			return st.job, nil
		}
		from := st.job.Stage

		start := o.now()
		to, err := o.execute(ctx, st, from)
		if err != nil {
			if errors.Is(err, repository.ErrStaleTransition) {
				return o.reconcile(ctx, st)
			}
			return o.abort(ctx, st, from, err)
		}
		if from != constants.StagePersisting {
			if err := o.advance(ctx, st, from, to); err != nil {
				if errors.Is(err, repository.ErrStaleTransition) {
					return o.reconcile(ctx, st)
				}
				return o.abort(ctx, st, from, err)
			}
		}
		log.Info("pipeline.stage.ok", "stage", from, "next", to, "elapsed_ms", o.now().Sub(start).Milliseconds())
	}

	if st.job.Stage == constants.StageFinished {
		o.visualize(ctx, st)
		log.Info("pipeline.job.finished", "fields", len(st.result.Fields), "missing", len(st.result.Missing))
	}
	return st.job, nil
}

func (o *Orchestrator) load(ctx context.Context, st *runState) error {
	err := o.retryStore(ctx, func(ctx context.Context) error {
		doc, err := o.Documents.Get(ctx, st.job.DocumentID)
		st.doc = doc
		return err
	})
	if err != nil {
		return err
	}
	st.dt, err = o.Registry.Get(st.doc.DocumentType)
	return err
}

// execute performs the work of stage and returns the stage to advance to.
// Every artifact is stored before the caller advances.
func (o *Orchestrator) execute(ctx context.Context, st *runState, stage constants.PipelineStage) (constants.PipelineStage, error) {
	next, _ := stage.Next()
	var err error
	switch stage {
	case constants.StageCreated:
	case constants.StageOCRRunning:
		err = o.runOCR(ctx, st)
	case constants.StageNormalizing:
		err = o.normalize(ctx, st)
	case constants.StageExtracting:
		err = o.extract(ctx, st)
	case constants.StageValidating:
		err = o.validate(ctx, st)
	case constants.StagePersisting:
		err = o.persist(ctx, st)
	default:
		err = fmt.Errorf("%w: no work defined for stage %s", common.ErrInternal, stage)
	}
	return next, err
}

func (o *Orchestrator) runOCR(ctx context.Context, st *runState) error {
	var data []byte
	key := artifact.Key{DocumentID: st.doc.ID, Stage: constants.ArtifactRaw, Kind: st.doc.ContentKind}
	err := o.retryStore(ctx, func(ctx context.Context) error {
		var err error
		data, err = o.Artifacts.Get(ctx, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("load raw document: %w", err)
	}

	var raw []ocr.RawLine
	err = o.call(ctx, st, constants.StageOCRRunning, func(ctx context.Context) error {
		var err error
		raw, err = o.OCR.Analyze(ctx, data, st.doc.MimeType)
		return err
	})
	if err != nil {
		return err
	}
	if raw == nil {
		raw = []ocr.RawLine{}
	}
	st.raw = raw
	st.log.Info("pipeline.ocr.ok", "lines", len(raw))
	return o.putJSON(ctx, st, constants.ArtifactOCRRaw, raw)
}

func (o *Orchestrator) normalize(ctx context.Context, st *runState) error {
	if st.raw == nil {
		if err := o.getJSON(ctx, st, constants.ArtifactOCRRaw, &st.raw); err != nil {
			return err
		}
	}
	lines := o.Normalizer.Normalize(st.raw)
	if lines == nil {
		lines = []entity.OCRLine{}
	}
	st.lines = lines
	st.log.Info("pipeline.normalize.ok", "raw_lines", len(st.raw), "lines", len(lines))
	return o.putJSON(ctx, st, constants.ArtifactOCRClean, lines)
}

func (o *Orchestrator) extract(ctx context.Context, st *runState) error {
	if err := o.ensureLines(ctx, st); err != nil {
		return err
	}
	var out llm.Extraction
	err := o.call(ctx, st, constants.StageExtracting, func(ctx context.Context) error {
		var err error
		out, err = o.Extractor.Extract(ctx, st.lines, st.dt)
		return err
	})
	if err != nil {
		return err
	}
	st.extraction = &out
	st.log.Info("pipeline.extract.ok", "candidates", len(out.Candidates), "model", out.Model)
	return o.putJSON(ctx, st, constants.ArtifactLLMExtracted, out)
}

func (o *Orchestrator) validate(ctx context.Context, st *runState) error {
	if err := o.ensureLines(ctx, st); err != nil {
		return err
	}
	if st.extraction == nil {
		var out llm.Extraction
		if err := o.getJSON(ctx, st, constants.ArtifactLLMExtracted, &out); err != nil {
			return err
		}
		st.extraction = &out
	}
	res := o.Merger.Merge(st.lines, *st.extraction, st.dt)
	res.Bind(st.job.ID, st.doc.ID)
	st.result = &res
	if flagged := res.Flagged(); len(flagged) > 0 {
		st.log.Info("pipeline.validate.flagged", "fields", len(flagged))
	}
	return nil
}

// persist recomputes the result when the process restarted after VALIDATING.
// Finish moves the job to FINISHED itself.
func (o *Orchestrator) persist(ctx context.Context, st *runState) error {
	if st.result == nil {
		if err := o.validate(ctx, st); err != nil {
			return err
		}
	}
	err := o.retryStore(ctx, func(ctx context.Context) error {
		return o.Jobs.Finish(ctx, st.job.ID, st.result)
	})
	if err != nil {
		return err
	}
	now := o.now().UTC()
	st.job.Stage = constants.StageFinished
	st.job.State = constants.JobFinished
	st.job.FinishedAt = &now
	return nil
}

func (o *Orchestrator) ensureLines(ctx context.Context, st *runState) error {
	if st.lines != nil {
		return nil
	}
	return o.getJSON(ctx, st, constants.ArtifactOCRClean, &st.lines)
}

func (o *Orchestrator) advance(ctx context.Context, st *runState, from, to constants.PipelineStage) error {
	err := o.retryStore(ctx, func(ctx context.Context) error {
		return o.Jobs.Advance(ctx, st.job.ID, from, to)
	})
	if err != nil {
		return err
	}
	st.job.Stage = to
	st.job.State = to.JobState()
	return nil
}

// call runs one external collaborator call with the retry policy. Every
// failed attempt is appended to worker_log.
func (o *Orchestrator) call(ctx context.Context, st *runState, stage constants.PipelineStage, fn func(ctx context.Context) error) error {
	limit := o.retry.attempts()
	for n := 1; ; n++ {
		err := o.retryStore(ctx, func(ctx context.Context) error {
			return o.Jobs.IncrementAttempts(ctx, st.job.ID)
		})
		if err != nil {
			return err
		}
		st.job.Attempts++

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		code := common.Code(err)
		retryable := common.IsRetryable(err) && ctx.Err() == nil
		o.appendLog(ctx, st, stage, code, fmt.Sprintf("attempt %d/%d: %v", n, limit, err))
		st.log.Warn("pipeline.stage.attempt_failed", "stage", stage, "attempt", n, "max", limit,
			"code", code, "retryable", retryable, "err", err)
		if cerr := ctx.Err(); errors.Is(cerr, context.Canceled) {
			// interrupted, not failed: the job stays at stage for redelivery
			return errors.Join(cerr, err)
		}
		if !retryable {
			return err
		}
		if n >= limit {
			return exhausted(err, n)
		}
		if serr := sleep(ctx, o.retry.Delay(n)); serr != nil {
			return errors.Join(serr, err)
		}
	}
}

func (o *Orchestrator) cancelRequested(ctx context.Context, st *runState) (bool, error) {
	err := o.retryStore(ctx, func(ctx context.Context) error {
		job, err := o.Jobs.Get(ctx, st.job.ID)
		if err == nil {
			st.job = job
		}
		return err
	})
	if err != nil {
		return false, err
	}
	return st.job.CancelRequested && !st.job.Stage.Terminal(), nil
}

// cancel ends the job in ERROR and hands the document back as READY.
func (o *Orchestrator) cancel(ctx context.Context, st *runState) error {
	ctx = context.WithoutCancel(ctx)
	code := common.Code(common.ErrCancelled)
	stage := st.job.Stage
	o.appendLog(ctx, st, stage, code, "cancel requested")
	err := o.retryStore(ctx, func(ctx context.Context) error {
		return o.Jobs.Fail(ctx, st.job.ID, code, common.ErrCancelled.Error(), constants.DocumentReady)
	})
	if err != nil && !errors.Is(err, repository.ErrStaleTransition) {
		return err
	}
	if job, gerr := o.Jobs.Get(ctx, st.job.ID); gerr == nil {
		st.job = job
	}
	o.logger.Info("pipeline.job.cancelled", "job_id", st.job.ID, "stage", stage)
	return nil
}

// abort records err on the job and moves it and its document to ERROR.
func (o *Orchestrator) abort(ctx context.Context, st *runState, stage constants.PipelineStage, cause error) (*entity.ExtractionJob, error) {
	if errors.Is(cause, context.Canceled) {
		st.log.Warn("pipeline.job.interrupted", "stage", stage, "err", cause)
		return st.job, cause
	}
	ctx = context.WithoutCancel(ctx)
	code := common.Code(cause)
	o.appendLog(ctx, st, stage, code, cause.Error())
	err := o.retryStore(ctx, func(ctx context.Context) error {
		return o.Jobs.Fail(ctx, st.job.ID, code, cause.Error(), constants.DocumentError)
	})
	if err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			return o.reconcile(ctx, st)
		}
		st.log.Error("pipeline.job.fail_not_recorded", "stage", stage, "err", err, "cause", cause)
		return st.job, err
	}
	st.log.Error("pipeline.job.failed", "stage", stage, "code", code, "kind", common.KindOf(cause).String(), "err", cause)
	if job, gerr := o.Jobs.Get(ctx, st.job.ID); gerr == nil {
		st.job = job
	}
	return st.job, nil
}

// reconcile handles a conditional update that lost: the job was cancelled,
// finished elsewhere, or moved on under another worker.
func (o *Orchestrator) reconcile(ctx context.Context, st *runState) (*entity.ExtractionJob, error) {
	job, err := o.Jobs.Get(ctx, st.job.ID)
	if err != nil {
		return st.job, err
	}
	st.job = job
	if !job.Stage.Terminal() && job.CancelRequested {
		return st.job, o.cancel(ctx, st)
	}
	st.log.Info("pipeline.job.moved", "stage", job.Stage)
	return job, nil
}

// appendLog writes "<RFC3339> <stage> <code>: <message>" to worker_log.
func (o *Orchestrator) appendLog(ctx context.Context, st *runState, stage constants.PipelineStage, code, msg string) {
	msg = strings.Join(strings.Fields(msg), " ")
	entry := fmt.Sprintf("%s %s %s: %s", o.now().UTC().Format(time.RFC3339), stage, code, msg)
	err := o.retryStore(context.WithoutCancel(ctx), func(ctx context.Context) error {
		return o.Jobs.AppendLog(ctx, st.job.ID, entry)
	})
	if err != nil {
		st.log.Warn("pipeline.worker_log.append_failed", "err", err)
		return
	}
	st.job.WorkerLog += entry + "\n"
}

func (o *Orchestrator) putJSON(ctx context.Context, st *runState, stage constants.ArtifactStage, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s artifact: %w", stage, err)
	}
	key := artifact.Key{DocumentID: st.doc.ID, Stage: stage, Kind: "json"}
	return o.retryStore(ctx, func(ctx context.Context) error {
		a, err := o.Artifacts.Put(ctx, key, data)
		if err == nil {
			st.log.Debug("artifact.put", "stage", stage, "locator", a.Locator, "size", a.Size)
		}
		return err
	})
}

func (o *Orchestrator) getJSON(ctx context.Context, st *runState, stage constants.ArtifactStage, v any) error {
	key := artifact.Key{DocumentID: st.doc.ID, Stage: stage, Kind: "json"}
	var data []byte
	err := o.retryStore(ctx, func(ctx context.Context) error {
		var err error
		data, err = o.Artifacts.Get(ctx, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("load %s artifact: %w", stage, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s artifact: %w", stage, err)
	}
	return nil
}

// visualize renders the field map. Failures never change job state.
func (o *Orchestrator) visualize(ctx context.Context, st *runState) {
	if o.renderer == nil {
		return
	}
	err := func() error {
		if err := o.ensureLines(ctx, st); err != nil {
			return err
		}
		png, err := o.renderer.Render(st.doc, st.lines, st.result)
		if err != nil {
			return err
		}
		a, err := o.Artifacts.Put(ctx, artifact.Key{DocumentID: st.doc.ID, Stage: constants.ArtifactVisualized, Kind: "png"}, png)
		if err != nil {
			return err
		}
		st.log.Info("pipeline.visualize.ok", "locator", a.Locator)
		return nil
	}()
	if err != nil {
		st.log.Warn("pipeline.visualize.failed", "err", err)
		o.appendLog(ctx, st, constants.StageFinished, "VisualizeFailed", err.Error())
	}
}
