package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/credit-extractor/constants"
	"github.com/joseph-ayodele/credit-extractor/internal/common"
	"github.com/joseph-ayodele/credit-extractor/internal/entity"
)

const jobsTable = "extraction_jobs"

var jobColumns = []string{
	"id", "document_id", "state", "stage", "attempts", "cancel_requested", "worker_log",
	"error_code", "error_message", "result_json", "created_at", "started_at", "finished_at",
}

type JobRepository interface {
	// Create claims the document for a new job in one transaction.
	Create(ctx context.Context, documentID uuid.UUID) (*entity.ExtractionJob, error)
	Get(ctx context.Context, id uuid.UUID) (*entity.ExtractionJob, error)
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*entity.ExtractionJob, error)
	// Advance moves the job from one stage to the next, unless it moved or was cancelled.
	Advance(ctx context.Context, id uuid.UUID, from, to constants.PipelineStage) error
	IncrementAttempts(ctx context.Context, id uuid.UUID) error
	AppendLog(ctx context.Context, id uuid.UUID, entry string) error
	RequestCancel(ctx context.Context, id uuid.UUID) (*entity.ExtractionJob, error)
	// Fail moves an active job to ERROR and releases its document with docStatus.
	Fail(ctx context.Context, id uuid.UUID, code, message string, docStatus constants.DocumentStatus) error
	// Finish persists the result, finishes the job and marks the document DONE.
	Finish(ctx context.Context, id uuid.UUID, result *entity.PipelineResult) error
	LatestResultForDocument(ctx context.Context, documentID uuid.UUID) (*entity.PipelineResult, error)
}

type jobRepo struct {
	db  *DB
	log *slog.Logger
}

func NewJobRepository(db *DB, log *slog.Logger) JobRepository {
	return &jobRepo{db: db, log: log}
}

func (r *jobRepo) Create(ctx context.Context, documentID uuid.UUID) (*entity.ExtractionJob, error) {
	now := r.db.now().UTC()
	job := &entity.ExtractionJob{
		ID:         uuid.New(),
		DocumentID: documentID,
		State:      constants.JobCreated,
		Stage:      constants.StageCreated,
		CreatedAt:  now,
	}

	err := r.db.inTx(ctx, func(tx dialect.Tx) error {
		prev, err := getDocument(ctx, r.db, tx, entsql.EQ("id", documentID.String()))
		if err != nil {
			return err
		}

		q, args := r.db.sql().Update(documentsTable).
			Set("status", string(constants.DocumentInProgress)).
			Set("active_job_id", job.ID.String()).
			Set("updated_at", formatTime(now)).
			Where(entsql.And(
				entsql.EQ("id", documentID.String()),
				entsql.NEQ("status", string(constants.DocumentInProgress)),
			)).
			Query()
		n, err := execCount(ctx, tx, q, args)
		if err != nil {
			return storeErr("claim document", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: document %s already has an active job", common.ErrConcurrentJobConflict, documentID)
		}
		if prev.Status == constants.DocumentNotReady {
			r.log.Info("document promoted", "document_id", documentID, "from", prev.Status, "to", constants.DocumentReady)
		}

		q, args = r.db.sql().Insert(jobsTable).
			Columns("id", "document_id", "state", "stage", "attempts", "cancel_requested", "worker_log", "created_at", "updated_at").
			Values(job.ID.String(), documentID.String(), string(job.State), string(job.Stage), 0, 0, "",
				formatTime(now), formatTime(now)).
			Query()
		if _, err := execCount(ctx, tx, q, args); err != nil {
			return storeErr("insert job", err)
		}
		return nil
	})
	if err != nil {
		r.log.Warn("extraction_job create failed", "document_id", documentID, "err", err)
		return nil, err
	}
	r.log.Info("extraction_job created", "job_id", job.ID, "document_id", documentID)
	return job, nil
}

func (r *jobRepo) Get(ctx context.Context, id uuid.UUID) (*entity.ExtractionJob, error) {
	return getJob(ctx, r.db, r.db.drv, id)
}

func (r *jobRepo) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*entity.ExtractionJob, error) {
	q, args := r.db.sql().Select(jobColumns...).
		From(r.db.sql().Table(jobsTable)).
		Where(entsql.EQ("document_id", documentID.String())).
		OrderExpr(entsql.Expr("created_at DESC")).
		Query()
	var rows entsql.Rows
	if err := r.db.drv.Query(ctx, q, args, &rows); err != nil {
		return nil, storeErr("list jobs", err)
	}
	defer rows.Close()
	var out []*entity.ExtractionJob
	for rows.Next() {
		job, err := scanJob(&rows)
		if err != nil {
			return nil, storeErr("scan job", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list jobs", err)
	}
	return out, nil
}

func (r *jobRepo) Advance(ctx context.Context, id uuid.UUID, from, to constants.PipelineStage) error {
	now := formatTime(r.db.now())
	upd := r.db.sql().Update(jobsTable).
		Set("stage", string(to)).
		Set("state", string(to.JobState())).
		Set("updated_at", now)
	if from == constants.StageCreated {
		upd.Set("started_at", now)
	}
	q, args := upd.Where(entsql.And(
		entsql.EQ("id", id.String()),
		entsql.EQ("stage", string(from)),
		entsql.EQ("cancel_requested", 0),
	)).Query()

	n, err := execCount(ctx, r.db.drv, q, args)
	if err != nil {
		return storeErr("advance job", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s not at %s", ErrStaleTransition, id, from)
	}
	r.log.Debug("extraction_job advanced", "job_id", id, "from", from, "to", to)
	return nil
}

func (r *jobRepo) IncrementAttempts(ctx context.Context, id uuid.UUID) error {
	q, args := r.db.sql().Update(jobsTable).
		Add("attempts", 1).
		Set("updated_at", formatTime(r.db.now())).
		Where(entsql.EQ("id", id.String())).
		Query()
	if _, err := execCount(ctx, r.db.drv, q, args); err != nil {
		return storeErr("increment attempts", err)
	}
	return nil
}

// AppendLog adds one line to worker_log. The log is never rewritten.
func (r *jobRepo) AppendLog(ctx context.Context, id uuid.UUID, entry string) error {
	q, args := r.db.sql().Update(jobsTable).
		Set("worker_log", appendLogExpr(entry)).
		Set("updated_at", formatTime(r.db.now())).
		Where(entsql.EQ("id", id.String())).
		Query()
	n, err := execCount(ctx, r.db.drv, q, args)
	if err != nil {
		return storeErr("append worker_log", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", id, common.ErrNotFound)
	}
	return nil
}

// RequestCancel flags an active job. Terminal jobs are returned unchanged.
func (r *jobRepo) RequestCancel(ctx context.Context, id uuid.UUID) (*entity.ExtractionJob, error) {
	q, args := r.db.sql().Update(jobsTable).
		Set("cancel_requested", 1).
		Set("updated_at", formatTime(r.db.now())).
		Where(entsql.And(
			entsql.EQ("id", id.String()),
			entsql.NotIn("stage", string(constants.StageFinished), string(constants.StageError)),
		)).
		Query()
	n, err := execCount(ctx, r.db.drv, q, args)
	if err != nil {
		return nil, storeErr("request cancel", err)
	}
	job, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		r.log.Info("extraction_job cancel requested", "job_id", id, "stage", job.Stage)
	}
	return job, nil
}

func (r *jobRepo) Fail(ctx context.Context, id uuid.UUID, code, message string, docStatus constants.DocumentStatus) error {
	now := formatTime(r.db.now())
	err := r.db.inTx(ctx, func(tx dialect.Tx) error {
		job, err := getJob(ctx, r.db, tx, id)
		if err != nil {
			return err
		}
		ok, err := failJob(ctx, r.db, tx, job, code, message, "", docStatus, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: job %s is already %s", ErrStaleTransition, id, job.Stage)
		}
		return nil
	})
	if err != nil {
		r.log.Error("extraction_job finish(ERROR) failed", "job_id", id, "err", err)
		return err
	}
	r.log.Warn("extraction_job finished (ERROR)", "job_id", id, "code", code, "error", message)
	return nil
}

func (r *jobRepo) Finish(ctx context.Context, id uuid.UUID, result *entity.PipelineResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	now := formatTime(r.db.now())
	err = r.db.inTx(ctx, func(tx dialect.Tx) error {
		job, err := getJob(ctx, r.db, tx, id)
		if err != nil {
			return err
		}
		q, args := r.db.sql().Update(jobsTable).
			Set("stage", string(constants.StageFinished)).
			Set("state", string(constants.JobFinished)).
			Set("result_json", string(payload)).
			Set("finished_at", now).
			Set("updated_at", now).
			Where(entsql.And(
				entsql.EQ("id", id.String()),
				entsql.EQ("stage", string(constants.StagePersisting)),
				entsql.EQ("cancel_requested", 0),
			)).
			Query()
		n, err := execCount(ctx, tx, q, args)
		if err != nil {
			return storeErr("finish job", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: job %s not at %s", ErrStaleTransition, id, constants.StagePersisting)
		}
		if err := replaceFields(ctx, r.db, tx, id, job.DocumentID, result.Fields); err != nil {
			return err
		}
		return releaseDocument(ctx, r.db, tx, job.DocumentID, id, constants.DocumentDone, now)
	})
	if err != nil {
		r.log.Error("extraction_job finish(OK) failed", "job_id", id, "err", err)
		return err
	}
	r.log.Info("extraction_job finished (OK)", "job_id", id, "fields", len(result.Fields), "missing", len(result.Missing))
	return nil
}

func (r *jobRepo) LatestResultForDocument(ctx context.Context, documentID uuid.UUID) (*entity.PipelineResult, error) {
	q, args := r.db.sql().Select("result_json").
		From(r.db.sql().Table(jobsTable)).
		Where(entsql.And(
			entsql.EQ("document_id", documentID.String()),
			entsql.EQ("stage", string(constants.StageFinished)),
		)).
		OrderExpr(entsql.Expr("finished_at DESC")).
		Limit(1).
		Query()
	var payload sql.NullString
	if err := scanOne(ctx, r.db.drv, q, args, &payload); err != nil {
		return nil, storeErr("latest result", err)
	}
	var res entity.PipelineResult
	if err := json.Unmarshal([]byte(payload.String), &res); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &res, nil
}

// failJob moves job to ERROR unless it is already terminal, and releases its
// document with docStatus. A non-empty entry is appended to worker_log in the
// same statement. It reports whether the job changed.
func failJob(ctx context.Context, db *DB, tx dialect.ExecQuerier, job *entity.ExtractionJob, code, message, entry string, docStatus constants.DocumentStatus, now string) (bool, error) {
	upd := db.sql().Update(jobsTable).
		Set("stage", string(constants.StageError)).
		Set("state", string(constants.JobError)).
		Set("error_code", code).
		Set("error_message", message).
		Set("finished_at", now).
		Set("updated_at", now)
	if entry != "" {
		upd.Set("worker_log", appendLogExpr(entry))
	}
	q, args := upd.Where(entsql.And(
		entsql.EQ("id", job.ID.String()),
		entsql.NotIn("stage", string(constants.StageFinished), string(constants.StageError)),
	)).Query()
	n, err := execCount(ctx, tx, q, args)
	if err != nil {
		return false, storeErr("fail job", err)
	}
	if n == 0 {
		return false, nil
	}
	return true, releaseDocument(ctx, db, tx, job.DocumentID, job.ID, docStatus, now)
}

// appendLogExpr appends entry to worker_log inside the UPDATE, so concurrent
// appends cannot drop each other.
func appendLogExpr(entry string) entsql.Querier {
	return entsql.ExprFunc(func(b *entsql.Builder) {
		b.WriteString("COALESCE(").Ident("worker_log").WriteString(", '') || ").Arg(entry + "\n")
	})
}

// releaseDocument clears the document's active job if it is still jobID.
func releaseDocument(ctx context.Context, db *DB, tx dialect.ExecQuerier, documentID, jobID uuid.UUID, status constants.DocumentStatus, now string) error {
	q, args := db.sql().Update(documentsTable).
		Set("status", string(status)).
		SetNull("active_job_id").
		Set("updated_at", now).
		Where(entsql.And(
			entsql.EQ("id", documentID.String()),
			entsql.EQ("active_job_id", jobID.String()),
		)).
		Query()
	if _, err := execCount(ctx, tx, q, args); err != nil {
		return storeErr("release document", err)
	}
	return nil
}

func getJob(ctx context.Context, db *DB, eq dialect.ExecQuerier, id uuid.UUID) (*entity.ExtractionJob, error) {
	q, args := db.sql().Select(jobColumns...).
		From(db.sql().Table(jobsTable)).
		Where(entsql.EQ("id", id.String())).
		Query()
	var rows entsql.Rows
	if err := eq.Query(ctx, q, args, &rows); err != nil {
		return nil, storeErr("get job", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, storeErr("get job", err)
		}
		return nil, fmt.Errorf("job %s: %w", id, common.ErrNotFound)
	}
	job, err := scanJob(&rows)
	if err != nil {
		return nil, storeErr("scan job", err)
	}
	return job, nil
}

func scanJob(s scanner) (*entity.ExtractionJob, error) {
	var (
		job                                entity.ExtractionJob
		id, docID, state, stage, createdAt string
		cancel                             int64
		code, msg, result                  sql.NullString
		startedAt, finishedAt              sql.NullString
	)
	if err := s.Scan(&id, &docID, &state, &stage, &job.Attempts, &cancel, &job.WorkerLog,
		&code, &msg, &result, &createdAt, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	var err error
	if job.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if job.DocumentID, err = uuid.Parse(docID); err != nil {
		return nil, err
	}
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if job.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if job.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, err
	}
	job.State = constants.JobState(state)
	job.Stage = constants.PipelineStage(stage)
	job.CancelRequested = cancel != 0
	job.ErrorCode = nullString(code)
	job.ErrorMessage = nullString(msg)
	if result.Valid && result.String != "" {
		job.ResultJSON = json.RawMessage(result.String)
	}
	return &job, nil
}
