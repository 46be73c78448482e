package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/credit-extractor/constants"
	"github.com/joseph-ayodele/credit-extractor/internal/common"
	"github.com/joseph-ayodele/credit-extractor/internal/entity"
)

const tasksTable = "tasks"

// TaskFailedCode is the job error code written when its task runs out of
// deliveries.
const TaskFailedCode = "TaskFailed"

var taskColumns = []string{
	"id", "job_id", "status", "attempts", "max_attempts", "run_after", "lease_until", "last_error", "created_at",
}

// TaskRepository is the durable queue behind the worker pool. Delivery is
// at-least-once: a task whose lease expires is handed out again.
type TaskRepository interface {
	Enqueue(ctx context.Context, jobID uuid.UUID, maxAttempts int) (*entity.Task, error)
	// EnqueueLeased inserts a task already claimed by the caller for lease.
	// If the caller never completes or fails it, a worker picks it up once
	// the lease expires.
	EnqueueLeased(ctx context.Context, jobID uuid.UUID, maxAttempts int, lease time.Duration) (*entity.Task, error)
	// ClaimNext leases the next runnable task, or returns nil when none is due.
	ClaimNext(ctx context.Context, lease time.Duration) (*entity.Task, error)
	Complete(ctx context.Context, id uuid.UUID) error
	// Fail reschedules with 2^attempts seconds backoff, or marks the task
	// failed once attempts reach max_attempts. A failed task takes its job
	// to ERROR and its document to ERROR in the same transaction.
	Fail(ctx context.Context, id uuid.UUID, reason string) error
	Get(ctx context.Context, id uuid.UUID) (*entity.Task, error)
	// GetByJob returns the newest task of a job.
	GetByJob(ctx context.Context, jobID uuid.UUID) (*entity.Task, error)
}

type taskRepo struct {
	db  *DB
	log *slog.Logger
}

func NewTaskRepository(db *DB, log *slog.Logger) TaskRepository {
	return &taskRepo{db: db, log: log}
}

func (r *taskRepo) Enqueue(ctx context.Context, jobID uuid.UUID, maxAttempts int) (*entity.Task, error) {
	return r.insert(ctx, jobID, maxAttempts, 0)
}

func (r *taskRepo) EnqueueLeased(ctx context.Context, jobID uuid.UUID, maxAttempts int, lease time.Duration) (*entity.Task, error) {
	if lease <= 0 {
		return nil, fmt.Errorf("%w: lease must be positive", common.ErrInvalidInput)
	}
	return r.insert(ctx, jobID, maxAttempts, lease)
}

func (r *taskRepo) insert(ctx context.Context, jobID uuid.UUID, maxAttempts int, lease time.Duration) (*entity.Task, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	now := r.db.now().UTC()
	task := &entity.Task{
		ID:          uuid.New(),
		JobID:       jobID,
		Status:      constants.TaskPending,
		MaxAttempts: maxAttempts,
		RunAfter:    now,
		CreatedAt:   now,
	}
	columns := []string{"id", "job_id", "status", "attempts", "max_attempts", "run_after", "created_at", "updated_at"}
	values := []any{task.ID.String(), jobID.String(), "", 0, maxAttempts, formatTime(now), formatTime(now), formatTime(now)}
	if lease > 0 {
		leaseUntil := now.Add(lease)
		task.Status = constants.TaskRunning
		task.Attempts = 1
		task.LeaseUntil = &leaseUntil
		columns = append(columns, "lease_until")
		values = append(values, formatTime(leaseUntil))
	}
	values[2] = string(task.Status)
	values[3] = task.Attempts
	q, args := r.db.sql().Insert(tasksTable).Columns(columns...).Values(values...).Query()
	if _, err := execCount(ctx, r.db.drv, q, args); err != nil {
		return nil, storeErr("enqueue task", err)
	}
	r.log.Info("task enqueued", "task_id", task.ID, "job_id", jobID, "status", task.Status)
	return task, nil
}

func (r *taskRepo) ClaimNext(ctx context.Context, lease time.Duration) (*entity.Task, error) {
	// Bounded: each pass either claims, loses a race, or retires an exhausted lease.
	for i := 0; i < 8; i++ {
		task, retry, err := r.claimOnce(ctx, lease)
		if err != nil || !retry {
			return task, err
		}
	}
	return nil, nil
}

func (r *taskRepo) claimOnce(ctx context.Context, lease time.Duration) (*entity.Task, bool, error) {
	now := r.db.now().UTC()
	nowS := formatTime(now)

	var (
		claimed *entity.Task
		retry   bool
	)
	err := r.db.inTx(ctx, func(tx dialect.Tx) error {
		q, args := r.db.sql().Select(taskColumns...).
			From(r.db.sql().Table(tasksTable)).
			Where(entsql.Or(
				entsql.And(
					entsql.EQ("status", string(constants.TaskPending)),
					entsql.LTE("run_after", nowS),
				),
				entsql.And(
					entsql.EQ("status", string(constants.TaskRunning)),
					entsql.LT("lease_until", nowS),
				),
			)).
			OrderBy("run_after", "created_at").
			Limit(1).
			Query()
		var rows entsql.Rows
		if err := tx.Query(ctx, q, args, &rows); err != nil {
			return storeErr("select task", err)
		}
		var (
			task *entity.Task
			err  error
		)
		if rows.Next() {
			task, err = scanTask(&rows)
		}
		if cerr := rows.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			return storeErr("scan task", err)
		}
		if task == nil {
			return nil
		}

		match := entsql.And(
			entsql.EQ("id", task.ID.String()),
			entsql.EQ("status", string(task.Status)),
			entsql.EQ("attempts", task.Attempts),
		)

		if task.Status == constants.TaskRunning && task.Attempts >= task.MaxAttempts {
			q, args := r.db.sql().Update(tasksTable).
				Set("status", string(constants.TaskFailed)).
				Set("last_error", "lease expired after final attempt").
				SetNull("lease_until").
				Set("updated_at", nowS).
				Where(match).
				Query()
			n, err := execCount(ctx, tx, q, args)
			if err != nil {
				return storeErr("retire task", err)
			}
			retry = true
			if n != 1 {
				return nil
			}
			r.log.Warn("task lease expired, giving up", "task_id", task.ID, "job_id", task.JobID, "attempts", task.Attempts)
			return r.abandonJob(ctx, tx, task, "lease expired after final attempt", now)
		}

		leaseUntil := now.Add(lease)
		q, args = r.db.sql().Update(tasksTable).
			Set("status", string(constants.TaskRunning)).
			Add("attempts", 1).
			Set("lease_until", formatTime(leaseUntil)).
			Set("updated_at", nowS).
			Where(match).
			Query()
		n, err := execCount(ctx, tx, q, args)
		if err != nil {
			return storeErr("claim task", err)
		}
		if n != 1 {
			retry = true
			return nil
		}
		if task.Status == constants.TaskRunning {
			r.log.Warn("task lease expired, reclaiming", "task_id", task.ID, "job_id", task.JobID)
		}
		task.Status = constants.TaskRunning
		task.Attempts++
		task.LeaseUntil = &leaseUntil
		claimed = task
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return claimed, retry, nil
}

func (r *taskRepo) Complete(ctx context.Context, id uuid.UUID) error {
	q, args := r.db.sql().Update(tasksTable).
		Set("status", string(constants.TaskCompleted)).
		SetNull("lease_until").
		Set("updated_at", formatTime(r.db.now())).
		Where(entsql.EQ("id", id.String())).
		Query()
	n, err := execCount(ctx, r.db.drv, q, args)
	if err != nil {
		return storeErr("complete task", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, common.ErrNotFound)
	}
	return nil
}

func (r *taskRepo) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	return r.db.inTx(ctx, func(tx dialect.Tx) error {
		task, err := getTask(ctx, r.db, tx, id)
		if err != nil {
			return err
		}
		now := r.db.now().UTC()
		upd := r.db.sql().Update(tasksTable).
			Set("last_error", reason).
			SetNull("lease_until").
			Set("updated_at", formatTime(now))
		exhausted := task.Attempts >= task.MaxAttempts
		if exhausted {
			upd.Set("status", string(constants.TaskFailed))
			r.log.Warn("task failed permanently", "task_id", id, "job_id", task.JobID, "attempts", task.Attempts, "error", reason)
		} else {
			backoff := time.Duration(math.Pow(2, float64(task.Attempts))) * time.Second
			upd.Set("status", string(constants.TaskPending)).
				Set("run_after", formatTime(now.Add(backoff)))
			r.log.Info("task rescheduled", "task_id", id, "job_id", task.JobID, "attempts", task.Attempts, "backoff", backoff)
		}
		q, args := upd.Where(entsql.EQ("id", id.String())).Query()
		if _, err := execCount(ctx, tx, q, args); err != nil {
			return storeErr("fail task", err)
		}
		if exhausted {
			return r.abandonJob(ctx, tx, task, reason, now)
		}
		return nil
	})
}

// abandonJob ends the job of a task that will not be delivered again. Without
// it the document would keep its active job forever.
func (r *taskRepo) abandonJob(ctx context.Context, tx dialect.ExecQuerier, task *entity.Task, reason string, now time.Time) error {
	job, err := getJob(ctx, r.db, tx, task.JobID)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if job.Stage.Terminal() {
		return nil
	}
	msg := fmt.Sprintf("task gave up after %d attempts: %s", task.Attempts, strings.Join(strings.Fields(reason), " "))
	entry := fmt.Sprintf("%s %s %s: %s", now.UTC().Format(time.RFC3339), job.Stage, TaskFailedCode, msg)
	ok, err := failJob(ctx, r.db, tx, job, TaskFailedCode, msg, entry, constants.DocumentError, formatTime(now))
	if err != nil {
		return err
	}
	if ok {
		r.log.Warn("extraction_job finished (ERROR)", "job_id", job.ID, "task_id", task.ID, "code", TaskFailedCode, "stage", job.Stage)
	}
	return nil
}

func (r *taskRepo) Get(ctx context.Context, id uuid.UUID) (*entity.Task, error) {
	return getTask(ctx, r.db, r.db.drv, id)
}

func (r *taskRepo) GetByJob(ctx context.Context, jobID uuid.UUID) (*entity.Task, error) {
	q, args := r.db.sql().Select(taskColumns...).
		From(r.db.sql().Table(tasksTable)).
		Where(entsql.EQ("job_id", jobID.String())).
		OrderExpr(entsql.Expr("created_at DESC")).
		Limit(1).
		Query()
	var rows entsql.Rows
	if err := r.db.drv.Query(ctx, q, args, &rows); err != nil {
		return nil, storeErr("get task by job", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, storeErr("get task by job", err)
		}
		return nil, fmt.Errorf("task for job %s: %w", jobID, common.ErrNotFound)
	}
	task, err := scanTask(&rows)
	if err != nil {
		return nil, storeErr("scan task", err)
	}
	return task, nil
}

func getTask(ctx context.Context, db *DB, eq dialect.ExecQuerier, id uuid.UUID) (*entity.Task, error) {
	q, args := db.sql().Select(taskColumns...).
		From(db.sql().Table(tasksTable)).
		Where(entsql.EQ("id", id.String())).
		Query()
	var rows entsql.Rows
	if err := eq.Query(ctx, q, args, &rows); err != nil {
		return nil, storeErr("get task", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, storeErr("get task", err)
		}
		return nil, fmt.Errorf("task %s: %w", id, common.ErrNotFound)
	}
	task, err := scanTask(&rows)
	if err != nil {
		return nil, storeErr("scan task", err)
	}
	return task, nil
}

func scanTask(s scanner) (*entity.Task, error) {
	var (
		t                               entity.Task
		id, jobID, status, runAfter, ca string
		leaseUntil, lastError           sql.NullString
	)
	if err := s.Scan(&id, &jobID, &status, &t.Attempts, &t.MaxAttempts, &runAfter, &leaseUntil, &lastError, &ca); err != nil {
		return nil, err
	}
	var err error
	if t.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if t.JobID, err = uuid.Parse(jobID); err != nil {
		return nil, err
	}
	if t.RunAfter, err = parseTime(runAfter); err != nil {
		return nil, err
	}
	if t.LeaseUntil, err = parseNullTime(leaseUntil); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(ca); err != nil {
		return nil, err
	}
	if t.Status = constants.TaskStatus(status); t.Status == "" {
		return nil, errors.New("task row without status")
	}
	t.LastError = lastError.String
	return &t, nil
}
