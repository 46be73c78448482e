package async

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/credit-extractor/internal/common"
	"github.com/joseph-ayodele/credit-extractor/internal/entity"
)

// Queue is the durable task source the pool drains.
type Queue interface {
	ClaimNext(ctx context.Context, lease time.Duration) (*entity.Task, error)
	Complete(ctx context.Context, id uuid.UUID) error
	Fail(ctx context.Context, id uuid.UUID, reason string) error
}

// Handler runs one job. A nil error completes the task; any error reschedules it.
type Handler interface {
	Handle(ctx context.Context, jobID uuid.UUID) error
}

type HandlerFunc func(ctx context.Context, jobID uuid.UUID) error

func (f HandlerFunc) Handle(ctx context.Context, jobID uuid.UUID) error { return f(ctx, jobID) }

// WorkerPool runs N workers that claim tasks from a Queue.
type WorkerPool struct {
	queue   Queue
	handler Handler
	logger  *slog.Logger
	workers int
	timeout time.Duration
	poll    time.Duration
	lease   time.Duration

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.Mutex
	closed bool
}

type Option func(*WorkerPool)

func WithWorkers(n int) Option {
	return func(p *WorkerPool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithProcessTimeout(d time.Duration) Option {
	return func(p *WorkerPool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(p *WorkerPool) {
		if d > 0 {
			p.poll = d
		}
	}
}

// WithLease sets how long a claimed task stays invisible to other workers.
// It should exceed the process timeout.
func WithLease(d time.Duration) Option {
	return func(p *WorkerPool) {
		if d > 0 {
			p.lease = d
		}
	}
}

func NewWorkerPool(queue Queue, handler Handler, logger *slog.Logger, opts ...Option) *WorkerPool {
	p := &WorkerPool{
		queue:   queue,
		handler: handler,
		logger:  logger,
		workers: 4,
		timeout: 10 * time.Minute,
		poll:    2 * time.Second,
		lease:   15 * time.Minute,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.lease <= p.timeout {
		p.lease = p.timeout + time.Minute
	}
	return p
}

// Start launches the workers once.
func (p *WorkerPool) Start() {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.work(i + 1)
		}
	})
}

// Run starts the pool and blocks until ctx is done, then drains in-flight jobs.
func (p *WorkerPool) Run(ctx context.Context) error {
	p.Start()
	<-ctx.Done()
	drain, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	p.Shutdown(drain)
	return nil
}

// Notify wakes one idle worker instead of waiting for the next poll.
func (p *WorkerPool) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *WorkerPool) work(workerID int) {
	defer p.wg.Done()
	p.logger.Info("worker started", "worker_id", workerID)
	defer p.logger.Info("worker stopped", "worker_id", workerID)

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		task, err := p.queue.ClaimNext(context.Background(), p.lease)
		if err != nil {
			p.logger.Error("task claim failed", "worker_id", workerID, "error", err)
		}
		if err != nil || task == nil {
			select {
			case <-p.stop:
				return
			case <-p.wake:
			case <-time.After(p.poll):
			}
			continue
		}
		p.process(workerID, task)
	}
}

func (p *WorkerPool) process(workerID int, task *entity.Task) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	ctx = common.WithWorkerID(common.WithTaskID(ctx, task.ID.String()), workerID)
	err := p.safeHandle(ctx, task.JobID)
	cancel()

	if err != nil {
		p.logger.Error("processing failed", "worker_id", workerID, "task_id", task.ID, "job_id", task.JobID,
			"attempt", task.Attempts, "error", err)
		if ferr := p.queue.Fail(context.Background(), task.ID, err.Error()); ferr != nil {
			p.logger.Error("task fail not recorded", "task_id", task.ID, "error", ferr)
		}
		return
	}
	if cerr := p.queue.Complete(context.Background(), task.ID); cerr != nil {
		p.logger.Error("task completion not recorded", "task_id", task.ID, "error", cerr)
		return
	}
	p.logger.Info("processed job successfully", "worker_id", workerID, "job_id", task.JobID,
		"elapsed_ms", time.Since(start).Milliseconds())
}

func (p *WorkerPool) safeHandle(ctx context.Context, jobID uuid.UUID) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler.Handle(ctx, jobID)
}

// Shutdown stops claiming and waits for in-flight jobs or ctx, whichever is first.
func (p *WorkerPool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stop)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-ctx.Done():
		p.logger.Warn("shutdown interrupted by context")
	case <-done:
		p.logger.Info("worker pool drained, shutdown complete")
	}
}
