package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Job is a unit of work executed by the pool.
type Job func(ctx context.Context) error

// ErrorHandler is invoked when a job returns an error.
type ErrorHandler func(err error, job Job)

// Queue is an in-memory job queue backed by a fixed worker pool. It bounds
// how many tasks execute concurrently in the worker binary.
type Queue struct {
	logger       *slog.Logger
	workers      int
	jobs         chan Job
	errorHandler ErrorHandler

	wg     sync.WaitGroup
	closed atomic.Bool

	stats queueStats
}

type queueStats struct {
	TotalEnqueued  atomic.Int64
	TotalProcessed atomic.Int64
	TotalSucceeded atomic.Int64
	TotalFailed    atomic.Int64
	TotalDropped   atomic.Int64 // rejected on full queue
	TotalPanics    atomic.Int64
}

// QueueStats is a copyable snapshot of the counters.
type QueueStats struct {
	TotalEnqueued  int64
	TotalProcessed int64
	TotalSucceeded int64
	TotalFailed    int64
	TotalDropped   int64
	TotalPanics    int64
}

// NewQueue creates a queue with the given worker count and buffer capacity.
// Both are clamped to at least 1.
func NewQueue(logger *slog.Logger, workers int, capacity int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		logger:  logger,
		workers: workers,
		jobs:    make(chan Job, capacity),
	}
}

// SetErrorHandler installs the failure callback.
func (q *Queue) SetErrorHandler(handler ErrorHandler) {
	q.errorHandler = handler
}

// Start launches the workers. They run until ctx is cancelled or Shutdown is
// called.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			q.logger.Debug("worker stopped", slog.Int("worker_id", id))
			return

		case job, ok := <-q.jobs:
			if !ok {
				q.logger.Debug("worker exit on closed channel", slog.Int("worker_id", id))
				return
			}
			if job != nil {
				q.executeJob(ctx, job, id)
			}
		}
	}
}

func (q *Queue) executeJob(ctx context.Context, job Job, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			q.stats.TotalPanics.Add(1)
			q.logger.Error("job panic recovered",
				slog.Int("worker_id", workerID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	err := job(ctx)
	q.stats.TotalProcessed.Add(1)

	if err != nil {
		q.stats.TotalFailed.Add(1)
		q.logger.Warn("job failed",
			slog.Int("worker_id", workerID),
			slog.String("error", err.Error()))

		if q.errorHandler != nil {
			q.errorHandler(err, job)
		}
	} else {
		q.stats.TotalSucceeded.Add(1)
	}
}

// Enqueue adds a job without blocking; returns false if the queue is full or
// closed.
func (q *Queue) Enqueue(job Job) bool {
	if job == nil {
		return false
	}

	if q.closed.Load() {
		q.logger.Warn("queue is closed, reject job")
		return false
	}

	select {
	case q.jobs <- job:
		q.stats.TotalEnqueued.Add(1)
		return true
	default:
		q.stats.TotalDropped.Add(1)
		q.logger.Warn("queue full, drop job",
			slog.Int("capacity", cap(q.jobs)),
			slog.Int("pending", len(q.jobs)))
		return false
	}
}

// EnqueueBlocking adds a job, waiting until there is room or ctx is
// cancelled.
func (q *Queue) EnqueueBlocking(ctx context.Context, job Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}

	if q.closed.Load() {
		return fmt.Errorf("queue is closed")
	}

	select {
	case q.jobs <- job:
		q.stats.TotalEnqueued.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueWithTimeout adds a job, giving up after the timeout.
func (q *Queue) EnqueueWithTimeout(job Job, timeout time.Duration) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}

	if q.closed.Load() {
		return fmt.Errorf("queue is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return q.EnqueueBlocking(ctx, job)
}

// Shutdown stops accepting jobs, then waits for in-flight work to finish.
func (q *Queue) Shutdown() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.jobs)
		q.logger.Info("queue shutdown initiated, waiting for workers to finish")
		q.wg.Wait()
		q.logger.Info("queue shutdown completed")
	}
}

// ShutdownWithTimeout is Shutdown with an upper bound on the wait.
func (q *Queue) ShutdownWithTimeout(timeout time.Duration) error {
	if !q.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("queue already closed")
	}

	close(q.jobs)
	q.logger.Info("queue shutdown initiated with timeout",
		slog.String("timeout", timeout.String()))

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("queue shutdown completed")
		return nil
	case <-time.After(timeout):
		q.logger.Error("queue shutdown timeout")
		return fmt.Errorf("shutdown timeout after %s", timeout)
	}
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		TotalEnqueued:  q.stats.TotalEnqueued.Load(),
		TotalProcessed: q.stats.TotalProcessed.Load(),
		TotalSucceeded: q.stats.TotalSucceeded.Load(),
		TotalFailed:    q.stats.TotalFailed.Load(),
		TotalDropped:   q.stats.TotalDropped.Load(),
		TotalPanics:    q.stats.TotalPanics.Load(),
	}
}

// Len returns the number of buffered jobs.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Cap returns the buffer capacity.
func (q *Queue) Cap() int {
	return cap(q.jobs)
}

// IsClosed reports whether the queue stopped accepting jobs.
func (q *Queue) IsClosed() bool {
	return q.closed.Load()
}

func (q *Queue) String() string {
	stats := q.Stats()
	return fmt.Sprintf("Queue[workers=%d, capacity=%d, pending=%d, closed=%v, enqueued=%d, processed=%d, succeeded=%d, failed=%d, dropped=%d, panics=%d]",
		q.workers,
		q.Cap(),
		q.Len(),
		q.IsClosed(),
		stats.TotalEnqueued,
		stats.TotalProcessed,
		stats.TotalSucceeded,
		stats.TotalFailed,
		stats.TotalDropped,
		stats.TotalPanics,
	)
}
