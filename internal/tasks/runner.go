package tasks

import (
	"context"
	"log/slog"
	"time"

	"figwatch/internal/pkg/metrics"
	"figwatch/internal/pkg/notify"
	"figwatch/internal/pkg/queue"
	"figwatch/internal/pkg/taskqueue"
)

// deferPollInterval caps how long the runner sleeps on a stream that holds
// only deferred messages; new submissions land behind them and must be seen.
const deferPollInterval = 5 * time.Second

// Runner drives the worker: it reads task messages from the stream, defers
// the ones that are not due yet and executes the rest on the worker pool.
// A message is acked only after its handler returns, so a crash mid-task
// redelivers it.
type Runner struct {
	consumer *taskqueue.Consumer
	registry *Registry
	pool     *queue.Queue
	logger   *slog.Logger
	notifier notify.Notifier
	now      func() time.Time
}

func NewRunner(consumer *taskqueue.Consumer, registry *Registry, pool *queue.Queue, logger *slog.Logger) *Runner {
	return &Runner{
		consumer: consumer,
		registry: registry,
		pool:     pool,
		logger:   logger,
		notifier: notify.Nop{},
		now:      time.Now,
	}
}

// SetNotifier routes dead-letter alerts to the given channel.
func (r *Runner) SetNotifier(n notify.Notifier) {
	if n != nil {
		r.notifier = n
	}
}

// Run consumes until ctx is cancelled, then drains the pool.
func (r *Runner) Run(ctx context.Context) error {
	r.pool.Start(ctx)
	defer r.pool.Shutdown()

	depthTicker := time.NewTicker(30 * time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-depthTicker.C:
			if pending, err := r.consumer.Pending(ctx); err == nil {
				metrics.QueueDepth.Set(float64(pending))
			}
		default:
		}

		msgs, err := r.consumer.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("read tasks failed", slog.String("error", err.Error()))
			time.Sleep(time.Second)
			continue
		}

		var wait time.Duration
		deferredOnly := len(msgs) > 0
		for _, msg := range msgs {
			d := r.handle(ctx, msg)
			if d <= 0 {
				deferredOnly = false
			} else if wait == 0 || d < wait {
				wait = d
			}
		}

		// A read that yielded only deferred messages would otherwise spin:
		// the requeued copies come straight back on the next XReadGroup.
		// Sleep toward the nearest due time before reading again.
		if deferredOnly {
			if wait > deferPollInterval {
				wait = deferPollInterval
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
}

// handle defers a not-yet-due message and hands the rest to the pool. The
// returned duration is how long the message remains deferred, zero when it
// was executed.
func (r *Runner) handle(ctx context.Context, msg *taskqueue.MessageWithID) time.Duration {
	now := r.now().UTC()
	if !msg.Message.Due(now) {
		if err := r.consumer.Requeue(ctx, msg); err != nil {
			r.logger.Error("requeue deferred task failed",
				slog.String("task", msg.Message.Name),
				slog.String("error", err.Error()))
		}
		return msg.Message.NotBefore.Sub(now)
	}

	job := func(jobCtx context.Context) error {
		return r.execute(jobCtx, msg)
	}
	if err := r.pool.EnqueueBlocking(ctx, job); err != nil {
		// Pool rejected the job (shutdown or cancel); leave the message
		// unacked so another consumer picks it up.
		r.logger.Warn("enqueue task failed",
			slog.String("task", msg.Message.Name),
			slog.String("error", err.Error()))
	}
	return 0
}

func (r *Runner) execute(ctx context.Context, msg *taskqueue.MessageWithID) error {
	name := msg.Message.Name
	handler, ok := r.registry.Lookup(name)
	if !ok {
		r.logger.Error("unknown task", slog.String("task", name), slog.String("msg_id", msg.ID))
		metrics.TaskExecutedTotal.WithLabelValues(name, "unknown").Inc()
		return r.consumer.DeadLetter(ctx, msg, Fatalf("unknown task %q", name))
	}

	start := time.Now()
	err := handler(ctx, msg.Message.Args)
	metrics.TaskDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.TaskExecutedTotal.WithLabelValues(name, "ok").Inc()
		return r.consumer.Ack(ctx, msg.ID)
	case IsFatal(err):
		metrics.TaskExecutedTotal.WithLabelValues(name, "fatal").Inc()
		r.logger.Error("task failed fatally",
			slog.String("task", name),
			slog.String("msg_id", msg.ID),
			slog.String("error", err.Error()))
		r.alert(ctx, name, "Non-Retryable Failure", err)
		return r.consumer.DeadLetter(ctx, msg, err)
	default:
		metrics.TaskExecutedTotal.WithLabelValues(name, "error").Inc()
		r.logger.Warn("task failed",
			slog.String("task", name),
			slog.String("msg_id", msg.ID),
			slog.Int("retry", msg.Message.Retry),
			slog.String("error", err.Error()))
		action, hErr := r.consumer.HandleFailure(ctx, msg, err)
		if hErr != nil {
			r.logger.Error("handle task failure failed",
				slog.String("task", name),
				slog.String("action", string(action)),
				slog.String("error", hErr.Error()))
		}
		if action == taskqueue.FailureActionDLQ {
			r.alert(ctx, name, "Retries Exhausted", err)
		}
		return hErr
	}
}

func (r *Runner) alert(ctx context.Context, task, reason string, cause error) {
	event := notify.Event{
		Task:     task,
		Reason:   reason,
		Detail:   cause.Error(),
		FailedAt: r.now().UTC(),
	}
	if err := r.notifier.Send(ctx, event); err != nil {
		r.logger.Warn("send alert failed", slog.String("task", task), slog.String("error", err.Error()))
	}
}
