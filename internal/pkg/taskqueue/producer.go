package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Producer publishes tasks to the stream. Used by the api binary for both
// user-triggered and periodically scheduled work, and by handlers that fan
// out follow-up tasks.
type Producer struct {
	queue  *TaskQueue
	logger *slog.Logger
}

func NewProducer(rdb *redis.Client, logger *slog.Logger, streamName ...string) *Producer {
	stream := defaultStream
	if len(streamName) > 0 && streamName[0] != "" {
		stream = streamName[0]
	}

	return &Producer{
		queue:  NewTaskQueue(rdb, logger, stream),
		logger: logger,
	}
}

// Submit publishes a task for immediate execution. args may be nil; any other
// value is marshalled to JSON.
func (p *Producer) Submit(ctx context.Context, name string, args interface{}, source string) error {
	return p.SubmitAfter(ctx, name, args, source, 0)
}

// SubmitAfter publishes a task that must not run before now+delay. The delay
// is best effort: consumers poll and republish, so a staggered task runs at
// or shortly after its due time, never before.
func (p *Producer) SubmitAfter(ctx context.Context, name string, args interface{}, source string, delay time.Duration) error {
	if name == "" {
		return fmt.Errorf("task name is empty")
	}
	if source == "" {
		source = "unknown"
	}

	var raw json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("marshal task args: %w", err)
		}
		raw = data
	}

	msg := NewTaskMessage(name, raw, source)
	if delay > 0 {
		msg.NotBefore = time.Now().UTC().Add(delay)
	}

	if err := p.queue.Publish(ctx, msg); err != nil {
		p.logger.Error("submit task failed",
			slog.String("task", name),
			slog.String("source", source),
			slog.String("error", err.Error()))
		return err
	}

	p.logger.Info("task submitted",
		slog.String("task", name),
		slog.String("source", source),
		slog.Duration("delay", delay))

	return nil
}

// QueueLength returns the current stream depth.
func (p *Producer) QueueLength(ctx context.Context) (int64, error) {
	return p.queue.StreamInfo(ctx)
}
