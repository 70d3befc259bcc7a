package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const defaultStream = "figwatch:tasks"

// TaskQueue wraps the Redis Streams operations shared by producer and
// consumer: publish, group management and depth inspection.
type TaskQueue struct {
	rdb        *redis.Client
	logger     *slog.Logger
	streamName string
}

func NewTaskQueue(rdb *redis.Client, logger *slog.Logger, streamName string) *TaskQueue {
	if streamName == "" {
		streamName = defaultStream
	}
	return &TaskQueue{
		rdb:        rdb,
		logger:     logger,
		streamName: streamName,
	}
}

// Publish appends a task message to the stream.
func (q *TaskQueue) Publish(ctx context.Context, msg *TaskMessage) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return q.publishRaw(ctx, q.streamName, map[string]interface{}{
		"data": string(data),
	})
}

func (q *TaskQueue) publishRaw(ctx context.Context, stream string, values map[string]interface{}) error {
	args := &redis.XAddArgs{
		Stream: stream,
		MaxLen: 100000,
		Approx: false,
		Values: values,
	}

	msgID, err := q.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("xadd failed: %w", err)
	}

	q.logger.Debug("task message published",
		slog.String("stream", stream),
		slog.String("msg_id", msgID))

	return nil
}

// CreateConsumerGroup creates the consumer group if it does not exist yet.
func (q *TaskQueue) CreateConsumerGroup(ctx context.Context, groupName string) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.streamName, groupName, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("create consumer group: %w", err)
	}

	q.logger.Info("consumer group ready",
		slog.String("stream", q.streamName),
		slog.String("group", groupName))

	return nil
}

// StreamInfo returns the current stream length.
func (q *TaskQueue) StreamInfo(ctx context.Context) (int64, error) {
	length, err := q.rdb.XLen(ctx, q.streamName).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen failed: %w", err)
	}
	return length, nil
}

func parseMessage(data string) (*TaskMessage, error) {
	var msg TaskMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &msg, nil
}
