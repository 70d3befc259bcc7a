package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"figwatch/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// Consumer reads task messages from the stream via a consumer group.
//
// Delivery is at-least-once: a message is acked only after its handler
// finishes, and messages stuck with a dead consumer are reclaimed through
// XAUTOCLAIM. Failed messages are republished with an incremented retry
// counter and a backoff deadline, or dead-lettered once retries run out.
type Consumer struct {
	queue            *TaskQueue
	logger           *slog.Logger
	groupName        string
	consumerID       string
	blockTime        time.Duration
	batchSize        int64
	pendingIdle      time.Duration
	pendingStart     string
	deadLetterStream string
	maxRetry         int
	retryBackoff     time.Duration
}

// FailureAction indicates how a failed message was handled.
type FailureAction string

const (
	FailureActionNone  FailureAction = "none"
	FailureActionRetry FailureAction = "retry"
	FailureActionDLQ   FailureAction = "dlq"
)

// GroupName returns the consumer group name.
func (c *Consumer) GroupName() string {
	return c.groupName
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithBlockTime sets how long a read blocks waiting for new messages.
func WithBlockTime(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.blockTime = d
	}
}

// WithBatchSize sets how many messages are read at once.
func WithBatchSize(size int64) ConsumerOption {
	return func(c *Consumer) {
		c.batchSize = size
	}
}

// WithPendingIdle sets the minimum idle time before a pending message is
// stolen from another consumer.
func WithPendingIdle(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.pendingIdle = d
	}
}

// WithDeadLetterStream overrides the dead letter stream name.
func WithDeadLetterStream(stream string) ConsumerOption {
	return func(c *Consumer) {
		c.deadLetterStream = stream
	}
}

// WithMaxRetry sets the retry budget before dead-lettering.
func WithMaxRetry(maxRetry int) ConsumerOption {
	return func(c *Consumer) {
		c.maxRetry = maxRetry
	}
}

// WithRetryBackoff sets the base backoff; attempt n waits base*2^(n-1).
func WithRetryBackoff(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.retryBackoff = d
	}
}

// NewConsumer creates a consumer and ensures the group exists.
func NewConsumer(rdb *redis.Client, logger *slog.Logger, streamName string, groupName string, consumerID string, opts ...ConsumerOption) (*Consumer, error) {
	if groupName == "" {
		return nil, fmt.Errorf("group name is required")
	}

	if consumerID == "" {
		consumerID = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}

	if streamName == "" {
		streamName = defaultStream
	}

	c := &Consumer{
		queue:            NewTaskQueue(rdb, logger, streamName),
		logger:           logger,
		groupName:        groupName,
		consumerID:       consumerID,
		blockTime:        1 * time.Second,
		batchSize:        10,
		pendingIdle:      1 * time.Minute,
		pendingStart:     "0-0",
		deadLetterStream: streamName + ":dlq",
		maxRetry:         3,
		retryBackoff:     time.Minute,
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.queue.CreateConsumerGroup(context.Background(), groupName); err != nil {
		return nil, err
	}

	c.logger.Info("consumer created",
		slog.String("group", groupName),
		slog.String("consumer_id", consumerID))

	return c, nil
}

// MessageWithID pairs a task message with its stream entry ID.
type MessageWithID struct {
	ID      string
	Message *TaskMessage
}

// Read fetches the next batch: reclaimed pending messages first, then new
// ones.
func (c *Consumer) Read(ctx context.Context) ([]*MessageWithID, error) {
	pending, err := c.readPending(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return pending, nil
	}

	return c.readNew(ctx)
}

func (c *Consumer) readPending(ctx context.Context) ([]*MessageWithID, error) {
	messages, nextStart, err := c.queue.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.queue.streamName,
		Group:    c.groupName,
		Consumer: c.consumerID,
		MinIdle:  c.pendingIdle,
		Start:    c.pendingStart,
		Count:    c.batchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim failed: %w", err)
	}
	if nextStart != "" {
		c.pendingStart = nextStart
	}

	if len(messages) > 0 {
		metrics.TaskAutoClaimTotal.Add(float64(len(messages)))
	}

	return c.parseMessages(ctx, messages)
}

func (c *Consumer) readNew(ctx context.Context) ([]*MessageWithID, error) {
	streams, err := c.queue.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.groupName,
		Consumer: c.consumerID,
		Streams:  []string{c.queue.streamName, ">"},
		Count:    c.batchSize,
		Block:    c.blockTime,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup failed: %w", err)
	}

	if len(streams) == 0 {
		return nil, nil
	}

	var messages []redis.XMessage
	for _, stream := range streams {
		messages = append(messages, stream.Messages...)
	}

	return c.parseMessages(ctx, messages)
}

func (c *Consumer) parseMessages(ctx context.Context, messages []redis.XMessage) ([]*MessageWithID, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	parsed := make([]*MessageWithID, 0, len(messages))
	for _, msg := range messages {
		data, ok := msg.Values["data"].(string)
		if !ok || data == "" {
			c.logger.Warn("invalid message format",
				slog.String("msg_id", msg.ID))
			c.handlePoisonMessage(ctx, msg.ID, fmt.Sprintf("%v", msg.Values["data"]), "invalid message format")
			continue
		}

		taskMsg, err := parseMessage(data)
		if err != nil {
			c.logger.Error("parse message failed",
				slog.String("msg_id", msg.ID),
				slog.String("error", err.Error()))
			c.handlePoisonMessage(ctx, msg.ID, data, err.Error())
			continue
		}

		parsed = append(parsed, &MessageWithID{
			ID:      msg.ID,
			Message: taskMsg,
		})
	}

	if len(parsed) > 0 {
		c.logger.Debug("messages read",
			slog.Int("count", len(parsed)))
	}

	return parsed, nil
}

// Ack marks a message as processed.
func (c *Consumer) Ack(ctx context.Context, msgID string) error {
	acked, err := c.queue.rdb.XAck(ctx, c.queue.streamName, c.groupName, msgID).Result()
	if err != nil {
		return fmt.Errorf("xack failed: %w", err)
	}

	if acked == 0 {
		c.logger.Warn("message not acked (may already be acked)",
			slog.String("msg_id", msgID))
	}

	return nil
}

// Requeue puts a not-yet-due message back on the stream and acks the current
// delivery. The retry counter is not touched; a deferred message has not
// failed.
func (c *Consumer) Requeue(ctx context.Context, msg *MessageWithID) error {
	if msg == nil || msg.Message == nil {
		return fmt.Errorf("message is nil")
	}
	if err := c.queue.Publish(ctx, msg.Message); err != nil {
		return err
	}
	return c.Ack(ctx, msg.ID)
}

// HandleFailure republishes a failed message with backoff, or dead-letters it
// once the retry budget is spent. The failed delivery is acked either way.
func (c *Consumer) HandleFailure(ctx context.Context, msg *MessageWithID, cause error) (FailureAction, error) {
	if msg == nil || msg.Message == nil {
		return FailureActionNone, fmt.Errorf("message is nil")
	}

	retry := msg.Message.Retry + 1
	msg.Message.Retry = retry

	if retry > c.maxRetry {
		metrics.TaskDLQTotal.Inc()
		if err := c.publishDeadLetter(ctx, msg.ID, msg.Message, cause); err != nil {
			return FailureActionDLQ, err
		}
		return FailureActionDLQ, c.Ack(ctx, msg.ID)
	}

	msg.Message.NotBefore = time.Now().UTC().Add(c.backoff(retry))
	msg.Message.Source = "retry"

	if err := c.queue.Publish(ctx, msg.Message); err != nil {
		return FailureActionRetry, err
	}

	metrics.TaskRetryTotal.Inc()
	return FailureActionRetry, c.Ack(ctx, msg.ID)
}

// DeadLetter routes a message straight to the dead letter stream, bypassing
// the retry budget. Used for failures that retrying cannot fix.
func (c *Consumer) DeadLetter(ctx context.Context, msg *MessageWithID, cause error) error {
	if msg == nil || msg.Message == nil {
		return fmt.Errorf("message is nil")
	}
	metrics.TaskDLQTotal.Inc()
	if err := c.publishDeadLetter(ctx, msg.ID, msg.Message, cause); err != nil {
		return err
	}
	return c.Ack(ctx, msg.ID)
}

func (c *Consumer) backoff(retry int) time.Duration {
	d := c.retryBackoff
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= 30*time.Minute {
			return 30 * time.Minute
		}
	}
	return d
}

func (c *Consumer) handlePoisonMessage(ctx context.Context, msgID string, payload string, reason string) {
	if err := c.publishDeadLetter(ctx, msgID, payload, errors.New(reason)); err != nil {
		c.logger.Error("publish dead letter failed", slog.String("msg_id", msgID), slog.String("error", err.Error()))
	}
	metrics.TaskDLQTotal.Inc()
	if err := c.Ack(ctx, msgID); err != nil {
		c.logger.Error("ack poison message failed", slog.String("msg_id", msgID), slog.String("error", err.Error()))
	}
}

func (c *Consumer) publishDeadLetter(ctx context.Context, msgID string, payload interface{}, cause error) error {
	raw := payload
	if msg, ok := payload.(*TaskMessage); ok {
		if data, err := json.Marshal(msg); err == nil {
			raw = string(data)
		}
	}

	return c.queue.publishRaw(ctx, c.deadLetterStream, map[string]interface{}{
		"original_id": msgID,
		"payload":     raw,
		"reason":      cause.Error(),
		"failed_at":   time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Pending returns the number of delivered-but-unacked messages.
func (c *Consumer) Pending(ctx context.Context) (int64, error) {
	info, err := c.queue.rdb.XPending(ctx, c.queue.streamName, c.groupName).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending failed: %w", err)
	}
	return info.Count, nil
}
