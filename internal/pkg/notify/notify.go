package notify

import (
	"context"
	"time"
)

// Event describes an operational incident worth telling a human about,
// typically a task that exhausted its retries and landed in the dead letter
// stream.
type Event struct {
	Task     string    // task name
	Reason   string    // short classification, e.g. "Retries Exhausted"
	Detail   string    // underlying error text
	FailedAt time.Time
}

// Notifier delivers operational alerts.
type Notifier interface {
	Send(ctx context.Context, event Event) error
}

// Nop is a Notifier that discards everything. Used when no alert channel is
// configured.
type Nop struct{}

func (Nop) Send(ctx context.Context, event Event) error { return nil }
