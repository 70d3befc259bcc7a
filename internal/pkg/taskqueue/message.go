package taskqueue

import (
	"encoding/json"
	"time"
)

// TaskMessage is the envelope carried on the Redis stream.
//
// Args is an opaque JSON document interpreted by the handler registered for
// Name. NotBefore implements delayed delivery: a consumer that reads a
// message before its due time republishes it instead of executing it, which
// is how retry backoff and fan-out staggering work.
type TaskMessage struct {
	Name      string          `json:"name"`                 // registered task name
	Args      json.RawMessage `json:"args,omitempty"`       // handler arguments
	Timestamp time.Time       `json:"timestamp"`            // creation time
	Retry     int             `json:"retry"`                // delivery attempts so far
	Source    string          `json:"source"`               // "api", "periodic", "fanout", "retry"
	NotBefore time.Time       `json:"not_before,omitempty"` // earliest execution time, zero means now
}

// NewTaskMessage builds an immediately runnable message.
func NewTaskMessage(name string, args json.RawMessage, source string) *TaskMessage {
	return &TaskMessage{
		Name:      name,
		Args:      args,
		Timestamp: time.Now().UTC(),
		Source:    source,
	}
}

// Due reports whether the message may be executed at the given time.
func (m *TaskMessage) Due(now time.Time) bool {
	return m.NotBefore.IsZero() || !now.Before(m.NotBefore)
}
