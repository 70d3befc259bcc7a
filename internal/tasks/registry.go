package tasks

import (
	"context"
	"encoding/json"
	"sort"
)

// Task names as they travel on the queue.
const (
	TaskSyncCatalog       = "sync_catalog"
	TaskFetchPrices       = "fetch_prices"
	TaskUpdateAllPrices   = "update_all_prices"
	TaskAggregateDaily    = "aggregate_daily"
	TaskAggregateItem     = "aggregate_item"
	TaskCleanupListings   = "cleanup_listings"
	TaskBackfillSnapshots = "backfill_snapshots"
)

// KnownTasks lists every task name the system understands.
func KnownTasks() []string {
	return []string{
		TaskSyncCatalog,
		TaskFetchPrices,
		TaskUpdateAllPrices,
		TaskAggregateDaily,
		TaskAggregateItem,
		TaskCleanupListings,
		TaskBackfillSnapshots,
	}
}

// HandlerFunc executes one task. args is the raw JSON payload from the
// message, possibly nil.
type HandlerFunc func(ctx context.Context, args json.RawMessage) error

// Registry maps task names to handlers.
type Registry struct {
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

func (r *Registry) Register(name string, fn HandlerFunc) {
	r.handlers[name] = fn
}

func (r *Registry) Lookup(name string) (HandlerFunc, bool) {
	fn, ok := r.handlers[name]
	return fn, ok
}

// Names lists the registered task names, sorted. The API uses this to
// validate trigger requests and to describe itself.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
