// Package store provides durable storage for Genesis events: an
// append-only event log with a monotonic watermark, TTL-based
// deduplication records, and a dead-letter table for failed handler
// invocations.
//
// Two backends implement Store: SQLite (the "file"/"relational" backend,
// see sqlite.go) and an in-memory backend for tests and ephemeral runs
// (memory.go).
package store

import (
	"context"
	"time"

	"github.com/bridgecore/genesis/internal/event"
)

// DefaultDedupeTTL is how long a dedupe key stays live after first use.
const DefaultDedupeTTL = 24 * time.Hour

// DefaultQueryLimit bounds Events queries whose limit is unset.
const DefaultQueryLimit = 100

// RecordResult reports the outcome of RecordEvent.
//
// Exactly one of the following holds:
//   - Accepted: the event was durably recorded at Watermark
//   - Duplicate: a live dedupe record claimed the key first; no watermark
//     was assigned and nothing was written
type RecordResult struct {
	Accepted  bool
	Duplicate bool
	Watermark int64
}

// Query selects events from the log, ascending by watermark.
//
// Zero values mean "no constraint": an empty TopicPattern matches all
// topics, FromWatermark/ToWatermark of 0 leave that bound open, a zero
// After applies no timestamp floor. FromWatermark and ToWatermark are
// inclusive. A Limit <= 0 falls back to DefaultQueryLimit; callers page
// by passing the last watermark seen plus one.
type Query struct {
	TopicPattern  string
	FromWatermark int64
	ToWatermark   int64
	After         time.Time
	Limit         int
}

// DeadLetter records a handler failure during dispatch for later
// inspection. It never affects the original event's acceptance.
type DeadLetter struct {
	EventID   string
	Topic     string
	Handler   string
	Error     string
	CreatedAt time.Time
}

// Store is the durable log behind the event bus.
//
// RecordEvent is a single transactional unit: the dedupe re-check, the
// dedupe record claim, the watermark assignment, and the log append
// either all happen or none do. Watermarks are assigned serialized, in
// durable-record order; no two events ever share one.
type Store interface {
	// RecordEvent atomically dedupe-checks, claims the dedupe key (if
	// any), assigns the next watermark, and appends the event.
	RecordEvent(ctx context.Context, ev event.Event) (RecordResult, error)

	// IsDuplicate reports whether a live (non-expired) dedupe record
	// exists for key. An empty key is never a duplicate.
	IsDuplicate(ctx context.Context, key string) (bool, error)

	// Events returns events matching q, ascending by watermark.
	Events(ctx context.Context, q Query) ([]event.Event, error)

	// EventByID fetches a single event. The bool is false when the ID is
	// unknown.
	EventByID(ctx context.Context, id string) (event.Event, bool, error)

	// Watermark returns the current high-water mark (0 when empty).
	Watermark(ctx context.Context) (int64, error)

	// RecordDeadLetter appends a handler-failure record.
	RecordDeadLetter(ctx context.Context, d DeadLetter) error

	Close() error
}
