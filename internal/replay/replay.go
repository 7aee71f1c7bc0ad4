// Package replay re-reads persisted events and optionally re-emits them
// to live subscribers. Replayed events carry the Replay flag so handlers
// with external side effects can tell a re-emission from a first
// delivery.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bridgecore/genesis/internal/event"
	"github.com/bridgecore/genesis/internal/store"
)

// DefaultPageSize is the per-query batch size used when paging through
// the log.
const DefaultPageSize = 256

// Emitter re-delivers an already-persisted event to subscribers. It is
// satisfied by bus.Dispatch: the replay path must not go back through
// Publish, where the dedupe check would reject every event as a
// duplicate.
type Emitter interface {
	Dispatch(ev event.Event)
}

// Request selects which events to replay and how.
type Request struct {
	// TopicPattern narrows replay to an exact topic or a '%' prefix
	// wildcard. Empty replays every topic.
	TopicPattern string

	// FromWatermark replays events strictly after this watermark. Zero
	// starts at the beginning of the log.
	FromWatermark int64

	// After replays events with a timestamp strictly after this instant.
	// Zero value disables the time filter.
	After time.Time

	// Limit caps the number of replayed events. Zero means no cap.
	Limit int

	// Emit re-delivers each event to live subscribers. When false the
	// replay is a dry run: events are read and counted but not
	// dispatched.
	Emit bool
}

// Result summarizes one replay run.
type Result struct {
	Replayed      int
	LastWatermark int64
}

// Engine drives replays against a store and an optional emitter.
type Engine struct {
	store store.Store
	emit  Emitter
}

// New creates a replay engine. The emitter may be nil if every request
// is a dry run.
func New(st store.Store, emit Emitter) *Engine {
	return &Engine{store: st, emit: emit}
}

// Run executes one replay in ascending watermark order. Ordering within
// a topic during replay matches the original acceptance order.
//
// Replay bypasses the guardians gate: the events were already admitted
// once, and re-auditing them would double-count every decision.
func (e *Engine) Run(ctx context.Context, req Request) (Result, error) {
	if req.Emit && e.emit == nil {
		return Result{}, fmt.Errorf("replay: emit requested but no emitter configured")
	}

	var res Result
	from := req.FromWatermark

	for {
		page := DefaultPageSize
		if req.Limit > 0 {
			remaining := req.Limit - res.Replayed
			if remaining <= 0 {
				break
			}
			if remaining < page {
				page = remaining
			}
		}

		events, err := e.store.Events(ctx, store.Query{
			TopicPattern:  req.TopicPattern,
			FromWatermark: from + 1,
			After:         req.After,
			Limit:         page,
		})
		if err != nil {
			return res, fmt.Errorf("replay query from watermark %d: %w", from, err)
		}
		if len(events) == 0 {
			break
		}

		for _, ev := range events {
			ev.Replay = true
			if req.Emit {
				e.emit.Dispatch(ev)
			}
			res.Replayed++
			res.LastWatermark = ev.Watermark
		}
		from = events[len(events)-1].Watermark
	}

	slog.Info("replay complete",
		"replayed", res.Replayed,
		"last_watermark", res.LastWatermark,
		"pattern", req.TopicPattern,
		"emitted", req.Emit,
	)
	return res, nil
}
