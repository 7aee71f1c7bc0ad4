// Package bus implements the Genesis publish/subscribe dispatcher. It
// composes the event contract, the guardians gate, and the persistence
// store: validate, gate, record, then fan out to matching subscribers.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bridgecore/genesis/internal/event"
	"github.com/bridgecore/genesis/internal/guardians"
	"github.com/bridgecore/genesis/internal/store"
)

// BlockedAuditTopic receives a direct notification for every publish the
// gate blocks. Delivery bypasses the gate itself (the block is already
// audited) and is not persisted.
const BlockedAuditTopic = "security.guardians.action.blocked"

// DefaultPersistTimeout bounds how long Publish waits on the store's
// transactional write before treating it as a persistence failure.
const DefaultPersistTimeout = 5 * time.Second

// DefaultHistorySize caps the in-memory recent-event ring kept for
// introspection.
const DefaultHistorySize = 1024

// Publication is the caller-facing publish request. The bus assigns the
// event's ID and timestamp; SchemaVersion defaults to
// event.DefaultSchemaVersion and a nil Payload becomes an empty map.
type Publication struct {
	Topic         string
	Source        string
	Kind          event.Kind
	Payload       map[string]any
	CorrelationID string
	CausationID   string
	DedupeKey     string
	SchemaVersion string
}

// Subscription is the handle returned by Subscribe, used to Unsubscribe.
type Subscription struct {
	ID      int64
	Pattern string
}

type subscription struct {
	id      int64
	pattern string
	handler Handler
}

// HistoryEntry is one line of the bounded recent-event ring.
type HistoryEntry struct {
	Topic     string     `json:"topic"`
	Kind      event.Kind `json:"kind"`
	Watermark int64      `json:"watermark"`
	Timestamp time.Time  `json:"ts"`
}

// Snapshot is the read-only diagnostic surface for external exposure.
type Snapshot struct {
	Watermark       int64           `json:"watermark"`
	Subscribers     map[string]int  `json:"subscribers"`
	Guardians       guardians.Stats `json:"guardians"`
	PendingDispatch int             `json:"pending_dispatch"`
	HandlerErrors   int64           `json:"handler_errors"`
	History         []HistoryEntry  `json:"history"`
}

// Bus is the process-wide dispatcher. It is constructed once at startup
// and passed explicitly to every component that needs it; there is no
// hidden global instance.
//
// Publish is safe for many concurrent callers. The store write and the
// queue insertion happen under one lock, so within one topic
// subscribers observe events in watermark order.
type Bus struct {
	registry *event.Registry
	gate     *guardians.Gate
	store    store.Store
	ids      event.IDGenerator
	now      func() time.Time

	persistTimeout time.Duration

	// pubMu serializes record+enqueue. Watermark assignment alone is
	// serialized inside the store, but without this lock a publisher
	// holding watermark N could be preempted between the store write
	// and the enqueue and land behind the publisher holding N+1.
	pubMu sync.Mutex

	mu      sync.RWMutex
	subs    []subscription
	nextSub int64

	dispatcher *dispatcher

	histMu   sync.Mutex
	history  []HistoryEntry
	histCap  int
	histHead int
	histLen  int
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithIDGenerator overrides the event ID generator (tests).
func WithIDGenerator(ids event.IDGenerator) BusOption {
	return func(b *Bus) {
		b.ids = ids
	}
}

// WithBusClock overrides the timestamp source (tests).
func WithBusClock(now func() time.Time) BusOption {
	return func(b *Bus) {
		b.now = now
	}
}

// WithPersistTimeout overrides the bound on the store write.
func WithPersistTimeout(d time.Duration) BusOption {
	return func(b *Bus) {
		b.persistTimeout = d
	}
}

// WithHistorySize overrides the introspection ring capacity.
func WithHistorySize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.histCap = n
		}
	}
}

// New creates a bus over the given contract registry, gate, and store.
func New(registry *event.Registry, gate *guardians.Gate, st store.Store, opts ...BusOption) *Bus {
	b := &Bus{
		registry:       registry,
		gate:           gate,
		store:          st,
		ids:            event.UUIDv7Generator{},
		now:            time.Now,
		persistTimeout: DefaultPersistTimeout,
		dispatcher:     newDispatcher(st),
		histCap:        DefaultHistorySize,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.history = make([]HistoryEntry, b.histCap)
	return b
}

// Publish validates, gates, persists, and dispatches one event.
//
// Outcomes:
//   - accepted: returns the event ID, nil error; handlers run async
//   - duplicate dedupe key: returns ("", nil) - a quiet, expected no-op
//   - contract violation: returns *event.ValidationError
//   - gate block: returns *BlockedError (already audited by the gate)
//   - storage unavailable/timeout: returns *PersistenceError; the event
//     was not dispatched and may be retried
//
// The publisher never waits on handlers: dispatch is fire-and-forget
// past the persistence acknowledgment.
func (b *Bus) Publish(ctx context.Context, pub Publication) (string, error) {
	ev := event.Event{
		ID:            b.ids.NewID(),
		Timestamp:     b.now().UTC(),
		Topic:         pub.Topic,
		Source:        pub.Source,
		Kind:          pub.Kind,
		CorrelationID: pub.CorrelationID,
		CausationID:   pub.CausationID,
		SchemaVersion: pub.SchemaVersion,
		Payload:       pub.Payload,
		DedupeKey:     pub.DedupeKey,
	}
	if ev.SchemaVersion == "" {
		ev.SchemaVersion = event.DefaultSchemaVersion
	}
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}

	// 1. Contract validation: fail before any side effect.
	if err := b.registry.Validate(&ev); err != nil {
		return "", err
	}

	// 2. Guardians gate. The gate records its own audit entry; the bus
	// only notifies blocked-event observers.
	if d := b.gate.Allow(&ev); !d.Allowed {
		b.notifyBlocked(ev, d)
		return "", &BlockedError{Rule: d.Rule, Reason: d.Reason}
	}

	// 3. Durable record: dedupe re-check + watermark + append, one
	// transaction, bounded by the persist timeout.
	//
	// 4. Fan out in subscription-registration order, per-topic FIFO.
	//
	// Both run under pubMu so the enqueue order matches the watermark
	// order; the enqueue itself never blocks, so the critical section is
	// the store write plus a queue append.
	recordCtx, cancel := context.WithTimeout(ctx, b.persistTimeout)
	defer cancel()

	b.pubMu.Lock()
	res, err := b.store.RecordEvent(recordCtx, ev)
	if err != nil {
		b.pubMu.Unlock()
		return "", &PersistenceError{Err: err}
	}
	if res.Duplicate {
		b.pubMu.Unlock()
		slog.Debug("duplicate event skipped", "topic", ev.Topic, "dedupe_key", ev.DedupeKey)
		return "", nil
	}
	ev.Watermark = res.Watermark

	b.recordHistory(ev)
	b.dispatchMatches(ev)
	b.pubMu.Unlock()

	slog.Debug("event published",
		"id", ev.ID,
		"topic", ev.Topic,
		"kind", ev.Kind,
		"source", ev.Source,
		"watermark", ev.Watermark,
	)
	return ev.ID, nil
}

// Subscribe registers a handler for a topic pattern (exact or '%'
// prefix wildcard). Handlers are invoked in registration order.
func (b *Bus) Subscribe(pattern string, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSub++
	sub := subscription{id: b.nextSub, pattern: pattern, handler: h}
	b.subs = append(b.subs, sub)

	slog.Info("subscription added", "pattern", pattern, "handler", h.Name())
	return Subscription{ID: sub.id, Pattern: pattern}
}

// Unsubscribe removes a subscription. Unknown handles are a no-op.
func (b *Bus) Unsubscribe(handle Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == handle.ID {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Dispatch fans an already-persisted event out to matching subscribers
// without validation, gating, or persistence. This is the replay path:
// re-publication through Publish would be rejected as a duplicate by
// design, which is correct for accidental re-submission but wrong for
// intentional replay.
func (b *Bus) Dispatch(ev event.Event) {
	b.dispatchMatches(ev)
}

// Close stops dispatch and drains the per-topic queues.
func (b *Bus) Close() {
	b.dispatcher.close()
}

// Snapshot returns the current introspection view.
func (b *Bus) Snapshot(ctx context.Context) (Snapshot, error) {
	watermark, err := b.store.Watermark(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	b.mu.RLock()
	subscribers := make(map[string]int)
	for _, sub := range b.subs {
		subscribers[sub.pattern]++
	}
	b.mu.RUnlock()

	return Snapshot{
		Watermark:       watermark,
		Subscribers:     subscribers,
		Guardians:       b.gate.Stats(),
		PendingDispatch: b.dispatcher.pendingTasks(),
		HandlerErrors:   b.dispatcher.handlerErrors.Load(),
		History:         b.recentHistory(),
	}, nil
}

// dispatchMatches snapshots matching subscriptions and enqueues the
// event on its topic's dispatch queue.
func (b *Bus) dispatchMatches(ev event.Event) {
	b.mu.RLock()
	var matched []subscription
	for _, sub := range b.subs {
		if event.MatchPattern(sub.pattern, ev.Topic) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	if len(matched) == 0 {
		return
	}
	b.dispatcher.enqueue(task{ev: ev, subs: matched})
}

// notifyBlocked delivers a direct audit notification to subscribers of
// BlockedAuditTopic. It bypasses the gate (the block is already audited)
// and is not persisted.
func (b *Bus) notifyBlocked(blocked event.Event, d guardians.Decision) {
	notice := event.Event{
		ID:            b.ids.NewID(),
		Timestamp:     b.now().UTC(),
		Topic:         BlockedAuditTopic,
		Source:        "security.guardians",
		Kind:          event.KindAudit,
		CorrelationID: blocked.CorrelationID,
		CausationID:   blocked.ID,
		SchemaVersion: event.DefaultSchemaVersion,
		Payload: map[string]any{
			"blocked_topic":  blocked.Topic,
			"blocked_source": blocked.Source,
			"rule":           d.Rule,
			"reason":         d.Reason,
		},
	}
	b.dispatchMatches(notice)
}

func (b *Bus) recordHistory(ev event.Event) {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	idx := (b.histHead + b.histLen) % b.histCap
	b.history[idx] = HistoryEntry{
		Topic:     ev.Topic,
		Kind:      ev.Kind,
		Watermark: ev.Watermark,
		Timestamp: ev.Timestamp,
	}
	if b.histLen < b.histCap {
		b.histLen++
	} else {
		b.histHead = (b.histHead + 1) % b.histCap
	}
}

func (b *Bus) recentHistory() []HistoryEntry {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	out := make([]HistoryEntry, b.histLen)
	for i := 0; i < b.histLen; i++ {
		out[i] = b.history[(b.histHead+i)%b.histCap]
	}
	return out
}
