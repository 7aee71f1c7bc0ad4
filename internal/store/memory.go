package store

import (
	"context"
	"sync"
	"time"

	"github.com/bridgecore/genesis/internal/event"
)

// Memory is an in-memory Store for tests and ephemeral runs. It honors
// the same transactional semantics as the SQLite backend: the dedupe
// check, dedupe claim, and watermark assignment happen under one lock,
// so racing publishers with the same dedupe key cannot both be accepted.
type Memory struct {
	mu        sync.Mutex
	events    []event.Event
	byID      map[string]int
	dedupe    map[string]dedupeRecord
	watermark int64
	dead      []DeadLetter
	dedupeTTL time.Duration
	now       func() time.Time
}

type dedupeRecord struct {
	eventID   string
	expiresAt time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithMemoryDedupeTTL overrides the dedupe record lifetime.
func WithMemoryDedupeTTL(ttl time.Duration) MemoryOption {
	return func(m *Memory) {
		m.dedupeTTL = ttl
	}
}

// WithMemoryClock overrides the time source for tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		byID:      make(map[string]int),
		dedupe:    make(map[string]dedupeRecord),
		dedupeTTL: DefaultDedupeTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordEvent implements Store.
func (m *Memory) RecordEvent(_ context.Context, ev event.Event) (RecordResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.expireLocked(now)

	if ev.DedupeKey != "" {
		if _, live := m.dedupe[ev.DedupeKey]; live {
			return RecordResult{Duplicate: true}, nil
		}
	}

	m.watermark++
	ev.Watermark = m.watermark
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}

	m.byID[ev.ID] = len(m.events)
	m.events = append(m.events, ev)

	if ev.DedupeKey != "" {
		m.dedupe[ev.DedupeKey] = dedupeRecord{
			eventID:   ev.ID,
			expiresAt: now.Add(m.dedupeTTL),
		}
	}

	return RecordResult{Accepted: true, Watermark: ev.Watermark}, nil
}

// IsDuplicate implements Store.
func (m *Memory) IsDuplicate(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked(m.now())
	_, live := m.dedupe[key]
	return live, nil
}

// Events implements Store.
func (m *Memory) Events(_ context.Context, q Query) ([]event.Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := []event.Event{}
	for _, ev := range m.events {
		if q.TopicPattern != "" && !event.MatchPattern(q.TopicPattern, ev.Topic) {
			continue
		}
		if q.FromWatermark > 0 && ev.Watermark < q.FromWatermark {
			continue
		}
		if q.ToWatermark > 0 && ev.Watermark > q.ToWatermark {
			continue
		}
		if !q.After.IsZero() && !ev.Timestamp.After(q.After) {
			continue
		}
		out = append(out, ev)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// EventByID implements Store.
func (m *Memory) EventByID(_ context.Context, id string) (event.Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.byID[id]
	if !ok {
		return event.Event{}, false, nil
	}
	return m.events[idx], true, nil
}

// Watermark implements Store.
func (m *Memory) Watermark(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermark, nil
}

// RecordDeadLetter implements Store.
func (m *Memory) RecordDeadLetter(_ context.Context, d DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.CreatedAt.IsZero() {
		d.CreatedAt = m.now()
	}
	m.dead = append(m.dead, d)
	return nil
}

// DeadLetters returns recorded handler failures, oldest first.
func (m *Memory) DeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.dead)
	if n > limit {
		n = limit
	}
	out := make([]DeadLetter, n)
	copy(out, m.dead[:n])
	return out, nil
}

// Close implements Store. No-op for the in-memory backend.
func (m *Memory) Close() error {
	return nil
}

// expireLocked drops dedupe records whose TTL has passed.
// Caller must hold m.mu.
func (m *Memory) expireLocked(now time.Time) {
	for key, rec := range m.dedupe {
		if !rec.expiresAt.After(now) {
			delete(m.dedupe, key)
		}
	}
}
