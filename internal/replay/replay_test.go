package replay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgecore/genesis/internal/event"
	"github.com/bridgecore/genesis/internal/store"
)

// captureEmitter records everything dispatched to it.
type captureEmitter struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *captureEmitter) Dispatch(ev event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureEmitter) seen() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.Event, len(c.events))
	copy(out, c.events)
	return out
}

func seedStore(t *testing.T, n int) *store.Memory {
	t.Helper()
	st := store.NewMemory()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= n; i++ {
		topic := "engine.truth.snapshot.created"
		if i%2 == 0 {
			topic = "engine.health.probe.completed"
		}
		_, err := st.RecordEvent(context.Background(), event.Event{
			ID:            fmt.Sprintf("ev-%d", i),
			Timestamp:     base.Add(time.Duration(i) * time.Minute),
			Topic:         topic,
			Source:        "engine.truth",
			Kind:          event.KindFact,
			SchemaVersion: event.DefaultSchemaVersion,
			Payload:       map[string]any{"seq": i},
		})
		require.NoError(t, err)
	}
	return st
}

func TestEngine_DryRunCountsWithoutEmitting(t *testing.T) {
	st := seedStore(t, 6)
	emit := &captureEmitter{}
	eng := New(st, emit)

	res, err := eng.Run(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 6, res.Replayed)
	assert.Equal(t, int64(6), res.LastWatermark)
	assert.Empty(t, emit.seen())
}

func TestEngine_EmitMarksReplayAndPreservesOrder(t *testing.T) {
	st := seedStore(t, 6)
	emit := &captureEmitter{}
	eng := New(st, emit)

	res, err := eng.Run(context.Background(), Request{Emit: true})
	require.NoError(t, err)
	assert.Equal(t, 6, res.Replayed)

	seen := emit.seen()
	require.Len(t, seen, 6)
	for i, ev := range seen {
		assert.True(t, ev.Replay, "replayed event must carry the replay flag")
		assert.Equal(t, int64(i+1), ev.Watermark, "replay must be in ascending watermark order")
	}
}

func TestEngine_FromWatermarkIsStrictlyAfter(t *testing.T) {
	st := seedStore(t, 6)
	eng := New(st, &captureEmitter{})

	res, err := eng.Run(context.Background(), Request{FromWatermark: 4})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Replayed)
	assert.Equal(t, int64(6), res.LastWatermark)
}

func TestEngine_TopicFilter(t *testing.T) {
	st := seedStore(t, 6)
	emit := &captureEmitter{}
	eng := New(st, emit)

	res, err := eng.Run(context.Background(), Request{
		TopicPattern: "engine.truth.%",
		Emit:         true,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Replayed)
	for _, ev := range emit.seen() {
		assert.Equal(t, "engine.truth.snapshot.created", ev.Topic)
	}
}

func TestEngine_AfterTimestamp(t *testing.T) {
	st := seedStore(t, 6)
	eng := New(st, &captureEmitter{})

	// Events carry timestamps base+1m..base+6m; "after base+4m" leaves 5 and 6.
	after := time.Date(2025, 6, 1, 12, 4, 0, 0, time.UTC)
	res, err := eng.Run(context.Background(), Request{After: after})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Replayed)
}

func TestEngine_Limit(t *testing.T) {
	st := seedStore(t, 6)
	eng := New(st, &captureEmitter{})

	res, err := eng.Run(context.Background(), Request{Limit: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Replayed)
	assert.Equal(t, int64(4), res.LastWatermark)
}

func TestEngine_PagesThroughLargeLogs(t *testing.T) {
	st := seedStore(t, DefaultPageSize+10)
	emit := &captureEmitter{}
	eng := New(st, emit)

	res, err := eng.Run(context.Background(), Request{Emit: true})
	require.NoError(t, err)
	assert.Equal(t, DefaultPageSize+10, res.Replayed)
	assert.Len(t, emit.seen(), DefaultPageSize+10)
}

func TestEngine_EmitWithoutEmitterFails(t *testing.T) {
	st := seedStore(t, 1)
	eng := New(st, nil)

	_, err := eng.Run(context.Background(), Request{Emit: true})
	assert.Error(t, err)
}

func TestEngine_ReplayDoesNotTouchDedupe(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	_, err := st.RecordEvent(ctx, event.Event{
		ID:            "ev-1",
		Timestamp:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Topic:         "engine.truth.snapshot.created",
		Source:        "engine.truth",
		Kind:          event.KindFact,
		SchemaVersion: event.DefaultSchemaVersion,
		Payload:       map[string]any{},
		DedupeKey:     "snap-1",
	})
	require.NoError(t, err)

	emit := &captureEmitter{}
	eng := New(st, emit)
	res, err := eng.Run(ctx, Request{Emit: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)

	// The replay emitted the event again without writing anything.
	w, err := st.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), w)
}
