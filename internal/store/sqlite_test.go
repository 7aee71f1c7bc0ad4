package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgecore/genesis/internal/event"
	"github.com/bridgecore/genesis/internal/testutil"
)

func openTestStore(t *testing.T, opts ...Option) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "events.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_OpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestSQLite_RecordAndReadBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev := testEvent("ev-1", "engine.truth.snapshot.created")
	ev.CorrelationID = "corr-1"
	ev.Payload = map[string]any{"count": float64(3), "name": "alpha"}

	res, err := s.RecordEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, int64(1), res.Watermark)

	got, ok, err := s.EventByID(ctx, "ev-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ev.Topic, got.Topic)
	assert.Equal(t, ev.Source, got.Source)
	assert.Equal(t, event.KindFact, got.Kind)
	assert.Equal(t, "corr-1", got.CorrelationID)
	assert.Empty(t, got.CausationID)
	assert.Equal(t, ev.Payload, got.Payload)
	assert.Equal(t, int64(1), got.Watermark)
	assert.True(t, got.Timestamp.Equal(ev.Timestamp))
}

func TestSQLite_WatermarkSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := s.RecordEvent(ctx, testEvent(fmt.Sprintf("ev-%d", i), "engine.truth.snapshot.created"))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	res, err := s.RecordEvent(ctx, testEvent("ev-4", "engine.truth.snapshot.created"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Watermark)
}

func TestSQLite_ConcurrentWatermarksUnique(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const publishers = 20
	var wg sync.WaitGroup
	wg.Add(publishers)
	watermarks := make([]int64, publishers)

	for i := 0; i < publishers; i++ {
		go func(n int) {
			defer wg.Done()
			res, err := s.RecordEvent(ctx, testEvent(fmt.Sprintf("ev-%d", n), "engine.truth.snapshot.created"))
			if assert.NoError(t, err) {
				watermarks[n] = res.Watermark
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, publishers)
	for _, w := range watermarks {
		assert.False(t, seen[w], "watermark %d assigned twice", w)
		seen[w] = true
	}
	assert.Len(t, seen, publishers)
}

func TestSQLite_DedupeTTL(t *testing.T) {
	clock := testutil.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := openTestStore(t, WithClock(clock.Now), WithDedupeTTL(time.Hour))
	ctx := context.Background()

	ev := testEvent("ev-1", "engine.truth.snapshot.created")
	ev.DedupeKey = "snap-42"
	res, err := s.RecordEvent(ctx, ev)
	require.NoError(t, err)
	require.True(t, res.Accepted)

	dup := testEvent("ev-2", "engine.truth.snapshot.created")
	dup.DedupeKey = "snap-42"
	res, err = s.RecordEvent(ctx, dup)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	isDup, err := s.IsDuplicate(ctx, "snap-42")
	require.NoError(t, err)
	assert.True(t, isDup)

	clock.Advance(time.Hour + time.Minute)

	isDup, err = s.IsDuplicate(ctx, "snap-42")
	require.NoError(t, err)
	assert.False(t, isDup)

	res, err = s.RecordEvent(ctx, dup)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, int64(2), res.Watermark)
}

func TestSQLite_EventsQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	topics := []string{
		"engine.truth.snapshot.created",
		"engine.truth.snapshot.deleted",
		"engine.health.probe.completed",
	}
	for i, topic := range topics {
		ev := testEvent(fmt.Sprintf("ev-%d", i), topic)
		ev.Timestamp = base.Add(time.Duration(i) * time.Minute)
		_, err := s.RecordEvent(ctx, ev)
		require.NoError(t, err)
	}

	got, err := s.Events(ctx, Query{TopicPattern: "engine.truth.%"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Watermark)
	assert.Equal(t, int64(2), got[1].Watermark)

	got, err = s.Events(ctx, Query{TopicPattern: "engine.health.probe.completed"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = s.Events(ctx, Query{FromWatermark: 2, ToWatermark: 3})
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Strictly after the first event's timestamp.
	got, err = s.Events(ctx, Query{After: base})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].Watermark)

	got, err = s.Events(ctx, Query{TopicPattern: "deploy.%"})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestSQLite_EventsQueryUnderscoreIsLiteral(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// '_' is a single-character wildcard in SQL LIKE but a literal topic
	// character here: snap_a must not match snapxa.
	for i, topic := range []string{
		"engine.truth.snap_a.created",
		"engine.truth.snapxa.created",
	} {
		_, err := s.RecordEvent(ctx, testEvent(fmt.Sprintf("ev-%d", i), topic))
		require.NoError(t, err)
	}

	got, err := s.Events(ctx, Query{TopicPattern: "engine.truth.snap_a.created"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "engine.truth.snap_a.created", got[0].Topic)

	got, err = s.Events(ctx, Query{TopicPattern: "engine.truth.snap_a.%"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "engine.truth.snap_a.created", got[0].Topic)
}

func TestSQLite_DeadLetters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordDeadLetter(ctx, DeadLetter{
		EventID: "ev-1",
		Topic:   "engine.truth.snapshot.created",
		Handler: "indexer",
		Error:   "boom",
	}))
	require.NoError(t, s.RecordDeadLetter(ctx, DeadLetter{
		EventID: "ev-2",
		Topic:   "engine.truth.snapshot.created",
		Handler: "indexer",
		Error:   "boom again",
	}))

	dead, err := s.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 2)
	assert.Equal(t, "ev-1", dead[0].EventID)
	assert.Equal(t, "ev-2", dead[1].EventID)
}
