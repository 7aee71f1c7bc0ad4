package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgecore/genesis/internal/bus"
)

// capturePublisher records lifecycle events emitted during a run.
type capturePublisher struct {
	mu   sync.Mutex
	pubs []bus.Publication
}

func (p *capturePublisher) Publish(_ context.Context, pub bus.Publication) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pubs = append(p.pubs, pub)
	return "id", nil
}

func (p *capturePublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.pubs))
	for i, pub := range p.pubs {
		out[i] = pub.Topic
	}
	return out
}

func statePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "state.json")
}

func noopStage(name string) Stage {
	return Stage{Name: name, Run: func(ctx context.Context) error { return nil }}
}

func runToCompletion(t *testing.T, o *Orchestrator) error {
	t.Helper()
	require.NoError(t, o.Start(context.Background()))
	return o.Wait()
}

func TestOrchestrator_HappyPath(t *testing.T) {
	pub := &capturePublisher{}
	path := statePath(t)

	var order []string
	var mu sync.Mutex
	mkStage := func(name string) Stage {
		return Stage{Name: name, Run: func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}}
	}

	o, err := New([]Stage{mkStage("post_boot"), mkStage("warm_caches"), mkStage("index_assets")}, path, pub)
	require.NoError(t, err)
	require.NoError(t, runToCompletion(t, o))

	assert.Equal(t, []string{"post_boot", "warm_caches", "index_assets"}, order)

	status := o.Status()
	require.Len(t, status, 3)
	for _, st := range status {
		assert.Equal(t, StatusCompleted, st.Status)
		assert.Equal(t, 1, st.Attempts)
		assert.NotNil(t, st.StartedAt)
		assert.NotNil(t, st.CompletedAt)
	}

	topics := pub.topics()
	assert.Equal(t, TopicRunStarted, topics[0])
	assert.Equal(t, TopicRunCompleted, topics[len(topics)-1])
	assert.Contains(t, topics, TopicStageStarted)
	assert.Contains(t, topics, TopicStageCompleted)
}

func TestOrchestrator_StateFileSurvivesTransitions(t *testing.T) {
	path := statePath(t)
	o, err := New([]Stage{noopStage("post_boot")}, path, nil)
	require.NoError(t, err)
	require.NoError(t, runToCompletion(t, o))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var onDisk struct {
		RunID       string `json:"run_id"`
		StartedAt   string `json:"started_at"`
		CompletedAt string `json:"completed_at"`
		Stages      map[string]struct {
			Status   string `json:"status"`
			Attempts int    `json:"attempts"`
		} `json:"stages"`
	}
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.NotEmpty(t, onDisk.RunID)
	assert.NotEmpty(t, onDisk.StartedAt)
	assert.NotEmpty(t, onDisk.CompletedAt, "a finished run must stamp completed_at")
	assert.Equal(t, StatusCompleted, onDisk.Stages["post_boot"].Status)
	assert.Equal(t, 1, onDisk.Stages["post_boot"].Attempts)
}

func TestOrchestrator_FailureContinuesRemainingStages(t *testing.T) {
	pub := &capturePublisher{}
	path := statePath(t)

	var ranLast bool
	stages := []Stage{
		noopStage("post_boot"),
		{Name: "warm_caches", Run: func(ctx context.Context) error { return errors.New("cache backend down") }},
		{Name: "index_assets", Run: func(ctx context.Context) error { ranLast = true; return nil }},
	}

	o, err := New(stages, path, pub)
	require.NoError(t, err)
	runErr := runToCompletion(t, o)
	require.Error(t, runErr)
	assert.Contains(t, runErr.Error(), "warm_caches")
	assert.True(t, ranLast, "stages after a failure must still run")

	// Every stage reached a terminal status.
	status := o.Status()
	assert.Equal(t, StatusCompleted, status[0].Status)
	assert.Equal(t, StatusFailed, status[1].Status)
	assert.Equal(t, "cache backend down", status[1].Error)
	assert.Equal(t, StatusCompleted, status[2].Status)

	topics := pub.topics()
	assert.Contains(t, topics, TopicStageFailed)
	assert.Contains(t, topics, TopicRunFailed)
	assert.NotContains(t, topics, TopicRunCompleted)
}

func TestOrchestrator_StageIgnoringContextFailsAtDeadline(t *testing.T) {
	pub := &capturePublisher{}
	path := statePath(t)

	stages := []Stage{{
		Name:    "scan_federation",
		Timeout: 25 * time.Millisecond,
		Run: func(ctx context.Context) error {
			// Deliberately ignores ctx.
			time.Sleep(500 * time.Millisecond)
			return nil
		},
	}}

	o, err := New(stages, path, pub)
	require.NoError(t, err)

	start := time.Now()
	require.Error(t, runToCompletion(t, o))
	assert.Less(t, time.Since(start), 300*time.Millisecond,
		"the run must fail at the deadline, not when the stage returns")

	status := o.Status()
	assert.Equal(t, StatusFailed, status[0].Status)
	assert.Contains(t, pub.topics(), TopicStageTimeout)
}

func TestOrchestrator_ResumeSkipsCompletedStages(t *testing.T) {
	path := statePath(t)

	var firstRuns, secondRuns int
	failing := true
	stages := func() []Stage {
		return []Stage{
			{Name: "post_boot", Run: func(ctx context.Context) error { firstRuns++; return nil }},
			{Name: "warm_caches", Run: func(ctx context.Context) error {
				secondRuns++
				if failing {
					return errors.New("transient")
				}
				return nil
			}},
		}
	}

	o, err := New(stages(), path, nil)
	require.NoError(t, err)
	require.Error(t, runToCompletion(t, o))
	assert.Equal(t, 1, firstRuns)
	assert.Equal(t, 1, secondRuns)

	// Second boot resumes from the same state file: the completed stage
	// is skipped, the failed stage retried.
	failing = false
	o2, err := New(stages(), path, nil)
	require.NoError(t, err)
	require.NoError(t, runToCompletion(t, o2))

	assert.Equal(t, 1, firstRuns, "completed stage must not rerun on resume")
	assert.Equal(t, 2, secondRuns)

	status := o2.Status()
	assert.Equal(t, StatusCompleted, status[1].Status)
	assert.Equal(t, 2, status[1].Attempts)
}

func TestOrchestrator_CorruptStateStartsFresh(t *testing.T) {
	path := statePath(t)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	ran := 0
	o, err := New([]Stage{{Name: "post_boot", Run: func(ctx context.Context) error { ran++; return nil }}}, path, nil)
	require.NoError(t, err)
	require.NoError(t, runToCompletion(t, o))
	assert.Equal(t, 1, ran)
}

func TestOrchestrator_StageTimeoutEmitsHeal(t *testing.T) {
	pub := &capturePublisher{}
	path := statePath(t)

	stages := []Stage{{
		Name:    "scan_federation",
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}}

	o, err := New(stages, path, pub)
	require.NoError(t, err)
	require.Error(t, runToCompletion(t, o))

	status := o.Status()
	assert.Equal(t, StatusFailed, status[0].Status)

	topics := pub.topics()
	assert.Contains(t, topics, TopicStageTimeout)
	assert.Contains(t, topics, TopicStageFailed)

	// The timeout notice is a heal-kind signal.
	for _, p := range pub.pubs {
		if p.Topic == TopicStageTimeout {
			assert.Equal(t, "heal", string(p.Kind))
		}
	}
}

func TestOrchestrator_RejectsBadStageTables(t *testing.T) {
	path := statePath(t)

	_, err := New(nil, path, nil)
	assert.Error(t, err)

	_, err = New([]Stage{{Name: "", Run: func(ctx context.Context) error { return nil }}}, path, nil)
	assert.Error(t, err)

	_, err = New([]Stage{noopStage("a"), noopStage("a")}, path, nil)
	assert.Error(t, err)

	_, err = New([]Stage{noopStage("a")}, "", nil)
	assert.Error(t, err)
}

func TestOrchestrator_StartTwiceFails(t *testing.T) {
	path := statePath(t)
	block := make(chan struct{})
	o, err := New([]Stage{{Name: "post_boot", Run: func(ctx context.Context) error {
		<-block
		return nil
	}}}, path, nil)
	require.NoError(t, err)

	require.NoError(t, o.Start(context.Background()))
	assert.Error(t, o.Start(context.Background()))
	close(block)
	require.NoError(t, o.Wait())
}
