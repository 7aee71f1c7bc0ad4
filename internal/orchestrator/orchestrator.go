// Package orchestrator runs ordered startup stages with persisted,
// resumable progress. Stage state is written to a JSON file after every
// transition, so a crashed run resumes past its completed stages on the
// next boot instead of repeating them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bridgecore/genesis/internal/bus"
	"github.com/bridgecore/genesis/internal/event"
)

// Stage status values as persisted in the state file.
const (
	StatusPending    = "PENDING"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// Lifecycle topics emitted while a run progresses.
const (
	TopicRunStarted     = "deploy.orchestrator.run.started"
	TopicRunCompleted   = "deploy.orchestrator.run.completed"
	TopicRunFailed      = "deploy.orchestrator.run.failed"
	TopicStageStarted   = "deploy.orchestrator.stage.started"
	TopicStageCompleted = "deploy.orchestrator.stage.completed"
	TopicStageFailed    = "deploy.orchestrator.stage.failed"
	TopicStageTimeout   = "heal.orchestrator.stage.timeout"
)

// DefaultStageTimeout bounds a stage that does not set its own.
const DefaultStageTimeout = 2 * time.Minute

// Stage is one named unit of startup work. Run receives a context that
// is cancelled at the stage's timeout. A stage that ignores the context
// is still marked FAILED at the deadline; its goroutine lingers until
// it returns and the eventual result is discarded. Cancellation is best
// effort.
type Stage struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Publisher is the slice of the bus the orchestrator needs.
type Publisher interface {
	Publish(ctx context.Context, pub bus.Publication) (string, error)
}

// Orchestrator executes its stages in declared order, one at a time.
type Orchestrator struct {
	stages []Stage
	state  *stateFile
	pub    Publisher
	now    func() time.Time

	mu      sync.Mutex
	running bool
	done    chan struct{}
	runErr  error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an orchestrator over the given stages. Existing state at
// statePath is loaded so a resumed process skips completed stages; a
// missing or corrupt file starts fresh. Corrupt state is logged, not
// fatal: re-running idempotent stages is safer than refusing to boot.
func New(stages []Stage, statePath string, pub Publisher, opts ...Option) (*Orchestrator, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("orchestrator: no stages configured")
	}
	seen := make(map[string]bool, len(stages))
	for _, s := range stages {
		if s.Name == "" || s.Run == nil {
			return nil, fmt.Errorf("orchestrator: stage needs a name and a run func")
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("orchestrator: duplicate stage %q", s.Name)
		}
		seen[s.Name] = true
	}

	o := &Orchestrator{
		stages: stages,
		pub:    pub,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	state, resumed, err := loadState(statePath, stages, o.now)
	if err != nil {
		return nil, err
	}
	o.state = state
	if resumed {
		slog.Info("orchestrator state resumed",
			"path", statePath,
			"run_id", state.RunID,
			"completed", state.completedCount(),
		)
	}
	return o, nil
}

// Start launches the run in the background and returns immediately.
// Stages already COMPLETED in the loaded state are skipped. A stage
// left IN_PROGRESS by a crash is re-run. A stage marked FAILED is
// re-run too: resuming exists to get the system up, not to pin it on a
// past failure.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: already running")
	}
	o.running = true
	o.done = make(chan struct{})
	o.mu.Unlock()

	go o.run(ctx)
	return nil
}

// Wait blocks until the current run finishes and returns its error.
func (o *Orchestrator) Wait() error {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done == nil {
		return fmt.Errorf("orchestrator: not started")
	}
	<-done

	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runErr
}

// Status returns a copy of the per-stage state in declared order.
func (o *Orchestrator) Status() []StageState {
	return o.state.snapshot(o.stages)
}

func (o *Orchestrator) run(ctx context.Context) {
	defer func() {
		o.mu.Lock()
		o.running = false
		close(o.done)
		o.mu.Unlock()
	}()

	o.emit(ctx, TopicRunStarted, event.KindFact, map[string]any{
		"run_id": o.state.RunID,
		"stages": len(o.stages),
	})

	// A failed stage does not stop the run: the remaining stages still
	// get their shot, so every stage reaches a terminal status, and the
	// failures are reported together at the end.
	var failed []string
	var errs []error
	for _, stage := range o.stages {
		st := o.state.get(stage.Name)
		if st.Status == StatusCompleted {
			slog.Info("stage already completed, skipping", "stage", stage.Name)
			continue
		}

		if err := o.runStage(ctx, stage); err != nil {
			failed = append(failed, stage.Name)
			errs = append(errs, fmt.Errorf("stage %s: %w", stage.Name, err))
			if ctx.Err() != nil {
				// The run itself was cancelled; the remaining stages
				// would only fail the same way.
				break
			}
		}
	}

	if err := o.state.finish(o.now()); err != nil {
		slog.Error("state write failed while recording run end", "error", err)
	}

	if len(errs) > 0 {
		o.setRunErr(errors.Join(errs...))
		o.emit(ctx, TopicRunFailed, event.KindFact, map[string]any{
			"run_id":        o.state.RunID,
			"failed_stages": failed,
		})
		return
	}

	o.emit(ctx, TopicRunCompleted, event.KindFact, map[string]any{
		"run_id": o.state.RunID,
	})
	slog.Info("orchestrator run completed", "run_id", o.state.RunID)
}

func (o *Orchestrator) runStage(ctx context.Context, stage Stage) error {
	timeout := stage.Timeout
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}

	if err := o.state.transition(stage.Name, StatusInProgress, "", o.now()); err != nil {
		return err
	}
	o.emit(ctx, TopicStageStarted, event.KindFact, map[string]any{
		"run_id": o.state.RunID,
		"stage":  stage.Name,
	})
	slog.Info("stage started", "stage", stage.Name, "timeout", timeout)

	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The stage runs in its own goroutine so a stage that ignores its
	// context still fails at the deadline instead of whenever it gets
	// around to returning.
	result := make(chan error, 1)
	go func() {
		result <- stage.Run(stageCtx)
	}()

	var err error
	select {
	case err = <-result:
	case <-stageCtx.Done():
		err = stageCtx.Err()
	}
	timedOut := errors.Is(stageCtx.Err(), context.DeadlineExceeded)

	if err == nil && !timedOut {
		if serr := o.state.transition(stage.Name, StatusCompleted, "", o.now()); serr != nil {
			return serr
		}
		o.emit(ctx, TopicStageCompleted, event.KindFact, map[string]any{
			"run_id": o.state.RunID,
			"stage":  stage.Name,
		})
		slog.Info("stage completed", "stage", stage.Name)
		return nil
	}

	if err == nil {
		err = context.DeadlineExceeded
	}
	if serr := o.state.transition(stage.Name, StatusFailed, err.Error(), o.now()); serr != nil {
		slog.Error("state write failed while recording stage failure",
			"stage", stage.Name, "error", serr)
	}

	if timedOut {
		// A timeout is a health signal, not just a failure: the heal
		// channel lets recovery engines react to the stuck stage.
		o.emit(ctx, TopicStageTimeout, event.KindHeal, map[string]any{
			"run_id":  o.state.RunID,
			"stage":   stage.Name,
			"timeout": timeout.String(),
		})
	}
	o.emit(ctx, TopicStageFailed, event.KindFact, map[string]any{
		"run_id": o.state.RunID,
		"stage":  stage.Name,
		"error":  err.Error(),
	})
	slog.Error("stage failed", "stage", stage.Name, "error", err, "timed_out", timedOut)
	return err
}

func (o *Orchestrator) setRunErr(err error) {
	o.mu.Lock()
	o.runErr = err
	o.mu.Unlock()
}

// emit publishes a lifecycle event. Failures are logged and swallowed:
// the run's progress must not depend on observers being reachable.
func (o *Orchestrator) emit(ctx context.Context, topic string, kind event.Kind, payload map[string]any) {
	if o.pub == nil {
		return
	}
	if _, err := o.pub.Publish(ctx, bus.Publication{
		Topic:   topic,
		Source:  "deploy.orchestrator",
		Kind:    kind,
		Payload: payload,
	}); err != nil {
		slog.Warn("orchestrator event publish failed", "topic", topic, "error", err)
	}
}
