package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StageState is the persisted record for one stage.
type StageState struct {
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
}

// stateFile is the on-disk run record. Every transition rewrites the
// whole file via temp-file-and-rename so a crash mid-write leaves the
// previous consistent state in place.
type stateFile struct {
	mu   sync.Mutex
	path string
	now  func() time.Time

	RunID       string                 `json:"run_id"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
	Stages      map[string]*StageState `json:"stages"`
}

// loadState reads existing state from path, or creates a fresh run when
// the file is missing or unreadable. The second return reports whether
// prior state was resumed.
func loadState(path string, stages []Stage, now func() time.Time) (*stateFile, bool, error) {
	if path == "" {
		return nil, false, fmt.Errorf("orchestrator: state path is required")
	}

	st := &stateFile{
		path: path,
		now:  now,
	}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// First run.
	case err != nil:
		return nil, false, fmt.Errorf("read orchestrator state %s: %w", path, err)
	default:
		if uerr := json.Unmarshal(raw, st); uerr != nil {
			// Stages are written to be idempotent, so starting over is
			// safer than refusing to boot on a torn file.
			slog.Warn("orchestrator state unreadable, starting fresh",
				"path", path, "error", uerr)
		} else if st.RunID != "" {
			// The resumed run is live again; finish restamps this when
			// the new run ends.
			st.CompletedAt = nil
			st.fillMissing(stages)
			return st, true, nil
		}
	}

	st.RunID = uuid.Must(uuid.NewV7()).String()
	st.StartedAt = now().UTC()
	st.UpdatedAt = st.StartedAt
	st.Stages = make(map[string]*StageState, len(stages))
	st.fillMissing(stages)
	if err := st.persistLocked(); err != nil {
		return nil, false, err
	}
	return st, false, nil
}

// fillMissing ensures every configured stage has an entry; stages added
// since the last run start as PENDING.
func (s *stateFile) fillMissing(stages []Stage) {
	if s.Stages == nil {
		s.Stages = make(map[string]*StageState, len(stages))
	}
	for _, stage := range stages {
		if _, ok := s.Stages[stage.Name]; !ok {
			s.Stages[stage.Name] = &StageState{Name: stage.Name, Status: StatusPending}
		}
	}
}

// get returns a copy of one stage's state.
func (s *stateFile) get(name string) StageState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.Stages[name]; ok {
		return *st
	}
	return StageState{Name: name, Status: StatusPending}
}

// transition moves a stage to a new status and persists the file before
// returning, so the on-disk record never lags the in-memory one.
func (s *stateFile) transition(name, status, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.Stages[name]
	if !ok {
		st = &StageState{Name: name}
		s.Stages[name] = st
	}

	at = at.UTC()
	st.Status = status
	st.Error = errMsg
	switch status {
	case StatusInProgress:
		st.StartedAt = &at
		st.CompletedAt = nil
		st.Attempts++
	case StatusCompleted, StatusFailed:
		st.CompletedAt = &at
	}
	s.UpdatedAt = at

	return s.persistLocked()
}

// finish stamps the run's end and persists it. The stamp is written
// whether or not every stage completed: it records that the run is
// over, the stage entries say how it went.
func (s *stateFile) finish(at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	at = at.UTC()
	s.CompletedAt = &at
	s.UpdatedAt = at
	return s.persistLocked()
}

// persistLocked writes the state atomically. Callers hold s.mu.
func (s *stateFile) persistLocked() error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal orchestrator state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file %s: %w", s.path, err)
	}
	return nil
}

// snapshot returns stage states in declared order.
func (s *stateFile) snapshot(stages []Stage) []StageState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]StageState, 0, len(stages))
	for _, stage := range stages {
		if st, ok := s.Stages[stage.Name]; ok {
			out = append(out, *st)
		} else {
			out = append(out, StageState{Name: stage.Name, Status: StatusPending})
		}
	}
	return out
}

func (s *stateFile) completedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, st := range s.Stages {
		if st.Status == StatusCompleted {
			n++
		}
	}
	return n
}
