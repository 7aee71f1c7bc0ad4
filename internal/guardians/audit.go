package guardians

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/bridgecore/genesis/internal/event"
)

// AuditEntry is one append-only record of a gate decision. Every
// decision, allow or block, produces exactly one entry.
type AuditEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"ts"`
	Topic     string    `json:"topic"`
	Source    string    `json:"source"`
	EventID   string    `json:"event_id"`
	Allowed   bool      `json:"allowed"`
	Rule      string    `json:"rule,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// AuditLog writes structured JSON decision records to a Writer, one per
// line. Appending is the gate's only side effect.
type AuditLog struct {
	mu  sync.Mutex
	w   io.Writer
	ids event.IDGenerator
	now func() time.Time
}

// AuditOption configures an AuditLog.
type AuditOption func(*AuditLog)

// WithAuditClock overrides the time source. Used for golden tests.
func WithAuditClock(now func() time.Time) AuditOption {
	return func(l *AuditLog) {
		l.now = now
	}
}

// WithAuditIDs overrides the entry ID generator. Used for golden tests.
func WithAuditIDs(ids event.IDGenerator) AuditOption {
	return func(l *AuditLog) {
		l.ids = ids
	}
}

// NewAuditLog creates an audit log writing to w.
// A nil writer falls back to os.Stdout.
func NewAuditLog(w io.Writer, opts ...AuditOption) *AuditLog {
	if w == nil {
		w = os.Stdout
	}
	l := &AuditLog{
		w:   w,
		ids: event.UUIDv7Generator{},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records a decision. ID and Timestamp are filled in here so
// callers only describe the decision itself.
func (l *AuditLog) Append(entry AuditEntry) error {
	entry.ID = l.ids.NewID()
	entry.Timestamp = l.now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if _, err := l.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}
