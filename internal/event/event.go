// Package event defines the Genesis event contract: the immutable event
// record, the structured four-segment topic namespace, and the registry
// that validates topics and kinds at the bus boundary.
package event

import (
	"time"
)

// Kind classifies an event's intent. The set is fixed; topics are
// registered with the subset of kinds they accept.
type Kind string

const (
	KindIntent  Kind = "intent"
	KindHeal    Kind = "heal"
	KindFact    Kind = "fact"
	KindAudit   Kind = "audit"
	KindMetric  Kind = "metric"
	KindControl Kind = "control"
)

// Kinds lists every valid kind in a stable order.
var Kinds = []Kind{KindIntent, KindHeal, KindFact, KindAudit, KindMetric, KindControl}

// Valid reports whether k is one of the six fixed kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindIntent, KindHeal, KindFact, KindAudit, KindMetric, KindControl:
		return true
	}
	return false
}

// DefaultSchemaVersion is the schema version stamped on events whose
// publisher did not supply one.
const DefaultSchemaVersion = "genesis.event.v1"

// Event is an immutable record flowing through the bus.
//
// ID is globally unique and generated at publish time. Watermark is zero
// until the store accepts the event; once assigned it is the event's
// logical position and never changes.
//
// CorrelationID links events belonging to one logical operation.
// CausationID names the event that caused this one; following causation
// IDs backwards yields the causal chain bounded by the guardians gate.
type Event struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"ts"`
	Topic         string         `json:"topic"`
	Source        string         `json:"source"`
	Kind          Kind           `json:"kind"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
	SchemaVersion string         `json:"schema_version"`
	Payload       map[string]any `json:"payload"`
	DedupeKey     string         `json:"dedupe_key,omitempty"`

	// Watermark is assigned exactly once by the store when the event is
	// accepted. Zero means "not yet persisted".
	Watermark int64 `json:"watermark,omitempty"`

	// Replay marks an event re-emitted by the replay engine. It is never
	// persisted; handlers performing external side effects can use it to
	// skip or re-verify.
	Replay bool `json:"-"`
}
