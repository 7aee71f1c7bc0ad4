package event

import (
	"errors"
	"fmt"
	"sort"
)

// ValidationError describes exactly which contract rule an event failed.
// It is returned (never panicked) so the bus can surface it to the
// publisher before any side effect.
type ValidationError struct {
	Field   string // "topic", "kind", "payload", "schema_version"
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Message)
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Registry maps topic namespaces ("area.component") to the kinds they
// accept, and tracks the supported schema versions. The registry is built
// once at startup and treated as read-only afterwards; it is safe for
// concurrent readers as long as no Register call races a Validate call.
type Registry struct {
	namespaces map[string]map[Kind]bool
	schemas    map[string]bool
}

// NewRegistry creates a registry that supports DefaultSchemaVersion and
// has no namespaces registered.
func NewRegistry() *Registry {
	return &Registry{
		namespaces: make(map[string]map[Kind]bool),
		schemas:    map[string]bool{DefaultSchemaVersion: true},
	}
}

// Register declares a namespace and the kinds it accepts. Registering the
// same namespace again merges the kind sets.
func (r *Registry) Register(namespace string, kinds ...Kind) error {
	if _, err := ParseTopic(namespace + ".x.x"); err != nil {
		return fmt.Errorf("register namespace %q: %w", namespace, err)
	}
	set, ok := r.namespaces[namespace]
	if !ok {
		set = make(map[Kind]bool, len(kinds))
		r.namespaces[namespace] = set
	}
	for _, k := range kinds {
		if !k.Valid() {
			return fmt.Errorf("register namespace %q: unknown kind %q", namespace, k)
		}
		set[k] = true
	}
	return nil
}

// RegisterSchema adds a supported schema version.
func (r *Registry) RegisterSchema(version string) {
	r.schemas[version] = true
}

// Namespaces returns the registered namespaces in sorted order.
func (r *Registry) Namespaces() []string {
	out := make([]string, 0, len(r.namespaces))
	for ns := range r.namespaces {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Validate checks an event against the contract. It returns a
// *ValidationError describing the first failing rule, or nil.
//
// Rules, in order: topic grammar, kind membership, kind registered for
// the topic's namespace, payload presence, supported schema version.
func (r *Registry) Validate(ev *Event) error {
	topic, err := ParseTopic(ev.Topic)
	if err != nil {
		return &ValidationError{Field: "topic", Message: err.Error()}
	}

	if !ev.Kind.Valid() {
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", ev.Kind)}
	}

	kinds, ok := r.namespaces[topic.Namespace()]
	if !ok {
		return &ValidationError{
			Field:   "topic",
			Message: fmt.Sprintf("namespace %q is not registered", topic.Namespace()),
		}
	}
	if !kinds[ev.Kind] {
		return &ValidationError{
			Field:   "kind",
			Message: fmt.Sprintf("namespace %q does not accept kind %q", topic.Namespace(), ev.Kind),
		}
	}

	if ev.Payload == nil {
		return &ValidationError{Field: "payload", Message: "payload is required (may be empty, not nil)"}
	}

	if !r.schemas[ev.SchemaVersion] {
		return &ValidationError{
			Field:   "schema_version",
			Message: fmt.Sprintf("unsupported schema version %q", ev.SchemaVersion),
		}
	}

	return nil
}
