package event

import (
	"fmt"
	"strings"
)

// Topic is the parsed form of a four-segment dotted topic string:
// area.component.domain.verb. Topics are parsed once at the boundary and
// used structurally; String() serializes for storage and logging.
type Topic struct {
	Area      string
	Component string
	Domain    string
	Verb      string
}

// ParseTopic parses and validates a topic string against the namespace
// grammar. Each of the four segments must be non-empty and consist of
// lowercase letters, digits, '_' or '-'.
func ParseTopic(s string) (Topic, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return Topic{}, fmt.Errorf("topic %q: want 4 segments (area.component.domain.verb), got %d", s, len(parts))
	}
	for i, part := range parts {
		if err := validateSegment(part); err != nil {
			return Topic{}, fmt.Errorf("topic %q: segment %d: %w", s, i+1, err)
		}
	}
	return Topic{
		Area:      parts[0],
		Component: parts[1],
		Domain:    parts[2],
		Verb:      parts[3],
	}, nil
}

// String serializes the topic back to its dotted form.
func (t Topic) String() string {
	return t.Area + "." + t.Component + "." + t.Domain + "." + t.Verb
}

// Namespace returns the registration key for the topic: the first two
// segments ("area.component"). Kind acceptance and publisher
// authorization are scoped at this level.
func (t Topic) Namespace() string {
	return t.Area + "." + t.Component
}

func validateSegment(s string) error {
	if s == "" {
		return fmt.Errorf("empty segment")
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return fmt.Errorf("invalid character %q", r)
		}
	}
	return nil
}

// MatchPattern reports whether topic matches pattern.
//
// Two pattern forms are supported:
//   - exact: "engine.truth.fact.created" matches only itself
//   - prefix wildcard: "engine.truth%" matches any topic beginning with
//     "engine.truth"
func MatchPattern(pattern, topic string) bool {
	if rest, ok := strings.CutSuffix(pattern, "%"); ok {
		return strings.HasPrefix(topic, rest)
	}
	return pattern == topic
}
