package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTopic_Valid(t *testing.T) {
	topic, err := ParseTopic("engine.truth.snapshot.created")
	require.NoError(t, err)

	assert.Equal(t, "engine", topic.Area)
	assert.Equal(t, "truth", topic.Component)
	assert.Equal(t, "snapshot", topic.Domain)
	assert.Equal(t, "created", topic.Verb)
	assert.Equal(t, "engine.truth.snapshot.created", topic.String())
	assert.Equal(t, "engine.truth", topic.Namespace())
}

func TestParseTopic_SegmentCharacters(t *testing.T) {
	_, err := ParseTopic("deploy.orchestrator_v2.stage-1.started")
	assert.NoError(t, err)
}

func TestParseTopic_Invalid(t *testing.T) {
	cases := []struct {
		name  string
		topic string
	}{
		{"too few segments", "engine.truth.created"},
		{"too many segments", "engine.truth.snapshot.created.extra"},
		{"empty segment", "engine..snapshot.created"},
		{"uppercase", "Engine.truth.snapshot.created"},
		{"space", "engine.truth.snap shot.created"},
		{"empty string", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseTopic(tc.topic)
			assert.Error(t, err)
		})
	}
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"engine.truth.snapshot.created", "engine.truth.snapshot.created", true},
		{"engine.truth.snapshot.created", "engine.truth.snapshot.deleted", false},
		{"engine.truth.%", "engine.truth.snapshot.created", true},
		{"engine.truth.%", "engine.health.snapshot.created", false},
		{"engine.%", "engine.truth.snapshot.created", true},
		{"%", "engine.truth.snapshot.created", true},
		{"", "engine.truth.snapshot.created", false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchPattern(tc.pattern, tc.topic),
			"pattern %q vs topic %q", tc.pattern, tc.topic)
	}
}
