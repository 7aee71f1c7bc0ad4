package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgecore/genesis/internal/event"
)

const sampleYAML = `
store:
  backend: sqlite
  path: /var/lib/genesis/events.db
  dedupe_ttl_seconds: 3600

guardians:
  strict_mode: true
  rate_limit_per_topic_per_minute: 50
  max_causation_depth: 8
  bypass_keys: ["break-glass-1"]
  deny_patterns: ["*.delete.all", "*.wipe.*"]
  source_namespaces:
    engine.truth: ["engine.truth"]
  audit_path: /var/log/genesis/audit.jsonl

orchestrator:
  state_path: /var/lib/genesis/orchestrator.json
  max_stage_runtime_seconds: 120
  resume_on_boot: true

topics:
  engine.truth: [fact, metric]
  deploy.orchestrator: [fact, control]
  heal.orchestrator: [heal]
  security.guardians: [audit]

schemas:
  - genesis.event.v2
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "/var/lib/genesis/events.db", cfg.Store.Path)
	assert.Equal(t, time.Hour, cfg.Store.DedupeTTL())

	assert.True(t, cfg.Guardians.StrictMode)
	assert.Equal(t, 50, cfg.Guardians.RateLimitPerTopicPerMinute)
	assert.Equal(t, 8, cfg.Guardians.MaxCausationDepth)
	assert.Equal(t, []string{"break-glass-1"}, cfg.Guardians.BypassKeys)
	assert.Equal(t, "/var/log/genesis/audit.jsonl", cfg.Guardians.AuditPath)
	assert.Equal(t, []string{"engine.truth"}, cfg.Guardians.SourceNamespaces["engine.truth"])

	assert.Equal(t, "/var/lib/genesis/orchestrator.json", cfg.Orchestrator.StatePath)
	assert.Equal(t, 2*time.Minute, cfg.Orchestrator.StageTimeout())
	assert.True(t, cfg.Orchestrator.ResumeOnBoot)

	assert.Equal(t, []string{"fact", "metric"}, cfg.Topics["engine.truth"])
}

func TestParse_RejectsUnknownBackend(t *testing.T) {
	_, err := Parse([]byte("store:\n  backend: postgres\ntopics: {}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema violation")
}

func TestParse_RejectsUnknownKind(t *testing.T) {
	bad := `
store:
  backend: memory
topics:
  engine.truth: [gossip]
`
	_, err := Parse([]byte(bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema violation")
}

func TestParse_RejectsNegativeTTL(t *testing.T) {
	bad := `
store:
  backend: memory
  dedupe_ttl_seconds: -5
topics: {}
`
	_, err := Parse([]byte(bad))
	assert.Error(t, err)
}

func TestParse_MissingTopicsFallsBackToDefaults(t *testing.T) {
	cfg, err := Parse([]byte("store:\n  backend: memory\n"))
	require.NoError(t, err)
	assert.Equal(t, Default().Topics, cfg.Topics)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("store: [unclosed"))
	assert.Error(t, err)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genesis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Backend)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBuildRegistry(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	reg, err := cfg.BuildRegistry()
	require.NoError(t, err)

	assert.Equal(t,
		[]string{"deploy.orchestrator", "engine.truth", "heal.orchestrator", "security.guardians"},
		reg.Namespaces())

	// The extra schema version from the config is accepted.
	ev := event.Event{
		Topic:         "engine.truth.snapshot.created",
		Source:        "engine.truth",
		Kind:          event.KindFact,
		SchemaVersion: "genesis.event.v2",
		Payload:       map[string]any{},
	}
	assert.NoError(t, reg.Validate(&ev))
}

func TestBuildRegistry_RejectsBadKind(t *testing.T) {
	cfg := Default()
	cfg.Topics = map[string][]string{"engine.truth": {"gossip"}}
	_, err := cfg.BuildRegistry()
	assert.Error(t, err)
}

func TestDefault_IsUsableAsIs(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.True(t, cfg.Orchestrator.ResumeOnBoot)

	reg, err := cfg.BuildRegistry()
	require.NoError(t, err)
	assert.NotEmpty(t, reg.Namespaces())
}
