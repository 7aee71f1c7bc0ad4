// Package config loads and validates the genesis runtime configuration.
// Configuration is YAML on disk; the decoded document is unified against
// an embedded CUE schema before any component sees it, so a typo in a
// backend name or a kind list fails at boot with a positioned error
// instead of surfacing later as odd runtime behavior.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/bridgecore/genesis/internal/event"
	"github.com/bridgecore/genesis/internal/guardians"
)

//go:embed schema.cue
var schemaSource string

// StoreConfig selects and tunes the persistence backend.
type StoreConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `yaml:"backend"`

	// Path is the SQLite database file. Ignored by the memory backend.
	Path string `yaml:"path"`

	// DedupeTTLSeconds overrides the dedupe retention window. Zero keeps
	// the store default of 24 hours.
	DedupeTTLSeconds int `yaml:"dedupe_ttl_seconds"`
}

// GuardiansConfig extends the gate's own config with loader-level knobs.
type GuardiansConfig struct {
	guardians.Config `yaml:",inline"`

	// AuditPath is the JSON-lines audit log file. Empty writes to stdout.
	AuditPath string `yaml:"audit_path"`
}

// OrchestratorConfig tunes the startup stage runner.
type OrchestratorConfig struct {
	StatePath              string `yaml:"state_path"`
	MaxStageRuntimeSeconds int    `yaml:"max_stage_runtime_seconds"`
	ResumeOnBoot           bool   `yaml:"resume_on_boot"`
}

// Config is the full runtime configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store"`
	Guardians    GuardiansConfig    `yaml:"guardians"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`

	// Topics maps registered namespaces to the event kinds they accept.
	Topics map[string][]string `yaml:"topics"`

	// Schemas lists additional accepted schema versions beyond the
	// built-in default.
	Schemas []string `yaml:"schemas"`
}

// Default returns the configuration used when no file is given: a
// memory store, default gate limits, and the core namespaces.
func Default() Config {
	return Config{
		Store: StoreConfig{Backend: "memory"},
		Orchestrator: OrchestratorConfig{
			StatePath:    "genesis-orchestrator.json",
			ResumeOnBoot: true,
		},
		Topics: map[string][]string{
			"deploy.orchestrator": {"fact", "control"},
			"heal.orchestrator":   {"heal"},
			"security.guardians":  {"audit"},
		},
	}
}

// Load reads, decodes, and schema-checks a YAML configuration file.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes YAML bytes and validates them against the embedded CUE
// schema.
func Parse(raw []byte) (Config, error) {
	// Decode once into a generic document for schema checking, once into
	// the typed struct the runtime uses. Validating the generic form
	// catches unknown or mistyped fields the struct decode would drop.
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, fmt.Errorf("parse config yaml: %w", err)
	}
	if err := validateSchema(doc); err != nil {
		return Config{}, err
	}

	cfg := Default()
	cfg.Topics = nil
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Topics == nil {
		cfg.Topics = Default().Topics
	}
	return cfg, nil
}

// validateSchema unifies the decoded document with the embedded CUE
// schema and reports the first violation.
func validateSchema(doc map[string]any) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	value := ctx.Encode(doc)
	if err := value.Err(); err != nil {
		return fmt.Errorf("encode config for validation: %w", err)
	}

	unified := schema.Unify(value)
	if err := unified.Validate(); err != nil {
		return fmt.Errorf("config schema violation: %w", err)
	}
	return nil
}

// DedupeTTL converts the configured retention window, or zero when the
// store default should apply.
func (c StoreConfig) DedupeTTL() time.Duration {
	return time.Duration(c.DedupeTTLSeconds) * time.Second
}

// StageTimeout converts the configured per-stage runtime cap, or zero
// when the orchestrator default should apply.
func (c OrchestratorConfig) StageTimeout() time.Duration {
	return time.Duration(c.MaxStageRuntimeSeconds) * time.Second
}

// BuildRegistry constructs the topic contract registry from the
// configured namespaces, kinds, and extra schema versions.
func (c Config) BuildRegistry() (*event.Registry, error) {
	reg := event.NewRegistry()
	for ns, kindNames := range c.Topics {
		kinds := make([]event.Kind, 0, len(kindNames))
		for _, name := range kindNames {
			k := event.Kind(name)
			if !k.Valid() {
				return nil, fmt.Errorf("namespace %s: unknown event kind %q", ns, name)
			}
			kinds = append(kinds, k)
		}
		if err := reg.Register(ns, kinds...); err != nil {
			return nil, fmt.Errorf("register namespace %s: %w", ns, err)
		}
	}
	for _, schema := range c.Schemas {
		reg.RegisterSchema(schema)
	}
	return reg, nil
}
