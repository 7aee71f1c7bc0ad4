// Package guardians implements the safety gate consulted by the event
// bus before persistence and dispatch. The gate is a policy function
// over the event and the gate's own counters; its only side effect is
// the append-only audit log.
package guardians

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/bridgecore/genesis/internal/event"
)

// BypassPayloadKey is the payload field a publisher sets to a configured
// bypass key to override the destructive-pattern denylist.
const BypassPayloadKey = "_bypass_key"

// Rule names used in decisions, audit entries, and block counters.
const (
	RuleBypass      = "bypass"
	RuleDestructive = "destructive_pattern"
	RuleCausation   = "causation_depth"
	RuleRateLimit   = "rate_limit"
	RulePayload     = "payload_heuristics"
	RuleNamespace   = "namespace_authorization"
)

// Defaults for Config zero values.
const (
	DefaultRateLimitPerTopicPerMinute = 100
	DefaultMaxCausationDepth          = 10
)

// rateWindow is the sliding window for the per-topic rate limit.
const rateWindow = time.Minute

// causationCacheSize bounds the in-memory causal-depth index. Chains
// older than the cache restart at depth 1, which fails open rather than
// blocking legitimate traffic after long uptimes.
const causationCacheSize = 4096

// DefaultDenyPatterns is the destructive-topic denylist applied when the
// configuration supplies none.
var DefaultDenyPatterns = []string{
	"*.delete.all",
	"*.destroy.*",
	"*.purge.*",
	"*.wipe.*",
}

// Config holds the recognized gate options.
type Config struct {
	// StrictMode enables the payload injection heuristics.
	StrictMode bool `yaml:"strict_mode"`

	// RateLimitPerTopicPerMinute caps accepted events per topic inside a
	// sliding 60-second window. 0 means the default (100).
	RateLimitPerTopicPerMinute int `yaml:"rate_limit_per_topic_per_minute"`

	// MaxCausationDepth bounds the causal chain length, counting the
	// candidate event itself. 0 means the default (10).
	MaxCausationDepth int `yaml:"max_causation_depth"`

	// BypassKeys are accepted values of the _bypass_key payload field.
	BypassKeys []string `yaml:"bypass_keys"`

	// DenyPatterns are glob-like destructive topic patterns ('*' matches
	// any run of characters). Empty means DefaultDenyPatterns.
	DenyPatterns []string `yaml:"deny_patterns"`

	// SourceNamespaces allowlists namespaces per publisher. A source
	// with an entry may only publish into topics whose namespace prefix
	// appears in its list; sources without an entry are unrestricted.
	SourceNamespaces map[string][]string `yaml:"source_namespaces"`
}

// Decision is the gate's verdict on one event. Rule is empty for plain
// allows, RuleBypass for bypassed allows, and names the failing check
// for blocks.
type Decision struct {
	Allowed bool
	Rule    string
	Reason  string
}

// Stats is the read-only counter snapshot exposed to introspection.
type Stats struct {
	Allowed       int64            `json:"allowed"`
	Blocked       int64            `json:"blocked"`
	BlockedByRule map[string]int64 `json:"blocked_by_rule"`
	TrackedTopics int              `json:"tracked_topics"`
}

// Gate evaluates policy for candidate events.
//
// Checks run in a fixed order and the first failure short-circuits:
// destructive pattern, causation depth, rate limit, payload heuristics
// (strict mode only), namespace authorization. A valid bypass key skips
// the destructive-pattern check only.
//
// The causation check keeps its own bounded in-memory index of event
// depths so it never touches storage; both it and the rate limiter are
// synchronous and I/O free.
type Gate struct {
	cfg    Config
	deny   []*regexp.Regexp
	bypass map[string]bool

	limiter *rateLimiter
	audit   *AuditLog

	mu        sync.Mutex
	depths    map[string]int
	depthFIFO []string
	allowed   int64
	blocked   int64
	byRule    map[string]int64
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateClock overrides the rate limiter's time source for tests.
func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		g.limiter.now = now
	}
}

// New creates a gate with the given configuration, auditing every
// decision to audit. Zero-valued config fields take the documented
// defaults.
func New(cfg Config, audit *AuditLog, opts ...GateOption) (*Gate, error) {
	if cfg.RateLimitPerTopicPerMinute <= 0 {
		cfg.RateLimitPerTopicPerMinute = DefaultRateLimitPerTopicPerMinute
	}
	if cfg.MaxCausationDepth <= 0 {
		cfg.MaxCausationDepth = DefaultMaxCausationDepth
	}
	if len(cfg.DenyPatterns) == 0 {
		cfg.DenyPatterns = DefaultDenyPatterns
	}

	deny := make([]*regexp.Regexp, 0, len(cfg.DenyPatterns))
	for _, pattern := range cfg.DenyPatterns {
		re, err := compileDenyPattern(pattern)
		if err != nil {
			return nil, fmt.Errorf("guardians: deny pattern %q: %w", pattern, err)
		}
		deny = append(deny, re)
	}

	bypass := make(map[string]bool, len(cfg.BypassKeys))
	for _, key := range cfg.BypassKeys {
		bypass[key] = true
	}

	g := &Gate{
		cfg:     cfg,
		deny:    deny,
		bypass:  bypass,
		limiter: newRateLimiter(cfg.RateLimitPerTopicPerMinute, rateWindow, time.Now),
		audit:   audit,
		depths:  make(map[string]int),
		byRule:  make(map[string]int64),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Allow evaluates the gate checks for ev and records the decision to the
// audit log and the block counters. It never mutates the event.
func (g *Gate) Allow(ev *event.Event) Decision {
	d := g.evaluate(ev)
	g.record(ev, d)
	return d
}

func (g *Gate) evaluate(ev *event.Event) Decision {
	bypassed := g.hasBypassKey(ev)

	// 1. Destructive pattern denylist. Blocked unconditionally unless a
	// configured bypass key accompanies the event.
	if !bypassed {
		for i, re := range g.deny {
			if re.MatchString(ev.Topic) {
				return Decision{
					Rule:   RuleDestructive,
					Reason: fmt.Sprintf("topic matches destructive pattern %q", g.cfg.DenyPatterns[i]),
				}
			}
		}
	}

	// 2. Causation depth. Bounds handlers reacting to their own output.
	depth := g.chainDepth(ev)
	if depth > g.cfg.MaxCausationDepth {
		return Decision{
			Rule:   RuleCausation,
			Reason: fmt.Sprintf("causation chain depth %d exceeds limit %d", depth, g.cfg.MaxCausationDepth),
		}
	}

	// 3. Sliding-window rate limit per topic. The hit is rolled back if
	// a later check blocks the event: only accepted events consume
	// window capacity.
	if !g.limiter.allow(ev.Topic) {
		return Decision{
			Rule:   RuleRateLimit,
			Reason: fmt.Sprintf("rate limit exceeded for topic %s (%d/min)", ev.Topic, g.cfg.RateLimitPerTopicPerMinute),
		}
	}

	// 4. Payload injection heuristics (strict mode only).
	if g.cfg.StrictMode {
		if fragment := suspiciousFragment(ev.Payload); fragment != "" {
			g.limiter.forget(ev.Topic)
			return Decision{
				Rule:   RulePayload,
				Reason: fmt.Sprintf("payload contains suspicious fragment %q", fragment),
			}
		}
	}

	// 5. Namespace authorization for allowlisted sources.
	if reason := g.namespaceViolation(ev); reason != "" {
		g.limiter.forget(ev.Topic)
		return Decision{Rule: RuleNamespace, Reason: reason}
	}

	if bypassed {
		return Decision{Allowed: true, Rule: RuleBypass}
	}
	return Decision{Allowed: true}
}

// record updates counters, remembers the causal depth of allowed events,
// and appends the audit entry.
func (g *Gate) record(ev *event.Event, d Decision) {
	g.mu.Lock()
	if d.Allowed {
		g.allowed++
		g.rememberDepthLocked(ev)
	} else {
		g.blocked++
		g.byRule[d.Rule]++
	}
	g.mu.Unlock()

	if g.audit == nil {
		return
	}
	if err := g.audit.Append(AuditEntry{
		Topic:   ev.Topic,
		Source:  ev.Source,
		EventID: ev.ID,
		Allowed: d.Allowed,
		Rule:    d.Rule,
		Reason:  d.Reason,
	}); err != nil {
		slog.Error("audit append failed", "error", err, "event_id", ev.ID, "topic", ev.Topic)
	}
}

// chainDepth returns the causal chain length counting ev itself. Events
// whose cause is unknown to the depth index start a new chain.
func (g *Gate) chainDepth(ev *event.Event) int {
	if ev.CausationID == "" {
		return 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.depths[ev.CausationID] + 1
}

// rememberDepthLocked stores ev's chain depth for future children,
// evicting the oldest entries beyond causationCacheSize.
// Caller must hold g.mu.
func (g *Gate) rememberDepthLocked(ev *event.Event) {
	depth := 1
	if ev.CausationID != "" {
		depth = g.depths[ev.CausationID] + 1
	}
	if _, seen := g.depths[ev.ID]; !seen {
		g.depthFIFO = append(g.depthFIFO, ev.ID)
	}
	g.depths[ev.ID] = depth

	for len(g.depthFIFO) > causationCacheSize {
		oldest := g.depthFIFO[0]
		g.depthFIFO = g.depthFIFO[1:]
		delete(g.depths, oldest)
	}
}

func (g *Gate) hasBypassKey(ev *event.Event) bool {
	if len(g.bypass) == 0 || ev.Payload == nil {
		return false
	}
	key, ok := ev.Payload[BypassPayloadKey].(string)
	return ok && g.bypass[key]
}

// namespaceViolation checks the per-source namespace allowlist. Sources
// without an entry are unrestricted; an entry restricts the source to
// topics whose dotted prefix matches one of the listed namespaces.
func (g *Gate) namespaceViolation(ev *event.Event) string {
	allowed, restricted := g.cfg.SourceNamespaces[ev.Source]
	if !restricted {
		return ""
	}
	for _, ns := range allowed {
		if ev.Topic == ns || strings.HasPrefix(ev.Topic, ns+".") {
			return ""
		}
	}
	return fmt.Sprintf("source %q is not allowlisted for namespace of topic %s", ev.Source, ev.Topic)
}

// Stats returns a snapshot of the gate's counters.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	byRule := make(map[string]int64, len(g.byRule))
	for rule, n := range g.byRule {
		byRule[rule] = n
	}
	return Stats{
		Allowed:       g.allowed,
		Blocked:       g.blocked,
		BlockedByRule: byRule,
		TrackedTopics: g.limiter.trackedTopics(),
	}
}

// compileDenyPattern converts a glob-like denylist pattern to a regexp:
// '*' matches any run of characters, everything else is literal, and the
// match is anchored at both ends.
func compileDenyPattern(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(pattern, "*")
	var b strings.Builder
	b.WriteString("^")
	for i, part := range parts {
		if i > 0 {
			b.WriteString(".*")
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// sqlFragments and scriptFragments are scanned for in normalized payload
// strings when strict mode is on.
var sqlFragments = []string{
	"drop table",
	"delete from",
	"truncate",
	"; drop",
	"' or '1'='1",
	"exec(",
	"execute(",
}

var scriptFragments = []string{
	"<script",
	"javascript:",
	"onerror=",
	"onclick=",
}

// suspiciousFragment scans every string value in the payload (including
// nested maps and slices) for injection-style fragments. Strings are NFC
// normalized and lowercased first so composed/decomposed unicode forms
// and case tricks cannot slip past the byte-level match.
func suspiciousFragment(payload map[string]any) string {
	var found string
	walkStrings(payload, func(s string) bool {
		normalized := strings.ToLower(norm.NFC.String(s))
		for _, fragment := range sqlFragments {
			if strings.Contains(normalized, fragment) {
				found = fragment
				return false
			}
		}
		for _, fragment := range scriptFragments {
			if strings.Contains(normalized, fragment) {
				found = fragment
				return false
			}
		}
		return true
	})
	return found
}

// walkStrings visits every string in a nested payload value. The visitor
// returns false to stop early.
func walkStrings(v any, visit func(string) bool) bool {
	switch val := v.(type) {
	case string:
		return visit(val)
	case map[string]any:
		for key, elem := range val {
			if !visit(key) || !walkStrings(elem, visit) {
				return false
			}
		}
	case []any:
		for _, elem := range val {
			if !walkStrings(elem, visit) {
				return false
			}
		}
	}
	return true
}
