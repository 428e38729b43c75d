// Package breaker implements the Circuit Breaker (C5): stuck-loop detection
// over a per-agent stream of tool invocations. Its shape (Config, Execute-style
// check-before-dispatch, Stats, Registry) is grounded on internal/infra's
// failure-threshold circuit breaker, but the trip semantics are entirely
// different: this breaker detects *repetition*, not upstream failure.
package breaker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Config configures one agent's breaker instance.
type Config struct {
	// SameParamsThreshold trips when the same (tool, digest) repeats this
	// many times in a row for a non-exempt tool. Default 3.
	SameParamsThreshold int
	// SameParamsThresholdExempt is the same rule for exempt tools. Default 10.
	SameParamsThresholdExempt int

	// SameToolThreshold trips on a same-tool streak (varying params) for a
	// non-exempt tool. Default 15.
	SameToolThreshold int
	// SameToolThresholdExempt is the same rule for exempt tools. Default 50.
	SameToolThresholdExempt int

	// WindowFrequencyThreshold trips when a (tool, digest) pair recurs this
	// many times within WindowDuration, excluding exempt tools. Default 3.
	WindowFrequencyThreshold int
	// WindowDuration is the rolling window for the frequency rule. Default 30s.
	WindowDuration time.Duration

	// ExemptTools are tool names known to legitimately repeat. Defaults
	// merge with the caller-supplied set rather than replacing it.
	ExemptTools []string
}

var defaultExemptTools = []string{
	"web_search", "read_file", "orpar_observe", "orpar_reason", "orpar_plan",
	"orpar_act", "orpar_reflect", "task_create", "messaging_send",
}

func (c *Config) applyDefaults() {
	if c.SameParamsThreshold <= 0 {
		c.SameParamsThreshold = 3
	}
	if c.SameParamsThresholdExempt <= 0 {
		c.SameParamsThresholdExempt = 10
	}
	if c.SameToolThreshold <= 0 {
		c.SameToolThreshold = 15
	}
	if c.SameToolThresholdExempt <= 0 {
		c.SameToolThresholdExempt = 50
	}
	if c.WindowFrequencyThreshold <= 0 {
		c.WindowFrequencyThreshold = 3
	}
	if c.WindowDuration <= 0 {
		c.WindowDuration = 30 * time.Second
	}
}

// call is one recorded invocation, kept in a bounded ring for the window
// frequency rule.
type call struct {
	toolName string
	digest   string
	at       time.Time
}

// Breaker tracks stuck-loop state for a single agent. Single-writer: all
// mutating calls must come from the agent's owning goroutine.
type Breaker struct {
	mu sync.Mutex

	config      Config
	exempt      map[string]bool
	recent      []call // bounded ring, oldest first
	maxRecent   int

	consecutiveSameTool   int
	consecutiveSameParams int
	lastToolName          string
	lastParamsDigest      string

	stuckDetections int // P5: monotonically increasing, never reset
}

// New creates a Breaker, merging config.ExemptTools with the built-in
// defaults (web, filesystem-read, task-create, messaging, ORPAR phase tools).
func New(config Config) *Breaker {
	config.applyDefaults()
	exempt := make(map[string]bool, len(defaultExemptTools)+len(config.ExemptTools))
	for _, t := range defaultExemptTools {
		exempt[t] = true
	}
	for _, t := range config.ExemptTools {
		exempt[t] = true
	}
	return &Breaker{
		config:    config,
		exempt:    exempt,
		maxRecent: 512,
	}
}

// Digest computes a stable content hash of the JSON-normalized input: keys
// are sorted, then the canonical form is SHA-256 hashed. digest(x) ==
// digest(y) iff the JSON-normalized forms of x and y are byte-equal.
func Digest(input []byte) string {
	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		// Not valid JSON (or empty): hash the raw bytes so the rule still
		// degrades gracefully instead of panicking.
		sum := sha256.Sum256(input)
		return hex.EncodeToString(sum[:])
	}
	normalized := canonicalize(v)
	b, _ := json.Marshal(normalized)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func canonicalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(keys)*2)
		for _, k := range keys {
			out = append(out, k, canonicalize(val[k]))
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return val
	}
}

// Decision is the outcome of Check.
type Decision struct {
	Blocked bool
	Reason  string // set when Blocked; one of the trip-rule names
}

// Check must be called before dispatching a tool invocation. If it reports
// Blocked, the invoker must synthesize a blocked tool-result instead of
// calling the tool, and must still call Record so the streak state reflects
// the attempt (callers call Record unconditionally after Check).
func (b *Breaker) Check(toolName string, input []byte) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	digest := Digest(input)
	exempt := b.exempt[toolName]

	sameParamsThreshold := b.config.SameParamsThreshold
	sameToolThreshold := b.config.SameToolThreshold
	if exempt {
		sameParamsThreshold = b.config.SameParamsThresholdExempt
		sameToolThreshold = b.config.SameToolThresholdExempt
	}

	projectedSameParams := 0
	if toolName == b.lastToolName && digest == b.lastParamsDigest {
		projectedSameParams = b.consecutiveSameParams + 1
	} else {
		projectedSameParams = 1
	}
	if projectedSameParams >= sameParamsThreshold {
		return b.trip("consecutive_same_params")
	}

	projectedSameTool := 0
	if toolName == b.lastToolName {
		projectedSameTool = b.consecutiveSameTool + 1
	} else {
		projectedSameTool = 1
	}
	if projectedSameTool >= sameToolThreshold {
		return b.trip("consecutive_same_tool")
	}

	if !exempt {
		cutoff := time.Now().Add(-b.config.WindowDuration)
		count := 1 // the call about to be recorded
		for _, c := range b.recent {
			if c.at.Before(cutoff) {
				continue
			}
			if c.toolName == toolName && c.digest == digest {
				count++
			}
		}
		if count >= b.config.WindowFrequencyThreshold {
			return b.trip("window_frequency")
		}
	}

	return Decision{Blocked: false}
}

func (b *Breaker) trip(reason string) Decision {
	b.stuckDetections++
	return Decision{Blocked: true, Reason: reason}
}

// Record updates streak and window state for an invocation attempt, whether
// or not it was blocked. Must be called exactly once per Check.
func (b *Breaker) Record(toolName string, input []byte, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	digest := Digest(input)

	if toolName == b.lastToolName && digest == b.lastParamsDigest {
		b.consecutiveSameParams++
	} else {
		b.consecutiveSameParams = 1
	}
	if toolName == b.lastToolName {
		b.consecutiveSameTool++
	} else {
		b.consecutiveSameTool = 1
	}
	b.lastToolName = toolName
	b.lastParamsDigest = digest

	b.recent = append(b.recent, call{toolName: toolName, digest: digest, at: at})
	if len(b.recent) > b.maxRecent {
		b.recent = b.recent[len(b.recent)-b.maxRecent:]
	}
	b.pruneWindow(at)
}

func (b *Breaker) pruneWindow(now time.Time) {
	cutoff := now.Add(-b.config.WindowDuration)
	i := 0
	for ; i < len(b.recent); i++ {
		if !b.recent[i].at.Before(cutoff) {
			break
		}
	}
	b.recent = b.recent[i:]
}

// ResetTaskCounters resets the streak counters on new task assignment.
// stuckDetections is intentionally NOT reset here — P5 requires it remain
// monotonically increasing across the agent's lifetime.
func (b *Breaker) ResetTaskCounters() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveSameTool = 0
	b.consecutiveSameParams = 0
	b.lastToolName = ""
	b.lastParamsDigest = ""
	b.recent = nil
}

// Stats is a point-in-time snapshot of breaker state for observability.
type Stats struct {
	ConsecutiveSameTool   int
	ConsecutiveSameParams int
	StuckDetections       int
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		ConsecutiveSameTool:   b.consecutiveSameTool,
		ConsecutiveSameParams: b.consecutiveSameParams,
		StuckDetections:       b.stuckDetections,
	}
}

// Registry manages one Breaker per agent.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
}

// NewRegistry creates a registry that lazily constructs breakers with
// defaults applied.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// Get returns or creates the breaker for agentID.
func (r *Registry) Get(agentID string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[agentID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[agentID]; ok {
		return b
	}
	b = New(r.defaults)
	r.breakers[agentID] = b
	return b
}

// Remove drops an agent's breaker, e.g. on disconnect.
func (r *Registry) Remove(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, agentID)
}
