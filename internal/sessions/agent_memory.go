package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mxf/agent-runtime/pkg/models"
)

// Default size ceilings for AgentMemory's append/persist contract.
const (
	defaultMaxMessageBytes = 100 * 1024        // per-message oversize threshold
	defaultPersistCeiling  = 12 * 1024 * 1024   // safe ceiling before aggressive truncation
	defaultTruncateBytes   = 5 * 1024 * 1024    // per-message truncation above this size
	fallbackKeepMessages   = 20
	fallbackKeepObs        = 10
	indexBatchSize         = 100
)

// Indexer receives every non-system message appended to an AgentMemory for
// secondary indexing (search, analytics). It is an external collaborator;
// AgentMemory never blocks on it failing.
type Indexer interface {
	Index(ctx context.Context, sessionID string, msg *models.Message) error
}

// Persister durably writes a session's suffix of unsaved messages. It is the
// external document-store collaborator behind the persist() step.
type Persister interface {
	Persist(ctx context.Context, sessionID string, messages []*models.Message) error
	Load(ctx context.Context, sessionID string) ([]*models.Message, error)
}

// AgentMemory implements the C3 contract: append with oversize guarding,
// a snapshot-safe history view, block-aware trim that preserves M1 (never
// splits an assistant/tool-result block), suffix-only persist with a safe
// ceiling, and indexing-only load.
type AgentMemory struct {
	mu        sync.RWMutex
	sessionID string
	history   []*models.Message
	lastSave  int

	maxMessageBytes int
	persistCeiling  int
	truncateBytes   int

	indexer   Indexer
	persister Persister

	dedupEnabled bool
}

// AgentMemoryOption configures an AgentMemory at construction.
type AgentMemoryOption func(*AgentMemory)

// WithIndexer attaches a secondary-index collaborator.
func WithIndexer(idx Indexer) AgentMemoryOption {
	return func(m *AgentMemory) { m.indexer = idx }
}

// WithPersister attaches a durable-store collaborator.
func WithPersister(p Persister) AgentMemoryOption {
	return func(m *AgentMemory) { m.persister = p }
}

// WithDedup enables Jaccard-similarity dedup of plain text messages. Off by
// default: collapsing near-duplicate tool results or tool-call-bearing
// assistant messages would violate M1, so dedup only ever considers plain
// user/assistant text turns.
func WithDedup(enabled bool) AgentMemoryOption {
	return func(m *AgentMemory) { m.dedupEnabled = enabled }
}

// NewAgentMemory constructs an AgentMemory scoped to a single session with
// default size ceilings.
func NewAgentMemory(sessionID string, opts ...AgentMemoryOption) *AgentMemory {
	m := &AgentMemory{
		sessionID:       sessionID,
		maxMessageBytes: defaultMaxMessageBytes,
		persistCeiling:  defaultPersistCeiling,
		truncateBytes:   defaultTruncateBytes,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Append adds a message to history. Content beyond maxMessageBytes is
// replaced with a placeholder and the message is marked Oversize, carrying
// its OriginalSize forward so callers can surface a warning. Every
// non-system message is handed to the indexer (best effort, errors never
// propagate).
func (m *AgentMemory) Append(ctx context.Context, msg *models.Message) {
	if msg == nil {
		return
	}

	m.mu.Lock()
	if size := len(msg.Content); size > m.maxMessageBytes {
		msg.Oversize = true
		msg.OriginalSize = size
		msg.Content = fmt.Sprintf("[content omitted: %d bytes exceeds %d byte limit]", size, m.maxMessageBytes)
	}
	if m.dedupEnabled && m.isDuplicate(msg) {
		m.mu.Unlock()
		return
	}
	m.history = append(m.history, msg)
	sessionID := m.sessionID
	m.mu.Unlock()

	if msg.Role != models.RoleSystem && m.indexer != nil {
		_ = m.indexer.Index(ctx, sessionID, msg)
	}
}

// isDuplicate reports whether msg is a near-duplicate (Jaccard similarity
// over word sets) of the immediately preceding message of the same role.
// Tool calls, tool results, and oversize placeholders are never candidates:
// collapsing them would break M1 pairing or hide real tool output.
func (m *AgentMemory) isDuplicate(msg *models.Message) bool {
	if msg.Role == models.RoleTool || len(msg.ToolCalls) > 0 || msg.Oversize {
		return false
	}
	if len(m.history) == 0 {
		return false
	}
	prev := m.history[len(m.history)-1]
	if prev.Role != msg.Role || prev.Role == models.RoleTool || len(prev.ToolCalls) > 0 {
		return false
	}
	return jaccardSimilarity(prev.Content, msg.Content) >= 0.9
}

// History returns a defensive copy of the full transcript so callers can
// mutate or hold onto the slice without racing concurrent Append calls.
func (m *AgentMemory) History() []*models.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Message, len(m.history))
	copy(out, m.history)
	return out
}

// Trim drops the oldest complete conversation blocks — a user/system
// message and everything up to (but not including) the next top-level
// user/system message, which keeps any assistant/tool-result block intact —
// until at most keep messages remain or no further whole block can be
// dropped without leaving fewer than keep. This preserves M1: a block is
// never split, so a trimmed history never begins mid-tool-batch.
func (m *AgentMemory) Trim(keep int) {
	if keep <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.history) <= keep {
		return
	}

	bounds := blockBoundaries(m.history)
	for len(bounds) > 1 {
		tailLen := len(m.history) - bounds[1]
		if tailLen < keep {
			break
		}
		bounds = bounds[1:]
	}
	m.history = m.history[bounds[0]:]
}

// blockBoundaries returns the start indices of each top-level block, where a
// block begins at a system/user message (or at index 0) and runs through
// any trailing assistant/tool sequence.
func blockBoundaries(history []*models.Message) []int {
	bounds := []int{0}
	for i, msg := range history {
		if i == 0 {
			continue
		}
		if msg.Role == models.RoleSystem || msg.Role == models.RoleUser {
			bounds = append(bounds, i)
		}
	}
	return bounds
}

// Persist writes only the messages appended since the last successful
// Persist call (suffix-only writeback). If the unsaved suffix exceeds the
// safe ceiling, it is aggressively truncated to the last fallbackKeepMessages
// messages before writing, and any single message over truncateBytes is
// clipped in place first.
func (m *AgentMemory) Persist(ctx context.Context) error {
	if m.persister == nil {
		return nil
	}

	m.mu.Lock()
	suffix := append([]*models.Message{}, m.history[m.lastSave:]...)
	sessionID := m.sessionID
	m.mu.Unlock()

	total := 0
	for _, msg := range suffix {
		if len(msg.Content) > m.truncateBytes {
			msg.Content = msg.Content[:m.truncateBytes]
			msg.Oversize = true
		}
		total += len(msg.Content)
	}

	if total > m.persistCeiling && len(suffix) > fallbackKeepMessages {
		suffix = suffix[len(suffix)-fallbackKeepMessages:]
	}

	if err := m.persister.Persist(ctx, sessionID, suffix); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}

	m.mu.Lock()
	m.lastSave = len(m.history)
	m.mu.Unlock()
	return nil
}

// Load restores a session's history into the secondary index only, never
// into the active in-context transcript: it pushes messages to the indexer
// in batches of indexBatchSize with a yield between batches so a large
// backlog doesn't starve other sessions sharing the indexer.
func (m *AgentMemory) Load(ctx context.Context) error {
	if m.persister == nil || m.indexer == nil {
		return nil
	}

	messages, err := m.persister.Load(ctx, m.sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	for i := 0; i < len(messages); i += indexBatchSize {
		end := i + indexBatchSize
		if end > len(messages) {
			end = len(messages)
		}
		for _, msg := range messages[i:end] {
			if msg.Role == models.RoleSystem {
				continue
			}
			_ = m.indexer.Index(ctx, m.sessionID, msg)
		}
		if end < len(messages) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
	}
	return nil
}

// jaccardSimilarity scores two strings by the overlap of their whitespace-
// delimited word sets.
func jaccardSimilarity(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	intersection := 0
	for w := range setA {
		if setB[w] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]bool {
	out := map[string]bool{}
	word := make([]rune, 0, 16)
	flush := func() {
		if len(word) > 0 {
			out[string(word)] = true
			word = word[:0]
		}
	}
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			flush()
			continue
		}
		word = append(word, r)
	}
	flush()
	return out
}
