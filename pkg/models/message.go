package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is a ConversationMessage per the core data model: immutable once
// appended to a Memory Store. Invariant M1 (every assistant message with k
// tool calls is followed by exactly k tool messages covering those IDs, with
// no interleaving) and M2 (no two consecutive assistant messages) are
// enforced by the owning store, not by this type.
type Message struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	ChannelID   string         `json:"channel_id"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID  string         `json:"tool_call_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`

	// Oversize records that Content was replaced with a truncation marker
	// because it exceeded MemoryStoreConfig.MaxMessageSize. OriginalSize is
	// the length of the content that was discarded.
	Oversize     bool `json:"oversize,omitempty"`
	OriginalSize int  `json:"original_size,omitempty"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution. Every ToolCall
// emitted by the reasoning loop must produce exactly one ToolResult (P6),
// real or synthetic, before the next LLM turn.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
	// Synthetic marks a result generated by the runtime (timeout, breaker
	// trip, protocol repair) rather than returned by the tool itself.
	Synthetic bool `json:"synthetic,omitempty"`
}

// Session identifies one agent's conversation thread within a channel scope.
type Session struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	ChannelID string         `json:"channel_id"`
	Key       string         `json:"key"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// User represents an authenticated operator of the exchange.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Agent is a configured, running MXF agent: stable identity (ID, ChannelID)
// plus the configuration mutated only through UpdateAllowedTools.
type Agent struct {
	ID           string         `json:"id"`
	ChannelID    string         `json:"channel_id"`
	Name         string         `json:"name"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Model        string         `json:"model"`
	Provider     string         `json:"provider"`
	AllowedTools []string       `json:"allowed_tools,omitempty"`
	Role         AgentRole      `json:"role"`
	Config       map[string]any `json:"config,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// UpdateAllowedTools replaces the agent's tool allow-list. It is the only
// sanctioned way to mutate AllowedTools post-construction: callers that also
// need to push the change to the server and refresh a local tool cache
// should do so around this call (see internal/controlloop's phase gate).
func (a *Agent) UpdateAllowedTools(tools []string) {
	cp := make([]string, len(tools))
	copy(cp, tools)
	a.AllowedTools = cp
}

// AgentRole affects completion-heuristic auto-completion: reactive and
// passive agents never auto-complete a task even at high confidence.
type AgentRole string

const (
	AgentRoleStandard AgentRole = "standard"
	AgentRoleReactive AgentRole = "reactive"
	AgentRolePassive  AgentRole = "passive"
)

// APIKey is a credential issued via the Key event family (generate/generated).
type APIKey struct {
	ID         string    `json:"id"`
	ChannelID  string    `json:"channel_id"`
	AgentID    string    `json:"agent_id"`
	Name       string    `json:"name"`
	Prefix     string    `json:"prefix"`
	Scopes     []string  `json:"scopes,omitempty"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
