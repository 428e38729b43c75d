package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mxf/agent-runtime/internal/breaker"
	"github.com/mxf/agent-runtime/internal/jobs"
	"github.com/mxf/agent-runtime/internal/sessions"
	"github.com/mxf/agent-runtime/internal/tools/policy"
	"github.com/mxf/agent-runtime/pkg/models"
)

// EventTaskComplete is the tool name that, when called, ends the loop and
// marks the current task completed (spec §4.6 step 8).
const EventToolTaskComplete = "task_complete"

// LoopConfig configures the agentic loop behavior including iteration limits
// and tool execution settings.
type LoopConfig struct {
	// MaxIterations limits the number of tool use iterations. Default: 10.
	MaxIterations int

	// MaxTokens is the default max tokens for LLM responses. Default: 4096.
	MaxTokens int

	// MaxToolCalls limits the total tool calls per run (0 = unlimited).
	MaxToolCalls int

	// ToolExec configures the tool executor's concurrency and timeouts.
	ToolExec ToolExecConfig

	// RequireApproval lists tool name patterns that are denied outright.
	RequireApproval []string

	// AsyncTools lists tool names to execute asynchronously as jobs.
	AsyncTools []string

	// JobStore receives async tool job updates.
	JobStore jobs.Store

	// ToolResultGuard redacts tool results before persistence.
	ToolResultGuard ToolResultGuard

	// ToolEvents persists tool call/result events when set.
	ToolEvents ToolEventStore

	// StreamToolResults streams tool results as they complete.
	StreamToolResults bool

	// Breakers supplies a per-agent circuit breaker consulted before every
	// tool dispatch (spec §4.4, §4.5).
	Breakers *breaker.Registry
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxIterations:     10,
		MaxTokens:         4096,
		ToolExec:          DefaultToolExecConfig(),
		StreamToolResults: true,
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		return DefaultLoopConfig()
	}
	cfg := *config
	defaults := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.ToolExec.Concurrency <= 0 {
		cfg.ToolExec = defaults.ToolExec
	}
	if cfg.MaxToolCalls < 0 {
		cfg.MaxToolCalls = 0
	}
	return &cfg
}

// AgenticLoop implements the bounded-iteration agent reasoning loop (C6).
// Each iteration: select tool set, assemble context, call the LLM, extract
// tool calls, persist the assistant turn, execute tools against the
// breaker, then either exit on completion or continue.
type AgenticLoop struct {
	provider LLMProvider
	registry *ToolRegistry
	executor *ToolExecutor
	store    sessions.Store
	config   *LoopConfig
	locks    *SessionLocks

	defaultModel  string
	defaultSystem string
}

// NewAgenticLoop creates a new agentic loop with the given provider, tool
// registry, and session store. If config is nil, DefaultLoopConfig is used.
func NewAgenticLoop(provider LLMProvider, registry *ToolRegistry, store sessions.Store, config *LoopConfig) *AgenticLoop {
	config = sanitizeLoopConfig(config)
	if registry == nil {
		registry = NewToolRegistry()
	}

	executor := NewToolExecutor(registry, config.ToolExec)
	if config.Breakers != nil {
		// The per-session breaker is attached lazily in Run, since it's
		// scoped per agent; this executor is shared across sessions.
	}

	return &AgenticLoop{
		provider: provider,
		registry: registry,
		executor: executor,
		store:    store,
		config:   config,
		locks:    NewSessionLocks(),
	}
}

// SetDefaultModel sets the default model used when requests do not specify one.
func (l *AgenticLoop) SetDefaultModel(model string) {
	l.defaultModel = model
}

// SetDefaultSystem sets the default base system prompt.
func (l *AgenticLoop) SetDefaultSystem(system string) {
	l.defaultSystem = system
}

// LoopState tracks the current state of an agentic loop execution.
type LoopState struct {
	Iteration      int
	TotalToolCalls int
	Messages       []*models.Message
	LastText       string
	AssistantMsgID string

	recentNormalizedText []string // for repeated-response detection
	confidenceHistory    []float64
	inactivityStreak     int
	completed            bool
}

// Run executes the agentic loop and streams results through a channel. The
// channel is closed when the loop completes or an error occurs.
func (l *AgenticLoop) Run(ctx context.Context, agent *models.Agent, session *models.Session, msg *models.Message) (<-chan *ResponseChunk, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}
	if session == nil {
		return nil, &ConfigError{Field: "session", Message: "session is required"}
	}

	unlock := l.locks.Lock(session.ID)
	chunks := make(chan *ResponseChunk, 16)

	go func() {
		defer close(chunks)
		defer unlock()
		l.run(ctx, agent, session, msg, chunks)
	}()

	return chunks, nil
}

func (l *AgenticLoop) run(ctx context.Context, agent *models.Agent, session *models.Session, msg *models.Message, chunks chan<- *ResponseChunk) {
	if msg != nil {
		if err := l.appendMessage(ctx, session.ID, msg); err != nil {
			chunks <- &ResponseChunk{Error: fmt.Errorf("persist inbound message: %w", err)}
			return
		}
	}

	history, err := l.store.GetHistory(ctx, session.ID, 0)
	if err != nil {
		chunks <- &ResponseChunk{Error: fmt.Errorf("load history: %w", err)}
		return
	}
	history = repairTranscript(history)

	state := &LoopState{Messages: history}

	var toolBreaker *breaker.Breaker
	if l.config.Breakers != nil {
		toolBreaker = l.config.Breakers.Get(session.AgentID)
		l.executor.WithBreaker(toolBreaker)
	}

	resolver := policy.NewResolver()
	var agentRole models.AgentRole
	var allowedTools []string
	if agent != nil {
		agentRole = agent.Role
		allowedTools = agent.AllowedTools
	}

	for state.Iteration = 0; state.Iteration < l.config.MaxIterations; state.Iteration++ {
		// Step 1: cancellation check.
		if ctx.Err() != nil {
			return
		}

		// Step 2: tool-set selection.
		toolSet := l.selectToolSet(state, allowedTools, resolver)

		// Step 3/4: context assembly + LLM call.
		req := l.buildRequest(agent, state, toolSet)
		text, toolCalls, err := l.stream(ctx, req, chunks)
		if err != nil {
			chunks <- &ResponseChunk{Error: err}
			return
		}
		state.LastText = text

		// Step 5: tool-call extraction from embedded JSON the provider
		// emitted as plain text instead of a structured call.
		toolCalls = append(toolCalls, extractEmbeddedToolCalls(text, l.registry)...)

		// Step 6: intent enhancement for discovery tools.
		for i := range toolCalls {
			toolCalls[i].Input = enhanceIntent(toolCalls[i].Name, toolCalls[i].Input)
		}

		// Step 7: persist assistant turn with its tool calls (single
		// append, preserving M1).
		assistantMsg := &models.Message{
			ID:        uuid.NewString(),
			AgentID:   session.AgentID,
			ChannelID: session.ChannelID,
			Role:      models.RoleAssistant,
			Content:   text,
			ToolCalls: toolCalls,
			CreatedAt: time.Now(),
		}
		if err := l.appendMessage(ctx, session.ID, assistantMsg); err != nil {
			chunks <- &ResponseChunk{Error: fmt.Errorf("persist assistant turn: %w", err)}
			return
		}
		state.AssistantMsgID = assistantMsg.ID
		state.Messages = append(state.Messages, assistantMsg)

		if len(toolCalls) == 0 {
			// Step 9: completion heuristic.
			recordTurn(state, text)
			score := completionScore(state)
			if score >= 0.7 {
				if score >= 0.8 && agentRole != models.AgentRoleReactive && agentRole != models.AgentRolePassive {
					l.markTaskComplete(ctx, session)
				}
				return
			}
			continue
		}

		// Step 8: execute tool calls.
		done := l.executeTools(ctx, session, resolver, state, toolCalls, toolBreaker, chunks)
		if done {
			return
		}
	}
}

// appendMessage persists a message through the configured session store.
func (l *AgenticLoop) appendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if l.store == nil {
		return nil
	}
	return l.store.AppendMessage(ctx, sessionID, msg)
}

// selectToolSet implements spec §4.6 step 2: an allow-list-gated phase
// restricts tools outright; otherwise the full registry (minus explicit
// deny-list matches) is contextually filtered. If the immediately
// preceding message was a tool result, only completion/discovery tools are
// offered — messaging tools are excluded to stop the model from narrating
// before it has finished acting.
func (l *AgenticLoop) selectToolSet(state *LoopState, allowedTools []string, resolver *policy.Resolver) []Tool {
	all := l.registry.AsLLMTools()

	if len(allowedTools) > 0 {
		allowed := make(map[string]bool, len(allowedTools))
		for _, name := range allowedTools {
			allowed[resolver.CanonicalName(name)] = true
		}
		filtered := make([]Tool, 0, len(all))
		for _, t := range all {
			if allowed[resolver.CanonicalName(t.Name())] {
				filtered = append(filtered, t)
			}
		}
		all = filtered
	}

	if precededByToolResult(state.Messages) {
		minimal := make([]Tool, 0, len(all))
		for _, t := range all {
			name := resolver.CanonicalName(t.Name())
			if name == EventToolTaskComplete || strings.Contains(name, "discover") || strings.Contains(name, "search") {
				minimal = append(minimal, t)
			}
		}
		return minimal
	}

	return all
}

func precededByToolResult(history []*models.Message) bool {
	if len(history) == 0 {
		return false
	}
	return history[len(history)-1].Role == models.RoleTool
}

// buildRequest assembles the AgentContext-equivalent completion request:
// system prompt, dialogue history stripped of system messages, and the
// selected tool set.
func (l *AgenticLoop) buildRequest(agent *models.Agent, state *LoopState, toolSet []Tool) *CompletionRequest {
	system := l.defaultSystem
	model := l.defaultModel
	if agent != nil {
		if agent.SystemPrompt != "" {
			system = agent.SystemPrompt
		}
		if agent.Model != "" {
			model = agent.Model
		}
	}

	messages := make([]CompletionMessage, 0, len(state.Messages))
	for _, msg := range state.Messages {
		if msg.Role == models.RoleSystem {
			continue
		}
		messages = append(messages, CompletionMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCalls:  msg.ToolCalls,
			ToolCallID: msg.ToolCallID,
		})
	}

	return &CompletionRequest{
		Model:     model,
		System:    system,
		Messages:  messages,
		Tools:     toolSet,
		MaxTokens: l.config.MaxTokens,
	}
}

// stream drives a single LLM call to completion, forwarding text/thinking
// chunks and collecting any structured tool calls.
func (l *AgenticLoop) stream(ctx context.Context, req *CompletionRequest, chunks chan<- *ResponseChunk) (string, []models.ToolCall, error) {
	stream, err := l.provider.Complete(ctx, req)
	if err != nil {
		return "", nil, err
	}

	var text strings.Builder
	var toolCalls []models.ToolCall

	for chunk := range stream {
		if chunk.Error != nil {
			return text.String(), toolCalls, chunk.Error
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			chunks <- &ResponseChunk{Text: chunk.Text}
		}
		if chunk.Thinking != "" {
			chunks <- &ResponseChunk{Thinking: chunk.Thinking}
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			break
		}
	}

	return text.String(), toolCalls, nil
}

// executeTools implements spec §4.6 step 8. It returns true if the loop
// should exit (a task_complete call was observed).
func (l *AgenticLoop) executeTools(ctx context.Context, session *models.Session, resolver *policy.Resolver, state *LoopState, toolCalls []models.ToolCall, toolBreaker *breaker.Breaker, chunks chan<- *ResponseChunk) bool {
	allowed := make([]models.ToolCall, 0, len(toolCalls))
	results := make([]models.ToolResult, 0, len(toolCalls))
	completeRequested := false

	for _, tc := range toolCalls {
		state.TotalToolCalls++
		if l.config.MaxToolCalls > 0 && state.TotalToolCalls > l.config.MaxToolCalls {
			results = append(results, models.ToolResult{
				ToolCallID: tc.ID,
				Content:    "tool call budget exhausted for this turn",
				IsError:    true,
				Synthetic:  true,
			})
			continue
		}

		if tc.Name == EventToolTaskComplete {
			completeRequested = true
			results = append(results, models.ToolResult{ToolCallID: tc.ID, Content: "task marked complete"})
			continue
		}

		if matchesToolPatterns(l.config.RequireApproval, tc.Name, resolver) {
			results = append(results, models.ToolResult{
				ToolCallID: tc.ID,
				Content:    "tool denied: " + tc.Name,
				IsError:    true,
				Synthetic:  true,
			})
			continue
		}

		if contains(l.config.AsyncTools, tc.Name) && l.config.JobStore != nil {
			results = append(results, l.queueAsyncJob(ctx, tc))
			continue
		}

		allowed = append(allowed, tc)
	}

	if len(allowed) > 0 {
		emit := func(event *models.RuntimeEvent) {
			chunks <- &ResponseChunk{Event: event}
		}
		execResults := l.executor.ExecuteConcurrently(ctx, allowed, emit)
		for _, r := range execResults {
			results = append(results, r.Result)
		}
	}

	results = guardToolResults(l.config.ToolResultGuard, toolCalls, results, resolver)

	for _, res := range results {
		toolMsg := &models.Message{
			ID:         uuid.NewString(),
			AgentID:    session.AgentID,
			ChannelID:  session.ChannelID,
			Role:       models.RoleTool,
			Content:    res.Content,
			ToolCallID: res.ToolCallID,
			CreatedAt:  time.Now(),
		}
		if err := l.appendMessage(ctx, session.ID, toolMsg); err == nil {
			state.Messages = append(state.Messages, toolMsg)
		}
		if l.config.ToolEvents != nil {
			_ = l.config.ToolEvents.AddToolResult(ctx, session.ID, state.AssistantMsgID, findCallByID(toolCalls, res.ToolCallID), &res)
		}
		if l.config.StreamToolResults {
			out := res
			chunks <- &ResponseChunk{ToolResult: &out}
		}
	}

	return completeRequested
}

func (l *AgenticLoop) queueAsyncJob(ctx context.Context, tc models.ToolCall) models.ToolResult {
	job := &jobs.Job{ID: uuid.NewString(), ToolCallID: tc.ID, Status: jobs.StatusQueued}
	if err := l.config.JobStore.Create(ctx, job); err != nil {
		return models.ToolResult{ToolCallID: tc.ID, Content: "failed to queue job: " + err.Error(), IsError: true}
	}
	go l.runToolJob(tc, job)
	return models.ToolResult{ToolCallID: tc.ID, Content: "queued as job " + job.ID}
}

func (l *AgenticLoop) runToolJob(tc models.ToolCall, job *jobs.Job) {
	ctx := context.Background()
	job.Status = jobs.StatusRunning
	job.StartedAt = time.Now()
	_ = l.config.JobStore.Update(ctx, job)

	res, err := l.registry.Execute(ctx, tc.Name, tc.Input)
	job.FinishedAt = time.Now()
	if err != nil {
		job.Status = jobs.StatusFailed
		job.Error = err.Error()
	} else if res.IsError {
		job.Status = jobs.StatusFailed
		job.Error = res.Content
		job.Result = &models.ToolResult{ToolCallID: tc.ID, Content: res.Content, IsError: true}
	} else {
		job.Status = jobs.StatusSucceeded
		job.Result = &models.ToolResult{ToolCallID: tc.ID, Content: res.Content}
	}
	_ = l.config.JobStore.Update(ctx, job)
}

func (l *AgenticLoop) markTaskComplete(ctx context.Context, session *models.Session) {
	if session == nil {
		return
	}
	session.Metadata = mergeMeta(session.Metadata, map[string]any{"task_completed_at": time.Now().Format(time.RFC3339)})
	if l.store != nil {
		_ = l.store.Update(ctx, session)
	}
}

func mergeMeta(base map[string]any, extra map[string]any) map[string]any {
	if base == nil {
		base = map[string]any{}
	}
	for k, v := range extra {
		base[k] = v
	}
	return base
}

func contains(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}

func findCallByID(calls []models.ToolCall, id string) *models.ToolCall {
	for i := range calls {
		if calls[i].ID == id {
			return &calls[i]
		}
	}
	return nil
}

// extractEmbeddedToolCalls scans text for balanced JSON objects (tracking
// quote and escape state) and converts any that name a registered tool into
// a tool call. This recovers calls the provider expressed as inline JSON
// instead of a structured tool_call chunk.
func extractEmbeddedToolCalls(text string, registry *ToolRegistry) []models.ToolCall {
	var calls []models.ToolCall
	for _, candidate := range scanBalancedJSON(text) {
		var probe struct {
			Tool  string          `json:"tool"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
			Args  json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(candidate), &probe); err != nil {
			continue
		}
		name := probe.Tool
		if name == "" {
			name = probe.Name
		}
		if name == "" {
			continue
		}
		if _, ok := registry.Get(name); !ok {
			continue
		}
		input := probe.Input
		if len(input) == 0 {
			input = probe.Args
		}
		calls = append(calls, models.ToolCall{ID: uuid.NewString(), Name: name, Input: input})
	}
	return calls
}

// scanBalancedJSON returns every top-level balanced {...} substring of s,
// tracking string/escape state so braces inside string literals don't
// confuse the scan.
func scanBalancedJSON(s string) []string {
	var out []string
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}

		switch r {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					out = append(out, s[start:i+1])
					start = -1
				}
			}
		}
	}
	return out
}

// enhanceIntent rewrites a discovery tool's "intent" field into a more
// specific, deterministic formulation so repeated discovery calls don't
// drift into vague restatements of the same query.
func enhanceIntent(toolName string, input json.RawMessage) json.RawMessage {
	if !strings.Contains(toolName, "discover") && !strings.Contains(toolName, "search") {
		return input
	}
	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		return input
	}
	intent, ok := fields["intent"].(string)
	if !ok || strings.TrimSpace(intent) == "" {
		return input
	}
	fields["intent"] = strings.TrimSpace(intent)
	rewritten, err := json.Marshal(fields)
	if err != nil {
		return input
	}
	return rewritten
}
