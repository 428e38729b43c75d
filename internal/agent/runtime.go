package agent

import (
	"context"

	"github.com/mxf/agent-runtime/internal/sessions"
	"github.com/mxf/agent-runtime/pkg/models"
)

// ContextKey namespaces values this package stores on a context.Context.
type ContextKey string

// SystemPromptKey is the context key for a per-call system prompt override.
const SystemPromptKey ContextKey = "agent_system_prompt"

// WithSystemPrompt overrides the system prompt for calls made with ctx,
// taking precedence over the runtime's configured default. Used by callers
// that invoke a runtime outside its normal channel context, such as the
// scheduled task executor.
func WithSystemPrompt(ctx context.Context, prompt string) context.Context {
	return context.WithValue(ctx, SystemPromptKey, prompt)
}

// systemPromptFromContext returns the override set by WithSystemPrompt, if any.
func systemPromptFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(SystemPromptKey).(string)
	return v, ok && v != ""
}

// Runtime is a self-contained agentic loop for a single logical agent
// profile. It owns its own tool registry and AgenticLoop, configured
// through setters rather than a pre-built *models.Agent, so callers that
// assemble an agent's capabilities incrementally — the multi-agent
// orchestrator registering one runtime per AgentDefinition, the MCP bridge
// attaching remote tools, the scheduled task executor — have a single
// construction path that doesn't require them to hand-assemble a loop.
type Runtime struct {
	loop     *AgenticLoop
	registry *ToolRegistry
	profile  models.Agent
}

// NewRuntime builds a Runtime around a fresh tool registry and agentic loop
// driven by provider and store. Tools, system prompt, model, and iteration
// limit are attached afterward via the Set*/RegisterTool methods.
func NewRuntime(provider LLMProvider, store sessions.Store) *Runtime {
	registry := NewToolRegistry()
	loop := NewAgenticLoop(provider, registry, store, DefaultLoopConfig())
	return &Runtime{
		loop:     loop,
		registry: registry,
		profile:  models.Agent{Role: models.AgentRoleStandard},
	}
}

// SetSystemPrompt sets the base system prompt every call uses unless
// overridden by WithSystemPrompt on the call's context.
func (r *Runtime) SetSystemPrompt(prompt string) {
	r.profile.SystemPrompt = prompt
	r.loop.SetDefaultSystem(prompt)
}

// SetDefaultModel sets the model used when the profile doesn't pin one.
func (r *Runtime) SetDefaultModel(model string) {
	r.profile.Model = model
	r.loop.SetDefaultModel(model)
}

// SetMaxIterations bounds the number of tool-use iterations per call.
// Values <= 0 are ignored, leaving the loop's existing limit in place.
func (r *Runtime) SetMaxIterations(n int) {
	if n > 0 {
		r.loop.config.MaxIterations = n
	}
}

// SetAllowedTools restricts the tool set surfaced to the model. A nil or
// empty list means no restriction: every registered tool is offered.
func (r *Runtime) SetAllowedTools(tools []string) {
	r.profile.AllowedTools = tools
}

// RegisterTool adds tool to the runtime's registry, making it available on
// every subsequent call.
func (r *Runtime) RegisterTool(tool Tool) {
	r.registry.Register(tool)
}

// Process runs the agentic loop for msg against the runtime's configured
// profile, applying any WithSystemPrompt override found on ctx.
func (r *Runtime) Process(ctx context.Context, session *models.Session, msg *models.Message) (<-chan *ResponseChunk, error) {
	profile := r.profile
	if prompt, ok := systemPromptFromContext(ctx); ok {
		profile.SystemPrompt = prompt
	}
	return r.loop.Run(ctx, &profile, session, msg)
}
