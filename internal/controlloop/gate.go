package controlloop

import (
	"context"
	"time"

	"github.com/mxf/agent-runtime/pkg/models"
)

// applyGate implements spec §4.7's updateAllowedTools contract: (a) swap the
// allow-list atomically, (b) push the change to the server, (c) refresh the
// local cache, (d) regenerate the system prompt. An empty tools list for
// the acting phase means "no gate" — the agent's pre-existing allow-list is
// left untouched.
func (l *Loop) applyGate(ctx context.Context, phase models.Phase) error {
	tools := l.config.ToolGate.forPhase(phase)

	if l.config.Agent != nil && (len(tools) > 0 || phase != models.PhaseActing) {
		l.config.Agent.UpdateAllowedTools(tools) // (a)
	}

	l.publish(models.EventAgentAllowedToolsUpdate, map[string]any{ // (b)
		"phase": string(phase),
		"tools": tools,
	})

	if l.config.Cache != nil {
		if err := l.config.Cache.Refresh(ctx); err != nil { // (c)
			return err
		}
	}

	if l.config.Agent != nil && l.config.Prompt != nil {
		l.config.Agent.SystemPrompt = l.config.Prompt(phase, tools) // (d)
	}

	return nil
}

// transition moves the loop to phase, applying that phase's tool gate.
func (l *Loop) transition(ctx context.Context, phase models.Phase) error {
	l.mu.Lock()
	l.cl.Phase = phase
	l.cl.UpdatedAt = time.Now()
	l.mu.Unlock()

	return l.applyGate(ctx, phase)
}
