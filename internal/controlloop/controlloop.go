// Package controlloop implements the Task & Control-Loop Coordinator (C7):
// installing assigned tasks as the active task, and — when a channel
// enables system-level orchestration — driving the ORPAR
// (Observe-Reason-Plan-Act-Reflect) phase machine on top of it.
package controlloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mxf/agent-runtime/internal/bus"
	"github.com/mxf/agent-runtime/pkg/models"
)

// Reasoner produces the reasoning phase's interpretation of the
// observations accumulated so far.
type Reasoner interface {
	Reason(ctx context.Context, observations []models.Observation) (models.Reasoning, error)
}

// Planner turns a Reasoning into an ordered Plan during the planning phase.
type Planner interface {
	Plan(ctx context.Context, reasoning models.Reasoning) (models.Plan, error)
}

// Actor drives a Plan's actions to a terminal status during the acting
// phase, mutating plan.Actions in place.
type Actor interface {
	Act(ctx context.Context, plan *models.Plan) error
}

// Reflector summarizes a completed Plan into a Reflection during the
// reflecting phase.
type Reflector interface {
	Reflect(ctx context.Context, plan models.Plan) (models.Reflection, error)
}

// CacheRefresher refreshes whatever local store backs a reasoning loop's
// tool set. The acting phase is the only one that triggers a refresh —
// remote (MCP) tools may appear only there — but Loop calls it on every
// gate update per spec, and a no-op implementation is a valid refresher.
type CacheRefresher interface {
	Refresh(ctx context.Context) error
}

// PromptBuilder regenerates an agent's system prompt to reflect the current
// phase and allowed tool set.
type PromptBuilder func(phase models.Phase, allowedTools []string) string

// PhaseToolSets configures which tools are offered in each ORPAR phase. A
// nil/empty Acting set means "no gate" — the full agent tool set applies.
type PhaseToolSets struct {
	Observing  []string
	Reasoning  []string
	Planning   []string
	Acting     []string
	Reflecting []string
}

func (s PhaseToolSets) forPhase(phase models.Phase) []string {
	switch phase {
	case models.PhaseObserving:
		return s.Observing
	case models.PhaseReasoning:
		return s.Reasoning
	case models.PhasePlanning:
		return s.Planning
	case models.PhaseActing:
		return s.Acting
	case models.PhaseReflecting:
		return s.Reflecting
	default:
		return nil
	}
}

// Config wires a Loop's collaborators. Reasoner, Planner, Actor, and
// Reflector are required; the rest have working defaults.
type Config struct {
	Reasoner  Reasoner
	Planner   Planner
	Actor     Actor
	Reflector Reflector

	Agent     *models.Agent
	ToolGate  PhaseToolSets
	Cache     CacheRefresher
	Prompt    PromptBuilder
	Bus       *bus.Bus
}

func defaultPromptBuilder(phase models.Phase, tools []string) string {
	return fmt.Sprintf("phase: %s, allowed tools: %v", phase, tools)
}

// noopCache satisfies CacheRefresher for callers that have no local cache
// to refresh (e.g. tests, or agents with a static tool set).
type noopCache struct{}

func (noopCache) Refresh(context.Context) error { return nil }

// Loop owns one ControlLoop: the ORPAR phase machine for a single task,
// gating the owning agent's tool set per phase and emitting ControlLoop
// family events on Bus as it transitions.
type Loop struct {
	mu     sync.Mutex
	cl     models.ControlLoop
	config Config
}

// Initialize creates a Loop for task owned by ownerAgentID, in phase idle.
// It does not start the loop or emit any event; call Start for that.
func Initialize(ownerAgentID string, task *models.Task, config Config) *Loop {
	if config.Cache == nil {
		config.Cache = noopCache{}
	}
	if config.Prompt == nil {
		config.Prompt = defaultPromptBuilder
	}

	taskID := ""
	if task != nil {
		taskID = task.ID
	}

	l := &Loop{
		cl: models.ControlLoop{
			ID:           uuid.NewString(),
			OwnerAgentID: ownerAgentID,
			TaskID:       taskID,
			Phase:        models.PhaseIdle,
			CreatedAt:    time.Now(),
			UpdatedAt:    time.Now(),
		},
		config: config,
	}
	l.publish(models.EventControlLoopInitialize, nil)
	return l
}

// Snapshot returns a copy of the loop's current ControlLoop state.
func (l *Loop) Snapshot() models.ControlLoop {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := l.cl
	cp.Observations = append([]models.Observation(nil), l.cl.Observations...)
	cp.PlanHistory = append([]models.Plan(nil), l.cl.PlanHistory...)
	return cp
}

// Start transitions the loop from idle to observing, installs task as a
// task-observation (spec §4.7: "the task is injected as a task-observation"),
// and applies the observing-phase tool gate.
func (l *Loop) Start(ctx context.Context, task *models.Task) error {
	l.mu.Lock()
	if l.cl.Phase != models.PhaseIdle {
		l.mu.Unlock()
		return fmt.Errorf("controlloop: cannot start from phase %q", l.cl.Phase)
	}
	l.mu.Unlock()

	if task != nil {
		obs := models.Observation{
			ID:        uuid.NewString(),
			Source:    "task",
			Content:   task.Summary,
			Data:      map[string]any{"task_id": task.ID, "description": task.Description},
			CreatedAt: time.Now(),
		}
		l.mu.Lock()
		l.cl.Observations = append(l.cl.Observations, obs)
		l.mu.Unlock()
	}

	l.publish(models.EventControlLoopStart, nil)
	return l.transition(ctx, models.PhaseObserving)
}

// Stop transitions the loop to stopped and clears its tool gate.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	phase := l.cl.Phase
	l.mu.Unlock()
	if phase == models.PhaseStopped {
		return nil
	}
	if err := l.transition(ctx, models.PhaseStopped); err != nil {
		return err
	}
	l.publish(models.EventControlLoopStop, nil)
	return nil
}

// SubmitObservation appends obs to the loop's observation queue. It does
// not itself advance the phase; Step or Run picks it up on the next pass
// through the observing phase.
func (l *Loop) SubmitObservation(obs models.Observation) {
	l.mu.Lock()
	l.cl.Observations = append(l.cl.Observations, obs)
	l.mu.Unlock()
	l.publish(models.EventControlLoopObservationSubmit, map[string]any{"observation_id": obs.ID})
}

// Phase returns the loop's current phase.
func (l *Loop) Phase() models.Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cl.Phase
}

func (l *Loop) fail(err error) {
	l.mu.Lock()
	l.cl.Phase = models.PhaseError
	l.cl.UpdatedAt = time.Now()
	l.mu.Unlock()
	l.publish(models.EventAgentError, map[string]any{"error": err.Error()})
}

func (l *Loop) publish(eventType string, data map[string]any) {
	if l.config.Bus == nil {
		return
	}
	l.mu.Lock()
	agentID, channelID := l.cl.OwnerAgentID, ""
	if l.config.Agent != nil {
		channelID = l.config.Agent.ChannelID
	}
	l.mu.Unlock()
	l.config.Bus.Publish(models.NewEnvelope(uuid.NewString(), eventType, agentID, channelID, data, time.Now()))
}
