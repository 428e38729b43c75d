package models

import "time"

// TaskState is the lifecycle state of a task assigned to an agent (the Task
// event family: assigned, started, progress_updated, completed, failed,
// cancelled).
type TaskState string

const (
	TaskStateAssigned  TaskState = "assigned"
	TaskStateStarted   TaskState = "started"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCancelled TaskState = "cancelled"
)

// CompletionMode determines which agent is permitted to auto-call
// task_complete when no explicit designation is made.
type CompletionMode string

const (
	// CompletionModeDesignated honors Task.CompletionAgentID exactly.
	CompletionModeDesignated CompletionMode = "designated"
	// CompletionModeSoleAssignee permits completion when the agent is the
	// only one assigned to the task.
	CompletionModeSoleAssignee CompletionMode = "sole_assignee"
	// CompletionModeLeadAgent permits the lead agent of a collaborative
	// task to complete it.
	CompletionModeLeadAgent CompletionMode = "lead_agent"
)

// Task is an assignment handed to one or more agents, installed as the
// active task before user-visible processing starts.
type Task struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`

	Summary     string   `json:"summary"`
	Description string   `json:"description,omitempty"`
	AssigneeIDs []string `json:"assignee_ids"`

	// LeadAgentID is the lead of a collaborative task, eligible to
	// auto-complete under CompletionModeLeadAgent.
	LeadAgentID string `json:"lead_agent_id,omitempty"`

	// CompletionAgentID, if set, is the only agent allowed to auto-call
	// task_complete (completion precedence tier i overrides this with an
	// explicit tool call from any agent; this field governs tier ii).
	CompletionAgentID string `json:"completion_agent_id,omitempty"`

	// Orchestrated marks that the owning channel enables system-level
	// orchestration: a ControlLoop is installed on first task arrival.
	Orchestrated bool `json:"orchestrated"`

	State     TaskState `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// CancelledAt marks when external cancellation occurred. Already
	// in-flight tool invocations are not aborted; their results are
	// discarded if they arrive after this marker is set.
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	FailureReason string         `json:"failure_reason,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// CanAutoComplete evaluates completion precedence tiers (ii)-(iv) for
// agentID: (ii) designated completion agent, (iii) sole assignee, (iv) lead
// of a collaborative task. Tier (i), the explicit task_complete tool call,
// is handled by the reasoning loop directly and always wins regardless of
// this method's answer.
func (t *Task) CanAutoComplete(agentID string) bool {
	if t == nil || agentID == "" {
		return false
	}
	if t.CompletionAgentID != "" {
		return t.CompletionAgentID == agentID
	}
	if len(t.AssigneeIDs) == 1 && t.AssigneeIDs[0] == agentID {
		return true
	}
	if t.LeadAgentID != "" && t.LeadAgentID == agentID {
		return true
	}
	return false
}

// Cancelled reports whether the task was cancelled as of t.
func (t *Task) Cancelled() bool {
	return t != nil && t.CancelledAt != nil
}

// Phase is an ORPAR (Observe-Reason-Plan-Act-Reflect) control-loop phase.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseObserving  Phase = "observing"
	PhaseReasoning  Phase = "reasoning"
	PhasePlanning   Phase = "planning"
	PhaseActing     Phase = "acting"
	PhaseReflecting Phase = "reflecting"
	PhaseStopped    Phase = "stopped"
	PhaseError      Phase = "error"
)

// Observation is one unit of input submitted to a control loop: the
// triggering task, a tool result, or an externally reported event.
type Observation struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`
	Content   string         `json:"content"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Reasoning is the control loop's current interpretation of its
// observations, produced during the reasoning phase.
type Reasoning struct {
	Summary    string    `json:"summary"`
	Confidence float64   `json:"confidence,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// PlanActionStatus is the lifecycle of one step within a Plan.
type PlanActionStatus string

const (
	PlanActionPending   PlanActionStatus = "pending"
	PlanActionRunning   PlanActionStatus = "running"
	PlanActionDone      PlanActionStatus = "done"
	PlanActionFailed    PlanActionStatus = "failed"
	PlanActionSkipped   PlanActionStatus = "skipped"
)

// PlanAction is a single planned step, produced during the planning phase
// and executed during the acting phase.
type PlanAction struct {
	ID          string           `json:"id"`
	Description string           `json:"description"`
	ToolName    string           `json:"tool_name,omitempty"`
	Status      PlanActionStatus `json:"status"`
	Result      string           `json:"result,omitempty"`
}

// Plan is the output of the planning phase: an ordered sequence of
// PlanActions the acting phase will drive to completion.
type Plan struct {
	ID        string       `json:"id"`
	Actions   []PlanAction `json:"actions"`
	CreatedAt time.Time    `json:"created_at"`
}

// AllDone reports whether every action in the plan has reached a terminal
// status (done, failed, or skipped).
func (p *Plan) AllDone() bool {
	if p == nil {
		return true
	}
	for _, a := range p.Actions {
		if a.Status == PlanActionPending || a.Status == PlanActionRunning {
			return false
		}
	}
	return true
}

// Reflection is generated from a completed Plan during the reflecting
// phase and emitted as a control-loop reflection event.
type Reflection struct {
	PlanID    string    `json:"plan_id"`
	Summary   string    `json:"summary"`
	Succeeded bool      `json:"succeeded"`
	CreatedAt time.Time `json:"created_at"`
}

// ControlLoop is the ORPAR state machine owned by one agent: a phase, an
// observation queue, the current reasoning and plan, and a history of
// completed plans used as reflection input.
type ControlLoop struct {
	ID           string `json:"id"`
	OwnerAgentID string `json:"owner_agent_id"`
	TaskID       string `json:"task_id"`

	Phase Phase `json:"phase"`

	Observations []Observation `json:"observations,omitempty"`
	Current      *Reasoning    `json:"current_reasoning,omitempty"`
	Plan         *Plan         `json:"plan,omitempty"`

	PlanHistory []Plan `json:"plan_history,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
