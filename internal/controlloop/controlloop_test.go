package controlloop

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/mxf/agent-runtime/internal/bus"
	"github.com/mxf/agent-runtime/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReasoner struct{ summary string }

func (f fakeReasoner) Reason(ctx context.Context, observations []models.Observation) (models.Reasoning, error) {
	return models.Reasoning{Summary: f.summary, Confidence: 0.9}, nil
}

type fakePlanner struct{ actions []models.PlanAction }

func (f fakePlanner) Plan(ctx context.Context, reasoning models.Reasoning) (models.Plan, error) {
	return models.Plan{Actions: append([]models.PlanAction(nil), f.actions...)}, nil
}

type fakeActor struct{ calls int }

func (f *fakeActor) Act(ctx context.Context, plan *models.Plan) error {
	f.calls++
	for i := range plan.Actions {
		plan.Actions[i].Status = models.PlanActionDone
		plan.Actions[i].Result = "ok"
	}
	return nil
}

type fakeReflector struct{}

func (fakeReflector) Reflect(ctx context.Context, plan models.Plan) (models.Reflection, error) {
	return models.Reflection{Summary: "all actions completed", Succeeded: plan.AllDone()}, nil
}

func newTestLoop(t *testing.T, agent *models.Agent, b *bus.Bus) (*Loop, *fakeActor) {
	t.Helper()
	actor := &fakeActor{}
	loop := Initialize("agent-1", &models.Task{ID: "task-1", Summary: "do the thing"}, Config{
		Reasoner:  fakeReasoner{summary: "need to do the thing"},
		Planner:   fakePlanner{actions: []models.PlanAction{{ID: "a1", Description: "step one"}}},
		Actor:     actor,
		Reflector: fakeReflector{},
		Agent:     agent,
		Bus:       b,
		ToolGate: PhaseToolSets{
			Observing:  []string{"discover_files"},
			Reasoning:  nil,
			Planning:   []string{"plan_create"},
			Acting:     []string{"discover_files", "exec_shell", "task_complete"},
			Reflecting: []string{"task_complete"},
		},
	})
	return loop, actor
}

func TestLoop_InitializeStartsInIdlePhase(t *testing.T) {
	loop, _ := newTestLoop(t, &models.Agent{ID: "agent-1"}, nil)
	assert.Equal(t, models.PhaseIdle, loop.Phase())
}

func TestLoop_StartInjectsTaskObservationAndEntersObserving(t *testing.T) {
	agent := &models.Agent{ID: "agent-1", ChannelID: "chan-1"}
	loop, _ := newTestLoop(t, agent, nil)

	require.NoError(t, loop.Start(context.Background(), &models.Task{ID: "task-1", Summary: "do the thing"}))

	assert.Equal(t, models.PhaseObserving, loop.Phase())
	snap := loop.Snapshot()
	require.Len(t, snap.Observations, 1)
	assert.Equal(t, "task", snap.Observations[0].Source)
	assert.Equal(t, []string{"discover_files"}, agent.AllowedTools)
}

func TestLoop_RunDrivesFullCycleAndLoopsBackToObserving(t *testing.T) {
	agent := &models.Agent{ID: "agent-1", ChannelID: "chan-1"}
	loop, actor := newTestLoop(t, agent, nil)

	require.NoError(t, loop.Start(context.Background(), &models.Task{ID: "task-1", Summary: "do the thing"}))
	require.NoError(t, loop.Run(context.Background()))

	assert.Equal(t, models.PhaseObserving, loop.Phase())
	assert.Equal(t, 1, actor.calls)

	snap := loop.Snapshot()
	assert.Nil(t, snap.Plan)
	assert.Nil(t, snap.Current)
	assert.Empty(t, snap.Observations)
	require.Len(t, snap.PlanHistory, 1)
	assert.Equal(t, models.PlanActionDone, snap.PlanHistory[0].Actions[0].Status)

	assert.Equal(t, []string{"discover_files"}, agent.AllowedTools)
}

func TestLoop_RunStopsAtObservingWithoutNewObservations(t *testing.T) {
	agent := &models.Agent{ID: "agent-1"}
	loop, actor := newTestLoop(t, agent, nil)

	require.NoError(t, loop.Start(context.Background(), nil))
	require.NoError(t, loop.Run(context.Background()))

	assert.Equal(t, models.PhaseObserving, loop.Phase())
	assert.Equal(t, 0, actor.calls)
}

func TestLoop_SubmitObservationResumesRun(t *testing.T) {
	agent := &models.Agent{ID: "agent-1"}
	loop, actor := newTestLoop(t, agent, nil)

	require.NoError(t, loop.Start(context.Background(), nil))
	require.NoError(t, loop.Run(context.Background()))
	require.Equal(t, 0, actor.calls)

	loop.SubmitObservation(models.Observation{ID: uuid.NewString(), Source: "tool_result", Content: "file list"})
	require.NoError(t, loop.Run(context.Background()))

	assert.Equal(t, 1, actor.calls)
	assert.Equal(t, models.PhaseObserving, loop.Phase())
}

func TestLoop_StopClearsGateAndSetsStoppedPhase(t *testing.T) {
	agent := &models.Agent{ID: "agent-1"}
	loop, _ := newTestLoop(t, agent, nil)

	require.NoError(t, loop.Start(context.Background(), nil))
	require.NoError(t, loop.Stop(context.Background()))

	assert.Equal(t, models.PhaseStopped, loop.Phase())
}

func TestLoop_StartTwiceReturnsError(t *testing.T) {
	agent := &models.Agent{ID: "agent-1"}
	loop, _ := newTestLoop(t, agent, nil)

	require.NoError(t, loop.Start(context.Background(), nil))
	err := loop.Start(context.Background(), nil)
	assert.Error(t, err)
}

func TestLoop_PhaseTransitionsEmitEventsOnBus(t *testing.T) {
	agent := &models.Agent{ID: "agent-1", ChannelID: "chan-1"}
	b := bus.New(nil)

	var reflections []models.Envelope
	var gateUpdates []models.Envelope
	b.Subscribe(models.EventControlLoopReflection, nil, func(env models.Envelope) {
		reflections = append(reflections, env)
	})
	b.Subscribe(models.EventAgentAllowedToolsUpdate, nil, func(env models.Envelope) {
		gateUpdates = append(gateUpdates, env)
	})

	loop, _ := newTestLoop(t, agent, b)
	require.NoError(t, loop.Start(context.Background(), &models.Task{ID: "task-1", Summary: "do the thing"}))
	require.NoError(t, loop.Run(context.Background()))

	require.Len(t, reflections, 1)
	assert.Equal(t, true, reflections[0].Data["succeeded"])

	// observing, reasoning, planning, acting, reflecting, observing (again).
	assert.GreaterOrEqual(t, len(gateUpdates), 5)
}

func TestLoop_ActingPhaseWidensToolGate(t *testing.T) {
	agent := &models.Agent{ID: "agent-1"}
	loop, _ := newTestLoop(t, agent, nil)

	require.NoError(t, loop.Start(context.Background(), &models.Task{ID: "task-1", Summary: "do the thing"}))
	// observing -> reasoning
	progressed, err := loop.Step(context.Background())
	require.NoError(t, err)
	require.True(t, progressed)
	// reasoning -> planning
	progressed, err = loop.Step(context.Background())
	require.NoError(t, err)
	require.True(t, progressed)
	// planning -> acting
	progressed, err = loop.Step(context.Background())
	require.NoError(t, err)
	require.True(t, progressed)

	assert.Equal(t, models.PhaseActing, loop.Phase())
	assert.Equal(t, []string{"discover_files", "exec_shell", "task_complete"}, agent.AllowedTools)
}
