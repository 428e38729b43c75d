package controlloop

import (
	"context"
	"testing"
	"time"

	"github.com/mxf/agent-runtime/pkg/models"
	"github.com/stretchr/testify/require"
)

type signalingActor struct {
	acted chan struct{}
}

func (a *signalingActor) Act(ctx context.Context, plan *models.Plan) error {
	for i := range plan.Actions {
		plan.Actions[i].Status = models.PlanActionDone
	}
	select {
	case a.acted <- struct{}{}:
	default:
	}
	return nil
}

func TestSupervisor_TicksRegisteredLoopThroughACycle(t *testing.T) {
	agent := &models.Agent{ID: "agent-1"}
	actor := &signalingActor{acted: make(chan struct{}, 1)}

	loop := Initialize("agent-1", &models.Task{ID: "task-1", Summary: "patrol"}, Config{
		Reasoner:  fakeReasoner{summary: "keep patrolling"},
		Planner:   fakePlanner{actions: []models.PlanAction{{ID: "a1", Description: "sweep"}}},
		Actor:     actor,
		Reflector: fakeReflector{},
		Agent:     agent,
	})
	require.NoError(t, loop.Start(context.Background(), &models.Task{ID: "task-1", Summary: "patrol"}))

	sup, err := NewSupervisor(20*time.Millisecond, nil)
	require.NoError(t, err)
	sup.Register(loop)
	sup.Start()
	defer func() { <-sup.Stop().Done() }()

	select {
	case <-actor.acted:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never ticked the loop through acting phase")
	}

	require.Equal(t, models.PhaseObserving, loop.Phase())
}

func TestSupervisor_UnregisterStopsFurtherTicks(t *testing.T) {
	agent := &models.Agent{ID: "agent-1"}
	actor := &signalingActor{acted: make(chan struct{}, 4)}

	loop := Initialize("agent-1", nil, Config{
		Reasoner:  fakeReasoner{summary: "keep patrolling"},
		Planner:   fakePlanner{actions: []models.PlanAction{{ID: "a1", Description: "sweep"}}},
		Actor:     actor,
		Reflector: fakeReflector{},
		Agent:     agent,
	})
	require.NoError(t, loop.Start(context.Background(), nil))

	sup, err := NewSupervisor(15*time.Millisecond, nil)
	require.NoError(t, err)
	sup.Register(loop)
	sup.Unregister(loop.ID())
	sup.Start()
	defer func() { <-sup.Stop().Done() }()

	select {
	case <-actor.acted:
		t.Fatal("unregistered loop should not have been ticked")
	case <-time.After(100 * time.Millisecond):
	}
}
