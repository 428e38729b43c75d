package controlloop

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mxf/agent-runtime/pkg/models"
)

// Step advances the loop by exactly one ORPAR phase transition and reports
// whether it made progress. It returns (false, nil) when the loop is
// waiting on more observations, has stopped, or has errored — the caller
// (a ticker, or SubmitObservation's caller) should call Step again once
// there is new input or simply stop driving the loop.
func (l *Loop) Step(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	phase := l.Phase()
	switch phase {
	case models.PhaseIdle, models.PhaseStopped, models.PhaseError:
		return false, nil

	case models.PhaseObserving:
		l.mu.Lock()
		hasObservations := len(l.cl.Observations) > 0
		l.mu.Unlock()
		if !hasObservations {
			return false, nil
		}
		return true, l.transition(ctx, models.PhaseReasoning)

	case models.PhaseReasoning:
		l.mu.Lock()
		observations := append([]models.Observation(nil), l.cl.Observations...)
		l.mu.Unlock()

		reasoning, err := l.config.Reasoner.Reason(ctx, observations)
		if err != nil {
			l.fail(err)
			return false, err
		}
		reasoning.CreatedAt = time.Now()

		l.mu.Lock()
		l.cl.Current = &reasoning
		l.mu.Unlock()
		return true, l.transition(ctx, models.PhasePlanning)

	case models.PhasePlanning:
		l.mu.Lock()
		reasoning := l.cl.Current
		l.mu.Unlock()
		if reasoning == nil {
			reasoning = &models.Reasoning{}
		}

		plan, err := l.config.Planner.Plan(ctx, *reasoning)
		if err != nil {
			l.fail(err)
			return false, err
		}
		plan.CreatedAt = time.Now()
		if plan.ID == "" {
			plan.ID = uuid.NewString()
		}

		l.mu.Lock()
		l.cl.Plan = &plan
		l.mu.Unlock()
		return true, l.transition(ctx, models.PhaseActing)

	case models.PhaseActing:
		l.mu.Lock()
		plan := l.cl.Plan
		l.mu.Unlock()
		if plan == nil {
			return true, l.transition(ctx, models.PhaseReflecting)
		}

		if err := l.config.Actor.Act(ctx, plan); err != nil {
			l.fail(err)
			return false, err
		}
		return true, l.transition(ctx, models.PhaseReflecting)

	case models.PhaseReflecting:
		l.mu.Lock()
		var plan models.Plan
		if l.cl.Plan != nil {
			plan = *l.cl.Plan
		}
		l.mu.Unlock()

		reflection, err := l.config.Reflector.Reflect(ctx, plan)
		if err != nil {
			l.fail(err)
			return false, err
		}
		reflection.PlanID = plan.ID
		reflection.CreatedAt = time.Now()

		l.mu.Lock()
		l.cl.PlanHistory = append(l.cl.PlanHistory, plan)
		l.cl.Plan = nil
		l.cl.Current = nil
		l.cl.Observations = nil
		l.mu.Unlock()

		l.publish(models.EventControlLoopReflection, map[string]any{
			"plan_id":   reflection.PlanID,
			"succeeded": reflection.Succeeded,
			"summary":   reflection.Summary,
		})
		return true, l.transition(ctx, models.PhaseObserving)

	default:
		return false, nil
	}
}

// Run drives Step repeatedly until it makes no further progress (the loop
// is waiting on observations), stops, or errors, or ctx is cancelled. It is
// the single-goroutine driver a channel's orchestrator calls once per
// incoming event or scheduler tick; it never blocks waiting for input.
func (l *Loop) Run(ctx context.Context) error {
	for {
		progressed, err := l.Step(ctx)
		if err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
}
