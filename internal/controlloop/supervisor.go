package controlloop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/mxf/agent-runtime/pkg/models"
)

// ID returns the loop's stable identifier, assigned once at Initialize and
// never mutated, so it is safe to read without the loop's mutex.
func (l *Loop) ID() string { return l.cl.ID }

// Supervisor ticks every registered Loop on a fixed cycle interval,
// reusing robfig/cron's "@every" scheduling — the same primitive that
// drives calendar-based ScheduledTasks (internal/tasks) — rather than a
// bespoke ticker.
type Supervisor struct {
	mu     sync.Mutex
	loops  map[string]*Loop
	cron   *cron.Cron
	logger *slog.Logger
}

// NewSupervisor creates a Supervisor that advances every registered loop
// once per cycleInterval.
func NewSupervisor(cycleInterval time.Duration, logger *slog.Logger) (*Supervisor, error) {
	if cycleInterval <= 0 {
		cycleInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default().With("component", "controlloop-supervisor")
	}

	s := &Supervisor{
		loops:  make(map[string]*Loop),
		cron:   cron.New(),
		logger: logger,
	}

	spec := fmt.Sprintf("@every %s", cycleInterval)
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("controlloop: schedule cycle interval: %w", err)
	}
	return s, nil
}

// Register adds loop to the supervisor's tick set.
func (s *Supervisor) Register(loop *Loop) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loops[loop.ID()] = loop
}

// Unregister removes a loop from the tick set, typically once it reaches
// stopped or error.
func (s *Supervisor) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.loops, id)
}

// Start begins ticking in the background.
func (s *Supervisor) Start() { s.cron.Start() }

// Stop halts ticking and returns a context that completes once any
// in-flight tick finishes.
func (s *Supervisor) Stop() context.Context { return s.cron.Stop() }

func (s *Supervisor) tick() {
	s.mu.Lock()
	loops := make([]*Loop, 0, len(s.loops))
	for _, l := range s.loops {
		loops = append(loops, l)
	}
	s.mu.Unlock()

	for _, l := range loops {
		phase := l.Phase()
		if phase == models.PhaseStopped || phase == models.PhaseError || phase == models.PhaseIdle {
			continue
		}
		if err := l.Run(context.Background()); err != nil {
			s.logger.Error("controlloop cycle failed", "loop_id", l.ID(), "error", err)
		}
	}
}
