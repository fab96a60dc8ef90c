package scheduler

import (
	"context"
	"time"

	"github.com/blockci/enginecore/internal/domain"
)

// Run subscribes to the event bus and drains it on the calling goroutine,
// dispatching each event to its handler and ticking CheckTimeouts on
// cfg.DispatchTick. This is the single writer loop spec.md §5 requires —
// callers should run it in its own goroutine and cancel ctx to stop it.
func (s *Scheduler) Run(ctx context.Context) error {
	events, unsubscribe, err := s.bus.Subscribe(ctx, "**")
	if err != nil {
		return err
	}
	defer unsubscribe()

	tick := s.cfg.DispatchTick
	if tick <= 0 {
		tick = 5 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.CheckTimeouts(ctx)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.handleEvent(ctx, ev)
		}
	}
}

// handleEvent routes one bus event to the scheduler method that owns its
// state transition. Events this scheduler itself published (run.queued,
// step.dispatched, ...) pass through harmlessly since none of the cases
// below match their kind.
func (s *Scheduler) handleEvent(ctx context.Context, ev domain.Event) {
	switch e := ev.(type) {
	case domain.StepCompletedEvent:
		s.HandleStepCompleted(ctx, e)
	case domain.StepCancelledEvent:
		s.HandleStepCancelled(ctx, e)
	case domain.JobAcceptedEvent:
		s.HandleJobAccepted(ctx, e)
	case domain.AgentHeartbeatEvent:
		s.onAgentAvailable(ctx)
	case domain.AgentRegisteredEvent:
		s.onAgentAvailable(ctx)
	case domain.AgentDeregisteredEvent:
		s.HandleAgentOffline(ctx, e)
	}
}

// onAgentAvailable re-runs dispatch for every active run — a newly idle or
// newly registered agent may unblock steps that had no matching agent on
// their last pass.
func (s *Scheduler) onAgentAvailable(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.active {
		s.dispatchPass(ctx, run)
	}
}
