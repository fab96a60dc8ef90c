package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blockci/enginecore/internal/domain"
	"github.com/blockci/enginecore/internal/logging"
	"github.com/blockci/enginecore/internal/ports"
)

// LeaseManager issues and tracks step leases, grounded on maestro_v2's
// internal/daemon.LeaseManager: acquire bumps a monotonically increasing
// sequence number, extend refreshes the deadline without touching the
// sequence, and a stale/expired lease is simply superseded by the next
// acquire rather than requiring explicit cleanup. The sequence is what lets
// the scheduler ignore a zombie agent's late step report (spec.md §5.2).
type LeaseManager struct {
	mu       sync.Mutex
	leaseDur time.Duration
	leases   ports.LeaseRepository
	log      *logging.Logger

	sequences map[domain.StepID]uint64
}

// NewLeaseManager constructs a LeaseManager backed by a LeaseRepository.
func NewLeaseManager(leaseDur time.Duration, repo ports.LeaseRepository, log *logging.Logger) *LeaseManager {
	return &LeaseManager{
		leaseDur:  leaseDur,
		leases:    repo,
		log:       log,
		sequences: make(map[domain.StepID]uint64),
	}
}

// Acquire issues a new lease for a step/agent pair, incrementing the
// step's sequence number past any prior lease (including ones the
// scheduler never heard resolve).
func (lm *LeaseManager) Acquire(ctx context.Context, stepID domain.StepID, agentID domain.AgentID) (*domain.Lease, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	current, _, err := lm.leases.CurrentSequence(ctx, stepID)
	if err != nil {
		return nil, fmt.Errorf("load current sequence: %w", err)
	}
	seq := current + 1

	now := time.Now().UTC()
	lease := &domain.Lease{
		ID:       domain.NewLeaseID(),
		StepID:   stepID,
		AgentID:  agentID,
		Sequence: seq,
		IssuedAt: now,
		Deadline: now.Add(lm.leaseDur),
	}
	if err := lm.leases.Insert(ctx, lease); err != nil {
		return nil, fmt.Errorf("insert lease: %w", err)
	}
	lm.sequences[stepID] = seq

	lm.log.Debugf("lease_acquire step=%s agent=%s seq=%d deadline=%s", stepID, agentID, seq, lease.Deadline)
	return lease, nil
}

// Extend pushes a lease's deadline forward without touching its sequence —
// used when an agent's heartbeat reports a step still genuinely in
// progress.
func (lm *LeaseManager) Extend(lease *domain.Lease) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lease.Deadline = time.Now().UTC().Add(lm.leaseDur)
	lm.log.Debugf("lease_extend step=%s seq=%d new_deadline=%s", lease.StepID, lease.Sequence, lease.Deadline)
}

// Revoke invalidates the current lease on a step before its deadline (used
// on cancellation or zombie-agent detection), freeing the step to be
// re-dispatched.
func (lm *LeaseManager) Revoke(ctx context.Context, lease *domain.Lease) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if err := lm.leases.Revoke(ctx, lease.StepID); err != nil {
		return fmt.Errorf("revoke lease: %w", err)
	}
	lm.log.Infof("lease_revoke step=%s seq=%d", lease.StepID, lease.Sequence)
	return nil
}

// IsCurrent reports whether seq is still the most recently issued
// sequence for stepID — a report carrying an older sequence is from a
// zombie and must be dropped, never applied to run state.
func (lm *LeaseManager) IsCurrent(stepID domain.StepID, seq uint64) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.sequences[stepID] == seq
}
