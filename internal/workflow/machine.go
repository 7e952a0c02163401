package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rollcall.dev/internal/bus"
	"rollcall.dev/internal/identity"
	"rollcall.dev/internal/ids"
	"rollcall.dev/internal/obs"
	"rollcall.dev/internal/proxypool"
	"rollcall.dev/internal/retry"
)

// Machine drives one identity from an assigned proxy to a terminal status:
// mailbox verification, platform verification with a single recovery branch
// on wrong password, then an advisory security audit. Transient failures are
// retried per the policy; cancellation and the run deadline are observed only
// at step boundaries, never mid-step.
type Machine struct {
	registry *Registry
	policy   *retry.Policy
	pool     *proxypool.Pool
	bus      *bus.Bus

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// Option configures Machine.
type Option func(*Machine)

// WithClock overrides the time source. Only intended for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSleep overrides the backoff wait. Only intended for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration)) Option {
	return func(m *Machine) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

// NewMachine wires the driver to its collaborators.
func NewMachine(registry *Registry, policy *retry.Policy, pool *proxypool.Pool, b *bus.Bus, opts ...Option) *Machine {
	m := &Machine{
		registry: registry,
		policy:   policy,
		pool:     pool,
		bus:      b,
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Process runs the full pipeline for one identity holding the given lease.
// The identity must be in proxy_assigned. The returned lease is the one held
// when the run closed; it is zero when a rotation starved mid-run, and the
// caller must release it exactly when non-zero. The returned run is always
// closed unless err reports an invariant violation.
func (m *Machine) Process(ctx context.Context, id *identity.Identity, lease proxypool.Lease) (*Run, proxypool.Lease, error) {
	if id.Status != identity.StatusProxyAssigned {
		return nil, lease, fmt.Errorf("workflow: identity %s not ready to run: %s", id.ID, id.Status)
	}
	run := &Run{
		ID:         ids.NewRun(),
		IdentityID: id.ID,
		StartedAt:  m.now(),
	}
	run.noteProxy(lease.ProxyID)

	if err := m.transition(run, id, identity.StatusMailboxVerifying, "mailbox verification started"); err != nil {
		return run, lease, err
	}
	outcome, err := m.driveStep(ctx, run, id, &lease, SlotMailbox)
	if err != nil {
		reason, detail := stopReason(err)
		return run, lease, m.finish(run, id, identity.StatusFailed, reason, detail)
	}
	switch outcome.Kind {
	case OutcomeSuccess:
	case OutcomeManual:
		return run, lease, m.finish(run, id, outcome.TerminalStatus(), outcome.Reason, outcome.Detail)
	default:
		return run, lease, m.finish(run, id, identity.StatusFailed, outcome.Reason, outcome.Detail)
	}

	if err := m.transition(run, id, identity.StatusPlatformVerifying, "platform verification started"); err != nil {
		return run, lease, err
	}
	recovered := false
	for {
		outcome, err = m.driveStep(ctx, run, id, &lease, SlotPlatform)
		if err != nil {
			reason, detail := stopReason(err)
			return run, lease, m.finish(run, id, identity.StatusFailed, reason, detail)
		}
		if outcome.Kind == OutcomeSuccess {
			break
		}
		if outcome.Kind == OutcomeManual {
			return run, lease, m.finish(run, id, outcome.TerminalStatus(), outcome.Reason, outcome.Detail)
		}
		if outcome.Reason == ReasonWrongPassword && !recovered {
			// One recovery branch per run: reset the platform credential
			// through the recovery step, then retry the login once.
			recovered = true
			if err := m.transition(run, id, identity.StatusRecoveryInProgress, "credential recovery started"); err != nil {
				return run, lease, err
			}
			rec, rerr := m.driveStep(ctx, run, id, &lease, SlotRecovery)
			if rerr != nil {
				reason, detail := stopReason(rerr)
				return run, lease, m.finish(run, id, identity.StatusFailed, reason, detail)
			}
			switch rec.Kind {
			case OutcomeSuccess:
				if err := m.transition(run, id, identity.StatusPlatformVerifying, "credentials recovered, retrying platform login"); err != nil {
					return run, lease, err
				}
				continue
			case OutcomeManual:
				return run, lease, m.finish(run, id, rec.TerminalStatus(), rec.Reason, rec.Detail)
			default:
				return run, lease, m.finish(run, id, identity.StatusFailed, rec.Reason, rec.Detail)
			}
		}
		return run, lease, m.finish(run, id, identity.StatusFailed, outcome.Reason, outcome.Detail)
	}

	if err := m.transition(run, id, identity.StatusSecurityAuditing, "security audit started"); err != nil {
		return run, lease, err
	}
	detail := "pipeline completed"
	outcome, err = m.driveStep(ctx, run, id, &lease, SlotAudit)
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		reason, d := stopReason(err)
		return run, lease, m.finish(run, id, identity.StatusFailed, reason, d)
	case err != nil:
		m.advisory(run, id, err.Error())
		detail = "completed; security audit advisory: " + err.Error()
	case outcome.Kind != OutcomeSuccess:
		m.advisory(run, id, outcome.Detail)
		detail = "completed; security audit advisory: " + outcome.Detail
	}

	id.ActivityDays++
	return run, lease, m.finish(run, id, identity.StatusCompleted, ReasonNone, detail)
}

// driveStep executes one slot until success, a non-retryable outcome or an
// exhausted retry budget, retrying transients per the policy. The returned
// outcome is the last one observed; a transient outcome therefore means the
// budget ran out. A non-nil error is a stop condition outside the outcome
// taxonomy: cancellation, the deadline, or proxy starvation during rotation,
// after which the lease may be zero.
func (m *Machine) driveStep(ctx context.Context, run *Run, id *identity.Identity, lease *proxypool.Lease, slot Slot) (Outcome, error) {
	step, err := m.registry.Resolve(slot, providerFor(slot, *id))
	if err != nil {
		return Outcome{}, err
	}
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		attempt++
		start := m.now()
		outcome := step.Execute(ctx, *id, *lease)
		took := m.now().Sub(start)
		obs.ObserveStep(string(slot), took)
		run.record(StepResult{
			Step:    string(slot),
			Attempt: attempt,
			Kind:    outcome.Kind,
			Reason:  outcome.Reason,
			Detail:  outcome.Detail,
			Proxy:   lease.ProxyID,
			Took:    took,
			At:      m.now(),
		})

		if outcome.Kind == OutcomeSuccess {
			_ = m.pool.ReportSuccess(lease.ProxyID)
		} else if outcome.ProxyFault {
			// Proxy-attributable failures feed the pool's death threshold;
			// the policy maps the same attribution to rotation, so a proxy
			// that just died is never retried.
			_, _ = m.pool.ReportFailure(lease.ProxyID)
		}

		if outcome.Kind != OutcomeTransient {
			return outcome, nil
		}

		decision := m.policy.Decide(string(slot), attempt, outcome.RetryKind())
		switch decision.Action {
		case retry.ActionAbort:
			return outcome, nil
		case retry.ActionRotateProxyAndRetry:
			if err := m.rotate(run, id, lease); err != nil {
				return outcome, err
			}
		}
		m.sleep(ctx, decision.Delay)
	}
}

// rotate swaps the leased proxy for a fresh one: release first, then
// acquire, keeping the one-lease-per-identity invariant. On starvation the
// lease is zeroed so teardown does not release a proxy it no longer holds.
func (m *Machine) rotate(run *Run, id *identity.Identity, lease *proxypool.Lease) error {
	old := lease.ProxyID
	_ = m.pool.Release(old)
	next, err := m.pool.Acquire(id.ID)
	if err != nil {
		*lease = proxypool.Lease{}
		id.ProxyID = ""
		return err
	}
	*lease = next
	id.ProxyID = next.ProxyID
	run.noteProxy(next.ProxyID)
	obs.LogOp("workflow", "proxy rotated", map[string]any{
		"identity_id": id.ID,
		"run_id":      run.ID,
		"from":        old,
		"to":          next.ProxyID,
	})
	m.publish(bus.Event{
		Type:       bus.TypeLog,
		IdentityID: id.ID,
		RunID:      run.ID,
		Detail:     fmt.Sprintf("proxy rotated: %s -> %s", old, next.ProxyID),
		At:         m.now(),
	})
	return nil
}

// transition moves the identity along one interior edge and announces it.
func (m *Machine) transition(run *Run, id *identity.Identity, to identity.Status, detail string) error {
	now := m.now()
	from := id.Status
	if err := id.Transition(to, detail, now); err != nil {
		return err
	}
	m.publish(bus.Event{
		Type:       bus.TypeTransition,
		IdentityID: id.ID,
		RunID:      run.ID,
		From:       string(from),
		To:         string(to),
		Detail:     detail,
		At:         now,
	})
	return nil
}

// finish closes the run on a terminal status. The edge set guarantees every
// in-progress status can reach failed and the manual terminals, so an error
// here is a programming bug surfaced to the caller.
func (m *Machine) finish(run *Run, id *identity.Identity, terminal identity.Status, reason Reason, detail string) error {
	now := m.now()
	from := id.Status
	if err := id.Transition(terminal, detail, now); err != nil {
		return err
	}
	run.close(terminal, reason, detail, now)
	obs.MarkProcessed(string(terminal))
	m.publish(bus.Event{
		Type:       bus.TypeTransition,
		IdentityID: id.ID,
		RunID:      run.ID,
		From:       string(from),
		To:         string(terminal),
		Detail:     detail,
		At:         now,
	})
	return nil
}

func (m *Machine) advisory(run *Run, id *identity.Identity, note string) {
	obs.LogOp("workflow", "security audit failed, completing anyway", map[string]any{
		"identity_id": id.ID,
		"run_id":      run.ID,
		"note":        note,
	})
	m.publish(bus.Event{
		Type:       bus.TypeLog,
		IdentityID: id.ID,
		RunID:      run.ID,
		Detail:     "security audit advisory: " + note,
		At:         m.now(),
	})
}

func (m *Machine) publish(evt bus.Event) {
	if m.bus != nil {
		m.bus.Publish(evt)
	}
}

// stopReason maps a stop condition onto the run's failure vocabulary.
func stopReason(err error) (Reason, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout, "run deadline exceeded"
	case errors.Is(err, context.Canceled):
		return ReasonCancelled, "run cancelled"
	case errors.Is(err, proxypool.ErrNoProxyAvailable):
		return ReasonProxyStarved, "no proxy available for rotation"
	default:
		return ReasonNone, err.Error()
	}
}
