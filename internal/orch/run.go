package orch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rollcall.dev/internal/audit"
	"rollcall.dev/internal/bus"
	"rollcall.dev/internal/identity"
	"rollcall.dev/internal/obs"
	"rollcall.dev/internal/proxypool"
	"rollcall.dev/internal/workflow"
)

const persistTimeout = 5 * time.Second

// handle processes one dequeued submission end to end: acquire, run the
// machine, tear down. The queued-set membership is the submission's source
// of truth; a channel entry whose membership is gone is a stale hint.
func (o *Orchestrator) handle(ctx context.Context, identityID string) {
	o.mu.Lock()
	_, still := o.queued[identityID]
	o.mu.Unlock()
	if !still {
		return
	}

	lease, err := o.pool.Acquire(identityID)
	if errors.Is(err, proxypool.ErrNoProxyAvailable) {
		o.requeue(ctx, identityID)
		return
	}
	if err != nil {
		obs.LogOp("orch", "acquire failed", map[string]any{"identity_id": identityID, "error": err.Error()})
		o.dropQueued(identityID)
		return
	}

	// Swap queued -> active atomically so duplicate submission checks and
	// cancel-while-queued stay exact.
	o.mu.Lock()
	if _, still := o.queued[identityID]; !still {
		o.mu.Unlock()
		_ = o.pool.Release(lease.ProxyID)
		return
	}
	rec, ok := o.identities[identityID]
	if !ok {
		delete(o.queued, identityID)
		o.mu.Unlock()
		_ = o.pool.Release(lease.ProxyID)
		return
	}
	cp := *rec
	now := o.now()
	cp.ProxyID = lease.ProxyID
	if err := cp.Transition(identity.StatusProxyAssigned, "proxy assigned: "+lease.Proxy.Redacted(), now); err != nil {
		delete(o.queued, identityID)
		o.mu.Unlock()
		_ = o.pool.Release(lease.ProxyID)
		obs.LogOp("orch", "identity not runnable", map[string]any{"identity_id": identityID, "error": err.Error()})
		return
	}
	delete(o.queued, identityID)
	var runCtx context.Context
	var cancel context.CancelFunc
	if o.runDeadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, o.runDeadline)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	o.active[identityID] = cancel
	*rec = cp
	o.mu.Unlock()

	o.publish(bus.Event{
		Type:       bus.TypeTransition,
		IdentityID: cp.ID,
		From:       string(identity.StatusPending),
		To:         string(identity.StatusProxyAssigned),
		Detail:     cp.LastDetail,
		At:         now,
	})
	obs.RunStarted()

	run, finalLease, perr := o.machine.Process(runCtx, &cp, lease)
	cancel()

	if finalLease.ProxyID != "" {
		_ = o.pool.Release(finalLease.ProxyID)
	}
	obs.RunFinished()

	if perr != nil {
		obs.LogOp("orch", "machine error", map[string]any{"identity_id": cp.ID, "error": perr.Error()})
		if !cp.Status.Terminal() {
			_ = cp.Transition(identity.StatusFailed, "internal error: "+perr.Error(), o.now())
		}
	}

	o.mu.Lock()
	if rec, ok := o.identities[cp.ID]; ok {
		*rec = cp
	}
	delete(o.active, cp.ID)
	o.mu.Unlock()

	o.ledger.Record(cp.ID, cp.ActivityDays)

	runID := ""
	if run != nil {
		runID = run.ID
	}
	if o.store != nil {
		// Persistence must survive daemon shutdown, so it gets its own
		// bounded context.
		sctx, scancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := o.store.UpsertIdentity(sctx, cp); err != nil {
			obs.LogOp("orch", "identity persist failed", map[string]any{"identity_id": cp.ID, "error": err.Error()})
		}
		if run != nil {
			if err := o.store.RecordRun(sctx, *run); err != nil {
				obs.LogOp("orch", "run persist failed", map[string]any{"run_id": run.ID, "error": err.Error()})
			}
		}
		scancel()
	}

	fields := map[string]any{
		"identity_id": cp.ID,
		"terminal":    string(cp.Status),
		"proxies":     len(leaseTrail(run)),
	}
	if run != nil && run.Reason != "" {
		fields["reason"] = string(run.Reason)
	}
	audit.LogEvent(audit.WithRunID(ctx, runID), "run.finished", fields)
	o.publish(bus.Event{
		Type:       bus.TypeLog,
		IdentityID: cp.ID,
		RunID:      runID,
		Detail:     fmt.Sprintf("run closed: %s", cp.Status),
		At:         o.now(),
	})
}

func leaseTrail(run *workflow.Run) []string {
	if run == nil {
		return nil
	}
	return run.ProxyIDs
}

// requeue backs off and re-enters a starved submission, unless it was
// cancelled while waiting.
func (o *Orchestrator) requeue(ctx context.Context, identityID string) {
	obs.LogOp("orch", "no proxy available, requeueing", map[string]any{
		"identity_id": identityID,
		"backoff":     o.requeueBackoff.String(),
	})
	select {
	case <-ctx.Done():
		return
	case <-time.After(o.requeueBackoff):
	}
	o.mu.Lock()
	_, still := o.queued[identityID]
	o.mu.Unlock()
	if !still {
		return
	}
	select {
	case <-ctx.Done():
	case o.queue <- identityID:
	}
}

func (o *Orchestrator) dropQueued(identityID string) {
	o.mu.Lock()
	delete(o.queued, identityID)
	o.mu.Unlock()
}
