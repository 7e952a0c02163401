package orch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"rollcall.dev/internal/audit"
	"rollcall.dev/internal/bus"
	"rollcall.dev/internal/identity"
	"rollcall.dev/internal/ledger"
	"rollcall.dev/internal/obs"
	"rollcall.dev/internal/proxypool"
	"rollcall.dev/internal/workflow"
)

var (
	ErrUnknownIdentity  = errors.New("orch: unknown identity")
	ErrIdentityExists   = errors.New("orch: identity already registered")
	ErrAlreadySubmitted = errors.New("orch: identity already queued or running")
	ErrQueueFull        = errors.New("orch: submission queue is full")
	ErrNotSubmitted     = errors.New("orch: identity is neither queued nor running")
)

// Store is the optional persistence collaborator. The orchestrator writes
// through it and never reads history back for decisions; a nil Store keeps
// everything in memory.
type Store interface {
	UpsertIdentity(ctx context.Context, id identity.Identity) error
	RecordRun(ctx context.Context, run workflow.Run) error
}

const (
	defaultQueueSize      = 1024
	defaultRequeueBackoff = 2 * time.Second
)

// Orchestrator owns the identity directory and drives submissions through
// the workflow machine with a bounded worker pool. One proxy lease per
// identity, released on every exit path.
type Orchestrator struct {
	pool    *proxypool.Pool
	machine *workflow.Machine
	ledger  ledger.Aggregator
	bus     *bus.Bus
	store   Store

	runDeadline    time.Duration
	requeueBackoff time.Duration

	mu         sync.Mutex
	identities map[string]*identity.Identity
	queued     map[string]struct{}
	active     map[string]context.CancelFunc
	queue      chan string

	now func() time.Time
}

// Option configures Orchestrator.
type Option func(*Orchestrator)

// WithStore attaches the persistence collaborator.
func WithStore(store Store) Option {
	return func(o *Orchestrator) { o.store = store }
}

// WithRunDeadline bounds each run's wall time. Zero disables the deadline.
func WithRunDeadline(d time.Duration) Option {
	return func(o *Orchestrator) { o.runDeadline = d }
}

// WithRequeueBackoff sets the wait before a starved submission re-enters
// the queue.
func WithRequeueBackoff(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.requeueBackoff = d
		}
	}
}

// WithQueueSize bounds how many submissions can wait.
func WithQueueSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.queue = make(chan string, n)
		}
	}
}

// WithClock overrides the time source. Only intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New wires the orchestrator to its collaborators.
func New(pool *proxypool.Pool, machine *workflow.Machine, agg ledger.Aggregator, b *bus.Bus, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		pool:           pool,
		machine:        machine,
		ledger:         agg,
		bus:            b,
		requeueBackoff: defaultRequeueBackoff,
		identities:     make(map[string]*identity.Identity),
		queued:         make(map[string]struct{}),
		active:         make(map[string]context.CancelFunc),
		queue:          make(chan string, defaultQueueSize),
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Add registers an identity with the directory without submitting it.
func (o *Orchestrator) Add(id identity.Identity) error {
	if id.ID == "" {
		return fmt.Errorf("%w: empty id", ErrUnknownIdentity)
	}
	if id.Status == "" {
		id.Status = identity.StatusPending
	}
	if err := identity.ValidateStatus(id.Status); err != nil {
		return err
	}
	now := o.now()
	if id.CreatedAt.IsZero() {
		id.CreatedAt = now
	}
	id.UpdatedAt = now

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.identities[id.ID]; ok {
		return ErrIdentityExists
	}
	o.identities[id.ID] = &id
	return nil
}

// Get returns a snapshot of one identity.
func (o *Orchestrator) Get(identityID string) (identity.Identity, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.identities[identityID]
	if !ok {
		return identity.Identity{}, ErrUnknownIdentity
	}
	return *rec, nil
}

// List returns snapshots of every identity ordered by id.
func (o *Orchestrator) List() []identity.Identity {
	o.mu.Lock()
	out := make([]identity.Identity, 0, len(o.identities))
	for _, rec := range o.identities {
		out = append(out, *rec)
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Submit enqueues an identity for processing. A terminal identity is reset
// first so re-processing always starts a fresh run from pending. Duplicate
// submissions while queued or running are rejected.
func (o *Orchestrator) Submit(identityID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.identities[identityID]
	if !ok {
		return ErrUnknownIdentity
	}
	if _, ok := o.queued[identityID]; ok {
		return ErrAlreadySubmitted
	}
	if _, ok := o.active[identityID]; ok {
		return ErrAlreadySubmitted
	}
	if rec.Status.Terminal() {
		if err := rec.ResetForReprocessing(o.now()); err != nil {
			return err
		}
	} else if rec.Status != identity.StatusPending {
		return fmt.Errorf("%w: status %s", ErrAlreadySubmitted, rec.Status)
	}

	select {
	case o.queue <- identityID:
		o.queued[identityID] = struct{}{}
	default:
		return ErrQueueFull
	}
	o.publish(bus.Event{
		Type:       bus.TypeLog,
		IdentityID: identityID,
		Detail:     "submitted for processing",
		At:         o.now(),
	})
	return nil
}

// Cancel stops one identity cooperatively: a queued submission is dropped,
// a running one gets its context cancelled and closes at the next step
// boundary as failed with reason cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, identityID string) error {
	o.mu.Lock()
	if cancel, ok := o.active[identityID]; ok {
		o.mu.Unlock()
		cancel()
		audit.LogEvent(ctx, "run.cancel_requested", map[string]any{"identity_id": identityID})
		return nil
	}
	if _, ok := o.queued[identityID]; ok {
		delete(o.queued, identityID)
		o.mu.Unlock()
		audit.LogEvent(ctx, "run.cancel_requested", map[string]any{"identity_id": identityID, "while": "queued"})
		o.publish(bus.Event{
			Type:       bus.TypeLog,
			IdentityID: identityID,
			Detail:     "cancelled while queued",
			At:         o.now(),
		})
		return nil
	}
	o.mu.Unlock()
	return ErrNotSubmitted
}

// Counts reports directory totals by status plus queue depth, for readiness
// and the info endpoint.
func (o *Orchestrator) Counts() (byStatus map[identity.Status]int, queued, active int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	byStatus = make(map[identity.Status]int, len(o.identities))
	for _, rec := range o.identities {
		byStatus[rec.Status]++
	}
	return byStatus, len(o.queued), len(o.active)
}

// Run drains the queue with maxConcurrency workers until ctx is cancelled.
// In-flight runs observe the cancellation at their next step boundary.
func (o *Orchestrator) Run(ctx context.Context, maxConcurrency int) error {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	obs.LogOp("orch", "orchestrator started", map[string]any{"max_concurrency": maxConcurrency})

	// Subscribe before any worker starts so the mirror cannot miss a
	// transition published by a run it should be reflecting.
	go o.mirrorTransitions(o.subscribe(ctx))

	var wg sync.WaitGroup
	for w := 0; w < maxConcurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case identityID := <-o.queue:
					o.handle(ctx, identityID)
				}
			}
		}()
	}
	wg.Wait()
	obs.LogOp("orch", "orchestrator stopped", nil)
	return nil
}

// WaitIdle blocks until nothing is queued or running, or ctx expires.
func (o *Orchestrator) WaitIdle(ctx context.Context) error {
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		o.mu.Lock()
		idle := len(o.queued) == 0 && len(o.active) == 0
		o.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// mirrorTransitions keeps the directory's status view live while the
// machine works on its own copy of the identity. The teardown copy-back is
// authoritative; the mirror only narrows the visibility gap for readers and
// applies nothing once a run is no longer active, so late deliveries cannot
// clobber a re-submitted identity.
func (o *Orchestrator) mirrorTransitions(events <-chan bus.Event) {
	for evt := range events {
		if evt.Type != bus.TypeTransition || evt.IdentityID == "" {
			continue
		}
		status, err := identity.ParseStatus(evt.To)
		if err != nil {
			continue
		}
		o.mu.Lock()
		if _, running := o.active[evt.IdentityID]; running {
			if rec, ok := o.identities[evt.IdentityID]; ok {
				rec.Status = status
				rec.LastDetail = evt.Detail
				rec.UpdatedAt = evt.At
			}
		}
		o.mu.Unlock()
	}
}

func (o *Orchestrator) subscribe(ctx context.Context) <-chan bus.Event {
	if o.bus == nil {
		ch := make(chan bus.Event)
		close(ch)
		return ch
	}
	return o.bus.Subscribe(ctx, 256)
}

func (o *Orchestrator) publish(evt bus.Event) {
	if o.bus != nil {
		o.bus.Publish(evt)
	}
}
