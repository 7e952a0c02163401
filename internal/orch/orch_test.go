package orch

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"rollcall.dev/internal/bus"
	"rollcall.dev/internal/identity"
	"rollcall.dev/internal/ledger"
	"rollcall.dev/internal/proxypool"
	"rollcall.dev/internal/retry"
	"rollcall.dev/internal/workflow"
)

type stepFunc struct {
	name string
	fn   func(ctx context.Context, id identity.Identity, lease proxypool.Lease) workflow.Outcome
}

func (s stepFunc) Name() string { return s.name }

func (s stepFunc) Execute(ctx context.Context, id identity.Identity, lease proxypool.Lease) workflow.Outcome {
	return s.fn(ctx, id, lease)
}

func okStep(name string) stepFunc {
	return stepFunc{name: name, fn: func(context.Context, identity.Identity, proxypool.Lease) workflow.Outcome {
		return workflow.Success("ok")
	}}
}

func allOK() *workflow.Registry {
	reg := workflow.NewRegistry()
	reg.Register(workflow.SlotMailbox, "", okStep("mailbox"))
	reg.Register(workflow.SlotPlatform, "", okStep("platform"))
	reg.Register(workflow.SlotRecovery, "", okStep("recovery"))
	reg.Register(workflow.SlotAudit, "", okStep("audit"))
	return reg
}

func withPlatform(step workflow.Step) *workflow.Registry {
	reg := allOK()
	reg.Register(workflow.SlotPlatform, "", step)
	return reg
}

type harness struct {
	orch *Orchestrator
	pool *proxypool.Pool
	bus  *bus.Bus
	agg  *ledger.InMemory
}

func newHarness(t *testing.T, reg *workflow.Registry, proxies int, opts ...Option) *harness {
	t.Helper()
	pool := proxypool.NewPool()
	descriptors := make([]string, 0, proxies)
	for i := 0; i < proxies; i++ {
		descriptors = append(descriptors, net.JoinHostPort("10.2.0.1", strconv.Itoa(9200+i)))
	}
	if err := pool.Load(descriptors); err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, px := range pool.Snapshot() {
		if err := pool.ReportSuccess(px.ID); err != nil {
			t.Fatalf("ReportSuccess: %v", err)
		}
	}
	b := bus.New(128)
	policy := retry.NewPolicy(3, time.Millisecond, 4*time.Millisecond)
	machine := workflow.NewMachine(reg, policy, pool, b,
		workflow.WithSleep(func(context.Context, time.Duration) {}))
	agg := ledger.NewInMemory(ledger.DefaultSchedule())
	return &harness{
		orch: New(pool, machine, agg, b, opts...),
		pool: pool,
		bus:  b,
		agg:  agg,
	}
}

func (h *harness) addIdentity(t *testing.T, seq int) string {
	t.Helper()
	id := identity.Identity{
		ID:             "idn_orch_" + strconv.Itoa(seq),
		MailboxAddress: "u" + strconv.Itoa(seq) + "@postbox.test",
		PlatformHandle: "u" + strconv.Itoa(seq),
	}
	if err := h.orch.Add(id); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return id.ID
}

func (h *harness) drive(t *testing.T, workers int) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.orch.Run(ctx, workers)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("orchestrator did not stop")
		}
	}
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.orch.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
}

func (h *harness) assertPoolFree(t *testing.T) {
	t.Helper()
	for _, px := range h.pool.Snapshot() {
		if px.AssignedTo != "" {
			t.Fatalf("proxy %s still assigned to %s", px.ID, px.AssignedTo)
		}
	}
}

func TestRunProcessesSubmissions(t *testing.T) {
	h := newHarness(t, allOK(), 1)
	a := h.addIdentity(t, 1)
	b := h.addIdentity(t, 2)

	stop := h.drive(t, 1)
	defer stop()

	if err := h.orch.Submit(a); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := h.orch.Submit(b); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.waitIdle(t)

	for _, idn := range []string{a, b} {
		got, err := h.orch.Get(idn)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status != identity.StatusCompleted {
			t.Fatalf("%s status = %s, want completed", idn, got.Status)
		}
		if got.ActivityDays != 1 {
			t.Fatalf("%s activity days = %d, want 1", idn, got.ActivityDays)
		}
		if _, err := h.agg.Statement(idn); err != nil {
			t.Fatalf("ledger statement missing for %s: %v", idn, err)
		}
	}
	h.assertPoolFree(t)
}

// Two healthy proxies, three identities, concurrency two: exactly two runs
// are ever in flight, the third starts only after a slot frees up.
func TestConcurrencyBound(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	gate := make(chan struct{})
	platform := stepFunc{name: "platform", fn: func(ctx context.Context, _ identity.Identity, _ proxypool.Lease) workflow.Outcome {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		defer func() {
			mu.Lock()
			inFlight--
			mu.Unlock()
		}()
		select {
		case <-gate:
		case <-time.After(2 * time.Second):
		}
		return workflow.Success("ok")
	}}

	h := newHarness(t, withPlatform(platform), 2)
	ids := []string{h.addIdentity(t, 1), h.addIdentity(t, 2), h.addIdentity(t, 3)}

	stop := h.drive(t, 2)
	defer stop()
	for _, idn := range ids {
		if err := h.orch.Submit(idn); err != nil {
			t.Fatalf("Submit(%s): %v", idn, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := inFlight
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("never reached two in-flight runs, at %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, queued, active := h.orch.Counts(); active != 2 || queued != 1 {
		t.Fatalf("counts: active = %d queued = %d, want 2/1", active, queued)
	}

	close(gate)
	h.waitIdle(t)

	mu.Lock()
	gotPeak := peak
	mu.Unlock()
	if gotPeak != 2 {
		t.Fatalf("peak concurrency = %d, want exactly 2", gotPeak)
	}
	for _, idn := range ids {
		got, _ := h.orch.Get(idn)
		if got.Status != identity.StatusCompleted {
			t.Fatalf("%s status = %s", idn, got.Status)
		}
	}
	h.assertPoolFree(t)
}

func TestDuplicateSubmissionRejected(t *testing.T) {
	gate := make(chan struct{})
	platform := stepFunc{name: "platform", fn: func(ctx context.Context, _ identity.Identity, _ proxypool.Lease) workflow.Outcome {
		select {
		case <-gate:
		case <-time.After(2 * time.Second):
		}
		return workflow.Success("ok")
	}}
	h := newHarness(t, withPlatform(platform), 1)
	idn := h.addIdentity(t, 1)

	if err := h.orch.Submit(idn); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := h.orch.Submit(idn); !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("queued duplicate = %v, want ErrAlreadySubmitted", err)
	}

	stop := h.drive(t, 1)
	defer stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, _, active := h.orch.Counts(); active == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := h.orch.Submit(idn); !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("active duplicate = %v, want ErrAlreadySubmitted", err)
	}

	close(gate)
	h.waitIdle(t)

	// Terminal identities may be submitted again: fresh run from pending.
	if err := h.orch.Submit(idn); err != nil {
		t.Fatalf("resubmit after terminal: %v", err)
	}
	h.waitIdle(t)
	got, _ := h.orch.Get(idn)
	if got.Status != identity.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if got.ActivityDays != 2 {
		t.Fatalf("activity days = %d, want 2 after two completed runs", got.ActivityDays)
	}
}

func TestNoProxyRequeuesWithBackoff(t *testing.T) {
	h := newHarness(t, allOK(), 0, WithRequeueBackoff(10*time.Millisecond))
	idn := h.addIdentity(t, 1)

	stop := h.drive(t, 1)
	defer stop()
	if err := h.orch.Submit(idn); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Let the submission starve through at least one requeue cycle.
	time.Sleep(30 * time.Millisecond)
	if got, _ := h.orch.Get(idn); got.Status != identity.StatusPending {
		t.Fatalf("status = %s while starved, want pending", got.Status)
	}

	px, err := h.pool.Add("10.2.0.9:9290")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := h.pool.ReportSuccess(px.ID); err != nil {
		t.Fatalf("ReportSuccess: %v", err)
	}

	h.waitIdle(t)
	got, _ := h.orch.Get(idn)
	if got.Status != identity.StatusCompleted {
		t.Fatalf("status = %s, want completed once a proxy appeared", got.Status)
	}
	h.assertPoolFree(t)
}

func TestCancelWhileQueued(t *testing.T) {
	h := newHarness(t, allOK(), 1)
	idn := h.addIdentity(t, 1)

	if err := h.orch.Submit(idn); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := h.orch.Cancel(context.Background(), idn); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := h.orch.Cancel(context.Background(), idn); !errors.Is(err, ErrNotSubmitted) {
		t.Fatalf("second cancel = %v, want ErrNotSubmitted", err)
	}

	got, _ := h.orch.Get(idn)
	if got.Status != identity.StatusPending {
		t.Fatalf("status = %s, cancelled submission must stay pending", got.Status)
	}

	// The stale queue entry must not run the identity.
	stop := h.drive(t, 1)
	defer stop()
	h.waitIdle(t)
	if got, _ := h.orch.Get(idn); got.Status != identity.StatusPending {
		t.Fatalf("stale entry ran the identity: %s", got.Status)
	}
	h.assertPoolFree(t)
}

func TestCancelActiveRunReleasesOnce(t *testing.T) {
	entered := make(chan struct{}, 1)
	platform := stepFunc{name: "platform", fn: func(ctx context.Context, _ identity.Identity, _ proxypool.Lease) workflow.Outcome {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return workflow.Success("finished at boundary")
	}}
	h := newHarness(t, withPlatform(platform), 1)
	idn := h.addIdentity(t, 1)

	stop := h.drive(t, 1)
	defer stop()
	if err := h.orch.Submit(idn); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("run never reached the platform step")
	}

	if err := h.orch.Cancel(context.Background(), idn); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	h.waitIdle(t)

	got, _ := h.orch.Get(idn)
	if got.Status != identity.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.LastDetail != "run cancelled" {
		t.Fatalf("detail = %q", got.LastDetail)
	}
	h.assertPoolFree(t)
}

func TestRunDeadlineMapsToTimeout(t *testing.T) {
	platform := stepFunc{name: "platform", fn: func(context.Context, identity.Identity, proxypool.Lease) workflow.Outcome {
		time.Sleep(60 * time.Millisecond) // ignores ctx on purpose
		return workflow.Success("ok")
	}}
	h := newHarness(t, withPlatform(platform), 1, WithRunDeadline(25*time.Millisecond))
	idn := h.addIdentity(t, 1)

	stop := h.drive(t, 1)
	defer stop()
	if err := h.orch.Submit(idn); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.waitIdle(t)

	got, _ := h.orch.Get(idn)
	if got.Status != identity.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.LastDetail != "run deadline exceeded" {
		t.Fatalf("detail = %q", got.LastDetail)
	}
	h.assertPoolFree(t)
}

type captureStore struct {
	mu   sync.Mutex
	ids  []identity.Identity
	runs []workflow.Run
	fail bool
}

func (c *captureStore) UpsertIdentity(_ context.Context, id identity.Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("store down")
	}
	c.ids = append(c.ids, id)
	return nil
}

func (c *captureStore) RecordRun(_ context.Context, run workflow.Run) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("store down")
	}
	c.runs = append(c.runs, run)
	return nil
}

// A proxy fault mid-run rotates to the second proxy; the persisted run shows
// both leases and both end up released.
func TestRotationPersistedAndReleased(t *testing.T) {
	var once sync.Once
	platform := stepFunc{name: "platform", fn: func(_ context.Context, _ identity.Identity, _ proxypool.Lease) workflow.Outcome {
		out := workflow.Success("ok")
		once.Do(func() { out = workflow.TransientProxy("tunnel reset") })
		return out
	}}
	store := &captureStore{}
	h := newHarness(t, withPlatform(platform), 2, WithStore(store))
	idn := h.addIdentity(t, 1)

	stop := h.drive(t, 1)
	defer stop()
	if err := h.orch.Submit(idn); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.waitIdle(t)

	got, _ := h.orch.Get(idn)
	if got.Status != identity.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.runs) != 1 {
		t.Fatalf("persisted runs = %d, want 1", len(store.runs))
	}
	if n := len(store.runs[0].ProxyIDs); n != 2 {
		t.Fatalf("run proxies = %d, want 2 after rotation", n)
	}
	if len(store.ids) != 1 || store.ids[0].Status != identity.StatusCompleted {
		t.Fatalf("persisted identities = %+v", store.ids)
	}
	h.assertPoolFree(t)
}

func TestStoreFailureDoesNotFailRun(t *testing.T) {
	store := &captureStore{fail: true}
	h := newHarness(t, allOK(), 1, WithStore(store))
	idn := h.addIdentity(t, 1)

	stop := h.drive(t, 1)
	defer stop()
	if err := h.orch.Submit(idn); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.waitIdle(t)

	if got, _ := h.orch.Get(idn); got.Status != identity.StatusCompleted {
		t.Fatalf("status = %s, persistence trouble must stay advisory", got.Status)
	}
}

func TestDirectoryBasics(t *testing.T) {
	h := newHarness(t, allOK(), 0)
	if err := h.orch.Submit("idn_ghost"); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("unknown submit = %v", err)
	}
	idn := h.addIdentity(t, 1)
	if err := h.orch.Add(identity.Identity{ID: idn}); !errors.Is(err, ErrIdentityExists) {
		t.Fatalf("duplicate add = %v", err)
	}
	if _, err := h.orch.Get("idn_ghost"); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("unknown get = %v", err)
	}
	h.addIdentity(t, 2)
	list := h.orch.List()
	if len(list) != 2 || list[0].ID > list[1].ID {
		t.Fatalf("list = %+v", list)
	}
	if list[0].Status != identity.StatusPending {
		t.Fatalf("default status = %s", list[0].Status)
	}
}

func TestQueueFull(t *testing.T) {
	h := newHarness(t, allOK(), 0, WithQueueSize(1))
	a := h.addIdentity(t, 1)
	b := h.addIdentity(t, 2)
	if err := h.orch.Submit(a); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := h.orch.Submit(b); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("overflow submit = %v, want ErrQueueFull", err)
	}
}

// Readers see live mid-run status through the bus mirror.
func TestStatusMirrorDuringRun(t *testing.T) {
	gate := make(chan struct{})
	platform := stepFunc{name: "platform", fn: func(ctx context.Context, _ identity.Identity, _ proxypool.Lease) workflow.Outcome {
		select {
		case <-gate:
		case <-time.After(2 * time.Second):
		}
		return workflow.Success("ok")
	}}
	h := newHarness(t, withPlatform(platform), 1)
	idn := h.addIdentity(t, 1)

	stop := h.drive(t, 1)
	defer stop()
	if err := h.orch.Submit(idn); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := h.orch.Get(idn)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status == identity.StatusPlatformVerifying {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("mirror never showed platform_verifying, at %s", got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(gate)
	h.waitIdle(t)
}
