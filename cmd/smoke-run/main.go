// Command smoke-run exercises the whole pipeline in-process: real pool,
// real machine, real orchestrator, with local listeners standing in for
// proxies and scripted steps standing in for provider automation. It fails
// loudly on the first broken invariant, so CI can run it without a network.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"sync"
	"time"

	"rollcall.dev/internal/bus"
	"rollcall.dev/internal/identity"
	"rollcall.dev/internal/ledger"
	"rollcall.dev/internal/orch"
	"rollcall.dev/internal/proxypool"
	"rollcall.dev/internal/retry"
	"rollcall.dev/internal/workflow"
)

func main() {
	log.SetFlags(0)

	checkExclusiveLeases()
	checkConcurrencyShape()
	checkRotationBeforeAbort()
	checkCancellation()
	checkLedgerFixture()

	fmt.Println("✅ smoke-run passed")
}

// checkExclusiveLeases acquires against a two-proxy pool: distinct proxies
// for distinct identities, starvation on the third, and a released proxy
// immediately leasable again.
func checkExclusiveLeases() {
	pool, cleanup := newVerifiedPool(2)
	defer cleanup()

	a, err := pool.Acquire("idn_a")
	if err != nil {
		log.Fatalf("exclusive leases: first acquire: %v", err)
	}
	b, err := pool.Acquire("idn_b")
	if err != nil {
		log.Fatalf("exclusive leases: second acquire: %v", err)
	}
	if a.ProxyID == b.ProxyID {
		log.Fatalf("exclusive leases: both identities got proxy %s", a.ProxyID)
	}
	if _, err := pool.Acquire("idn_c"); !errors.Is(err, proxypool.ErrNoProxyAvailable) {
		log.Fatalf("exclusive leases: exhausted pool returned %v, want ErrNoProxyAvailable", err)
	}
	if err := pool.Release(a.ProxyID); err != nil {
		log.Fatalf("exclusive leases: release: %v", err)
	}
	c, err := pool.Acquire("idn_c")
	if err != nil {
		log.Fatalf("exclusive leases: acquire after release: %v", err)
	}
	if c.ProxyID != a.ProxyID {
		log.Fatalf("exclusive leases: expected released proxy %s, got %s", a.ProxyID, c.ProxyID)
	}
	fmt.Println("✅ exclusive leases: one identity per proxy, starvation on exhaustion")
}

// checkConcurrencyShape runs 3 identities over 2 proxies with 2 workers and
// asserts exactly two runs ever overlap, with no proxy shared between
// identities at any instant.
func checkConcurrencyShape() {
	pool, cleanup := newVerifiedPool(2)
	defer cleanup()

	tr := &tracker{leased: make(map[string]string)}
	step := scriptStep{name: "tracked", fn: func(ctx context.Context, id identity.Identity, lease proxypool.Lease) workflow.Outcome {
		tr.enter(id.ID, lease.ProxyID)
		time.Sleep(40 * time.Millisecond)
		tr.exit(lease.ProxyID)
		return workflow.Success("ok")
	}}
	o, agg := newOrchestrator(pool, step, step, step, step)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = o.Run(ctx, 2) }()

	for _, id := range []string{"idn_s1", "idn_s2", "idn_s3"} {
		mustSubmit(o, id)
	}
	waitIdle(o)

	if tr.violation != "" {
		log.Fatalf("concurrency shape: %s", tr.violation)
	}
	if tr.maxSeen != 2 {
		log.Fatalf("concurrency shape: peak concurrency %d, want 2", tr.maxSeen)
	}
	for _, id := range []string{"idn_s1", "idn_s2", "idn_s3"} {
		rec, err := o.Get(id)
		if err != nil {
			log.Fatalf("concurrency shape: get %s: %v", id, err)
		}
		if rec.Status != identity.StatusCompleted || rec.ActivityDays != 1 {
			log.Fatalf("concurrency shape: %s finished %s with %d activity days", id, rec.Status, rec.ActivityDays)
		}
	}
	if got := agg.Summary().Identities; got != 3 {
		log.Fatalf("concurrency shape: ledger recorded %d identities, want 3", got)
	}
	fmt.Println("✅ concurrency shape: 3 identities over 2 proxies peak at 2 parallel runs")
}

// checkRotationBeforeAbort scripts a mailbox step that always blames the
// egress path: the run must rotate to a second proxy before the retry
// budget closes it as failed.
func checkRotationBeforeAbort() {
	pool, cleanup := newVerifiedPool(2)
	defer cleanup()

	var mu sync.Mutex
	attempts := 0
	proxies := make(map[string]bool)
	failing := scriptStep{name: "egress-fault", fn: func(ctx context.Context, id identity.Identity, lease proxypool.Lease) workflow.Outcome {
		mu.Lock()
		attempts++
		proxies[lease.ProxyID] = true
		mu.Unlock()
		return workflow.TransientProxy("simulated connect reset")
	}}
	ok := scriptStep{name: "ok", fn: succeed}
	o, _ := newOrchestrator(pool, failing, ok, ok, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = o.Run(ctx, 1) }()
	mustSubmit(o, "idn_rot")
	waitIdle(o)

	mu.Lock()
	gotAttempts, gotProxies := attempts, len(proxies)
	mu.Unlock()
	if gotAttempts != 3 {
		log.Fatalf("rotation: %d attempts, want 3", gotAttempts)
	}
	if gotProxies < 2 {
		log.Fatalf("rotation: run stayed on %d proxy, want rotation across 2", gotProxies)
	}
	rec, err := o.Get("idn_rot")
	if err != nil {
		log.Fatalf("rotation: get: %v", err)
	}
	if rec.Status != identity.StatusFailed {
		log.Fatalf("rotation: final status %s, want failed", rec.Status)
	}
	fmt.Println("✅ rotation: proxy-attributed transients rotate across proxies, then abort as failed")
}

// checkCancellation cancels mid-step and asserts the run closes as
// cancelled only after the in-flight step returns, with every proxy back
// in the pool.
func checkCancellation() {
	pool, cleanup := newVerifiedPool(2)
	defer cleanup()

	started := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	var stepDone time.Time
	slow := scriptStep{name: "slow-platform", fn: func(ctx context.Context, id identity.Identity, lease proxypool.Lease) workflow.Outcome {
		once.Do(func() { close(started) })
		time.Sleep(400 * time.Millisecond)
		mu.Lock()
		stepDone = time.Now()
		mu.Unlock()
		return workflow.Success("ok")
	}}
	ok := scriptStep{name: "ok", fn: succeed}
	o, _ := newOrchestrator(pool, ok, slow, ok, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = o.Run(ctx, 1) }()
	mustSubmit(o, "idn_cnl")

	<-started
	cancelledAt := time.Now()
	if err := o.Cancel(context.Background(), "idn_cnl"); err != nil {
		log.Fatalf("cancellation: cancel: %v", err)
	}
	waitIdle(o)

	rec, err := o.Get("idn_cnl")
	if err != nil {
		log.Fatalf("cancellation: get: %v", err)
	}
	if rec.Status != identity.StatusFailed || rec.LastDetail != "run cancelled" {
		log.Fatalf("cancellation: finished %s (%q), want failed (run cancelled)", rec.Status, rec.LastDetail)
	}
	mu.Lock()
	done := stepDone
	mu.Unlock()
	if done.IsZero() || !done.After(cancelledAt) {
		log.Fatalf("cancellation: in-flight step did not run to completion past the cancel")
	}
	for _, px := range pool.Snapshot() {
		if px.AssignedTo != "" {
			log.Fatalf("cancellation: proxy %s still assigned to %s after teardown", px.ID, px.AssignedTo)
		}
	}
	fmt.Println("✅ cancellation: run closed after the in-flight step, proxy released")
}

// checkLedgerFixture pins the canonical economics: default schedule at 10
// activity days.
func checkLedgerFixture() {
	agg := ledger.NewInMemory(ledger.DefaultSchedule())
	st := agg.Record("idn_fixture", 10)

	expectClose("daily cost", st.DailyCost, 1.0/3.0)
	expectClose("daily revenue", st.DailyRevenue, 1.275)
	expectClose("daily profit", st.DailyProfit, 0.9416667)
	expectClose("total profit", st.TotalProfit, 9.4166667)
	fmt.Println("✅ ledger fixture: dailyCost=0.3333 dailyRevenue=1.275 totalProfit≈9.417 at D=10")
}

// --- helpers ---

// newVerifiedPool spins up n local listeners as stand-in proxies and probes
// each one to healthy. The cleanup closes the listeners.
func newVerifiedPool(n int) (*proxypool.Pool, func()) {
	var closers []net.Listener
	descriptors := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			log.Fatalf("smoke: listen: %v", err)
		}
		go func(ln net.Listener) {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				conn.Close()
			}
		}(ln)
		closers = append(closers, ln)
		descriptors = append(descriptors, ln.Addr().String())
	}

	pool := proxypool.NewPool(
		proxypool.WithFailureThreshold(3),
		proxypool.WithProbeTimeout(2*time.Second),
	)
	if err := pool.Load(descriptors); err != nil {
		log.Fatalf("smoke: load pool: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, px := range pool.Snapshot() {
		state, err := pool.HealthCheck(ctx, px.ID)
		if err != nil || state != proxypool.HealthHealthy {
			log.Fatalf("smoke: probe %s: state=%s err=%v", px.ID, state, err)
		}
	}
	return pool, func() {
		for _, ln := range closers {
			ln.Close()
		}
	}
}

// newOrchestrator wires a pool and four scripted steps into a full
// orchestrator with a tight retry policy.
func newOrchestrator(pool *proxypool.Pool, mailbox, platform, recovery, audit workflow.Step) (*orch.Orchestrator, *ledger.InMemory) {
	reg := workflow.NewRegistry()
	reg.Register(workflow.SlotMailbox, "", mailbox)
	reg.Register(workflow.SlotPlatform, "", platform)
	reg.Register(workflow.SlotRecovery, "", recovery)
	reg.Register(workflow.SlotAudit, "", audit)

	policy := retry.NewPolicy(3, time.Millisecond, 5*time.Millisecond)
	b := bus.New(64)
	agg := ledger.NewInMemory(ledger.DefaultSchedule())
	machine := workflow.NewMachine(reg, policy, pool, b)
	o := orch.New(pool, machine, agg, b, orch.WithRequeueBackoff(10*time.Millisecond))
	return o, agg
}

func mustSubmit(o *orch.Orchestrator, id string) {
	if err := o.Add(identity.Identity{ID: id, MailboxAddress: id + "@smoke.test"}); err != nil {
		log.Fatalf("smoke: add %s: %v", id, err)
	}
	if err := o.Submit(id); err != nil {
		log.Fatalf("smoke: submit %s: %v", id, err)
	}
}

func waitIdle(o *orch.Orchestrator) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := o.WaitIdle(ctx); err != nil {
		log.Fatalf("smoke: batch did not drain: %v", err)
	}
}

func expectClose(name string, got, want float64) {
	if math.Abs(got-want) > 1e-6 {
		log.Fatalf("ledger fixture: %s = %.7f, want %.7f", name, got, want)
	}
}

// scriptStep adapts a closure to the step contract.
type scriptStep struct {
	name string
	fn   func(ctx context.Context, id identity.Identity, lease proxypool.Lease) workflow.Outcome
}

func (s scriptStep) Name() string { return s.name }
func (s scriptStep) Execute(ctx context.Context, id identity.Identity, lease proxypool.Lease) workflow.Outcome {
	return s.fn(ctx, id, lease)
}

func succeed(ctx context.Context, id identity.Identity, lease proxypool.Lease) workflow.Outcome {
	return workflow.Success("ok")
}

// tracker watches step executions for overlap shape and lease exclusivity.
type tracker struct {
	mu        sync.Mutex
	cur       int
	maxSeen   int
	leased    map[string]string
	violation string
}

func (t *tracker) enter(identityID, proxyID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cur++
	if t.cur > t.maxSeen {
		t.maxSeen = t.cur
	}
	if holder, ok := t.leased[proxyID]; ok {
		t.violation = fmt.Sprintf("proxy %s used by %s while leased to %s", proxyID, identityID, holder)
	}
	t.leased[proxyID] = identityID
}

func (t *tracker) exit(proxyID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cur--
	delete(t.leased, proxyID)
}
