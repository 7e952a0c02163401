package proxypool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"rollcall.dev/internal/ids"
	"rollcall.dev/internal/obs"
)

var (
	// ErrNoProxyAvailable means the eligible set is empty. Callers re-queue
	// the identity instead of retrying synchronously.
	ErrNoProxyAvailable = errors.New("proxypool: no proxy available")
	// ErrUnknownProxy means the proxy id is not in the pool.
	ErrUnknownProxy = errors.New("proxypool: unknown proxy")
	// ErrAlreadyLeased means the identity already holds a live lease.
	ErrAlreadyLeased = errors.New("proxypool: identity already holds a proxy")
)

const defaultFailureThreshold = 3

// Lease is an exclusive grant of one proxy to one identity. The embedded
// Proxy is a snapshot taken at acquire time.
type Lease struct {
	ProxyID    string
	IdentityID string
	Proxy      Proxy
}

// Pool owns the proxy set, health state and exclusive assignment. Every
// mutation serializes through one mutex; operations inside the lock are
// short and never touch the network.
type Pool struct {
	mu         sync.Mutex
	proxies    map[string]*Proxy
	order      []string
	cursor     int
	byIdentity map[string]string

	threshold      int
	latencyCeiling time.Duration
	probeTimeout   time.Duration
	now            func() time.Time
	dial           func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Option configures Pool.
type Option func(*Pool)

// WithFailureThreshold overrides the consecutive-failure count that kills a proxy.
func WithFailureThreshold(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.threshold = n
		}
	}
}

// WithLatencyCeiling overrides the round-trip ceiling separating healthy from degraded.
func WithLatencyCeiling(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.latencyCeiling = d
		}
	}
}

// WithProbeTimeout overrides the health-check dial timeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.probeTimeout = d
		}
	}
}

// WithClock overrides the time source. Only intended for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// WithDialer overrides the probe dialer. Only intended for tests.
func WithDialer(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(p *Pool) {
		if dial != nil {
			p.dial = dial
		}
	}
}

// NewPool constructs an empty pool.
func NewPool(opts ...Option) *Pool {
	d := &net.Dialer{}
	p := &Pool{
		proxies:        make(map[string]*Proxy),
		byIdentity:     make(map[string]string),
		threshold:      defaultFailureThreshold,
		latencyCeiling: 1500 * time.Millisecond,
		probeTimeout:   5 * time.Second,
		now:            time.Now,
		dial:           d.DialContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Load replaces the pool contents with the given descriptors. All entries
// start unverified. Existing assignments are discarded, so Load belongs in
// startup, before the orchestrator runs.
func (p *Pool) Load(descriptors []string) error {
	parsed := make([]Proxy, 0, len(descriptors))
	for _, raw := range descriptors {
		px, err := ParseDescriptor(raw)
		if err != nil {
			return err
		}
		parsed = append(parsed, px)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.proxies = make(map[string]*Proxy, len(parsed))
	p.order = p.order[:0]
	p.byIdentity = make(map[string]string)
	p.cursor = 0
	for i := range parsed {
		px := parsed[i]
		px.ID = ids.NewProxy()
		p.proxies[px.ID] = &px
		p.order = append(p.order, px.ID)
	}
	p.publishGauges()
	return nil
}

// Add appends one proxy to the pool and returns its snapshot.
func (p *Pool) Add(descriptor string) (Proxy, error) {
	px, err := ParseDescriptor(descriptor)
	if err != nil {
		return Proxy{}, err
	}
	px.ID = ids.NewProxy()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.proxies[px.ID] = &px
	p.order = append(p.order, px.ID)
	p.publishGauges()
	return px, nil
}

// Remove deletes an unassigned proxy from the pool.
func (p *Pool) Remove(proxyID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	px, ok := p.proxies[proxyID]
	if !ok {
		return ErrUnknownProxy
	}
	if px.AssignedTo != "" {
		return fmt.Errorf("proxypool: proxy %s is leased to %s", proxyID, px.AssignedTo)
	}
	delete(p.proxies, proxyID)
	for i, id := range p.order {
		if id == proxyID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	if p.cursor >= len(p.order) {
		p.cursor = 0
	}
	p.publishGauges()
	return nil
}

// Acquire leases one eligible proxy to the identity, round-robin over the
// healthy set, falling back to degraded proxies only when no healthy one is
// free. Dead and unverified proxies are never leased.
func (p *Pool) Acquire(identityID string) (Lease, error) {
	if identityID == "" {
		return Lease{}, fmt.Errorf("proxypool: identity id is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, held := p.byIdentity[identityID]; held {
		return Lease{}, ErrAlreadyLeased
	}

	px := p.pickLocked(HealthHealthy)
	if px == nil {
		px = p.pickLocked(HealthDegraded)
	}
	if px == nil {
		obs.AcquireFailed()
		return Lease{}, ErrNoProxyAvailable
	}

	px.AssignedTo = identityID
	p.byIdentity[identityID] = px.ID
	return Lease{ProxyID: px.ID, IdentityID: identityID, Proxy: *px}, nil
}

// pickLocked advances the shared round-robin cursor to the next unassigned
// proxy in the wanted state. Caller holds the lock.
func (p *Pool) pickLocked(want HealthState) *Proxy {
	n := len(p.order)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		px := p.proxies[p.order[idx]]
		if px.Health == want && px.AssignedTo == "" {
			p.cursor = (idx + 1) % n
			return px
		}
	}
	return nil
}

// Release clears the assignment. Health is untouched. Releasing an already
// free proxy is a no-op so run teardown stays safe on every exit path.
func (p *Pool) Release(proxyID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	px, ok := p.proxies[proxyID]
	if !ok {
		return ErrUnknownProxy
	}
	if px.AssignedTo != "" {
		delete(p.byIdentity, px.AssignedTo)
		px.AssignedTo = ""
	}
	return nil
}

// ReportFailure records one observed connection failure. It reports whether
// the proxy just crossed the threshold into dead, in which case the caller
// aborts the current run and re-acquires elsewhere.
func (p *Pool) ReportFailure(proxyID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	px, ok := p.proxies[proxyID]
	if !ok {
		return false, ErrUnknownProxy
	}
	if px.Health == HealthDead {
		return false, nil
	}
	px.Fails++
	if px.Fails >= p.threshold {
		px.Health = HealthDead
		p.publishGauges()
		return true, nil
	}
	return false, nil
}

// ReportSuccess resets the failure streak and promotes unverified or
// degraded proxies back to healthy. Dead proxies stay dead until Revive.
func (p *Pool) ReportSuccess(proxyID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	px, ok := p.proxies[proxyID]
	if !ok {
		return ErrUnknownProxy
	}
	px.Fails = 0
	if px.Health == HealthUnverified || px.Health == HealthDegraded {
		px.Health = HealthHealthy
		p.publishGauges()
	}
	return nil
}

// MarkDead forces a proxy dead regardless of its failure streak. The
// assignment is kept until the holding run tears down and releases.
func (p *Pool) MarkDead(proxyID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	px, ok := p.proxies[proxyID]
	if !ok {
		return ErrUnknownProxy
	}
	px.Health = HealthDead
	px.Fails = p.threshold
	p.publishGauges()
	return nil
}

// Revive returns a dead proxy to the unverified state for re-probing.
// Never called automatically; this is an operator action.
func (p *Pool) Revive(proxyID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	px, ok := p.proxies[proxyID]
	if !ok {
		return ErrUnknownProxy
	}
	if px.Health != HealthDead {
		return fmt.Errorf("proxypool: proxy %s is %s, not dead", proxyID, px.Health)
	}
	px.Health = HealthUnverified
	px.Fails = 0
	p.publishGauges()
	return nil
}

// HealthCheck probes the proxy with a bounded-timeout dial and applies the
// result. The dial happens outside the pool lock. A dead proxy is probed
// but never resurrected by a passing check.
func (p *Pool) HealthCheck(ctx context.Context, proxyID string) (HealthState, error) {
	p.mu.Lock()
	px, ok := p.proxies[proxyID]
	if !ok {
		p.mu.Unlock()
		return "", ErrUnknownProxy
	}
	addr := px.Addr()
	timeout := p.probeTimeout
	p.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := p.now()
	conn, dialErr := p.dial(dialCtx, "tcp", addr)
	latency := p.now().Sub(start)
	if conn != nil {
		_ = conn.Close()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	px, ok = p.proxies[proxyID]
	if !ok {
		return "", ErrUnknownProxy
	}
	px.LastChecked = p.now()
	if dialErr != nil {
		if px.Health != HealthDead {
			px.Fails++
			if px.Fails >= p.threshold {
				px.Health = HealthDead
			}
		}
		p.publishGauges()
		return px.Health, nil
	}
	px.Latency = latency
	px.Fails = 0
	if px.Health != HealthDead {
		if latency > p.latencyCeiling {
			px.Health = HealthDegraded
		} else {
			px.Health = HealthHealthy
		}
	}
	p.publishGauges()
	return px.Health, nil
}

// Snapshot returns copies of all proxies in load order.
func (p *Pool) Snapshot() []Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Proxy, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, *p.proxies[id])
	}
	return out
}

// Get returns a copy of one proxy.
func (p *Pool) Get(proxyID string) (Proxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	px, ok := p.proxies[proxyID]
	if !ok {
		return Proxy{}, ErrUnknownProxy
	}
	return *px, nil
}

// Counts returns the number of proxies per health state.
func (p *Pool) Counts() map[HealthState]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countsLocked()
}

func (p *Pool) countsLocked() map[HealthState]int {
	counts := map[HealthState]int{
		HealthUnverified: 0,
		HealthHealthy:    0,
		HealthDegraded:   0,
		HealthDead:       0,
	}
	for _, px := range p.proxies {
		counts[px.Health]++
	}
	return counts
}

func (p *Pool) publishGauges() {
	for state, n := range p.countsLocked() {
		obs.SetPoolState(string(state), n)
	}
}

// needsProbe lists proxies the prober should look at.
func (p *Pool) needsProbe() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, id := range p.order {
		switch p.proxies[id].Health {
		case HealthUnverified, HealthDegraded:
			out = append(out, id)
		}
	}
	return out
}
