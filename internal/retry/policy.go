package retry

import (
	mathrand "math/rand"
	"sync"
	"time"
)

// Action is what the policy tells the workflow driver to do after a failed
// step attempt.
type Action string

const (
	// ActionRetry repeats the step on the same proxy after the delay.
	ActionRetry Action = "retry"
	// ActionRotateProxyAndRetry releases the current proxy, acquires a new
	// one and repeats the step.
	ActionRotateProxyAndRetry Action = "rotate_proxy_and_retry"
	// ActionAbort stops the run; the workflow maps it to a failed terminal.
	ActionAbort Action = "abort"
)

// FailureKind classifies a failed attempt for retry purposes.
type FailureKind string

const (
	// KindTransient is a recoverable failure not attributable to the proxy.
	KindTransient FailureKind = "transient"
	// KindProxyTransient is a recoverable failure attributable to the egress
	// path (connection refused, tunnel timeout).
	KindProxyTransient FailureKind = "proxy_transient"
	// KindPermanent is not recoverable by retrying.
	KindPermanent FailureKind = "permanent"
	// KindManual needs human intervention; retrying cannot help.
	KindManual FailureKind = "manual"
)

// Decision pairs an action with how long to wait before acting on it.
type Decision struct {
	Action Action
	Delay  time.Duration
}

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 30 * time.Second
)

// Policy decides between retry, proxy rotation and abort. The action is a
// pure function of (step, attempt, kind); only the jittered delay draws
// randomness, from an injected source so tests stay deterministic.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	mu  sync.Mutex
	rng *mathrand.Rand
}

// Option configures Policy.
type Option func(*Policy)

// WithSource overrides the jitter randomness source. Only intended for tests.
func WithSource(src mathrand.Source) Option {
	return func(p *Policy) {
		if src != nil {
			p.rng = mathrand.New(src)
		}
	}
}

// NewPolicy constructs a policy, clamping non-positive inputs to defaults.
func NewPolicy(maxAttempts int, baseDelay, maxDelay time.Duration, opts ...Option) *Policy {
	p := &Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		rng:         mathrand.New(mathrand.NewSource(time.Now().UnixNano())),
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = defaultMaxDelay
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Decide returns the policy's verdict for one failed attempt. attempt is the
// number of attempts already executed for this step within the current run.
func (p *Policy) Decide(step string, attempt int, kind FailureKind) Decision {
	switch kind {
	case KindPermanent, KindManual:
		return Decision{Action: ActionAbort}
	}
	if attempt >= p.MaxAttempts {
		return Decision{Action: ActionAbort}
	}
	d := Decision{Action: ActionRetry, Delay: p.delay(attempt)}
	if kind == KindProxyTransient {
		d.Action = ActionRotateProxyAndRetry
	}
	return d
}

// delay draws a full-jitter backoff: uniform over [0, min(MaxDelay,
// BaseDelay*2^attempt)). Full jitter keeps identities sharing a schedule
// from retrying in lockstep.
func (p *Policy) delay(attempt int) time.Duration {
	ceiling := p.BaseDelay
	for i := 0; i < attempt && ceiling < p.MaxDelay; i++ {
		ceiling *= 2
	}
	if ceiling > p.MaxDelay {
		ceiling = p.MaxDelay
	}
	if ceiling <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.rng.Int63n(int64(ceiling)))
}
