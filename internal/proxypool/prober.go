package proxypool

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"rollcall.dev/internal/obs"
)

// Prober sweeps the pool on an interval, verifying unverified proxies and
// re-checking degraded ones. Probes are paced through a limiter so a large
// pool does not burst-dial on startup.
type Prober struct {
	pool     *Pool
	limiter  *rate.Limiter
	interval time.Duration
}

// NewProber constructs a prober over the pool.
func NewProber(pool *Pool, probesPerSecond float64, interval time.Duration) *Prober {
	if probesPerSecond <= 0 {
		probesPerSecond = 5
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Prober{
		pool:     pool,
		limiter:  rate.NewLimiter(rate.Limit(probesPerSecond), 1),
		interval: interval,
	}
}

// Run sweeps until the context is cancelled. The first sweep happens
// immediately so a freshly loaded pool becomes acquirable without waiting a
// full interval.
func (pr *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(pr.interval)
	defer ticker.Stop()
	pr.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pr.sweep(ctx)
		}
	}
}

func (pr *Prober) sweep(ctx context.Context) {
	for _, id := range pr.pool.needsProbe() {
		if err := pr.limiter.Wait(ctx); err != nil {
			return
		}
		before, err := pr.pool.Get(id)
		if err != nil {
			continue
		}
		state, err := pr.pool.HealthCheck(ctx, id)
		if err != nil {
			continue
		}
		if state != before.Health {
			obs.LogOp("prober", "proxy health changed", map[string]any{
				"proxy_id": id,
				"endpoint": before.Redacted(),
				"from":     string(before.Health),
				"to":       string(state),
			})
		}
	}
}
