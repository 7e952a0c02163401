package ledger

import (
	"sort"
	"sync"
	"time"
)

// Aggregator folds run outcomes into per-identity statements and a global
// summary. Projections are derived from the schedule on demand, so they are
// independent of recording order.
type Aggregator interface {
	Record(identityID string, activityDays int) Statement
	Statement(identityID string) (Statement, error)
	Statements() []Statement
	Summary() Summary
}

// InMemory implements Aggregator with in-process concurrency safety.
// Recording the same identity again replaces its projection, which keeps
// re-processing idempotent.
type InMemory struct {
	mu         sync.RWMutex
	schedule   Schedule
	statements map[string]Statement
	now        func() time.Time
}

// Option configures InMemory.
type Option func(*InMemory)

// WithClock overrides the time source. Only intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *InMemory) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInMemory creates a fresh aggregator over a validated schedule.
func NewInMemory(schedule Schedule, opts ...Option) *InMemory {
	s := &InMemory{
		schedule:   schedule,
		statements: make(map[string]Statement),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule returns the pricing assumptions the aggregator projects with.
func (s *InMemory) Schedule() Schedule {
	return s.schedule
}

func (s *InMemory) Record(identityID string, activityDays int) Statement {
	if activityDays < 0 {
		activityDays = 0
	}
	st := Statement{
		IdentityID:   identityID,
		ActivityDays: activityDays,
		DailyCost:    s.schedule.DailyCost(),
		DailyRevenue: s.schedule.DailyRevenue(),
		DailyProfit:  s.schedule.DailyProfit(),
		TotalProfit:  s.schedule.TotalProfit(activityDays),
		RecordedAt:   s.now(),
	}
	s.mu.Lock()
	s.statements[identityID] = st
	s.mu.Unlock()
	return st
}

func (s *InMemory) Statement(identityID string) (Statement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statements[identityID]
	if !ok {
		return Statement{}, ErrStatementNotFound
	}
	return st, nil
}

// Statements lists every projection ordered by identity id for stable output.
func (s *InMemory) Statements() []Statement {
	s.mu.RLock()
	out := make([]Statement, 0, len(s.statements))
	for _, st := range s.statements {
		out = append(out, st)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityID < out[j].IdentityID })
	return out
}

func (s *InMemory) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := Summary{GeneratedAt: s.now()}
	for _, st := range s.statements {
		days := float64(st.ActivityDays)
		sum.Identities++
		sum.ActivityDays += st.ActivityDays
		sum.TotalCost += st.DailyCost * days
		sum.TotalRevenue += st.DailyRevenue * days
		sum.TotalProfit += st.TotalProfit
		if st.TotalProfit < 0 {
			sum.LossMakers++
		}
	}
	if sum.TotalCost > 0 {
		sum.ROIPercent = sum.TotalProfit / sum.TotalCost * 100
	}
	return sum
}
