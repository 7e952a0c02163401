package workflow

import (
	"time"

	"rollcall.dev/internal/identity"
)

// StepResult records one step attempt inside a run.
type StepResult struct {
	Step    string        `json:"step"`
	Attempt int           `json:"attempt"`
	Kind    Kind          `json:"kind"`
	Reason  Reason        `json:"reason,omitempty"`
	Detail  string        `json:"detail,omitempty"`
	Proxy   string        `json:"proxy_id,omitempty"`
	Took    time.Duration `json:"took_ns"`
	At      time.Time     `json:"at"`
}

// Run is one end-to-end pipeline execution for one identity. A run is
// append-only while open and immutable once Close stamps the terminal.
type Run struct {
	ID         string          `json:"id"`
	IdentityID string          `json:"identity_id"`
	ProxyIDs   []string        `json:"proxy_ids"`
	Results    []StepResult    `json:"results"`
	Terminal   identity.Status `json:"terminal"`
	Reason     Reason          `json:"reason,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    time.Time       `json:"ended_at"`
}

// Closed reports whether the run has reached its terminal.
func (r *Run) Closed() bool {
	return !r.EndedAt.IsZero()
}

// Duration is wall time from start to close, zero while the run is open.
func (r *Run) Duration() time.Duration {
	if !r.Closed() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

func (r *Run) record(res StepResult) {
	if r.Closed() {
		return
	}
	r.Results = append(r.Results, res)
}

func (r *Run) noteProxy(proxyID string) {
	for _, id := range r.ProxyIDs {
		if id == proxyID {
			return
		}
	}
	r.ProxyIDs = append(r.ProxyIDs, proxyID)
}

func (r *Run) close(terminal identity.Status, reason Reason, detail string, now time.Time) {
	if r.Closed() {
		return
	}
	r.Terminal = terminal
	r.Reason = reason
	r.Detail = detail
	r.EndedAt = now
}

// Attempts counts recorded attempts for one step name.
func (r *Run) Attempts(step string) int {
	n := 0
	for _, res := range r.Results {
		if res.Step == step {
			n++
		}
	}
	return n
}
