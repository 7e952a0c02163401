// Package httpapi is the observer surface: read access to identities,
// proxies, ledger figures and the live event stream, plus submit/cancel
// and pool operations through the orchestrator's contract. It never
// touches the workflow machine directly.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"rollcall.dev/internal/bus"
	"rollcall.dev/internal/creds"
	"rollcall.dev/internal/ledger"
	"rollcall.dev/internal/obs"
	"rollcall.dev/internal/orch"
	"rollcall.dev/internal/proxypool"
)

// ReadyProbe reports readiness; with a DB configured it pings it.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// CredentialSeeder lets identity submission carry initial secrets into the
// credential store. Satisfied by *creds.InMemory.
type CredentialSeeder interface {
	Put(identityID string, kind creds.Kind, secret string) error
}

// API is the HTTP layer.
type API struct {
	mux    *http.ServeMux
	orch   *orch.Orchestrator
	pool   *proxypool.Pool
	ledger ledger.Aggregator
	bus    *bus.Bus

	probe         ReadyProbe
	seeder        CredentialSeeder
	version       string
	passwordHash  string
	tokenTTL      time.Duration
	allowedOrigin string
	maxBody       int64
	ratePerSec    float64
	rateBurst     int
}

// Option configures the API.
type Option func(*API)

func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

func WithReadyProbe(rp ReadyProbe) Option {
	return func(a *API) { a.probe = rp }
}

func WithCredentialSeeder(cs CredentialSeeder) Option {
	return func(a *API) { a.seeder = cs }
}

// WithOperatorPassword arms POST /v1/auth/token with the bcrypt hash the
// operator password is checked against.
func WithOperatorPassword(bcryptHash string) Option {
	return func(a *API) { a.passwordHash = bcryptHash }
}

func WithTokenTTL(ttl time.Duration) Option {
	return func(a *API) {
		if ttl > 0 {
			a.tokenTTL = ttl
		}
	}
}

func WithAllowedOrigin(origin string) Option {
	return func(a *API) { a.allowedOrigin = origin }
}

func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.ratePerSec = perSecond
			a.rateBurst = burst
		}
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// New wires the route table.
func New(o *orch.Orchestrator, pool *proxypool.Pool, agg ledger.Aggregator, b *bus.Bus, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		orch:       o,
		pool:       pool,
		ledger:     agg,
		bus:        b,
		version:    "dev",
		tokenTTL:   time.Hour,
		maxBody:    1 << 20,
		ratePerSec: 10,
		rateBurst:  20,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.healthz)
	a.mux.HandleFunc("/readyz", a.readyz)
	a.mux.HandleFunc("/v1/info", a.info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("/v1/identities", a.handleIdentities)
	a.mux.HandleFunc("/v1/identities/", a.handleIdentityResource)

	a.mux.HandleFunc("/v1/proxies", a.handleProxies)
	a.mux.HandleFunc("/v1/proxies/", a.handleProxyResource)

	a.mux.HandleFunc("/v1/ledger/summary", a.handleLedgerSummary)
	a.mux.HandleFunc("/v1/ledger/statements", a.handleStatements)
	a.mux.HandleFunc("/v1/ledger/statements/", a.handleStatementResource)

	a.mux.HandleFunc("/v1/events", a.handleEvents)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	return a
}

// Handler assembles the middleware chain around the route table.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, a.maxBody)
	h = CORS(h, a.allowedOrigin)
	h = SecurityHeaders(h)
	h = RequestID(h)
	h = Logging(h)
	return obs.Instrument(h)
}

// --- health/info handlers ---

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "rollcall",
		"version": a.version,
	})
}

func (a *API) readyz(w http.ResponseWriter, r *http.Request) {
	if err := a.probe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) info(w http.ResponseWriter, r *http.Request) {
	byStatus, queued, active := a.orch.Counts()
	statuses := make(map[string]int, len(byStatus))
	for st, n := range byStatus {
		statuses[string(st)] = n
	}
	pool := make(map[string]int)
	for state, n := range a.pool.Counts() {
		pool[string(state)] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       "rollcall",
		"version":    a.version,
		"time":       time.Now().UTC().Format(time.RFC3339),
		"identities": statuses,
		"queued":     queued,
		"active":     active,
		"pool":       pool,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{"error": msg}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
