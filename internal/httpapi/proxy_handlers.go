package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"rollcall.dev/internal/audit"
	"rollcall.dev/internal/proxypool"
)

// proxyView redacts credentials; only the pool knows proxy passwords.
type proxyView struct {
	ID          string `json:"id"`
	Scheme      string `json:"scheme"`
	Addr        string `json:"addr"`
	Health      string `json:"health"`
	Fails       int    `json:"fails"`
	LatencyMS   int64  `json:"latency_ms"`
	AssignedTo  string `json:"assigned_to,omitempty"`
	LastChecked string `json:"last_checked,omitempty"`
}

func proxyViewOf(p proxypool.Proxy) proxyView {
	v := proxyView{
		ID:         p.ID,
		Scheme:     p.Scheme,
		Addr:       p.Addr(),
		Health:     string(p.Health),
		Fails:      p.Fails,
		LatencyMS:  p.Latency.Milliseconds(),
		AssignedTo: p.AssignedTo,
	}
	if !p.LastChecked.IsZero() {
		v.LastChecked = p.LastChecked.UTC().Format(time.RFC3339)
	}
	return v
}

type loadProxiesRequest struct {
	Descriptors []string `json:"descriptors"`
}

func (a *API) handleProxies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listProxies(w, r)
	case http.MethodPost:
		a.loadProxies(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleProxyResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/proxies/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if id, ok := strings.CutSuffix(path, "/revive"); ok {
		a.proxyAction(w, r, strings.TrimSuffix(id, "/"), "revive", a.pool.Revive)
		return
	}
	if id, ok := strings.CutSuffix(path, "/kill"); ok {
		a.proxyAction(w, r, strings.TrimSuffix(id, "/"), "kill", a.pool.MarkDead)
		return
	}
	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		p, err := a.pool.Get(path)
		if err != nil {
			writeError(w, r, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, proxyViewOf(p))
	case http.MethodDelete:
		if err := a.pool.Remove(path); err != nil {
			if errors.Is(err, proxypool.ErrUnknownProxy) {
				writeError(w, r, http.StatusNotFound, err.Error())
				return
			}
			// Leased proxies cannot be removed out from under their run.
			writeError(w, r, http.StatusConflict, err.Error())
			return
		}
		_ = audit.LogEvent(r.Context(), "api.proxy.remove", map[string]any{"proxy_id": path})
		writeJSON(w, http.StatusOK, map[string]any{"id": path, "action": "remove"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) listProxies(w http.ResponseWriter, r *http.Request) {
	snap := a.pool.Snapshot()
	views := make([]proxyView, 0, len(snap))
	for _, p := range snap {
		views = append(views, proxyViewOf(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

func (a *API) loadProxies(w http.ResponseWriter, r *http.Request) {
	var req loadProxiesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Descriptors) == 0 {
		writeError(w, r, http.StatusBadRequest, "descriptors are required")
		return
	}

	added := make([]proxyView, 0, len(req.Descriptors))
	for _, d := range req.Descriptors {
		p, err := a.pool.Add(d)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		added = append(added, proxyViewOf(p))
	}

	_ = audit.LogEvent(r.Context(), "api.proxy.load", map[string]any{"count": len(added)})
	writeJSON(w, http.StatusCreated, map[string]any{"items": added})
}

// proxyAction runs an operator verb (revive, kill) against one proxy.
func (a *API) proxyAction(w http.ResponseWriter, r *http.Request, id, verb string, action func(string) error) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := action(id); err != nil {
		if errors.Is(err, proxypool.ErrUnknownProxy) {
			writeError(w, r, http.StatusNotFound, err.Error())
			return
		}
		// Revive refuses proxies that are not dead; that is a state
		// conflict, not a server fault.
		writeError(w, r, http.StatusConflict, err.Error())
		return
	}
	_ = audit.LogEvent(r.Context(), "api.proxy."+verb, map[string]any{"proxy_id": id})
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"action": verb,
	})
}
