package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"rollcall.dev/internal/audit"
	"rollcall.dev/internal/creds"
	"rollcall.dev/internal/identity"
	"rollcall.dev/internal/ids"
	"rollcall.dev/internal/orch"
)

type identityView struct {
	ID             string    `json:"id"`
	Label          string    `json:"label,omitempty"`
	MailboxAddress string    `json:"mailbox_address"`
	PlatformHandle string    `json:"platform_handle,omitempty"`
	Status         string    `json:"status"`
	ProxyID        string    `json:"proxy_id,omitempty"`
	ActivityDays   int       `json:"activity_days"`
	LastDetail     string    `json:"last_detail,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func viewOf(id identity.Identity) identityView {
	return identityView{
		ID:             id.ID,
		Label:          id.Label,
		MailboxAddress: id.MailboxAddress,
		PlatformHandle: id.PlatformHandle,
		Status:         string(id.Status),
		ProxyID:        id.ProxyID,
		ActivityDays:   id.ActivityDays,
		LastDetail:     id.LastDetail,
		CreatedAt:      id.CreatedAt,
		UpdatedAt:      id.UpdatedAt,
	}
}

type submitRequest struct {
	ID             string `json:"id"`
	Label          string `json:"label"`
	MailboxAddress string `json:"mailbox_address"`
	PlatformHandle string `json:"platform_handle"`
	MailboxSecret  string `json:"mailbox_secret"`
	PlatformSecret string `json:"platform_secret"`
}

func (a *API) handleIdentities(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listIdentities(w, r)
	case http.MethodPost:
		a.submitIdentity(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleIdentityResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/identities/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if id, ok := strings.CutSuffix(path, "/cancel"); ok {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.cancelIdentity(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	a.getIdentity(w, r, path)
}

func (a *API) listIdentities(w http.ResponseWriter, r *http.Request) {
	recs := a.orch.List()
	views := make([]identityView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, viewOf(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

func (a *API) getIdentity(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := a.orch.Get(id)
	if err != nil {
		handleOrchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

// submitIdentity registers the identity on first sight, seeds credentials
// when provided and enqueues it for processing.
func (a *API) submitIdentity(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	id := strings.TrimSpace(req.ID)
	created := false
	if id == "" {
		id = ids.NewIdentity()
	}
	if _, err := a.orch.Get(id); errors.Is(err, orch.ErrUnknownIdentity) {
		mailbox := strings.TrimSpace(req.MailboxAddress)
		if mailbox == "" {
			writeError(w, r, http.StatusBadRequest, "mailbox_address is required for new identities")
			return
		}
		rec := identity.Identity{
			ID:             id,
			Label:          strings.TrimSpace(req.Label),
			MailboxAddress: mailbox,
			PlatformHandle: strings.TrimSpace(req.PlatformHandle),
		}
		if err := a.orch.Add(rec); err != nil {
			handleOrchError(w, r, err)
			return
		}
		created = true
	}

	if req.MailboxSecret != "" || req.PlatformSecret != "" {
		if a.seeder == nil {
			writeError(w, r, http.StatusBadRequest, "credential seeding is not enabled")
			return
		}
		if req.MailboxSecret != "" {
			if err := a.seeder.Put(id, creds.KindMailbox, req.MailboxSecret); err != nil {
				writeError(w, r, http.StatusInternalServerError, "seed mailbox secret failed")
				return
			}
		}
		if req.PlatformSecret != "" {
			if err := a.seeder.Put(id, creds.KindPlatform, req.PlatformSecret); err != nil {
				writeError(w, r, http.StatusInternalServerError, "seed platform secret failed")
				return
			}
		}
	}

	if err := a.orch.Submit(id); err != nil {
		handleOrchError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "api.identity.submit", map[string]any{
		"identity_id": id,
		"created":     created,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":      id,
		"status":  "queued",
		"created": created,
	})
}

func (a *API) cancelIdentity(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.orch.Cancel(r.Context(), id); err != nil {
		handleOrchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"status": "cancel_requested",
	})
}

func handleOrchError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orch.ErrUnknownIdentity):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, orch.ErrIdentityExists), errors.Is(err, orch.ErrAlreadySubmitted), errors.Is(err, orch.ErrNotSubmitted):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, orch.ErrQueueFull):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
