package handlers

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/sanbao-ai/sanbao/backend/internal/jobs"
	"github.com/sanbao-ai/sanbao/backend/internal/logging"
	"github.com/sanbao-ai/sanbao/backend/internal/ssrf"
	"github.com/sanbao-ai/sanbao/backend/internal/webhook"
	"github.com/sanbao-ai/sanbao/backend/pkg/correlation"
	"github.com/sanbao-ai/sanbao/backend/pkg/models"
)

// PostEvent records an application event in the audit log and schedules
// webhook fan-out.
func (h *Handlers) PostEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.Event
	if err := decodeJSON(w, r, &ev); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev.Name = strings.TrimSpace(ev.Name)
	if ev.Name == "" || ev.ActorID == "" {
		respondError(w, http.StatusBadRequest, "event and actor_id are required")
		return
	}

	entry := &models.AuditEntry{
		ActorID:   ev.ActorID,
		Action:    ev.Name,
		Target:    ev.Target,
		TargetID:  ev.TargetID,
		IP:        clientIP(r),
		RequestID: correlation.FromContext(r.Context()),
		Details:   ev.Data,
	}
	if err := h.Store.CreateAuditEntry(r.Context(), entry); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	payload := map[string]interface{}{
		"actor_id":  ev.ActorID,
		"target":    ev.Target,
		"target_id": ev.TargetID,
		"data":      ev.Data,
	}
	logger := logging.FromContext(r.Context())
	err := h.Jobs.Enqueue(r.Context(), webhook.JobName, webhook.Job{Event: ev.Name, Payload: payload})
	switch {
	case errors.Is(err, jobs.ErrUnknownJob):
		logger.Debug().Str("event", ev.Name).Msg("No webhook processor registered")
	case err != nil:
		logger.Warn().Err(err).Str("event", ev.Name).Msg("Failed to enqueue webhook job")
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"id":     entry.ID,
		"status": "accepted",
	})
}

type urlCheckRequest struct {
	URL string `json:"url"`
}

type urlCheckResponse struct {
	URL  string `json:"url"`
	Safe bool   `json:"safe"`
	Rule string `json:"rule,omitempty"`
}

// CheckURL reports whether a URL is safe for the server to fetch.
func (h *Handlers) CheckURL(w http.ResponseWriter, r *http.Request) {
	var req urlCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.URL == "" {
		respondError(w, http.StatusBadRequest, "url is required")
		return
	}

	resp := urlCheckResponse{URL: req.URL}
	if rule, blocked := ssrf.Check(req.URL); blocked {
		resp.Rule = rule.Name
	} else {
		resp.Safe = h.Guard.Allow(r.Context(), req.URL)
	}
	respondJSON(w, http.StatusOK, resp)
}

// clientIP returns the request's remote host. RealIP has already applied
// X-Forwarded-For / X-Real-IP.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
