package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sanbao-ai/sanbao/backend/internal/csvutil"
	"github.com/sanbao-ai/sanbao/backend/internal/logging"
	"github.com/sanbao-ai/sanbao/backend/pkg/models"
)

const maxCSVRows = 10000

var auditCSVHeaders = []string{"Date", "ActorId", "Action", "Target", "TargetId", "IP"}

// ListAuditLog returns audit entries filtered by actor, action and a
// from/to time range. format=csv exports up to 10000 rows instead of a page.
func (h *Handlers) ListAuditLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.AuditFilter{
		ActorID: q.Get("actor"),
		Action:  q.Get("action"),
	}

	var err error
	if filter.Since, err = parseTimeParam(q.Get("from")); err != nil {
		respondError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	if filter.Until, err = parseTimeParam(q.Get("to")); err != nil {
		respondError(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}

	if q.Get("format") == "csv" {
		filter.Limit = csvLimit(q.Get("limit"))
		entries, err := h.Store.ListAuditEntries(r.Context(), filter)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}

		rows := make([][]any, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, []any{isoTime(e.CreatedAt), e.ActorID, e.Action, e.Target, e.TargetID, e.IP})
		}
		logging.FromContext(r.Context()).Info().Int("rows", len(rows)).Msg("Audit log exported")
		csvutil.Respond(w, csvutil.BuildDocument(auditCSVHeaders, rows), csvFilename("audit-log"))
		return
	}

	page, limit, err := parsePagination(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit = limit
	filter.Offset = (page - 1) * limit

	entries, err := h.Store.ListAuditEntries(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := h.Store.CountAuditEntries(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  entries,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

// parseTimeParam accepts RFC 3339 timestamps or plain YYYY-MM-DD dates.
// An empty value means no bound.
func parseTimeParam(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%q is not an RFC 3339 timestamp or YYYY-MM-DD date", v)
}

// csvLimit caps exports at maxCSVRows. Unparseable values use the cap.
func csvLimit(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > maxCSVRows {
		return maxCSVRows
	}
	return n
}

func csvFilename(prefix string) string {
	return prefix + "-" + time.Now().UTC().Format("2006-01-02") + ".csv"
}

// isoTime formats t like JavaScript's Date.toISOString.
func isoTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
