package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sanbao-ai/sanbao/backend/internal/csvutil"
	"github.com/sanbao-ai/sanbao/backend/pkg/models"
)

var deliveryCSVHeaders = []string{"Date", "WebhookId", "Event", "Status", "Success", "Attempts", "Error"}

// ListWebhooks returns the configured subscriptions. Secrets are never serialized.
func (h *Handlers) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Webhooks.Webhooks())
}

// TestWebhook sends a test delivery to one webhook.
func (h *Handlers) TestWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "webhookId")
	delivery, err := h.Webhooks.Test(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, delivery)
}

// ListDeliveries returns webhook delivery outcomes, as JSON or CSV.
func (h *Handlers) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.DeliveryFilter{
		WebhookID: q.Get("webhook"),
		Event:     q.Get("event"),
	}
	if v := q.Get("success"); v != "" {
		ok, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "success must be true or false")
			return
		}
		filter.Success = &ok
	}

	if q.Get("format") == "csv" {
		filter.Limit = csvLimit(q.Get("limit"))
		deliveries, err := h.Store.ListDeliveries(r.Context(), filter)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}

		rows := make([][]any, 0, len(deliveries))
		for _, d := range deliveries {
			rows = append(rows, []any{isoTime(d.CreatedAt), d.WebhookID, d.Event, d.StatusCode, d.Success, d.Attempts, d.Error})
		}
		csvutil.Respond(w, csvutil.BuildDocument(deliveryCSVHeaders, rows), csvFilename("webhook-deliveries"))
		return
	}

	page, limit, err := parsePagination(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit = limit
	filter.Offset = (page - 1) * limit

	deliveries, err := h.Store.ListDeliveries(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"deliveries": deliveries,
		"page":       page,
		"limit":      limit,
	})
}
