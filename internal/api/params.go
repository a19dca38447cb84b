package api

import (
	"maps"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"phinbridge/internal/controller"
	"phinbridge/internal/events"
)

const maskedValue = "********"

// ParamsHandler serves custom parameters and notices
type ParamsHandler struct {
	host   Host
	events *events.Store
}

// NewParamsHandler creates new params handler
func NewParamsHandler(host Host, store *events.Store) *ParamsHandler {
	return &ParamsHandler{host: host, events: store}
}

// List returns the custom parameters with the auth token masked
// GET /api/params
func (h *ParamsHandler) List(w http.ResponseWriter, r *http.Request) {
	params := h.host.CustomParams()
	if _, ok := params[controller.ParamAuthToken]; ok {
		params[controller.ParamAuthToken] = maskedValue
	}
	writeJSON(w, http.StatusOK, map[string]any{"params": params})
}

// Set merges the body into the custom parameters
// POST /api/params {"email": "..."}
func (h *ParamsHandler) Set(w http.ResponseWriter, r *http.Request) {
	var values map[string]string
	if err := decodeJSON(r, &values); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(values) == 0 {
		writeError(w, http.StatusBadRequest, "no parameters given")
		return
	}
	if _, ok := values[""]; ok {
		writeError(w, http.StatusBadRequest, "empty parameter name")
		return
	}

	if err := h.host.AddCustomParams(r.Context(), values); err != nil {
		h.events.Add(events.EventConfigChange, events.SourceAPI, false, err.Error())
		writeError(w, http.StatusInternalServerError, "failed to store parameters")
		return
	}
	h.events.Add(events.EventConfigChange, events.SourceAPI, true, keys(values))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Remove deletes one custom parameter
// DELETE /api/params/{name}
func (h *ParamsHandler) Remove(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := h.host.CustomParams()[name]; !ok {
		writeError(w, http.StatusNotFound, "parameter not found")
		return
	}
	if err := h.host.RemoveCustomParam(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to remove parameter")
		return
	}
	h.events.Add(events.EventConfigChange, events.SourceAPI, true, "removed "+name)
	w.WriteHeader(http.StatusNoContent)
}

// Notices returns the active notices
// GET /api/notices
func (h *ParamsHandler) Notices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"notices": h.host.Notices()})
}

// RemoveNotice removes one notice
// DELETE /api/notices/{key}
func (h *ParamsHandler) RemoveNotice(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if _, ok := h.host.Notices()[key]; !ok {
		writeError(w, http.StatusNotFound, "notice not found")
		return
	}
	if err := h.host.RemoveNotice(r.Context(), key); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to remove notice")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveAllNotices removes every notice
// DELETE /api/notices
func (h *ParamsHandler) RemoveAllNotices(w http.ResponseWriter, r *http.Request) {
	if err := h.host.RemoveNoticesAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to remove notices")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func keys(values map[string]string) string {
	return strings.Join(slices.Sorted(maps.Keys(values)), ",")
}
