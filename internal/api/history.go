package api

import (
	"net/http"

	"phinbridge/internal/storage"
)

// HistoryHandler serves the persisted activation and polling history
type HistoryHandler struct {
	host Host
}

// NewHistoryHandler creates new history handler
func NewHistoryHandler(host Host) *HistoryHandler {
	return &HistoryHandler{host: host}
}

// List returns the most recent history entries, oldest first
// GET /api/history?limit=100
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100, 500)

	entries, err := h.host.History(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if entries == nil {
		entries = []storage.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}
