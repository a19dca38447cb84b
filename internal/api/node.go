package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"phinbridge/internal/controller"
	"phinbridge/internal/events"
	"phinbridge/internal/host"
	"phinbridge/internal/logging"
	"phinbridge/internal/node"
)

// NodeHandler serves drivers, activation state and commands
type NodeHandler struct {
	host   Host
	node   Node
	events *events.Store
}

// NewNodeHandler creates new node handler
func NewNodeHandler(h Host, n Node, store *events.Store) *NodeHandler {
	return &NodeHandler{host: h, node: n, events: store}
}

type driverView struct {
	host.Driver
	Value *float64 `json:"value"`
}

// Drivers returns the profile with the last value of every driver
// GET /api/drivers
func (h *NodeHandler) Drivers(w http.ResponseWriter, r *http.Request) {
	values := h.host.Drivers()
	out := make([]driverView, 0, len(host.Drivers))
	for _, d := range host.Drivers {
		view := driverView{Driver: d}
		if v, ok := values[d.Key]; ok {
			view.Value = &v
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": out})
}

// State returns the controller status
// GET /api/state
func (h *NodeHandler) State(w http.ResponseWriter, r *http.Request) {
	st, ok := h.node.Status()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "controller not started")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Command runs a controller command
// POST /api/commands/{name} {"level": "debug"}
func (h *NodeHandler) Command(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var args map[string]string
	if err := decodeJSON(r, &args); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.node.Command(r.Context(), name, args)
	h.events.Add(events.EventCommand, events.SourceAPI, err == nil, name)

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	case errors.Is(err, controller.ErrUnknownCommand):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, logging.ErrUnknownLevel):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, node.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
