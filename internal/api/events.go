package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"phinbridge/internal/auth"
	"phinbridge/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// EventsHandler handles event log endpoints
type EventsHandler struct {
	store    *events.Store
	tickets  *auth.WSTicketStore
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewEventsHandler creates new events handler
func NewEventsHandler(store *events.Store, tickets *auth.WSTicketStore, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{
		store:   store,
		tickets: tickets,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Requests reaching the upgrade are already authenticated
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// List returns events from the store
// GET /api/events?limit=50&since=123
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	// Check for since parameter (get events after ID)
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		sinceID, err := strconv.ParseInt(sinceStr, 10, 64)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"events": h.store.GetSince(sinceID),
				"lastId": h.store.LastID(),
			})
			return
		}
	}

	limit := queryInt(r, "limit", 50, 100)
	writeJSON(w, http.StatusOK, map[string]any{
		"events": h.store.GetLast(limit),
		"lastId": h.store.LastID(),
		"total":  h.store.Count(),
	})
}

// Ticket returns a one-time ticket for the websocket endpoint
// POST /api/ws/ticket
func (h *EventsHandler) Ticket(w http.ResponseWriter, r *http.Request) {
	if h.tickets == nil {
		writeError(w, http.StatusNotFound, "tickets not enabled")
		return
	}
	p := auth.PrincipalFromContext(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	ticket, err := h.tickets.Generate(p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate ticket")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":    ticket,
		"expiresIn": int(auth.WSTicketTTL.Seconds()),
	})
}

// Stream upgrades to a websocket and sends every new event as JSON
// GET /api/ws
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	ch, cancel := h.store.Subscribe()
	defer cancel()

	// Reader drains control frames and notices the client going away
	closed := make(chan struct{})
	ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("websocket read failed", zap.Error(err))
				}
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteJSON(ev); err != nil {
				h.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
