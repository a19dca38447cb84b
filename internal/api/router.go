// Package api serves the control API of the bridge.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"phinbridge/internal/auth"
	"phinbridge/internal/controller"
	"phinbridge/internal/events"
	"phinbridge/internal/metrics"
	"phinbridge/internal/storage"
)

// Host is the host runtime as seen by the API.
type Host interface {
	CustomParams() map[string]string
	AddCustomParams(ctx context.Context, values map[string]string) error
	RemoveCustomParam(ctx context.Context, name string) error
	Notices() map[string]string
	RemoveNotice(ctx context.Context, key string) error
	RemoveNoticesAll(ctx context.Context) error
	Drivers() map[string]float64
	History(limit int) ([]storage.HistoryEntry, error)
}

// Node runs controller commands.
type Node interface {
	Command(ctx context.Context, name string, args map[string]string) error
	Status() (controller.Status, bool)
}

// Options configures a Server.
type Options struct {
	Host    Host
	Node    Node
	Events  *events.Store
	Auth    *auth.Middleware
	Tickets *auth.WSTicketStore
	Logger  *zap.Logger
}

// Server represents the API server
type Server struct {
	router  *chi.Mux
	host    Host
	node    Node
	events  *events.Store
	authMw  *auth.Middleware
	tickets *auth.WSTicketStore
	logger  *zap.Logger
}

// NewServer creates new API server
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	authMw := opts.Auth
	if authMw == nil {
		authMw = auth.Disabled()
	}
	evs := opts.Events
	if evs == nil {
		evs = events.NewStore(100)
	}

	s := &Server{
		router:  chi.NewRouter(),
		host:    opts.Host,
		node:    opts.Node,
		events:  evs,
		authMw:  authMw,
		tickets: opts.Tickets,
		logger:  logger.Named("api"),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	r := s.router

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(metrics.Middleware)

	paramsHandler := NewParamsHandler(s.host, s.events)
	nodeHandler := NewNodeHandler(s.host, s.node, s.events)
	eventsHandler := NewEventsHandler(s.events, s.tickets, s.logger)
	historyHandler := NewHistoryHandler(s.host)

	// Public routes
	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())

	// Protected API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMw.RequireAuth)

		r.Get("/params", paramsHandler.List)
		r.Get("/notices", paramsHandler.Notices)
		r.Get("/drivers", nodeHandler.Drivers)
		r.Get("/state", nodeHandler.State)
		r.Get("/events", eventsHandler.List)
		r.Get("/history", historyHandler.List)
		r.Post("/ws/ticket", eventsHandler.Ticket)
		r.Get("/ws", eventsHandler.Stream)

		r.Group(func(r chi.Router) {
			r.Use(s.authMw.RequireAdmin)

			r.Post("/params", paramsHandler.Set)
			r.Delete("/params/{name}", paramsHandler.Remove)
			r.Delete("/notices", paramsHandler.RemoveAllNotices)
			r.Delete("/notices/{key}", paramsHandler.RemoveNotice)
			r.Post("/commands/{name}", nodeHandler.Command)
		})
	})
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.node != nil {
		if st, ok := s.node.Status(); ok {
			resp["state"] = st.State
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// requestLogger logs every request with zap
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("client_ip", getClientIP(r)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
