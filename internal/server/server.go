package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/michaelbrown/toolsmith/internal/agent"
	"github.com/michaelbrown/toolsmith/internal/config"
	"github.com/michaelbrown/toolsmith/internal/mcpconn"
	"github.com/michaelbrown/toolsmith/internal/servers"
	"github.com/michaelbrown/toolsmith/internal/storage"
	"github.com/michaelbrown/toolsmith/internal/tools"
)

// Server is the HTTP server for the Toolsmith API.
type Server struct {
	cfg       *config.Config
	store     storage.Store
	registry  *servers.Registry
	conns     *mcpconn.Manager
	tools     *tools.Router
	runs      *RunManager
	newClient agent.NewClientFunc
	router    chi.Router
	http      *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithClientFunc replaces how LLM clients are built, mainly for tests.
func WithClientFunc(f agent.NewClientFunc) Option {
	return func(s *Server) { s.newClient = f }
}

// New creates a Server. The server owns conns and closes it on Shutdown.
func New(cfg *config.Config, store storage.Store, conns *mcpconn.Manager, opts ...Option) *Server {
	registry := servers.NewRegistry(store)
	s := &Server{
		cfg:       cfg,
		store:     store,
		registry:  registry,
		conns:     conns,
		tools:     tools.NewRouter(registry, conns),
		runs:      NewRunManager(),
		newClient: agent.DefaultClient,
		router:    chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		// Runs
		r.Get("/runs", s.handleListRuns)
		r.Post("/runs", s.handleCreateRun)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Delete("/runs/{id}", s.handleDeleteRun)

		// Messages
		r.Get("/runs/{id}/messages", s.handleGetMessages)
		r.Post("/runs/{id}/messages", s.handleSendMessage)

		// Tool servers
		r.Get("/servers", s.handleListServers)
		r.Post("/servers", s.handleCreateServer)
		r.Get("/servers/{name}", s.handleGetServer)
		r.Put("/servers/{name}", s.handleUpdateServer)
		r.Delete("/servers/{name}", s.handleDeleteServer)
		r.Get("/servers/{name}/tools", s.handleServerTools)

		// Live connections
		r.Get("/connections", s.handleListConnections)

		r.Get("/providers", s.handleListProviders)
	})

	// WebSocket (no JSON content-type)
	r.Get("/api/runs/{id}/ws", s.handleWebSocket)
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Handler returns the HTTP handler, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	log.Printf("Toolsmith server starting on http://localhost%s", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown cancels active runs, stops the HTTP server and closes every
// remaining tool server connection.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down server...")
	s.runs.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var errs []error
	if s.http != nil {
		errs = append(errs, s.http.Shutdown(shutdownCtx))
	}
	errs = append(errs, s.conns.Close())
	return errors.Join(errs...)
}
