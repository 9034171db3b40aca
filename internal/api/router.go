package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"taskfleet/internal/core"
	"taskfleet/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	store      *store.Store
	engine     *core.Engine
	jobs       *core.JobScheduler
	mcp        http.Handler
	logger     *slog.Logger
	authToken  string
}

// Options wires the server to the rest of the daemon.
type Options struct {
	Addr      string
	AuthToken string
	Store     *store.Store
	Engine    *core.Engine
	Jobs      *core.JobScheduler
	// MCP is mounted at /mcp when set.
	MCP    http.Handler
	Logger *slog.Logger
}

// NewServer constructs the HTTP API server.
func NewServer(opts Options) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		store:     opts.Store,
		engine:    opts.Engine,
		jobs:      opts.Jobs,
		mcp:       opts.MCP,
		logger:    opts.Logger,
		authToken: opts.AuthToken,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.mcp != nil {
		var mcpHandler = s.mcp
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Post("/schedule/preview", s.handleSchedulePreview)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/devices", s.handleListDevices)
		r.Get("/groups", s.handleListGroups)
		r.Get("/scripts", s.handleListScripts)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleUpsertTask)

			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/pause", s.handlePauseTask)
				r.Post("/resume", s.handleResumeTask)
				r.Post("/run", s.handleRunTask)
				r.Get("/logs", s.handleTaskLogs)
			})
		})

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.handleListWorkflows)
			r.Post("/", s.handleUpsertWorkflow)

			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetWorkflow)
				r.Post("/edges", s.handleAddEdge)
				r.Delete("/edges", s.handleRemoveEdge)
			})
		})
	})
}
