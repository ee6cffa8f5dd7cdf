package monitor

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/maraver/planline/internal/engine"
	"github.com/maraver/planline/internal/store"
	"github.com/maraver/planline/internal/streaming"
	"github.com/maraver/planline/internal/suspend"
)

// Deps holds the dependencies for the monitor server.
type Deps struct {
	Store      store.Store
	Engine     *engine.Engine
	Hub        streaming.DocHub
	Supervisor *suspend.Supervisor
	Logger     *slog.Logger
}

// Server serves the HTTP status surface: run listings, document logs,
// control endpoints, and live SSE document streams.
type Server struct {
	deps Deps
}

// NewServer creates a monitor Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the monitor routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRunDetail)
	mux.HandleFunc("GET /api/runs/{id}/documents", s.handleRunDocuments)
	mux.HandleFunc("POST /api/runs/{id}/control", s.handleControl)

	mux.HandleFunc("GET /api/templates", s.handleListTemplates)
	mux.HandleFunc("GET /api/scheduler", s.handleListJobs)
	mux.HandleFunc("GET /api/suspenders", s.handleSuspenders)
	mux.HandleFunc("GET /api/breakers/{device}", s.handleBreakerStats)

	// SSE streams.
	mux.HandleFunc("GET /sse/documents", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/runs/{id}", s.handleSSERun)

	return mux
}
