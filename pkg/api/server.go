// Package api is the HTTP and WebSocket ingress: webhook decoding, manual
// triggers, pipeline snapshots, and the event-subscription endpoints that
// stream bus topics to clients.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/bus"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/pipeline"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/terminal"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/version"
)

// wsWriteTimeout bounds each WebSocket send so one stuck client cannot stall
// its forwarding goroutine forever.
const wsWriteTimeout = 5 * time.Second

// Server wires the ingress routes to the orchestrator, the bus, and the
// terminal manager.
type Server struct {
	echo      *echo.Echo
	http      *http.Server
	orch      *pipeline.Orchestrator
	bus       *bus.Bus
	terminals *terminal.Manager
	logger    *slog.Logger
}

// NewServer creates the ingress server and registers all routes.
func NewServer(orch *pipeline.Orchestrator, b *bus.Bus, terminals *terminal.Manager) *Server {
	s := &Server{
		echo:      echo.New(),
		orch:      orch,
		bus:       b,
		terminals: terminals,
		logger:    slog.Default().With("component", "api-server"),
	}
	s.echo.Use(securityHeaders())
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	e := s.echo

	e.POST("/webhook/github", s.githubWebhookHandler)
	e.POST("/agents/trigger", s.manualTriggerHandler)
	e.POST("/webhook/results", s.resultsWebhookHandler)

	e.GET("/pipeline/:pipeline_id", s.pipelineSnapshotHandler)
	e.GET("/pipelines/active", s.activePipelinesHandler)
	e.GET("/health", s.healthHandler)
	e.GET("/", s.rootHandler)

	e.GET("/ws/all", s.allPipelinesSocketHandler)
	e.GET("/ws/terminal/all", s.allTerminalsSocketHandler)
	e.GET("/ws/terminal/:session_id", s.terminalSocketHandler)
	e.GET("/ws/:pipeline_id", s.pipelineSocketHandler)
}

// Handler exposes the routed handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr and blocks until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":           "healthy",
		"version":          version.GitCommit,
		"active_pipelines": s.orch.Count(),
	})
}

func (s *Server) rootHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"service": "agentic-devops-pipeline",
		"version": version.GitCommit,
		"endpoints": []string{
			"POST /webhook/github",
			"POST /agents/trigger",
			"POST /webhook/results",
			"GET /pipeline/{pipeline_id}",
			"GET /pipelines/active",
			"GET /health",
			"WS /ws/{pipeline_id}",
			"WS /ws/all",
			"WS /ws/terminal/{session_id}",
			"WS /ws/terminal/all",
		},
	})
}
