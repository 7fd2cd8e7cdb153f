// Package api exposes the HTTP and WebSocket surface: event ingestion,
// transcript upload, session reads and mutations, git-hooks prompts, admin
// recovery, health, and the /ws realtime endpoint.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/ccpulse/ccpulse/pkg/blob"
	"github.com/ccpulse/ccpulse/pkg/config"
	"github.com/ccpulse/ccpulse/pkg/database"
	"github.com/ccpulse/ccpulse/pkg/events"
	"github.com/ccpulse/ccpulse/pkg/pipeline"
	"github.com/ccpulse/ccpulse/pkg/store"
	"github.com/ccpulse/ccpulse/pkg/stream"
)

// Server wires every HTTP handler to its dependencies. All fields are set
// at startup and read-only afterwards.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	cfg        config.ServerConfig

	db       *database.Client
	stream   *stream.Client
	blobs    *blob.Store
	identity *store.IdentityStore
	sessions *store.SessionStore
	eventsDB *store.EventStore
	trans    *store.TranscriptStore
	git      *store.GitStore
	runner   *pipeline.Runner
	sweeper  *pipeline.Sweeper
	manager  *events.Manager

	startedAt time.Time
}

// Deps collects the server's collaborators.
type Deps struct {
	DB       *database.Client
	Stream   *stream.Client
	Blobs    *blob.Store
	Identity *store.IdentityStore
	Sessions *store.SessionStore
	Events   *store.EventStore
	Trans    *store.TranscriptStore
	Git      *store.GitStore
	Runner   *pipeline.Runner
	Sweeper  *pipeline.Sweeper
	Manager  *events.Manager
}

// NewServer builds the server and registers all routes.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{
		echo:      echo.New(),
		cfg:       cfg,
		db:        deps.DB,
		stream:    deps.Stream,
		blobs:     deps.Blobs,
		identity:  deps.Identity,
		sessions:  deps.Sessions,
		eventsDB:  deps.Events,
		trans:     deps.Trans,
		git:       deps.Git,
		runner:    deps.Runner,
		sweeper:   deps.Sweeper,
		manager:   deps.Manager,
		startedAt: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	e := s.echo
	e.Use(securityHeaders())

	// Health is the only unauthenticated API path.
	e.GET("/api/health", s.healthHandler)

	api := e.Group("/api", bearerAuth(s.cfg.APIKey))
	api.POST("/events/ingest", s.ingestHandler)
	api.POST("/sessions/:id/transcript/upload", s.uploadHandler)
	api.GET("/sessions", s.listSessionsHandler)
	api.GET("/sessions/:id", s.getSessionHandler)
	api.GET("/sessions/:id/messages", s.sessionMessagesHandler)
	api.PATCH("/sessions/:id", s.patchSessionHandler)
	api.POST("/sessions/:id/reparse", s.reparseHandler)
	api.GET("/workspaces", s.listWorkspacesHandler)
	api.GET("/devices", s.listDevicesHandler)
	api.GET("/events/timeline", s.timelineHandler)
	api.GET("/git/activity", s.gitActivityHandler)
	api.GET("/prompts/pending", s.pendingPromptsHandler)
	api.POST("/prompts/dismiss", s.dismissPromptHandler)
	api.POST("/admin/recovery/run", s.recoveryHandler)

	// The WebSocket endpoint authenticates via its token query parameter.
	e.GET("/ws", s.wsHandler)
}

// Start serves until Shutdown or a listener failure.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }
