// Package httpserver exposes the engine's REST and WebSocket surface: the
// workspace lifecycle, the director proposal flow, read models for goals,
// tasks, deliverables, and insights, and the per-workspace event stream.
package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	promclient "github.com/prometheus/client_golang/prometheus/promhttp"

	"taskforge/internal/domain/agent"
	"taskforge/internal/domain/deliverable"
	"taskforge/internal/domain/goal"
	recdomain "taskforge/internal/domain/recovery"
	"taskforge/internal/domain/task"
	"taskforge/internal/domain/workspace"
	"taskforge/internal/events"
	"taskforge/internal/ids"
	"taskforge/internal/logging"
	"taskforge/internal/memory"
	"taskforge/internal/proposal"
	"taskforge/internal/queue"
)

// Config configures the HTTP surface.
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string
	Environment    string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Controller drives a workspace's execution loop. The supervisor satisfies
// it; tests substitute a recorder.
type Controller interface {
	PauseWorkspace(ctx context.Context, workspaceID string) error
	StartWorkspace(ctx context.Context, workspaceID string) error
	TickNow(ctx context.Context, workspaceID string) error
}

// Deps are the stores and services the handlers read and drive.
type Deps struct {
	Workspaces   workspace.Store
	Goals        goal.Registry
	Tasks        task.Store
	Agents       agent.Store
	Deliverables deliverable.Store
	Recovery     recdomain.Store
	Memory       *memory.Service
	Proposals    *proposal.Service
	Queue        *queue.Service
	Bus          *events.Bus
	Control      Controller
}

// Server is the HTTP front of the engine.
type Server struct {
	deps   Deps
	cfg    Config
	logger logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	startTime  time.Time
}

// NewServer builds the router and handlers.
func NewServer(deps Deps, cfg Config, logger logging.Logger) *Server {
	if cfg.Port <= 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logging.OrNop(logger),
		engine: gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		startTime: time.Now(),
	}

	s.engine.Use(gin.Recovery())
	s.engine.Use(traceMiddleware())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Trace-ID"}
	corsConfig.AllowWebSockets = true
	s.engine.Use(cors.New(corsConfig))

	s.routes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promclient.Handler()))

	ws := s.engine.Group("/workspaces")
	{
		ws.POST("/", s.handleCreateWorkspace)
		ws.GET("/", s.handleListWorkspaces)
		ws.GET("/:id", s.handleGetWorkspace)
		ws.POST("/:id/proposal", s.handlePropose)
		ws.POST("/:id/approve", s.handleApprove)
		ws.GET("/:id/goals/", s.handleListGoals)
		ws.GET("/:id/tasks/", s.handleListTasks)
		ws.GET("/:id/deliverables/", s.handleListDeliverables)
		ws.POST(":id/pause", s.handlePause)
		ws.POST(":id/start", s.handleStart)
		ws.POST(":id/tick", s.handleTickNow)
		ws.POST("/:id/recovery", s.handleRecoverySummary)
		ws.GET("/:id/insights/", s.handleListInsights)
		ws.GET("/:id/events", s.handleEventStream)
	}
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// traceMiddleware threads a trace id through every request so written rows
// and error payloads can be correlated.
func traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader("X-Trace-ID")
		if traceID == "" {
			traceID = ids.NewTraceID()
		}
		c.Request = c.Request.WithContext(ids.WithTraceID(c.Request.Context(), traceID))
		c.Header("X-Trace-ID", traceID)
		c.Next()
	}
}
