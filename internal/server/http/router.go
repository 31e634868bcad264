package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"tachikoma/internal/config"
	"tachikoma/internal/observability"
)

// Version reported by the health endpoint.
const Version = "0.1.0"

// Server is the gateway: the gin engine, the security middleware chain and
// the in-memory resource stores behind the API surface.
type Server struct {
	cfg     config.Config
	engine  *gin.Engine
	httpSrv *http.Server
	logger  *observability.Logger
	metrics *observability.MetricsCollector

	runner  Runner
	tools   map[string]ToolFunc
	tasks   *taskStore
	agents  *agentStore
	history *executionHistory
	proxy   *proxyClient
	hub     *eventHub

	startTime time.Time
}

// Options carries the collaborators injected into the gateway.
type Options struct {
	Runner  Runner
	Tools   map[string]ToolFunc
	Logger  *observability.Logger
	Metrics *observability.MetricsCollector
}

// NewServer wires the middleware chain and routes. The server is ready to
// Start or to serve via Handler (tests).
func NewServer(cfg config.Config, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{
			Level:   cfg.Server.LogLevel,
			Format:  cfg.Server.LogFormat,
			Service: cfg.Server.ServiceName,
		})
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cfg:       cfg,
		engine:    engine,
		logger:    logger,
		metrics:   opts.Metrics,
		runner:    opts.Runner,
		tools:     opts.Tools,
		tasks:     newTaskStore(),
		agents:    newAgentStore(),
		history:   newExecutionHistory(),
		proxy:     newProxyClient(cfg.Gateway, cfg.Server.ServiceName),
		hub:       newEventHub(),
		startTime: time.Now(),
	}
	s.routes()

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	if len(s.cfg.Gateway.CORSOrigins) > 0 {
		corsCfg := cors.DefaultConfig()
		if len(s.cfg.Gateway.CORSOrigins) == 1 && s.cfg.Gateway.CORSOrigins[0] == "*" {
			corsCfg.AllowAllOrigins = true
		} else {
			corsCfg.AllowOrigins = s.cfg.Gateway.CORSOrigins
		}
		corsCfg.AllowCredentials = s.cfg.Gateway.CORSCredentials
		corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "traceparent"}
		corsCfg.AllowWebSockets = true
		s.engine.Use(cors.New(corsCfg))
	}

	// public surface
	s.engine.GET("/", s.handleRoot)
	s.engine.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	s.engine.NoRoute(func(c *gin.Context) {
		respondError(c, NewAPIError(CodeNotFound, "route not found", nil))
	})

	// protected surface, stages in pipeline order
	api := s.engine.Group("/api")
	api.Use(
		traceMiddleware(),
		bodyLimitMiddleware(s.cfg.Gateway.MaxBodySize),
		requestLoggerMiddleware(s.logger, s.metrics, s.cfg.Gateway),
		authMiddleware(s.cfg.Auth),
		rbacMiddleware(),
		inputFilterMiddleware(s.cfg.Gateway),
		outputFilterMiddleware(s.cfg.Gateway, s.cfg.Auth.DevMode(), s.logger, s.metrics),
	)

	tasks := api.Group("/tasks")
	{
		tasks.GET("", s.handleListTasks)
		tasks.GET("/:id", s.handleGetTask)
		tasks.POST("", s.handleCreateTask)
		tasks.PATCH("/:id", s.handleUpdateTask)
		tasks.DELETE("/:id", s.handleDeleteTask)
	}

	agents := api.Group("/agents")
	{
		agents.GET("", s.handleListAgents)
		agents.GET("/:id", s.handleGetAgent)
		agents.POST("", s.handleCreateAgent)
		agents.PATCH("/:id", s.handleUpdateAgent)
		agents.DELETE("/:id", s.handleDeleteAgent)
		agents.GET("/:id/status", s.handleAgentStatus)
	}

	execute := api.Group("/execute")
	{
		execute.POST("", s.handleExecute)
		execute.POST("/tool", s.handleExecuteTool)
		execute.POST("/proxy", s.handleExecuteProxy)
		execute.POST("/mcp", s.handleExecuteMCP)
		execute.GET("/history", s.handleExecuteHistory)
		execute.GET("/:id", s.handleExecuteGet)
	}

	api.GET("/events", s.handleEvents)
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": s.cfg.Server.ServiceName,
		"version": Version,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   Version,
		"service":   s.cfg.Server.ServiceName,
		"uptime":    time.Since(s.startTime).String(),
	})
}

// Handler exposes the engine for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Broadcast forwards an event to the websocket subscribers.
func (s *Server) Broadcast(ev any) { s.hub.Broadcast(ev) }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("gateway listening", "addr", s.httpSrv.Addr, "devMode", s.cfg.Auth.DevMode())
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes event subscribers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.close()
	return s.httpSrv.Shutdown(ctx)
}
