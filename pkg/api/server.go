package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"lenrd/pkg/api/middleware"
	"lenrd/pkg/auth"
	"lenrd/pkg/job"
	"lenrd/pkg/logger"
	"lenrd/pkg/notify"
	"lenrd/pkg/storage"
)

// JobService is the orchestrator as seen by the request layer.
type JobService interface {
	CreateJob(ctx context.Context, app, env, task string, vars map[string]any) (*job.Job, error)
	Execute(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id string) (*job.Job, error)
	ListJobs(ctx context.Context, page, size int) ([]job.View, error)
	KillJob(ctx context.Context, id string) (*job.Job, error)
	RestartJob(ctx context.Context, j *job.Job) error
	AvailableTasks(ctx context.Context, app, env string) (map[string]string, error)
	ShuttingDown() bool
	ActiveCount() int
}

// Server encapsulates the HTTP API server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server

	jobs    JobService
	hub     *notify.Hub
	logs    storage.LogStore
	health  func(ctx context.Context) error
	version string
	log     *zap.Logger
}

// Config holds API server configuration.
type Config struct {
	Addr         string
	Mode         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration // keep 0 for long event streams and waited jobs
	MaxBodyBytes int64
	ServiceName  string
	Version      string

	Jobs     JobService
	Hub      *notify.Hub
	LogStore storage.LogStore            // optional, serves archived output
	JWT      *auth.JWTService            // optional, enables bearer auth
	Health   func(context.Context) error // optional dependency check
	Logger   *zap.Logger
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "lenrd"
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Get()
	}

	router := gin.New()

	// order matters
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Tracing(cfg.ServiceName))
	router.Use(middleware.Metrics())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.BodySizeLimit(cfg.MaxBodyBytes))

	s := &Server{
		router:  router,
		jobs:    cfg.Jobs,
		hub:     cfg.Hub,
		logs:    cfg.LogStore,
		health:  cfg.Health,
		version: cfg.Version,
		log:     log,
	}
	s.registerRoutes(cfg.JWT)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.log.Info("Starting API server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server. Event streams end when the hub
// is closed, so close it before calling Shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(jwt *auth.JWTService) {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	v1.Use(middleware.ShutdownGuard(s.jobs.ShuttingDown))

	operator := []gin.HandlerFunc{}
	if jwt != nil {
		v1.Use(middleware.Authenticate(jwt), middleware.RequireRole(auth.RoleViewer))
		operator = append(operator, middleware.RequireRole(auth.RoleOperator))
	}
	withRole := func(h gin.HandlerFunc) []gin.HandlerFunc {
		return append(append([]gin.HandlerFunc{}, operator...), h)
	}

	apps := v1.Group("/apps/:app/:env")
	{
		apps.POST("/jobs", withRole(s.createJob)...)
		apps.GET("/tasks", s.availableTasks)
	}

	jobs := v1.Group("/jobs")
	{
		jobs.GET("", s.listJobs)
		jobs.GET("/:id", s.getJob)
		jobs.GET("/:id/output", s.getJobOutput)
		jobs.POST("/:id/kill", withRole(s.killJob)...)
		jobs.POST("/:id/restart", withRole(s.restartJob)...)
	}

	v1.GET("/events", s.streamEvents)
}
