// Package api is the ask/answer HTTP bridge: executors raise asks, long-poll
// for answers, and follow job progress over SSE.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/relay/pkg/database"
	"github.com/codeready-toolchain/relay/pkg/events"
	"github.com/codeready-toolchain/relay/pkg/queue"
	"github.com/codeready-toolchain/relay/pkg/services"
)

// Config controls the HTTP bridge.
type Config struct {
	// Addr is the listen address, default ":3415".
	Addr string

	// LongPollTimeout caps GET /asks/{id}/answer?wait=Ns.
	LongPollTimeout time.Duration

	// SSEHeartbeat is the per-client keepalive interval.
	SSEHeartbeat time.Duration
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":3415"
	}
	if c.LongPollTimeout <= 0 {
		c.LongPollTimeout = 30 * time.Second
	}
	if c.SSEHeartbeat <= 0 {
		c.SSEHeartbeat = 15 * time.Second
	}
}

// PoolHealthSource reports worker pool health for /healthz.
type PoolHealthSource interface {
	Health() *queue.PoolHealth
}

// Server is the bridge HTTP server.
type Server struct {
	jobs   *services.JobService
	bus    *events.Bus
	db     *database.Client
	pool   PoolHealthSource
	logger *slog.Logger
	config Config

	httpSrv *http.Server

	// draining flips on shutdown: pending long-polls resolve with 503 and
	// new ones are refused.
	draining   atomic.Bool
	shutdownCh chan struct{}
}

// NewServer creates the bridge. db and pool may be nil; /healthz then skips
// those sections.
func NewServer(jobs *services.JobService, bus *events.Bus, db *database.Client, pool PoolHealthSource, logger *slog.Logger, cfg Config) *Server {
	cfg.applyDefaults()
	return &Server{
		jobs:       jobs,
		bus:        bus,
		db:         db,
		pool:       pool,
		logger:     logger.With("component", "http_bridge"),
		config:     cfg,
		shutdownCh: make(chan struct{}),
	}
}

// Routes builds the gin engine with all bridge endpoints.
func (s *Server) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/healthz", s.Healthz)

	router.POST("/asks", s.CreateAsk)
	router.GET("/asks/:id/answer", s.WaitForAnswer)
	router.POST("/answers", s.RecordAnswer)

	router.GET("/jobs/:id", s.GetJob)
	router.GET("/jobs/:id/asks", s.ListJobAsks)
	router.GET("/jobs/:id/events", s.StreamJobEvents)

	return router
}

// Start begins serving. It blocks until the listener stops.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("HTTP bridge listening", "addr", s.config.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains pending long-polls with 503, closes SSE clients, and
// stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	close(s.shutdownCh)
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// SSE requests hold the connection open; logging them on exit is
		// still correct, just late.
		s.logger.Debug("Request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// Healthz reports bridge, database, and pool health.
func (s *Server) Healthz(c *gin.Context) {
	body := gin.H{"status": "healthy"}
	healthy := true

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		dbHealth, err := database.Health(ctx, s.db.DB())
		body["database"] = dbHealth
		if err != nil {
			healthy = false
			body["error"] = err.Error()
		}
	}
	if s.pool != nil {
		body["pool"] = s.pool.Health()
	}

	if !healthy {
		body["status"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}
