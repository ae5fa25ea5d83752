// Package status serves the proxy's state and statistics over HTTP.
package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fgeck/wol-gameproxy/internal/models"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

// Provider supplies the snapshot served on /status.
type Provider interface {
	Status() models.StatusSnapshot
	Running() bool
}

// Response is the body of /status.
type Response struct {
	Status  string                 `json:"status"`
	Proxy   *models.StatusSnapshot `json:"proxy,omitempty"`
	Message string                 `json:"message,omitempty"`
}

// Server is the status HTTP endpoint.
type Server struct {
	cfg      models.StatusConfig
	provider Provider
	logger   zerolog.Logger
	router   *gin.Engine

	mu   sync.Mutex
	addr net.Addr
}

// New creates a status server for provider.
func New(logger zerolog.Logger, cfg models.StatusConfig, provider Provider) *Server {
	if logger.GetLevel() <= zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		provider: provider,
		logger:   logger.With().Str("component", "status").Logger(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the bound address once Run is listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	corsCfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = s.cfg.AllowedOrigins
	}
	router.Use(cors.New(corsCfg))

	router.GET("/", s.handleStatus)
	router.GET("/status", s.handleStatus)
	router.GET("/health", s.handleHealth)
	return router
}

func (s *Server) handleStatus(c *gin.Context) {
	if !s.provider.Running() {
		c.JSON(http.StatusServiceUnavailable, Response{
			Status:  "stopped",
			Message: "Proxy is not running",
		})
		return
	}

	snap := s.provider.Status()
	c.JSON(http.StatusOK, Response{Status: "running", Proxy: &snap})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("status request")
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to start status server on %s: %w", s.cfg.Listen, err)
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("status server shutdown failed")
		}
	})
	defer stop()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("status server started")

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server error: %w", err)
	}
	return nil
}
