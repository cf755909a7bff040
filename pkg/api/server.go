// Package api provides the HTTP control API for a running peer
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-peer/pkg/session"
	"github.com/ZentaChain/zentalk-peer/pkg/storage"
	"github.com/ZentaChain/zentalk-peer/pkg/transfer"
	"github.com/ZentaChain/zentalk-peer/pkg/transport"
)

// Session is the part of *session.Session the API drives
type Session interface {
	Info() session.Info
	SendMessage(content string) (*session.ChatMessage, error)
	SendFile(file *transfer.File) (string, error)
	Stats() transport.SendStats
	ResetEncryption() error
}

// SessionProvider returns the active session, or nil when there is none
type SessionProvider func() Session

// Server represents the HTTP control API server
type Server struct {
	sessions   SessionProvider
	db         *storage.DB
	router     *gin.Engine
	limiter    *RateLimiter
	addr       string
	httpServer *http.Server
	cfg        *Config
	log        *logrus.Entry
}

// Config holds server configuration. The API can send any readable local
// file to the peer, so it listens on loopback unless Host is set.
type Config struct {
	Host         string
	Port         int
	EnableCORS   bool
	CORSOrigins  []string // "*" allows any origin
	RateLimit    int      // Requests per minute
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Host:         "127.0.0.1",
		Port:         8080,
		RateLimit:    600,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewServer creates a new HTTP API server. db may be nil, in which case
// the history endpoints answer 503.
func NewServer(sessions SessionProvider, db *storage.DB, cfg *Config, logger *logrus.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		sessions: sessions,
		db:       db,
		router:   gin.New(),
		limiter:  NewRateLimiter(cfg.RateLimit),
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		cfg:      cfg,
		log:      logger.WithField("component", "api"),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	if s.cfg.EnableCORS {
		s.router.Use(CORSMiddleware(s.cfg.CORSOrigins))
	}

	s.router.Use(RateLimitMiddleware(s.limiter))
	s.router.Use(LoggingMiddleware(s.log))
	s.router.Use(gin.Recovery())
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/session", s.handleSession)
		v1.GET("/stats", s.handleStats)
		v1.POST("/encryption/reset", s.handleResetEncryption)

		v1.POST("/messages", s.handleSendMessage)
		v1.GET("/messages", s.handleMessages)

		v1.POST("/files", s.handleSendFile)
		v1.GET("/transfers", s.handleTransfers)
	}

	// Health check endpoint (outside versioning)
	s.router.GET("/health", s.handleHealth)
}

// Handler returns the HTTP handler, for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the address the server listens on
func (s *Server) Addr() string {
	return s.addr
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.addr).Info("HTTP API server starting")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.limiter.Stop()
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("Shutting down HTTP API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.limiter.Stop()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Stop stops the HTTP server
func (s *Server) Stop() error {
	s.limiter.Stop()
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// current returns the active session or writes a 404
func (s *Server) current(c *gin.Context) (Session, bool) {
	var sess Session
	if s.sessions != nil {
		sess = s.sessions()
	}
	if sess == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "No active session",
			Message: "Connect to a peer first",
		})
		return nil, false
	}
	return sess, true
}

// history returns the database or writes a 503
func (s *Server) history(c *gin.Context) (*storage.DB, bool) {
	if s.db == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "History storage disabled",
		})
		return nil, false
	}
	return s.db, true
}
