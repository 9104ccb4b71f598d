package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/muco-project/muco-relay/internal/config"
	"github.com/muco-project/muco-relay/internal/db"
	"github.com/muco-project/muco-relay/internal/network"
	"github.com/muco-project/muco-relay/internal/replication"
	"github.com/muco-project/muco-relay/internal/util"
)

// Server is the admin REST API server.
type Server struct {
	cfg     *config.Config
	manager *replication.Manager

	// Optional dependencies
	journal  *db.Journal
	gatherer prometheus.Gatherer
	health   HealthReporter

	httpServer *http.Server
	router     *gin.Engine
	logger     zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, manager *replication.Manager) *Server {
	if cfg.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:     cfg,
		manager: manager,
		logger:  log.With().Str("component", "api").Logger(),
	}
}

// SetDependencies injects the optional journal and metrics gatherer. Either
// may be nil, which disables the matching endpoints.
func (s *Server) SetDependencies(journal *db.Journal, gatherer prometheus.Gatherer) {
	s.journal = journal
	s.gatherer = gatherer
}

// HealthReporter lists the health checks currently failing.
type HealthReporter interface {
	Active() []string
}

// SetHealth injects the health check manager.
func (s *Server) SetHealth(h HealthReporter) {
	s.health = h
}

// Handler returns the HTTP handler, building the router on first use.
func (s *Server) Handler() http.Handler {
	if s.router == nil {
		s.router = s.buildRouter()
	}
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	app := s.cfg.GetApplicationData()
	addr := net.JoinHostPort(app.API.BindAddress, strconv.Itoa(app.API.Port))

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if app.Security.TLSEnabled {
		created, err := util.EnsureTLSCert(app.Security.TLSCertFile, app.Security.TLSKeyFile, []string{"localhost", "127.0.0.1"})
		if err != nil {
			return fmt.Errorf("failed to prepare TLS certificate: %w", err)
		}
		if created {
			s.logger.Warn().Str("cert", app.Security.TLSCertFile).Msg("generated self-signed API certificate")
		}
		cert, err := tls.LoadX509KeyPair(app.Security.TLSCertFile, app.Security.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}

	// SO_REUSEADDR for immediate rebinding after restart
	ln, err := network.Listen(ctx, addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	s.logger.Info().Str("addr", addr).Bool("tls", app.Security.TLSEnabled).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if s.httpServer.TLSConfig != nil {
		err = s.httpServer.Serve(tls.NewListener(ln, s.httpServer.TLSConfig))
	} else {
		err = s.httpServer.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	security := s.cfg.GetApplicationData().Security
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := security.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(security.RateLimitRPS).Middleware())
	router.Use(IPWhitelist(security.IPWhitelist))

	// ---- Public endpoints ----
	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/server_info", s.handleServerInfo)
	}

	// ---- Protected endpoints ----
	protected := router.Group("/api")
	protected.Use(RequireToken(security.APIToken))

	monitor := protected.Group("/monitor")
	{
		monitor.GET("/roster", s.handleRoster)
		monitor.GET("/stats", s.handleStats)
		monitor.GET("/device_info", s.handleDeviceInfo)
		monitor.GET("/sessions", s.handleSessions)
		monitor.GET("/runs", s.handleRuns)
		monitor.GET("/health", s.handleHealth)
		monitor.GET("/cpu_usage", s.handleCPUUsage)
		monitor.GET("/memory_usage", s.handleMemoryUsage)
		monitor.GET("/process_usage", s.handleProcessUsage)
		monitor.GET("/log_entries", s.handleLogEntries)
	}

	control := protected.Group("/control")
	{
		control.POST("/start", s.handleStart)
		control.POST("/stop", s.handleStop)
		control.POST("/load_experience", s.handleLoadExperience)
		control.POST("/kick/:identity", s.handleKick)
	}

	configure := protected.Group("/configure")
	{
		configure.GET("/get_config", s.handleGetConfig)
		configure.POST("/set_relay_field", s.handleSetRelayField)
	}

	if s.gatherer != nil {
		router.GET("/metrics", RequireToken(security.APIToken), gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
