package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/moonlight-project/moonlight/internal/auth"
	"github.com/moonlight-project/moonlight/internal/config"
	"github.com/moonlight-project/moonlight/internal/connector"
	"github.com/moonlight-project/moonlight/internal/events"
	intnet "github.com/moonlight-project/moonlight/internal/network"
	"github.com/moonlight-project/moonlight/internal/server"
	"github.com/moonlight-project/moonlight/internal/state"
)

// Server is Moonlight's REST control plane. It hosts the OAuth
// round-trip that authenticates websocket clients, public tournament
// listings, and an authenticated operator surface.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	manager  *state.Manager
	registry *intnet.Registry
	coord    *server.Server
	auth     *auth.Service
	discord  *connector.DiscordConnector

	startedAt time.Time
	tlsConfig *tls.Config

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server. tlsConfig may be nil to serve
// plain HTTP (local operation without OAuth).
func NewServer(cfg *config.Config, eventBus *events.EventBus, manager *state.Manager,
	registry *intnet.Registry, coord *server.Server, authSvc *auth.Service,
	discord *connector.DiscordConnector, tlsConfig *tls.Config) *Server {

	if cfg.ApplicationData.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:       cfg,
		eventBus:  eventBus,
		manager:   manager,
		registry:  registry,
		coord:     coord,
		auth:      authSvc,
		discord:   discord,
		tlsConfig: tlsConfig,
		startedAt: time.Now(),
	}
}

// Start initializes and starts the API server, blocking until ctx is
// cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.router = s.buildRouter()

	addr := fmt.Sprintf(":%d", s.cfg.ServerData.APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		TLSConfig:    s.tlsConfig,
	}

	// SO_REUSEADDR for immediate rebinding after restart
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Bool("tls", s.tlsConfig != nil).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	err = s.httpServer.Serve(ln)

	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.ApplicationData.API.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(s.cfg.ApplicationData.API.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	authMw := NewAuthMiddleware(s.auth)

	// ---- Public endpoints (no auth required) ----
	public := router.Group("/api")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/status", s.handleStatus)
		public.GET("/tournaments", s.handleListTournaments)
		public.GET("/tournaments/:guid", s.handleGetTournament)
		public.GET("/tournaments/:guid/qualifiers/:event/maps/:map/leaderboard",
			s.handleLeaderboard)
	}

	// ---- OAuth round-trip ----
	router.GET("/oauth/authorize", s.handleOAuthAuthorize)
	router.GET("/oauth/callback", s.handleOAuthCallback)

	// ---- Operator endpoints ----
	admin := router.Group("/api/admin")
	admin.Use(authMw.RequireAuth(), authMw.RequireMutate())
	{
		admin.GET("/connections", s.handleGetConnections)
		admin.GET("/config", s.handleGetConfig)
		admin.POST("/config/logging", s.handleSetLogging)
		admin.GET("/logs", s.handleGetLogEntries)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
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
