package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/forge-project/forge/internal/config"
	"github.com/forge-project/forge/internal/db"
	"github.com/forge-project/forge/internal/events"
	intnet "github.com/forge-project/forge/internal/network"
	"github.com/forge-project/forge/internal/session"
)

// Controller accepts lifecycle requests and exposes the latest status.
// *session.Loop implements it.
type Controller interface {
	Submit(ctx context.Context, req session.Request) (session.Status, error)
	Status() session.Status
}

// JournalReader reads persisted session history.
type JournalReader interface {
	RecentTransitions(ctx context.Context, limit int) ([]db.Transition, error)
	SeenServers(ctx context.Context, limit int) ([]db.SeenServer, error)
}

// Server is the local HTTP control surface.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	ctrl     Controller
	journal  JournalReader

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server. journal may be nil when storage is
// disabled.
func NewServer(cfg *config.Config, eventBus *events.EventBus, ctrl Controller, journal JournalReader) *Server {
	if cfg.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		eventBus: eventBus,
		ctrl:     ctrl,
		journal:  journal,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetApplicationData().API
	addr := net.JoinHostPort(apiCfg.Host, strconv.Itoa(apiCfg.Port))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// SO_REUSEADDR so a restarted daemon can rebind immediately.
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Msg("HTTP API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	apiCfg := s.cfg.GetApplicationData().API

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(apiCfg.RateLimitRPS).Middleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/status", s.handleGetStatus)
		api.GET("/servers", s.handleGetServers)
		api.GET("/host", s.handleGetHost)
		api.GET("/system", s.handleGetSystem)

		api.GET("/logs", s.handleGetLogEntries)
		api.GET("/journal/transitions", s.handleGetTransitions)
		api.GET("/journal/servers", s.handleGetSeenServers)

		api.GET("/config", s.handleGetConfig)
		api.POST("/config/:section/:key", s.handleUpdateConfigField)

		api.POST("/menu", s.handleNavigate)
	}

	sess := api.Group("/session")
	{
		sess.POST("/local/start", s.submitSimple(session.StartLocal))
		sess.POST("/local/stop", s.submitSimple(session.StopLocal))
		sess.POST("/visibility/public", s.submitSimple(session.GoPublic))
		sess.POST("/visibility/private", s.submitSimple(session.GoPrivate))
		sess.POST("/client/connect", s.handleConnect)
		sess.POST("/client/disconnect", s.submitSimple(session.Disconnect))
		sess.POST("/client/retry", s.submitSimple(session.Retry))
		sess.POST("/reset", s.submitSimple(session.ResetToMenu))
		sess.POST("/focus", s.handleSetFocus)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "forge API is running", "status": "/api/status"})
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
