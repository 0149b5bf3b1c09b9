// Package api provides the REST/WebSocket translation layer for the
// event-broadcasting core: a thin adapter from HTTP verbs to the
// EventBus, SubscriptionRegistry, MessageBatcher, DeliveryTracker,
// SessionManager, ReplayEngine, and CriticalNotifier.
package api

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hybrid-dns/eventbroker/internal/batcher"
	"github.com/hybrid-dns/eventbroker/internal/config"
	"github.com/hybrid-dns/eventbroker/internal/critical"
	"github.com/hybrid-dns/eventbroker/internal/crypto"
	"github.com/hybrid-dns/eventbroker/internal/db"
	"github.com/hybrid-dns/eventbroker/internal/delivery"
	"github.com/hybrid-dns/eventbroker/internal/eventbus"
	"github.com/hybrid-dns/eventbroker/internal/logger"
	"github.com/hybrid-dns/eventbroker/internal/metrics"
	"github.com/hybrid-dns/eventbroker/internal/replay"
	"github.com/hybrid-dns/eventbroker/internal/session"
	"github.com/hybrid-dns/eventbroker/internal/subscriptions"
)

// RESTServer is the event-broadcasting subsystem's HTTP/WebSocket
// boundary. It holds no domain logic of its own; every handler
// delegates to one of the CORE components below.
type RESTServer struct {
	router       *gin.Engine
	httpServer   *http.Server
	db           *sql.DB
	repo         *db.Repository
	bus          *eventbus.Bus
	sessions     *session.Manager
	batcher      *batcher.Batcher
	delivery     *delivery.Tracker
	replayEngine *replay.Engine
	critical     *critical.Notifier
	subs         *subscriptions.Registry
	metrics      *metrics.Service
	startTime    time.Time
}

// ServerDeps contains all dependencies required for the REST server.
// Assembled by cmd/server's composition root.
type ServerDeps struct {
	DB           *sql.DB
	Repo         *db.Repository
	Bus          *eventbus.Bus
	Sessions     *session.Manager
	Batcher      *batcher.Batcher
	Delivery     *delivery.Tracker
	ReplayEngine *replay.Engine
	Critical     *critical.Notifier
	Subs         *subscriptions.Registry
	Metrics      *metrics.Service
}

func NewRESTServer(deps ServerDeps) *RESTServer {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Request ID middleware for correlation/tracing
	r.Use(func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = fmt.Sprintf("%d-%d", time.Now().UnixNano(), c.Request.ContentLength)
		}
		c.Set("request_id", reqID)
		c.Header("X-Request-ID", reqID)
		c.Next()
	})

	// Custom recovery middleware with enhanced logging
	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		reqID := c.GetString("request_id")
		logger.Errorf("[PANIC RECOVERY] request_id=%s path=%s method=%s error=%v",
			reqID, c.Request.URL.Path, c.Request.Method, recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":      "Internal server error",
			"request_id": reqID,
		})
	}))

	// CORS middleware - configurable via HEALARR_CORS_ORIGIN env var.
	// If not set, defaults to same-origin (no CORS header = browser
	// enforces same-origin). Set to "*" only for development.
	corsOrigins := os.Getenv("HEALARR_CORS_ORIGIN")
	allowedOrigins := make(map[string]bool)
	if corsOrigins != "" {
		for _, origin := range strings.Split(corsOrigins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	r.Use(func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if corsOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && allowedOrigins[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}

		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-API-Key, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, PATCH, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	s := &RESTServer{
		router:       r,
		db:           deps.DB,
		repo:         deps.Repo,
		bus:          deps.Bus,
		sessions:     deps.Sessions,
		batcher:      deps.Batcher,
		delivery:     deps.Delivery,
		replayEngine: deps.ReplayEngine,
		critical:     deps.Critical,
		subs:         deps.Subs,
		metrics:      deps.Metrics,
		startTime:    time.Now(),
	}

	s.setupRoutes()

	return s
}

func (s *RESTServer) setupRoutes() {
	cfg := config.Get()
	basePath := cfg.BasePath

	// Prometheus metrics endpoint at root level (standard convention, not
	// behind base path) so Prometheus can discover and scrape without
	// knowing the base path.
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	var base *gin.RouterGroup
	if basePath == "/" {
		base = s.router.Group("")
	} else {
		base = s.router.Group(basePath)
		s.router.GET("/", func(c *gin.Context) {
			c.Redirect(http.StatusMovedPermanently, basePath)
		})
	}

	api := base.Group("/api")
	{
		// Unauthenticated: health/info for orchestration and scraping.
		api.GET("/health", s.handleHealth)
		api.GET("/system/info", s.handleSystemInfo)
		api.GET("/metrics", gin.WrapH(s.metrics.Handler()))

		// Public auth endpoints, rate limited.
		api.POST("/auth/setup", SetupLimiter.Middleware(), s.handleAuthSetup)
		api.POST("/auth/login", LoginLimiter.Middleware(), s.handleLogin)
		api.GET("/auth/status", s.handleAuthStatus)

		// WebSocket upgrade: the bearer token and session kind are query
		// params rather than headers, since browsers can't set custom
		// headers on the upgrade request.
		api.GET("/ws", s.handleWebSocketUpgrade)

		protected := api.Group("")
		protected.Use(s.authMiddleware())
		{
			protected.GET("/auth/key", s.getAPIKey)
			protected.POST("/auth/regenerate", s.regenerateAPIKey)
			protected.POST("/auth/password", s.changePassword)

			protected.POST("/events", s.publishEvent)

			protected.GET("/subscriptions", s.listSubscriptions)
			protected.POST("/subscriptions", s.createSubscription)
			protected.PATCH("/subscriptions/:id", s.updateSubscription)
			protected.DELETE("/subscriptions/:id", s.deleteSubscription)

			protected.POST("/replays", s.startReplay)
			protected.GET("/replays/:id", s.getReplayStatus)
			protected.POST("/replays/:id/stop", s.stopReplay)

			protected.GET("/notifications/critical/:id", s.getCriticalNotification)
			protected.POST("/notifications/critical/:id/ack", s.acknowledgeCriticalNotification)
		}
	}
}

func (s *RESTServer) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *RESTServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *RESTServer) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("X-API-Key")
		if token == "" {
			token = c.GetHeader("Authorization")
			if len(token) > 7 && token[:7] == "Bearer " {
				token = token[7:]
			}
		}
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			token = c.Query("apikey")
		}

		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "No authentication token provided"})
			c.Abort()
			return
		}

		var encryptedKey string
		err := s.db.QueryRow("SELECT value FROM settings WHERE key = 'api_key'").Scan(&encryptedKey)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Authentication error"})
			c.Abort()
			return
		}

		storedKey, err := crypto.Decrypt(encryptedKey)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Authentication error"})
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(storedKey)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		c.Next()
	}
}
