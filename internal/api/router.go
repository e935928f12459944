package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sarpel/privrelay/internal/auth"
	"github.com/sarpel/privrelay/internal/config"
	"github.com/sarpel/privrelay/internal/keys"
	"github.com/sarpel/privrelay/internal/logging"
	"github.com/sarpel/privrelay/internal/metrics"
	"github.com/sarpel/privrelay/internal/middleware"
	"github.com/sarpel/privrelay/internal/push"
	"github.com/sarpel/privrelay/internal/relay"
	"github.com/sarpel/privrelay/internal/storage"
)

// NewRouter creates and configures the API router.
func NewRouter(cfg *config.Config, db *storage.Postgres, redis *storage.Redis, relayHandler *relay.Handler, pushHandler *push.Handler) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(logging.WithRequestID())
	router.Use(middleware.Logger())
	router.Use(middleware.CORS(cfg.AllowedOrigins))
	router.Use(middleware.Security())

	router.GET("/health/", healthCheck(db, redis))

	if cfg.MetricsEnabled {
		router.GET("/metrics", metrics.Handler())
	}

	authHandler := auth.NewHandler(cfg, db)
	keysHandler := keys.NewHandler(cfg, db)

	registerLimit := middleware.RateLimitConfig{Requests: 10, Window: time.Hour}
	bundleLimit := middleware.RateLimitConfig{Requests: 5, Window: time.Minute}
	tokenLimit := middleware.RateLimitConfig{Requests: 10, Window: time.Minute}

	v1 := router.Group("/api/v1")
	{
		v1.POST("/register", middleware.RateLimit(redis, registerLimit, cfg), keysHandler.Register)
		v1.GET("/keys/:phone_hash", middleware.RateLimit(redis, bundleLimit, cfg), keysHandler.FetchBundle)

		authRoutes := v1.Group("/auth")
		authRoutes.Use(middleware.RateLimit(redis, tokenLimit, cfg))
		{
			authRoutes.POST("/token", authHandler.IssueToken)
		}

		protected := v1.Group("")
		protected.Use(middleware.Auth(cfg))
		{
			pushRoutes := protected.Group("/push")
			{
				pushRoutes.POST("/token", pushHandler.RegisterToken)
				pushRoutes.DELETE("/token", pushHandler.UnregisterToken)
				pushRoutes.GET("/tokens", pushHandler.GetTokens)
			}
		}
	}

	// The WebSocket handshake carries its bearer token as a query parameter
	// rather than an Authorization header, and verifies it itself after
	// upgrading so it can close with 1008 instead of failing the handshake.
	router.GET("/ws", relayHandler.HandleConnection)

	return router
}

// healthCheck reports 503 the moment either dependency is unreachable, so a
// load balancer pulls this instance out of rotation instead of routing
// traffic into a relay that can't authenticate or persist anything.
func healthCheck(db *storage.Postgres, redis *storage.Redis) gin.HandlerFunc {
	return func(c *gin.Context) {
		timestamp := time.Now().UTC().Format(time.RFC3339)

		if err := db.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "timestamp": timestamp,
				"services": gin.H{"database": "down"}})
			return
		}

		if err := redis.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "timestamp": timestamp,
				"services": gin.H{"database": "up", "redis": "down"}})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": timestamp,
			"services": gin.H{"database": "up", "redis": "up"}})
	}
}
