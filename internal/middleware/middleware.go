package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sarpel/privrelay/internal/auth"
	"github.com/sarpel/privrelay/internal/config"
	"github.com/sarpel/privrelay/internal/metrics"
	"github.com/sarpel/privrelay/internal/storage"
)

// Logger provides request logging
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		method := c.Request.Method

		// Minimal logging - no IPs, no bodies
		log.Printf("%s %s %d %v", method, path, status, latency)
	}
}

// CORS handles Cross-Origin Resource Sharing.
// In production, only allow requests from trusted origins.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	originsMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		originsMap[origin] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if len(allowedOrigins) > 0 {
			if _, ok := originsMap[origin]; ok {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			} else if c.Request.Method == "OPTIONS" {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
		} else {
			// Development mode - allow all origins (empty allowedOrigins list)
			c.Header("Access-Control-Allow-Origin", "*")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security adds security headers
func Security() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Header("Content-Security-Policy", "default-src 'self'")
		c.Header("Server", "")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Permissions-Policy", "geolocation=(), camera=(), microphone=()")

		c.Next()
	}
}

// RateLimitConfig configures rate limiting behavior for one route group.
type RateLimitConfig struct {
	Requests       int64         // requests allowed per Window
	Window         time.Duration // e.g. time.Minute, time.Hour
	FailClosedMode bool          // if true, count against a local in-memory limiter when Redis is unavailable; if false, let requests through unchecked
}

// Local in-memory rate limiter as fallback
var localRateLimiter = struct {
	sync.Mutex
	counts map[string]int64
	expiry map[string]time.Time
}{
	counts: make(map[string]int64),
	expiry: make(map[string]time.Time),
}

// RateLimit implements per-client-IP, per-route rate limiting, with a local
// fallback when Redis is unreachable and FailClosedMode is set. The client is identified by an
// HMAC over its IP and User-Agent rather than the raw IP, so a Redis
// compromise doesn't hand an attacker a plaintext IP log.
func RateLimit(redis *storage.Redis, rateCfg RateLimitConfig, serverCfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := hashClientHMAC(c, serverCfg.SecretKey)
		key := "ratelimit:" + c.FullPath() + ":" + identifier

		ctx := c.Request.Context()
		count, err := redis.Incr(ctx, key)

		if err != nil {
			log.Printf("WARNING: Redis rate limit check failed: %v", err)

			if rateCfg.FailClosedMode {
				count = localRateLimitCheck(key, rateCfg.Window)
			} else {
				c.Next()
				return
			}
		} else if count == 1 {
			redis.Expire(ctx, key, rateCfg.Window)
		}

		if count > rateCfg.Requests {
			metrics.RateLimitRejections.WithLabelValues(c.FullPath()).Inc()
			retryAfter := int(rateCfg.Window.Seconds())
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"detail":      "Rate limit exceeded",
				"retry_after": retryAfter,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// localRateLimitCheck provides a local fallback rate limiter
func localRateLimitCheck(key string, window time.Duration) int64 {
	localRateLimiter.Lock()
	defer localRateLimiter.Unlock()

	now := time.Now()
	if len(localRateLimiter.counts) > 10000 {
		for k, exp := range localRateLimiter.expiry {
			if now.After(exp) {
				delete(localRateLimiter.counts, k)
				delete(localRateLimiter.expiry, k)
			}
		}
	}

	if exp, ok := localRateLimiter.expiry[key]; ok && now.After(exp) {
		delete(localRateLimiter.counts, key)
		delete(localRateLimiter.expiry, key)
	}

	count := localRateLimiter.counts[key] + 1
	localRateLimiter.counts[key] = count

	if _, ok := localRateLimiter.expiry[key]; !ok {
		localRateLimiter.expiry[key] = now.Add(window)
	}

	return count
}

// Auth validates the bearer JWT on protected HTTP routes, sharing the same
// verification path the WebSocket upgrade handler uses.
func Auth(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		userID, err := auth.VerifyToken(parts[1], cfg.SecretKey)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set("user_id", userID)
		c.Next()
	}
}

// hashClientHMAC creates a privacy-preserving identifier from request headers.
// Uses HMAC with the server secret so the derived key can't be reversed or
// predicted by a client, while still acting as an effective per-client handle.
func hashClientHMAC(c *gin.Context, secret []byte) string {
	data := c.ClientIP() + "|" + c.GetHeader("User-Agent")
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))[:32]
}
