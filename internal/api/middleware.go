package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// callerKey is the gin context key holding the authenticated caller.
const callerKey = "antigravity.caller"

// caller is the identity resolved by apiKeyAuth.
type caller struct {
	key string
	// stored is nil for keys that come from the config file.
	stored *APIKey
}

var corsHeaders = map[string]string{
	"Access-Control-Allow-Credentials": "true",
	"Access-Control-Allow-Methods":     "GET, POST, DELETE, OPTIONS",
	"Access-Control-Allow-Headers":     "Content-Type, Authorization, X-API-Key, X-Goog-Api-Key, X-Requested-With",
	"Access-Control-Max-Age":           "86400",
}

// corsMiddleware answers preflight requests and reflects the request origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		h.Set("Access-Control-Allow-Origin", origin)
		for k, v := range corsHeaders {
			h.Set(k, v)
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// apiKeyAuth resolves the caller's key and rejects unknown keys. While no
// keys exist at all the gateway is open and callers are keyed by IP.
func (s *Server) apiKeyAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := extractAPIKey(c)
		if len(s.cfg.APIKeys) == 0 && (s.keyStore == nil || s.keyStore.Len() == 0) {
			c.Set(callerKey, caller{key: key})
			c.Next()
			return
		}

		who, ok := s.lookupCaller(key)
		if !ok {
			abortWithError(c, http.StatusUnauthorized, "Invalid API key")
			return
		}
		c.Set(callerKey, who)
		c.Next()
	}
}

func (s *Server) lookupCaller(key string) (caller, bool) {
	if key == "" {
		return caller{}, false
	}
	if slices.Contains(s.cfg.APIKeys, key) {
		return caller{key: key}, true
	}
	if s.keyStore != nil {
		if stored := s.keyStore.Get(key); stored != nil {
			return caller{key: key, stored: stored}, true
		}
	}
	return caller{}, false
}

func callerFrom(c *gin.Context) caller {
	if v, ok := c.Get(callerKey); ok {
		if who, ok := v.(caller); ok {
			return who
		}
	}
	return caller{}
}

// rateLimitMiddleware enforces a requests-per-minute budget per key, or per
// client IP for anonymous callers. Stored keys may carry their own budget.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		who := callerFrom(c)
		limit := s.cfg.RateLimit
		if who.stored != nil && who.stored.RateLimit > 0 {
			limit = who.stored.RateLimit
		}
		if limit <= 0 {
			c.Next()
			return
		}

		bucket := who.key
		if bucket == "" {
			bucket = "ip:" + c.ClientIP()
		}
		val, _ := s.limiters.LoadOrStore(bucket, rate.NewLimiter(rate.Every(time.Minute/time.Duration(limit)), limit))
		if !val.(*rate.Limiter).Allow() {
			abortWithError(c, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.")
			return
		}
		c.Next()
	}
}

// modelAccessMiddleware applies a stored key's model allow-list to the model
// named in the request path.
func (s *Server) modelAccessMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		who := callerFrom(c)
		if who.stored == nil || len(who.stored.AllowedModels) == 0 {
			c.Next()
			return
		}

		model, _, _ := strings.Cut(c.Param("call"), ":")
		if model != "" && !slices.Contains(who.stored.AllowedModels, model) {
			log.Warnf("API key attempted to use restricted model: %s", model)
			abortWithError(c, http.StatusForbidden, fmt.Sprintf("Model '%s' is not allowed for this API key", model))
			return
		}
		c.Next()
	}
}

// extractAPIKey reads the key from Authorization, x-api-key, x-goog-api-key or ?key=.
func extractAPIKey(c *gin.Context) string {
	if bearer, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
		return bearer
	}
	for _, header := range []string{"x-api-key", "x-goog-api-key"} {
		if v := c.GetHeader(header); v != "" {
			return v
		}
	}
	return c.Query("key")
}

// masterSecretAuth guards the admin routes. They stay disabled until a master
// secret is configured.
func (s *Server) masterSecretAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.MasterSecret == "" {
			abortWithError(c, http.StatusServiceUnavailable, "Master secret not configured")
			return
		}

		header := c.GetHeader("Authorization")
		if header == "" {
			abortWithError(c, http.StatusUnauthorized, "Missing authorization header")
			return
		}
		secret, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.MasterSecret)) != 1 {
			abortWithError(c, http.StatusUnauthorized, "Invalid master secret")
			return
		}
		c.Next()
	}
}
