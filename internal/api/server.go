// Package api exposes the dispatcher over HTTP: a Gemini-compatible
// generateContent surface, grounded search, metrics and admin routes.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/ceciliomichael/antigravity-gateway/internal/auth"
	"github.com/ceciliomichael/antigravity-gateway/internal/config"
	"github.com/ceciliomichael/antigravity-gateway/internal/logging"
	"github.com/ceciliomichael/antigravity-gateway/internal/models"
	"github.com/ceciliomichael/antigravity-gateway/internal/search"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// AccountService exposes the managed accounts to the admin routes.
type AccountService interface {
	AccountManager(ctx context.Context) (*auth.AccountManager, error)
	RemoveAccount(ctx context.Context, index int) error
}

// Searcher answers grounded search questions.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (string, error)
}

// Options wires a Server.
type Options struct {
	Config *config.Config
	// Transport carries model calls; normally the executor.Dispatcher.
	Transport http.RoundTripper
	Accounts  AccountService
	Searcher  Searcher
	KeyStore  *KeyStore
	// Gatherer backs /metrics; nil disables the route.
	Gatherer prometheus.Gatherer
}

// Server represents the HTTP API server.
type Server struct {
	cfg        *config.Config
	engine     *gin.Engine
	httpServer *http.Server
	client     *http.Client
	accounts   AccountService
	searcher   Searcher
	keyStore   *KeyStore
	registry   *models.Registry
	gatherer   prometheus.Gatherer

	// limiters holds one *rate.Limiter per API key or client IP.
	limiters sync.Map
}

// NewServer creates a new API server instance.
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("api: config is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("api: transport is required")
	}

	if opts.Config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(corsMiddleware())
	engine.Use(logging.GinLogrusLogger())

	s := &Server{
		cfg:      opts.Config,
		engine:   engine,
		client:   &http.Client{Transport: opts.Transport},
		accounts: opts.Accounts,
		searcher: opts.Searcher,
		keyStore: opts.KeyStore,
		registry: models.NewRegistry(),
		gatherer: opts.Gatherer,
	}

	s.setupRoutes()

	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.healthHandler)
	if s.gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	// Gemini-compatible endpoints
	v1beta := s.engine.Group("/v1beta")
	v1beta.Use(s.apiKeyAuth(), s.rateLimitMiddleware())
	{
		v1beta.GET("/models", s.modelsHandler)
		v1beta.POST("/models/:call", s.modelAccessMiddleware(), s.generateHandler)
	}

	s.engine.POST("/search", s.apiKeyAuth(), s.rateLimitMiddleware(), s.searchHandler)

	admin := s.engine.Group("/admin")
	admin.Use(s.masterSecretAuth())
	{
		admin.GET("/accounts", s.listAccountsHandler)
		admin.DELETE("/accounts/:index", s.removeAccountHandler)
		admin.POST("/keys", s.generateKeyHandler)
		admin.GET("/keys", s.listKeysHandler)
		admin.DELETE("/keys/:key", s.revokeKeyHandler)
	}
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}

	log.Infof("Starting server on %s", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
