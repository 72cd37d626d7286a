package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/audit"
	"github.com/raaihank/pii-sentinel/internal/cache"
	"github.com/raaihank/pii-sentinel/internal/config"
	"github.com/raaihank/pii-sentinel/internal/logger"
	"github.com/raaihank/pii-sentinel/internal/pii"
	"github.com/raaihank/pii-sentinel/internal/websocket"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Server exposes the detection service over HTTP.
type Server struct {
	config  *config.Config
	logger  *logger.Logger
	service *pii.Service
	results *cache.ResultCache // nil when caching is disabled
	auditor *audit.Store       // nil when auditing is disabled
	router  *mux.Router
	server  *http.Server
	wsHub   *websocket.Hub
	started time.Time

	limiter *ipRateLimiter
}

// New wires the HTTP server around an initialized detection service.
// The cache and audit store are optional and may be nil.
func New(cfg *config.Config, log *logger.Logger, service *pii.Service, results *cache.ResultCache, auditor *audit.Store, wsHub *websocket.Hub) *Server {
	s := &Server{
		config:  cfg,
		logger:  log.WithComponent("server"),
		service: service,
		results: results,
		auditor: auditor,
		router:  mux.NewRouter(),
		wsHub:   wsHub,
		started: time.Now(),
	}

	if cfg.Security.RateLimit.Enabled {
		s.limiter = newIPRateLimiter(cfg.Security.RateLimit.RPS, cfg.Security.RateLimit.Burst)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/info", s.handleInfo).Methods("GET")

	if s.config.WebSocket.Enabled && s.wsHub != nil {
		s.router.HandleFunc("/ws", s.wsHub.HandleWebSocket).Methods("GET")
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.loggingMiddleware)
	api.Use(s.rateLimitMiddleware)

	api.HandleFunc("/detect", s.handleDetect).Methods("POST")
	api.HandleFunc("/detect/batch", s.handleBatchDetect).Methods("POST")
	api.HandleFunc("/preview", s.handlePreview).Methods("POST")

	api.HandleFunc("/rules", s.handleListRules).Methods("GET")
	api.HandleFunc("/rules", s.handleAddRule).Methods("POST")
	api.HandleFunc("/rules", s.handleBulkUpdateRules).Methods("PUT")
	api.HandleFunc("/rules/reload", s.handleReloadRules).Methods("POST")
	api.HandleFunc("/rules/{id}", s.handleGetRule).Methods("GET")
	api.HandleFunc("/rules/{id}", s.handleUpdateRule).Methods("PUT")
	api.HandleFunc("/rules/{id}", s.handleDeleteRule).Methods("DELETE")

	if s.auditor != nil {
		api.HandleFunc("/audit/events", s.handleAuditEvents).Methods("GET")
	}
	if s.results != nil {
		api.HandleFunc("/cache/stats", s.handleCacheStats).Methods("GET")
	}
}

// Handler returns the configured route tree.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and the WebSocket hub.
func (s *Server) Start() error {
	s.logger.Info("Starting PII-Sentinel server",
		zap.Int("port", s.config.Server.Port),
		zap.String("version", Version),
		zap.Bool("cache_enabled", s.results != nil),
		zap.Bool("audit_enabled", s.auditor != nil),
	)

	if s.config.WebSocket.Enabled && s.wsHub != nil {
		go s.wsHub.Run()
	}
	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping PII-Sentinel server")
	return s.server.Shutdown(ctx)
}
