package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stagecast/overlayproxy/internal/api/middleware"
	"github.com/stagecast/overlayproxy/internal/controlbus"
	"github.com/stagecast/overlayproxy/internal/cookies"
	"github.com/stagecast/overlayproxy/internal/discovery"
	"github.com/stagecast/overlayproxy/internal/gateway"
	"github.com/stagecast/overlayproxy/internal/infrastructure/config"
	"github.com/stagecast/overlayproxy/internal/infrastructure/logging"
	"github.com/stagecast/overlayproxy/internal/infrastructure/monitoring"
	"github.com/stagecast/overlayproxy/internal/tenant"
	"github.com/stagecast/overlayproxy/internal/upstream"
	"github.com/stagecast/overlayproxy/internal/wstunnel"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	httpServer *http.Server
	registry   *tenant.Registry
	hub        *controlbus.Hub
	scanner    *discovery.Scanner
	logger     *logging.Logger
	config     *config.Config
	metrics    *monitoring.Metrics
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config) (*Server, error) {
	// Initialize logger
	var logger *logging.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		logger = logging.NewDefault()
	}

	logger.Info("Initializing overlay proxy",
		zap.String("port", cfg.Server.Port),
		zap.String("tenants_file", cfg.Proxy.TenantsFile),
	)

	// Initialize metrics first (needed by other components)
	metrics := monitoring.NewMetrics()

	// Load the tenant table
	registry, err := tenant.LoadFile(cfg.Proxy.TenantsFile)
	if err != nil {
		return nil, fmt.Errorf("load tenants: %w", err)
	}
	for _, t := range registry.All() {
		logger.Info("Tenant configured",
			zap.String("id", t.ID),
			zap.String("upstream", t.UpstreamURL.String()),
			zap.String("isolation", string(t.Isolation)),
		)
	}

	// Per-tenant cookie jars and the upstream fetcher
	jars := cookies.NewStore()
	fetcher := upstream.New(jars, upstream.Config{
		CacheTTL:     time.Duration(cfg.Proxy.CacheSeconds) * time.Second,
		CacheEntries: cfg.Proxy.CacheEntries,
	}, logger).WithMetrics(metrics)

	// Control bus
	hub := controlbus.NewHub(cfg.Control.Token, logger).WithMetrics(metrics)

	// Origin discovery widens ambiguous-request attribution
	scanner := discovery.NewScanner(registry, logger).WithMetrics(metrics)

	// Request attribution
	resolver := tenant.NewResolver(registry.OriginMap)

	gw := gateway.New(gateway.Config{
		CacheSeconds: cfg.Proxy.CacheSeconds,
		UnwrapDepth:  cfg.Proxy.UnwrapDepth,
		ControlPath:  cfg.Control.Path,
		TunnelPath:   cfg.Tunnel.Path,
		Grace:        tenant.GraceWindow,
	}, registry, fetcher, resolver, metrics, logger)

	// Create router
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	router.Use(middleware.Hardening())
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	registerRoutes(router, gw, hub, metrics, cfg)

	// WebSocket upgrades bypass the router: the tunnel claims them
	// before gin ever sees the request.
	tunnel := wstunnel.NewRouter(wstunnel.Config{
		ControlPath: cfg.Control.Path,
		TunnelPath:  cfg.Tunnel.Path,
		Prefixes:    cfg.Tunnel.Prefixes,
	}, registry, jars, hub, logger).WithMetrics(metrics)

	httpServer := &http.Server{
		Addr:              cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:           tunnel.Middleware(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server initialized successfully")

	return &Server{
		httpServer: httpServer,
		registry:   registry,
		hub:        hub,
		scanner:    scanner,
		logger:     logger,
		config:     cfg,
		metrics:    metrics,
	}, nil
}

func registerRoutes(router *gin.Engine, gw *gateway.Gateway, hub *controlbus.Hub, metrics *monitoring.Metrics, cfg *config.Config) {
	// Wrapped-URL proxy: every rewritten reference lands here
	router.GET("/proxy", gw.Proxy)

	// Overlay page delivery
	router.GET("/overlay/:id", gw.Overlay)
	router.GET("/overlay/:id/fragment", gw.OverlayFragment)
	router.GET("/overlay/:id/full", gw.OverlayFull)

	// Compositor-facing assets
	router.GET("/config.json", gw.ConfigJSON)
	router.GET("/config.js", gw.ConfigJS)
	router.GET("/runtime-shims.js", gw.RuntimeShims)
	router.GET("/__worker-bootstrap", gw.WorkerBootstrap)

	// Control bus HTTP surface
	router.POST("/api/control", hub.ControlHandler)
	router.GET("/api/health", hub.HealthHandler)

	// Metrics: Prometheus scrape plus a JSON aggregate for dashboards
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/api/stats", func(c *gin.Context) {
		snap := metrics.Snapshot()
		avg := 0.0
		if snap.RequestCount > 0 {
			avg = snap.TotalDuration / float64(snap.RequestCount)
		}
		c.JSON(http.StatusOK, gin.H{
			"requests":         snap.TotalRequests,
			"errors":           snap.TotalErrors,
			"avg_duration_sec": avg,
		})
	})

	// Realtime prefixes also speak plain HTTP (long-polling transports)
	for _, pfx := range cfg.Tunnel.Prefixes {
		router.Any(pfx+"/*rest", gw.WSPrefixHTTP)
	}

	// Absolute asset prefixes tried against every tenant origin
	for _, pfx := range gw.AbsPrefixes() {
		router.Any(pfx+"*rest", gw.AbsPrefix)
	}

	// Everything else: bare-filename resolution, then generic relay
	router.NoRoute(func(c *gin.Context) {
		if gw.BareFilePattern(c.Request.URL.Path) {
			gw.BareFile(c)
			return
		}
		gw.Generic(c)
	})
}

// Run starts the HTTP server and, in the background, origin discovery.
func (s *Server) Run() error {
	if s.config.Proxy.Discovery {
		go s.scanner.ScanAll(context.Background())
	}

	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close gracefully shuts down the server
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to shut down HTTP server", zap.Error(err))
		return err
	}

	// Sync logger before exit
	s.logger.Sync()

	return nil
}
