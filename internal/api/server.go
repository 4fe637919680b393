// Package api is the control surface of the trader: signal and webhook
// intake, position and order queries, and runtime switches.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/quantloop/quantloop/internal/candles"
	"github.com/quantloop/quantloop/internal/config"
	"github.com/quantloop/quantloop/internal/exchange"
	"github.com/quantloop/quantloop/internal/live"
	"github.com/quantloop/quantloop/internal/risk"
	"github.com/quantloop/quantloop/internal/store"
)

// Deduper is the health view of the signal dedup layer.
type Deduper interface {
	Degraded() bool
}

// Deps are the components the API serves. Streamers and Dedup may be nil
// in reduced deployments.
type Deps struct {
	Cfg       *config.Config
	Store     *store.Store
	Gate      *risk.Gate
	Handler   *live.Handler
	Book      *live.PositionBook
	Venue     exchange.Exchange
	Streamers map[string]*candles.Streamer
	Dedup     Deduper
}

// Server is the REST API server.
type Server struct {
	router *gin.Engine
	server *http.Server
	addr   string
	deps   Deps
	now    func() time.Time
}

// NewServer creates the API server and registers all routes.
func NewServer(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		router: router,
		addr:   deps.Cfg.API.GetAPIAddr(),
		deps:   deps,
		now:    time.Now,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	limited := s.router.Group("/", RateLimitMiddleware(mutatingRate, mutatingBurst))

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/positions", s.handlePositions)
	s.router.GET("/orders", s.handleOrders)
	s.router.GET("/equity", s.handleEquity)
	s.router.GET("/open-orders", s.handleOpenOrders)
	s.router.GET("/candles", s.handleCandles)
	s.router.GET("/signals", s.handleSignals)
	s.router.GET("/strategy-signals", s.handleStrategySignals)
	s.router.GET("/account", s.handleAccount)
	s.router.GET("/config", s.handleConfig)

	limited.POST("/signal", s.handleSignal)
	limited.POST("/webhook", s.handleWebhook)
	limited.POST("/webhook/:token", s.handleWebhook)
	limited.POST("/close-position", s.handleClosePosition)
	limited.POST("/auto-trading", s.handleAutoTrading)
	limited.POST("/quick-signal", s.handleQuickSignal)
	limited.DELETE("/open-order/:oid", s.handleCancelOrder)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping API server")
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}
	return nil
}

// LoggerMiddleware logs every request with latency and status.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		logEvent := log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Int("status", c.Writer.Status()).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP())
		if len(c.Errors) > 0 {
			logEvent.Str("errors", c.Errors.String())
		}
		logEvent.Msg("API request")
	}
}
