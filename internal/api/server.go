package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"bybit-position-bot/config"
	"bybit-position-bot/internal/auth"
	"bybit-position-bot/internal/circuit"
	"bybit-position-bot/internal/database"
	"bybit-position-bot/internal/execution"
	"bybit-position-bot/internal/health"
	"bybit-position-bot/internal/position"
)

// PriceSource provides the latest market price for the configured symbol
type PriceSource interface {
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// Server exposes the operator HTTP API: position state, health scores,
// circuit breaker control, and execution metrics.
type Server struct {
	cfg      config.Config
	router   *gin.Engine
	srv      *http.Server
	logger   zerolog.Logger
	jwt      *auth.JWTManager
	manager  *position.Manager
	monitor  *health.Monitor
	breakers *circuit.Registry
	pipeline *execution.Pipeline
	journal  *database.TradeJournal
	prices   PriceSource
}

// NewServer wires the operator API routes
func NewServer(
	cfg config.Config,
	manager *position.Manager,
	monitor *health.Monitor,
	breakers *circuit.Registry,
	pipeline *execution.Pipeline,
	journal *database.TradeJournal,
	prices PriceSource,
	logger zerolog.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.ServerConfig.AllowedOrigins, ",")
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	s := &Server{
		cfg:      cfg,
		router:   router,
		logger:   logger.With().Str("component", "api").Logger(),
		jwt:      auth.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.AccessTokenDuration),
		manager:  manager,
		monitor:  monitor,
		breakers: breakers,
		pipeline: pipeline,
		journal:  journal,
		prices:   prices,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.POST("/api/auth/login", s.handleLogin)

	api := s.router.Group("/api")
	if s.cfg.AuthConfig.Enabled {
		api.Use(auth.Middleware(s.jwt))
	}
	api.GET("/position", s.handleGetPosition)
	api.GET("/position/health", s.handleGetHealth)
	api.GET("/breakers", s.handleGetBreakers)
	api.POST("/breakers/:key/reset", s.handleResetBreaker)
	api.POST("/breakers/reset", s.handleResetAllBreakers)
	api.GET("/execution/metrics", s.handleGetExecutionMetrics)
	api.POST("/execution/metrics/reset", s.handleResetExecutionMetrics)
	api.GET("/trades", s.handleGetTrades)
	api.GET("/trades/stats", s.handleGetTradeStats)
}

// Start runs the HTTP server in the background
func (s *Server) Start() {
	addr := fmt.Sprintf("%s:%d", s.cfg.ServerConfig.Host, s.cfg.ServerConfig.Port)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Operator API listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Operator API server failed")
		}
	}()
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
