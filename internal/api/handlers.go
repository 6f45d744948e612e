package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"bybit-position-bot/internal/auth"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	if req.Username != s.cfg.AuthConfig.OperatorUsername ||
		!auth.VerifyPassword(req.Password, s.cfg.AuthConfig.OperatorPasswordHash) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := s.jwt.GenerateToken(req.Username)
	if err != nil {
		s.logger.Error().Err(err).Msg("Token generation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   s.jwt.TokenDuration(),
	})
}

func (s *Server) handleGetPosition(c *gin.Context) {
	pos := s.manager.GetCurrentPosition()
	if pos == nil {
		c.JSON(http.StatusOK, gin.H{"position": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"position": pos})
}

func (s *Server) handleGetHealth(c *gin.Context) {
	pos := s.manager.GetCurrentPosition()
	if pos == nil {
		c.JSON(http.StatusOK, gin.H{"health": nil})
		return
	}

	price, err := s.prices.GetCurrentPrice(c.Request.Context(), pos.Symbol)
	if err != nil {
		// The monitor substitutes the entry price for unusable input
		price = 0
	}
	c.JSON(http.StatusOK, gin.H{"health": s.monitor.CalculatePositionHealth(pos.ID, price)})
}

func (s *Server) handleGetBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": s.breakers.Snapshots()})
}

func (s *Server) handleResetBreaker(c *gin.Context) {
	key := c.Param("key")
	s.breakers.Reset(key)
	c.JSON(http.StatusOK, gin.H{"breaker": s.breakers.Snapshot(key)})
}

func (s *Server) handleResetAllBreakers(c *gin.Context) {
	s.breakers.ResetAll()
	c.JSON(http.StatusOK, gin.H{"breakers": s.breakers.Snapshots()})
}

func (s *Server) handleGetExecutionMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"metrics": s.pipeline.GetMetrics()})
}

func (s *Server) handleResetExecutionMetrics(c *gin.Context) {
	s.pipeline.ResetMetrics()
	c.JSON(http.StatusOK, gin.H{"metrics": s.pipeline.GetMetrics()})
}

func (s *Server) handleGetTrades(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusOK, gin.H{"trades": []interface{}{}})
		return
	}
	trades, err := s.journal.RecentTrades(c.Request.Context(), 50)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to fetch trade history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not fetch trades"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleGetTradeStats(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusOK, gin.H{"stats": nil})
		return
	}
	stats, err := s.journal.PerformanceStats(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to fetch trade stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not fetch stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}
