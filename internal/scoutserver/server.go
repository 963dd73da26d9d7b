// Package scoutserver exposes Scout's single HTTP entrypoint (§6 "Scout
// surface"). Grounded on control-plane-controller/cmd/control-plane-controller
// 's gin.New()+gin.Recovery() health-server shape.
package scoutserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mac923/offpeak-ev-controller/internal/log"
	"github.com/mac923/offpeak-ev-controller/internal/metrics"
	"github.com/mac923/offpeak-ev-controller/internal/scout"
)

// TokenStats is the subset of token.Reader the cache-stats endpoint needs.
type TokenStats interface {
	RemainingMinutes(now time.Time) int
}

// Server wraps Scout's sampler behind a gin engine.
type Server struct {
	engine  *gin.Engine
	sampler *scout.Sampler
	tokens  TokenStats
	vin     string
}

func New(sampler *scout.Sampler, tokens TokenStats, vin string) *Server {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery())

	s := &Server{engine: e, sampler: sampler, tokens: tokens, vin: vin}
	e.Any("/", s.handleRoot)
	metrics.RegisterHandler(e)
	return s
}

func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) Run(addr string) error {
	log.Infof("scout http server listening on %s", addr)
	return s.engine.Run(addr)
}

func (s *Server) handleRoot(c *gin.Context) {
	if c.Request.Method == http.MethodGet && c.Query("action") == "cache-stats" {
		s.handleCacheStats(c)
		return
	}
	s.handleSample(c)
}

func (s *Server) handleCacheStats(c *gin.Context) {
	remaining := -1
	if s.tokens != nil {
		remaining = s.tokens.RemainingMinutes(time.Now())
		metrics.SetTokenRemainingMinutes("reader", remaining)
	}
	c.JSON(http.StatusOK, gin.H{
		"vin":               s.vin,
		"token_remaining_minutes": remaining,
	})
}

func (s *Server) handleSample(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	result, err := s.sampler.Sample(ctx)
	if err != nil {
		log.ErrorfCtx(ctx, "scout sample failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"vehicle": gin.H{
			"vin":   result.Observation.VIN,
			"state": result.Observation.State,
		},
		"state_change": gin.H{
			"detected":         result.Decision.Kind != "none",
			"reason":           result.Decision.Row,
			"worker_triggered": result.Triggered,
		},
	})
}
