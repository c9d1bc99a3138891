// Package server exposes the operational HTTP surface: health, metrics, run
// state control, breaker resets, and the kill switch. It binds to localhost
// by default; nothing here is meant for the open internet.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/helixtrade/helix/internal/alerting"
	"github.com/helixtrade/helix/internal/config"
	"github.com/helixtrade/helix/internal/execution"
	"github.com/helixtrade/helix/internal/model"
	"github.com/helixtrade/helix/internal/store"
	"github.com/helixtrade/helix/pkg/metrics"
)

// confirmHeader carries the shared token required on destructive endpoints.
const confirmHeader = "X-Confirm-Token"

// operatorHeader names who asked, for the audit trail.
const operatorHeader = "X-Operator"

// Server is the admin HTTP server.
type Server struct {
	store  *store.Store
	engine *execution.Engine
	alerts *alerting.Alerts
	cfg    config.AdminConfig
	logger *zap.Logger

	http *http.Server
}

// New builds the admin server and its routes.
func New(st *store.Store, engine *execution.Engine, alerts *alerting.Alerts, cfg config.AdminConfig, logger *zap.Logger) *Server {
	s := &Server{
		store:  st,
		engine: engine,
		alerts: alerts,
		cfg:    cfg,
		logger: logger,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := router.Group("/admin")
	{
		admin.GET("/state", s.getState)
		admin.POST("/pause", s.pause)
		admin.POST("/resume", s.resume)
		admin.GET("/breakers", s.listBreakers)
		admin.POST("/breakers/:name/reset", s.resetBreaker)
		admin.POST("/killswitch", s.killSwitch)
	}

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getState(c *gin.Context) {
	state, err := s.store.BotState(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, state)
}

type stateChangeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) pause(c *gin.Context) {
	var req stateChangeRequest
	_ = c.ShouldBindJSON(&req)
	operator := c.GetHeader(operatorHeader)

	ctx := c.Request.Context()
	if err := s.store.SetBotState(ctx, model.BotStatePaused, req.Reason, operator); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.alerts.Info(ctx, "bot_paused", "trading paused by operator", map[string]interface{}{
		"reason": req.Reason,
		"by":     operator,
	})
	c.JSON(http.StatusOK, gin.H{"state": model.BotStatePaused})
}

// resume moves the bot back to RUNNING. It refuses while any breaker is
// still triggered; the breaker reset is a separate, explicitly confirmed
// action.
func (s *Server) resume(c *gin.Context) {
	ctx := c.Request.Context()
	breakers, err := s.store.ListBreakers(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for _, b := range breakers {
		if b.Triggered {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "circuit breaker still triggered",
				"breaker": b.Name,
			})
			return
		}
	}

	operator := c.GetHeader(operatorHeader)
	if err := s.store.SetBotState(ctx, model.BotStateRunning, "resumed", operator); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.alerts.Info(ctx, "bot_resumed", "trading resumed by operator", map[string]interface{}{
		"by": operator,
	})
	c.JSON(http.StatusOK, gin.H{"state": model.BotStateRunning})
}

func (s *Server) listBreakers(c *gin.Context) {
	breakers, err := s.store.ListBreakers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, breakers)
}

// resetBreaker clears one sticky breaker. It requires the confirm token;
// breakers never reset themselves and a reset must be a deliberate act.
func (s *Server) resetBreaker(c *gin.Context) {
	if !s.confirmed(c) {
		return
	}
	name := c.Param("name")
	operator := c.GetHeader(operatorHeader)
	if operator == "" {
		operator = "admin-api"
	}

	ctx := c.Request.Context()
	err := s.store.ResetBreaker(ctx, name, operator)
	if errors.Is(err, store.ErrBreakerNotTriggered) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	metrics.BreakerTriggered.WithLabelValues(name).Set(0)
	s.alerts.Warning(ctx, "breaker_reset", "circuit breaker manually reset", map[string]interface{}{
		"breaker": name,
		"by":      operator,
	})
	c.JSON(http.StatusOK, gin.H{"breaker": name, "triggered": false})
}

func (s *Server) killSwitch(c *gin.Context) {
	if !s.confirmed(c) {
		return
	}
	var req stateChangeRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "kill switch via admin api"
	}
	operator := c.GetHeader(operatorHeader)
	if operator == "" {
		operator = "admin-api"
	}

	if err := s.engine.KillSwitch(c.Request.Context(), req.Reason, operator); err != nil {
		// the halt itself is durable even when some legs failed
		c.JSON(http.StatusInternalServerError, gin.H{
			"state": model.BotStateHalted,
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": model.BotStateHalted})
}

func (s *Server) confirmed(c *gin.Context) bool {
	if s.cfg.ConfirmToken == "" || c.GetHeader(confirmHeader) != s.cfg.ConfirmToken {
		c.JSON(http.StatusForbidden, gin.H{"error": "missing or invalid confirm token"})
		return false
	}
	return true
}
