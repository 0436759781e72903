package orchestrator

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"warden/internal/learning"
	"warden/internal/logger"
)

type Handler struct {
	orchestrator *Orchestrator
	learning     *learning.Agent
	logger       logger.Logger
}

// NewHandler serves the system-wide operational endpoints. The learning
// agent is optional; without it the rules endpoint reports an empty list.
func NewHandler(o *Orchestrator, learner *learning.Agent, log logger.Logger) *Handler {
	return &Handler{orchestrator: o, learning: learner, logger: log}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.GET("/system/stats", h.SystemStats)
		v1.GET("/system/health", h.SystemHealth)
		v1.GET("/rules", h.Rules)
	}
}

func (h *Handler) SystemStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.orchestrator.GetSystemStats())
}

func (h *Handler) SystemHealth(c *gin.Context) {
	report := h.orchestrator.PerformHealthCheck()

	status := http.StatusOK
	if report["status"] == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (h *Handler) Rules(c *gin.Context) {
	rules := []learning.RuleView{}
	if h.learning != nil {
		rules = h.learning.RuleViews()
	}
	c.JSON(http.StatusOK, gin.H{
		"rules": rules,
		"count": len(rules),
	})
}
