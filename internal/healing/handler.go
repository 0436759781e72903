package healing

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"warden/internal/logger"
	"warden/pkg/errors"
)

type Handler struct {
	agent  *Agent
	logger logger.Logger
}

func NewHandler(agent *Agent, log logger.Logger) *Handler {
	return &Handler{agent: agent, logger: log}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.GET("/components", h.ListComponents)
		v1.DELETE("/components/:component/isolation", h.ClearIsolation)
	}
}

// ListComponents reports the healing state of every component the agent has
// seen: failure history, breaker state and isolation.
func (h *Handler) ListComponents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"components": h.agent.ComponentViews(),
	})
}

// ClearIsolation is the operator path out of isolation; nothing automated
// calls it.
func (h *Handler) ClearIsolation(c *gin.Context) {
	component := c.Param("component")

	if err := h.agent.ClearIsolation(c.Request.Context(), component); err != nil {
		h.logger.WarnwCtx(c.Request.Context(), "Isolation clear failed",
			"component", component,
			"error", err,
		)
		c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"component": component,
		"cleared":   true,
	})
}
