package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"warden/internal/logger"
	"warden/pkg/errors"
)

type Handler struct {
	monitor *Monitor
	logger  logger.Logger
}

func NewHandler(monitor *Monitor, log logger.Logger) *Handler {
	return &Handler{monitor: monitor, logger: log}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.GET("/events/recent", h.RecentEvents)
		v1.GET("/events/search", h.SearchEvents)
		v1.GET("/reports", h.Report)
	}
}

func (h *Handler) RecentEvents(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	events := h.monitor.RecentEvents(limit)
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

func (h *Handler) SearchEvents(c *gin.Context) {
	criteria := SearchCriteria{
		TypeContains: c.Query("type"),
		Source:       c.Query("source"),
		Status:       c.Query("status"),
	}

	if raw := c.Query("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, "from must be an RFC3339 timestamp")
			return
		}
		criteria.From = from
	}
	if raw := c.Query("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, "to must be an RFC3339 timestamp")
			return
		}
		criteria.To = to
	}

	events := h.monitor.Search(criteria)
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

func (h *Handler) Report(c *gin.Context) {
	var from, to time.Time

	if raw := c.Query("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, "from must be an RFC3339 timestamp")
			return
		}
		from = parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, "to must be an RFC3339 timestamp")
			return
		}
		to = parsed
	}

	c.JSON(http.StatusOK, h.monitor.Report(from, to))
}

func badRequest(c *gin.Context, message string) {
	err := errors.ErrValidation.WithDetail("message", message)
	c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
}
