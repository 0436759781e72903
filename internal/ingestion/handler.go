package ingestion

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"warden/internal/config"
	"warden/internal/logger"
	pkgerrors "warden/pkg/errors"
)

const signaturePrefix = "sha256="

type Handler struct {
	pipeline *Pipeline
	cfg      config.WebhookConfig
	logger   logger.Logger
}

func NewHandler(pipeline *Pipeline, cfg config.WebhookConfig, log logger.Logger) *Handler {
	return &Handler{
		pipeline: pipeline,
		cfg:      cfg,
		logger:   log,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/webhook", h.Verify)
	router.POST("/webhook", h.Receive)
}

// Verify answers the WhatsApp subscription handshake: echo hub.challenge
// back when the mode is "subscribe" and the verify token matches.
func (h *Handler) Verify(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode != "subscribe" || token == "" || token != h.cfg.VerifyToken {
		h.logger.WarnwCtx(c.Request.Context(), "Webhook verification rejected", "mode", mode)
		c.String(http.StatusForbidden, "verification failed")
		return
	}

	c.String(http.StatusOK, challenge)
}

// Receive ingests one webhook envelope. Partial sub-event failures still
// return 200 with per-outcome counts; only an unparseable envelope or a
// signature mismatch rejects the request.
func (h *Handler) Receive(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.ToErrorResponse(pkgerrors.ErrMalformedPayload.WithCause(err)))
		return
	}

	if h.cfg.SignatureCheck {
		if !h.validSignature(c.GetHeader("X-Hub-Signature-256"), body) {
			h.logger.WarnwCtx(c.Request.Context(), "Webhook signature mismatch")
			c.JSON(http.StatusUnauthorized, pkgerrors.ToErrorResponse(pkgerrors.ErrUnauthorized))
			return
		}
	}

	res, err := h.pipeline.Ingest(c.Request.Context(), body)
	if err != nil {
		h.logger.WarnwCtx(c.Request.Context(), "Webhook rejected", "error", err)
		c.JSON(pkgerrors.ToHTTPStatus(err), pkgerrors.ToErrorResponse(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "processed",
		"accepted": res.Accepted,
		"filtered": res.Filtered,
		"failed":   res.Failed,
	})
}

func (h *Handler) validSignature(header string, body []byte) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.cfg.AppSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(want), []byte(strings.TrimPrefix(header, signaturePrefix)))
}
