package ingestion

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/config"
	"warden/internal/logger"
	"warden/pkg/bus"
	"warden/pkg/models"
)

func createTestRouter(t *testing.T, cfg config.WebhookConfig) (*gin.Engine, *eventCollector) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	b := bus.NewSyncBus(logger.NopLogger())
	collector := &eventCollector{}
	_, err := b.Subscribe("*", collector.handle)
	require.NoError(t, err)

	pipeline := NewPipeline(b, createTestGate(), logger.NopLogger())

	router := gin.New()
	NewHandler(pipeline, cfg, logger.NopLogger()).RegisterRoutes(router)
	return router, collector
}

func TestHandler_VerifyEchoesChallenge(t *testing.T) {
	router, _ := createTestRouter(t, config.WebhookConfig{VerifyToken: "sesame"})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=sesame&hub.challenge=424242", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "424242", w.Body.String())
}

func TestHandler_VerifyRejectsWrongToken(t *testing.T) {
	router, _ := createTestRouter(t, config.WebhookConfig{VerifyToken: "sesame"})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=guess&hub.challenge=424242", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_VerifyRejectsWrongMode(t *testing.T) {
	router, _ := createTestRouter(t, config.WebhookConfig{VerifyToken: "sesame"})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=unsubscribe&hub.verify_token=sesame&hub.challenge=424242", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_ReceiveReturnsCounts(t *testing.T) {
	router, collector := createTestRouter(t, config.WebhookConfig{})

	raw := models.NewWebhookBuilder().
		AddTextMessage("wamid.AAA", "15551234567", "hello").
		AddStatus("wamid.BBB", models.StatusDelivered).
		BuildJSON()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(raw))
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "processed", body["status"])
	assert.Equal(t, float64(2), body["accepted"])
	assert.Equal(t, float64(0), body["filtered"])
	assert.Equal(t, float64(0), body["failed"])

	assert.Equal(t, 2, collector.count())
}

func TestHandler_ReceiveDuplicateEnvelope(t *testing.T) {
	router, _ := createTestRouter(t, config.WebhookConfig{})

	raw := models.NewWebhookBuilder().AddTextMessage("wamid.AAA", "15551234567", "hello").BuildJSON()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(raw)))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(raw)))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(0), body["accepted"])
	assert.Equal(t, float64(1), body["filtered"])
}

func TestHandler_ReceiveMalformedPayload(t *testing.T) {
	router, _ := createTestRouter(t, config.WebhookConfig{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte("{oops")))
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "MALFORMED_PAYLOAD", body["error_code"])
}

func TestHandler_SignatureCheck(t *testing.T) {
	cfg := config.WebhookConfig{SignatureCheck: true, AppSecret: "app-secret"}
	router, _ := createTestRouter(t, cfg)

	raw := models.NewWebhookBuilder().AddTextMessage("wamid.AAA", "15551234567", "hello").BuildJSON()

	mac := hmac.New(sha256.New, []byte(cfg.AppSecret))
	mac.Write(raw)
	signature := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(raw))
	req.Header.Set("X-Hub-Signature-256", signature)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(raw))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(raw))
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
