package e2e

import (
	"bytes"
	"context"
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

	"warden/internal/analyzer"
	"warden/internal/config"
	"warden/internal/healing"
	"warden/internal/idempotency"
	"warden/internal/ingestion"
	"warden/internal/learning"
	"warden/internal/logger"
	"warden/internal/monitor"
	"warden/internal/orchestrator"
	"warden/pkg/bus"
	"warden/pkg/models"
)

const (
	testVerifyToken = "e2e-verify-token"
	testAppSecret   = "e2e-app-secret"
)

// testService is the whole event system behind a real router, composed the
// same way the service binary does it, minus external stores.
type testService struct {
	router       *gin.Engine
	orchestrator *orchestrator.Orchestrator
}

func startTestService(t *testing.T, webhookCfg config.WebhookConfig) *testService {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NopLogger()

	b := bus.NewSyncBus(log)
	gate := idempotency.NewGate(nil, config.IdempotencyConfig{WindowSeconds: 60}, log)
	pipeline := ingestion.NewPipeline(b, gate, log)

	flow := analyzer.NewAnalyzer(config.AnalyzerConfig{}, log)
	healer := healing.NewAgent(config.HealingConfig{}, nil, log)
	learner, err := learning.NewAgent(config.LearningConfig{}, nil, log)
	require.NoError(t, err)
	watcher := monitor.NewMonitor(config.MonitorConfig{BufferSize: 500}, log)

	o := orchestrator.New(b, gate, log)
	o.Register(flow, healer, learner, watcher)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, o.Stop(context.Background()))
	})

	router := gin.New()
	ingestion.NewHandler(pipeline, webhookCfg, log).RegisterRoutes(router)
	healing.NewHandler(healer, log).RegisterRoutes(router)
	monitor.NewHandler(watcher, log).RegisterRoutes(router)
	orchestrator.NewHandler(o, learner, log).RegisterRoutes(router)

	return &testService{router: router, orchestrator: o}
}

func (s *testService) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testService) postWebhook(t *testing.T, body []byte, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sign {
		mac := hmac.New(sha256.New, []byte(testAppSecret))
		mac.Write(body)
		req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}
	return s.do(t, req)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestEndToEnd_VerificationHandshake(t *testing.T) {
	svc := startTestService(t, config.WebhookConfig{VerifyToken: testVerifyToken})

	req := httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=subscribe&hub.verify_token="+testVerifyToken+"&hub.challenge=challenge-42", nil)
	w := svc.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "challenge-42", w.Body.String())

	req = httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=challenge-42", nil)
	w = svc.do(t, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestEndToEnd_MessageFlowThroughSystem(t *testing.T) {
	svc := startTestService(t, config.WebhookConfig{VerifyToken: testVerifyToken})

	body := models.NewWebhookBuilder().
		AddTextMessage("wamid.E2E.1", "15551234567", "hello").
		BuildJSON()

	w := svc.postWebhook(t, body, false)
	require.Equal(t, http.StatusOK, w.Code)
	res := decodeBody(t, w)
	assert.Equal(t, float64(1), res["accepted"])
	assert.Equal(t, float64(0), res["filtered"])

	// The same message again is filtered by the idempotency gate.
	w = svc.postWebhook(t, body, false)
	require.Equal(t, http.StatusOK, w.Code)
	res = decodeBody(t, w)
	assert.Equal(t, float64(0), res["accepted"])
	assert.Equal(t, float64(1), res["filtered"])

	// The monitor saw the message exactly once.
	w = svc.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/events/search?type=message.received", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var search struct {
		Events []map[string]interface{} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &search))
	require.Len(t, search.Events, 1)
	assert.Equal(t, "wamid.E2E.1", search.Events[0]["payload"].(map[string]interface{})["message_id"])
}

func TestEndToEnd_StatusSequencePassesGate(t *testing.T) {
	svc := startTestService(t, config.WebhookConfig{VerifyToken: testVerifyToken})

	for _, status := range []string{models.StatusSent, models.StatusDelivered, models.StatusRead} {
		body := models.NewWebhookBuilder().AddStatus("wamid.E2E.2", status).BuildJSON()
		w := svc.postWebhook(t, body, false)
		require.Equal(t, http.StatusOK, w.Code)
		res := decodeBody(t, w)
		assert.Equal(t, float64(1), res["accepted"], "status %s should not be deduplicated", status)
	}

	// A repeated delivery receipt for the same message is a duplicate.
	body := models.NewWebhookBuilder().AddStatus("wamid.E2E.2", models.StatusDelivered).BuildJSON()
	res := decodeBody(t, svc.postWebhook(t, body, false))
	assert.Equal(t, float64(1), res["filtered"])
}

func TestEndToEnd_SignatureEnforcement(t *testing.T) {
	svc := startTestService(t, config.WebhookConfig{
		VerifyToken:    testVerifyToken,
		AppSecret:      testAppSecret,
		SignatureCheck: true,
	})

	body := models.NewWebhookBuilder().
		AddTextMessage("wamid.E2E.3", "15551234567", "signed").
		BuildJSON()

	w := svc.postWebhook(t, body, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = svc.postWebhook(t, body, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["accepted"])
}

func TestEndToEnd_MalformedEnvelopeRejected(t *testing.T) {
	svc := startTestService(t, config.WebhookConfig{VerifyToken: testVerifyToken})

	w := svc.postWebhook(t, []byte(`{"object":`), false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEndToEnd_OperationalEndpoints(t *testing.T) {
	svc := startTestService(t, config.WebhookConfig{VerifyToken: testVerifyToken})

	body := models.NewWebhookBuilder().
		AddTextMessage("wamid.E2E.4", "15551234567", "stats").
		BuildJSON()
	require.Equal(t, http.StatusOK, svc.postWebhook(t, body, false).Code)

	w := svc.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/system/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	stats := decodeBody(t, w)
	assert.Equal(t, true, stats["running"])
	components, ok := stats["components"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, components, monitor.Component)
	assert.Contains(t, components, healing.Component)

	w = svc.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/system/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	health := decodeBody(t, w)
	assert.Equal(t, orchestrator.StatusHealthy, health["status"])

	w = svc.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/events/recent?limit=5", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = svc.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/components", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
