package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ksred/tradehook/internal/alerts"
	"github.com/ksred/tradehook/internal/breaker"
	"github.com/ksred/tradehook/internal/broker"
	"github.com/ksred/tradehook/internal/idempotency"
	"github.com/ksred/tradehook/internal/lifecycle"
	"github.com/ksred/tradehook/internal/lock"
	"github.com/ksred/tradehook/internal/orchestrator"
	"github.com/ksred/tradehook/internal/ratelimit"
	"github.com/ksred/tradehook/internal/rollback"
	"github.com/ksred/tradehook/internal/types"
)

type testStack struct {
	router    *gin.Engine
	db        *gorm.DB
	lifecycle *lifecycle.Manager
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", t.Name())), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&types.Webhook{}, &types.Strategy{}, &types.BrokerAccount{},
		&types.Position{}, &types.Order{}, &types.WebhookLog{}, &types.WorkerRegistration{},
	))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	sim := broker.NewSimulated()
	sim.MinLatency = 0
	sim.MaxLatency = 1
	sim.SuccessRate = 1.0

	lc := lifecycle.NewManager(client, db, 30*time.Second, 10*time.Second)
	locks := lock.NewManager(client, 30*time.Second, 3, 5*time.Millisecond)
	breakers := breaker.NewManager(breaker.DefaultConfig())

	triggerDB := NewDatabase(db)
	orch := orchestrator.NewService(
		orchestrator.NewDatabase(db),
		idempotency.NewGuard(client, 5*time.Minute),
		ratelimit.NewLimiter(client),
		locks,
		breakers,
		rollback.NewCoordinator(db),
		sim,
		alerts.LogEmitter{},
		triggerDB,
		100,
	)

	svc := NewService(db, orch, lc, locks, breakers)
	handlers := NewGinHandlers(svc)

	router := gin.New()
	router.POST("/webhooks/:token", handlers.ReceiveHandler())
	router.GET("/internal/breakers", handlers.BreakerStatsHandler())
	router.GET("/internal/webhooks/:token/logs", handlers.LogsHandler())

	return &testStack{router: router, db: db, lifecycle: lc}
}

func (s *testStack) seedWebhook(t *testing.T, token, secret string) {
	t.Helper()
	require.NoError(t, s.db.Create(&types.Webhook{
		Token: token, UserID: "user-1", Secret: secret, IsActive: true, MaxPerSecond: 100,
	}).Error)
}

func (s *testStack) deliver(t *testing.T, token, secret string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+token, bytes.NewReader(payload))
	if secret != "" {
		req.Header.Set("X-Webhook-Secret", secret)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// drain waits for the tracked background executions to finish.
func (s *testStack) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.lifecycle.Shutdown(ctx))
}

func TestReceiveUnknownToken(t *testing.T) {
	stack := newTestStack(t)

	w := stack.deliver(t, "nope", "", []byte(`{"action":"BUY"}`))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReceiveInactiveWebhook(t *testing.T) {
	stack := newTestStack(t)
	require.NoError(t, stack.db.Create(&types.Webhook{Token: "tok-1", IsActive: false}).Error)

	w := stack.deliver(t, "tok-1", "", []byte(`{"action":"BUY"}`))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReceiveWrongSecret(t *testing.T) {
	stack := newTestStack(t)
	stack.seedWebhook(t, "tok-1", "s3cret")

	w := stack.deliver(t, "tok-1", "wrong", []byte(`{"action":"BUY"}`))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = stack.deliver(t, "tok-1", "", []byte(`{"action":"BUY"}`))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestReceiveSecretViaQueryParam(t *testing.T) {
	stack := newTestStack(t)
	stack.seedWebhook(t, "tok-1", "s3cret")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/tok-1?secret=s3cret", bytes.NewReader([]byte(`{"action":"BUY"}`)))
	w := httptest.NewRecorder()
	stack.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestReceiveHMACSignature(t *testing.T) {
	stack := newTestStack(t)
	stack.seedWebhook(t, "tok-1", "s3cret")
	payload := []byte(`{"action":"BUY"}`)

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(payload)
	sig := hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/tok-1", bytes.NewReader(payload))
	req.Header.Set("X-Signature", sig)
	w := httptest.NewRecorder()
	stack.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/tok-1", bytes.NewReader([]byte(`{"action":"SELL"}`)))
	req.Header.Set("X-Signature", sig)
	w = httptest.NewRecorder()
	stack.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "signature is bound to the payload bytes")
}

func TestReceiveSourceNotAllowed(t *testing.T) {
	stack := newTestStack(t)
	require.NoError(t, stack.db.Create(&types.Webhook{
		Token: "tok-1", IsActive: true, AllowedSources: "10.0.0.1, 10.0.0.2",
	}).Error)

	w := stack.deliver(t, "tok-1", "", []byte(`{"action":"BUY"}`))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestReceiveAcceptsAndReturnsCorrelationID(t *testing.T) {
	stack := newTestStack(t)
	stack.seedWebhook(t, "tok-1", "s3cret")

	w := stack.deliver(t, "tok-1", "s3cret", []byte(`{"action":"BUY"}`))
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Status        string `json:"status"`
			CorrelationID string `json:"correlation_id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "accepted", resp.Data.Status)
	assert.NotEmpty(t, resp.Data.CorrelationID)
}

func TestReceiveInvalidPayload(t *testing.T) {
	stack := newTestStack(t)
	stack.seedWebhook(t, "tok-1", "")

	w := stack.deliver(t, "tok-1", "", []byte(`{"action":"HOLD"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReceiveRateLimited(t *testing.T) {
	stack := newTestStack(t)
	require.NoError(t, stack.db.Create(&types.Webhook{
		Token: "tok-1", IsActive: true, MaxPerSecond: 2,
	}).Error)

	codes := map[int]int{}
	for i := 0; i < 5; i++ {
		payload := []byte(fmt.Sprintf(`{"action":"BUY","timestamp":"t%d"}`, i))
		w := stack.deliver(t, "tok-1", "", payload)
		codes[w.Code]++
	}
	assert.Equal(t, 2, codes[http.StatusAccepted])
	assert.Equal(t, 3, codes[http.StatusTooManyRequests])
}

func TestReceiveDuplicateReplaysAfterCompletion(t *testing.T) {
	stack := newTestStack(t)
	stack.seedWebhook(t, "tok-1", "")
	payload := []byte(`{"action":"BUY"}`)

	w := stack.deliver(t, "tok-1", "", payload)
	require.Equal(t, http.StatusAccepted, w.Code)

	stack.drain(t)

	w = stack.deliver(t, "tok-1", "", payload)
	assert.Equal(t, http.StatusOK, w.Code, "completed duplicates replay the cached result, nothing was created")

	var resp struct {
		Data types.SignalResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotNil(t, resp.Data.CompletedAt)
}

func TestReceiveAfterShutdownReturns503(t *testing.T) {
	stack := newTestStack(t)
	stack.seedWebhook(t, "tok-1", "")
	stack.drain(t)

	w := stack.deliver(t, "tok-1", "", []byte(`{"action":"BUY"}`))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLogsEndpointNeverLeaksSecret(t *testing.T) {
	stack := newTestStack(t)
	stack.seedWebhook(t, "tok-1", "super-secret-value")

	w := stack.deliver(t, "tok-1", "super-secret-value", []byte(`{"action":"BUY"}`))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.NotContains(t, w.Body.String(), "super-secret-value")

	stack.drain(t)

	req := httptest.NewRequest(http.MethodGet, "/internal/webhooks/tok-1/logs", nil)
	lw := httptest.NewRecorder()
	stack.router.ServeHTTP(lw, req)
	require.Equal(t, http.StatusOK, lw.Code)
	assert.NotContains(t, lw.Body.String(), "super-secret-value")
}

func TestTriggerLogWritten(t *testing.T) {
	stack := newTestStack(t)
	stack.seedWebhook(t, "tok-1", "")

	w := stack.deliver(t, "tok-1", "", []byte(`{"action":"BUY"}`))
	require.Equal(t, http.StatusAccepted, w.Code)
	stack.drain(t)

	var logs []types.WebhookLog
	require.NoError(t, stack.db.Where("webhook_token = ?", "tok-1").Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.NotEmpty(t, logs[0].CorrelationID)
	assert.Contains(t, logs[0].Payload, "BUY")
}

func TestVerifySecretConstantTimePaths(t *testing.T) {
	webhook := &types.Webhook{Secret: "s3cret"}
	body := []byte(`{"action":"BUY"}`)

	assert.True(t, verifySecret(webhook, body, "", "s3cret"))
	assert.False(t, verifySecret(webhook, body, "", "S3CRET"))
	assert.True(t, verifySecret(&types.Webhook{}, body, "", ""), "no secret configured admits any delivery")

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))
	assert.True(t, verifySecret(webhook, body, sig, ""))
	assert.True(t, verifySecret(webhook, body, strings.ToUpper(sig), ""), "signature comparison is case-insensitive")
	assert.False(t, verifySecret(webhook, []byte(`{}`), sig, ""))
}
