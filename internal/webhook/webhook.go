package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/tradehook/internal/breaker"
	"github.com/ksred/tradehook/internal/lifecycle"
	"github.com/ksred/tradehook/internal/lock"
	"github.com/ksred/tradehook/internal/orchestrator"
	"github.com/ksred/tradehook/internal/types"
	"github.com/ksred/tradehook/pkg/response"
)

// Service handles webhook intake and the internal admin surface.
type Service struct {
	db           *Database
	orchestrator *orchestrator.Service
	lifecycle    *lifecycle.Manager
	locks        *lock.Manager
	breakers     *breaker.Manager
}

// NewService creates the webhook service.
func NewService(gormDB *gorm.DB, orch *orchestrator.Service, lc *lifecycle.Manager, locks *lock.Manager, breakers *breaker.Manager) *Service {
	return &Service{
		db:           NewDatabase(gormDB),
		orchestrator: orch,
		lifecycle:    lc,
		locks:        locks,
		breakers:     breakers,
	}
}

// DB exposes the database layer so the orchestrator can use it as its
// trigger logger.
func (s *Service) DB() *Database {
	return s.db
}

// verifySecret checks the shared secret or HMAC signature of a delivery.
// Both paths use constant-time comparison; a plain string compare here leaks
// timing information about the secret.
func verifySecret(webhook *types.Webhook, body []byte, signature, sharedSecret string) bool {
	if webhook.Secret == "" {
		return true
	}

	if signature != "" {
		mac := hmac.New(sha256.New, []byte(webhook.Secret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
	}

	return subtle.ConstantTimeCompare([]byte(webhook.Secret), []byte(sharedSecret)) == 1
}

// sourceAllowed checks the client IP against the webhook's allow-list. An
// empty list admits any source.
func sourceAllowed(webhook *types.Webhook, clientIP string) bool {
	if webhook.AllowedSources == "" {
		return true
	}
	for _, allowed := range strings.Split(webhook.AllowedSources, ",") {
		if strings.TrimSpace(allowed) == clientIP {
			return true
		}
	}
	return false
}

// GinHandlers contains the HTTP handlers for webhook intake and admin
// endpoints.
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates the handler set for the webhook service.
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// ReceiveHandler handles POST /webhooks/:token. It performs admission
// synchronously (auth, rate limit, idempotency) and schedules execution as a
// tracked background task, so the caller only ever observes admission: 202 on
// acceptance, 401/404 on auth failures, 429 on rate limiting, 409 while a
// duplicate is still processing.
func (h *GinHandlers) ReceiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Param("token")

		webhook, err := h.service.db.GetWebhookByToken(token)
		if err != nil {
			response.InternalError(c, "Failed to look up webhook")
			return
		}
		if webhook == nil || !webhook.IsActive {
			response.NotFound(c, "Unknown or inactive webhook token")
			return
		}

		clientIP := c.ClientIP()
		if !sourceAllowed(webhook, clientIP) {
			response.Forbidden(c, "Source not allowed for this webhook")
			return
		}

		body, err := c.GetRawData()
		if err != nil {
			response.BadRequest(c, "Failed to read request body")
			return
		}

		sharedSecret := c.GetHeader("X-Webhook-Secret")
		if sharedSecret == "" {
			sharedSecret = c.Query("secret")
		}
		if !verifySecret(webhook, body, c.GetHeader("X-Signature"), sharedSecret) {
			response.Unauthorized(c, "Invalid webhook secret")
			return
		}

		meta := orchestrator.SourceMeta{ClientIP: clientIP}
		adm, err := h.service.orchestrator.Admit(c.Request.Context(), webhook, body, meta)
		switch {
		case errors.Is(err, orchestrator.ErrRateLimited):
			response.TooManyRequests(c, "Rate limit exceeded for this webhook")
			return
		case errors.Is(err, orchestrator.ErrInvalidPayload):
			response.BadRequest(c, err.Error())
			return
		case err != nil:
			response.InternalError(c, "Failed to admit webhook delivery")
			return
		}

		if adm.Replay != nil {
			if !adm.Replay.Completed() {
				response.Conflict(c, "Duplicate delivery is still being processed, retry later")
				return
			}
			response.OK(c, adm.Replay)
			return
		}

		webhookCopy := *webhook
		_, err = h.service.lifecycle.Track("webhook_processing", adm.CorrelationID, func(ctx context.Context) {
			h.service.orchestrator.Execute(ctx, &webhookCopy, adm, body, meta)
		})
		if err != nil {
			response.ServiceUnavailable(c, "Server is shutting down, retry against another instance")
			return
		}

		response.Accepted(c, gin.H{
			"status":         "accepted",
			"correlation_id": adm.CorrelationID,
		})
	}
}

// BreakerStatsHandler handles GET /internal/breakers.
func (h *GinHandlers) BreakerStatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.breakers.Stats())
	}
}

// BreakerResetHandler handles POST /internal/breakers/:strategy_id/reset.
func (h *GinHandlers) BreakerResetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		strategyID := c.Param("strategy_id")
		if !h.service.breakers.Reset(strategyID) {
			response.NotFound(c, "No circuit breaker for this strategy")
			return
		}
		response.Success(c, gin.H{"strategy_id": strategyID, "state": breaker.StateClosed})
	}
}

// LockInfoHandler handles GET /internal/locks/:account_id.
func (h *GinHandlers) LockInfoHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := h.service.locks.Info(c.Request.Context(), c.Param("account_id"))
		if err != nil {
			response.InternalError(c, "Lock backend unavailable")
			return
		}
		response.Success(c, info)
	}
}

// ForceUnlockHandler handles DELETE /internal/locks/:account_id. Recovery
// operation for a wedged lock holder.
func (h *GinHandlers) ForceUnlockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.Param("account_id")
		removed, err := h.service.locks.ForceUnlock(c.Request.Context(), accountID)
		if err != nil {
			response.InternalError(c, "Lock backend unavailable")
			return
		}
		log.Info().Str("account_id", accountID).Str("client_id", c.GetString("clientID")).
			Msg("admin force unlock requested")
		response.Success(c, gin.H{"account_id": accountID, "removed": removed})
	}
}

// LogsHandler handles GET /internal/webhooks/:token/logs. The webhook's
// secret never appears in this response.
func (h *GinHandlers) LogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		logs, err := h.service.db.ListLogs(c.Param("token"), limit)
		if err != nil {
			response.InternalError(c, "Failed to list webhook logs")
			return
		}
		response.Success(c, logs)
	}
}
