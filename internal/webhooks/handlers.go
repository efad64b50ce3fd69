package webhooks

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rodrigojille/kustodia-sub014/internal/logging"
	"github.com/rodrigojille/kustodia-sub014/internal/metrics"
	"github.com/rodrigojille/kustodia-sub014/internal/provider"
)

const (
	HeaderNonce     = "X-Provider-Nonce"
	HeaderSignature = "X-Provider-Signature"

	maxWebhookBody = 256 << 10
)

// Handler receives provider callbacks.
type Handler struct {
	inbox     Inbox
	processor *Processor
	verifiers map[string]*provider.Verifier
}

// NewHandler creates the ingress handler. secrets maps provider name to
// its webhook signing secret.
func NewHandler(inbox Inbox, processor *Processor, secrets map[string]string, nonceWindow time.Duration) *Handler {
	verifiers := make(map[string]*provider.Verifier, len(secrets))
	for name, secret := range secrets {
		verifiers[name] = provider.NewVerifier(secret, nonceWindow)
	}
	return &Handler{inbox: inbox, processor: processor, verifiers: verifiers}
}

// RegisterRoutes mounts POST /webhooks/:provider. Signature checks replace
// bearer auth on this route.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/webhooks/:provider", h.Receive)
}

// Receive handles POST /webhooks/:provider
func (h *Handler) Receive(c *gin.Context) {
	name := c.Param("provider")
	verifier, ok := h.verifiers[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": ErrUnknownProvider.Error(),
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil || len(body) > maxWebhookBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "payload_too_large",
			"message": "webhook body too large",
		})
		return
	}

	err = verifier.Verify(c.GetHeader(HeaderNonce), c.Request.Method, c.Request.URL.Path, body, c.GetHeader(HeaderSignature))
	if err != nil {
		metrics.WebhooksReceivedTotal.WithLabelValues(name, "", "unauthorized").Inc()
		logging.L(c.Request.Context()).Warn("webhook signature rejected", "provider", name, "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": err.Error(),
		})
		return
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil || env.ID == "" || env.EventType == "" || len(env.Payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "envelope requires id, event_type and payload",
		})
		return
	}

	if !Accepts(name, env.EventType) {
		metrics.WebhooksReceivedTotal.WithLabelValues(name, string(env.EventType), "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	entry := &InboxEntry{
		Provider:   name,
		ExternalID: env.ID,
		EventType:  env.EventType,
		Payload:    env.Payload,
	}
	ctx := c.Request.Context()
	claimed, err := h.inbox.Claim(ctx, entry)
	if err != nil {
		logging.L(ctx).Error("webhook inbox claim failed", "provider", name, "webhookId", env.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal error",
		})
		return
	}
	if !claimed {
		metrics.WebhooksReceivedTotal.WithLabelValues(name, string(env.EventType), "duplicate").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}

	if err := h.processor.Enqueue(entry); err != nil {
		if mErr := h.inbox.MarkFailed(ctx, name, env.ID, err.Error()); mErr != nil && !errors.Is(mErr, ErrEntryNotFound) {
			logging.L(ctx).Error("webhook inbox update failed", "error", mErr)
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "unavailable",
			"message": "webhook queue full, retry later",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}
