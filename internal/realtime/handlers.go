package realtime

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rodrigojille/kustodia-sub014/internal/auth"
	"github.com/rodrigojille/kustodia-sub014/internal/payment"
)

// PaymentLookup resolves payments for feed authorization.
type PaymentLookup interface {
	Get(ctx context.Context, id string) (*payment.Payment, error)
}

// Handler serves the feed endpoint.
type Handler struct {
	hub      *Hub
	payments PaymentLookup
}

// NewHandler creates a feed handler.
func NewHandler(hub *Hub, payments PaymentLookup) *Handler {
	return &Handler{hub: hub, payments: payments}
}

// RegisterRoutes mounts GET /ws. The group must require authentication.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", h.Stream)
}

// Stream handles GET /ws?paymentId=...
// Admins may omit paymentId to watch everything; other users must name
// payments they take part in.
func (h *Handler) Stream(c *gin.Context) {
	sub, ok := h.subscription(c)
	if !ok {
		return
	}
	h.hub.Serve(c.Writer, c.Request, sub)
}

func (h *Handler) subscription(c *gin.Context) (Subscription, bool) {
	ids := c.QueryArray("paymentId")
	sub := Subscription{PaymentIDs: ids, Types: c.QueryArray("type")}

	if auth.IsAdmin(c) {
		sub.AllPayments = len(ids) == 0
		return sub, true
	}
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "paymentId is required",
		})
		return sub, false
	}

	subject := auth.Subject(c)
	for _, id := range ids {
		p, err := h.payments.Get(c.Request.Context(), id)
		if err != nil || !p.IsParticipant(subject) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": payment.ErrPaymentNotFound.Error(),
			})
			return sub, false
		}
	}
	return sub, true
}
