package payment

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/rodrigojille/kustodia-sub014/internal/auth"
	"github.com/rodrigojille/kustodia-sub014/internal/lockledger"
	"github.com/rodrigojille/kustodia-sub014/internal/logging"
	"github.com/rodrigojille/kustodia-sub014/internal/validation"
)

// Handler provides HTTP endpoints for payments.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new payment handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterProtectedRoutes sets up auth-required payment routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.CreatePayment)
	r.GET("/payments", h.ListPayments)

	byID := r.Group("/payments/:id", validation.IDParamMiddleware())
	byID.GET("", h.GetPayment)
	byID.GET("/events", h.ListEvents)
	byID.POST("/approve", h.ApproveRelease)
	byID.POST("/cancel", h.CancelPayment)
}

// RegisterAdminRoutes sets up admin-only payment routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/payments", h.AdminListPayments)
	r.POST("/payments/:id/force-expire", validation.IDParamMiddleware(), h.ForceExpire)
}

// CreatePayment handles POST /v1/payments
func (h *Handler) CreatePayment(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
		validation.Percent("custodyPercent", req.CustodyPercent),
		validation.ValidCLABE("payoutAccount", req.PayoutAccount),
		validation.ValidCLABE("refundAccount", req.RefundAccount),
		validation.ValidCLABE("commissionAccount", req.CommissionAccount),
		validation.MaxLength("description", req.Description, 500),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	// The payer is always the authenticated user
	req.PayerID = auth.Subject(c)
	req.Description = validation.SanitizeString(req.Description, 500)

	p, err := h.engine.CreatePayment(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"payment": p})
}

// ListPayments handles GET /v1/payments
func (h *Handler) ListPayments(c *gin.Context) {
	payments, err := h.engine.ListForUser(c.Request.Context(), auth.Subject(c), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payments": payments,
		"count":    len(payments),
	})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	p, ok := h.participantPayment(c)
	if !ok {
		return
	}

	resp := gin.H{"payment": p}
	if esc, err := h.engine.GetEscrow(c.Request.Context(), p.ID); err == nil {
		resp["escrow"] = esc
	}
	c.JSON(http.StatusOK, resp)
}

// ListEvents handles GET /v1/payments/:id/events
func (h *Handler) ListEvents(c *gin.Context) {
	p, ok := h.participantPayment(c)
	if !ok {
		return
	}

	events, err := h.engine.Events(c.Request.Context(), p.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// ApproveRelease handles POST /v1/payments/:id/approve
func (h *Handler) ApproveRelease(c *gin.Context) {
	p, err := h.engine.ApproveRelease(c.Request.Context(), c.Param("id"), auth.Subject(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// CancelPayment handles POST /v1/payments/:id/cancel
func (h *Handler) CancelPayment(c *gin.Context) {
	p, err := h.engine.Cancel(c.Request.Context(), c.Param("id"), auth.Subject(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// AdminListPayments handles GET /v1/admin/payments?status=
func (h *Handler) AdminListPayments(c *gin.Context) {
	status := Status(c.Query("status"))
	if status == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "status query parameter is required",
		})
		return
	}

	payments, err := h.engine.ListByStatus(c.Request.Context(), status, queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"payments": payments,
		"count":    len(payments),
	})
}

// ForceExpire handles POST /v1/admin/payments/:id/force-expire
func (h *Handler) ForceExpire(c *gin.Context) {
	esc, err := h.engine.ForceExpire(c.Request.Context(), c.Param("id"), auth.Subject(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": esc})
}

// participantPayment loads :id and enforces that the caller is a party to
// it (admins see everything). It writes the error response itself.
func (h *Handler) participantPayment(c *gin.Context) (*Payment, bool) {
	p, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if !p.IsParticipant(auth.Subject(c)) && !auth.IsAdmin(c) {
		// Hide existence from non-participants
		respondError(c, ErrPaymentNotFound)
		return nil, false
	}
	return p, true
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	return limit
}

// respondError maps engine errors to HTTP status and error code.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := err.Error()

	switch {
	case errors.Is(err, ErrPaymentNotFound), errors.Is(err, ErrEscrowNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.Is(err, ErrInvalidRequest):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, ErrDuplicateAccount):
		status = http.StatusConflict
		code = "duplicate_account"
	case errors.Is(err, ErrForceExpireDisabled):
		status = http.StatusForbidden
		code = "force_expire_disabled"
	case errors.Is(err, ErrReleaseSuspended):
		status = http.StatusConflict
		code = "release_suspended"
	case errors.Is(err, ErrNotDue):
		status = http.StatusConflict
		code = "not_due"
	case errors.Is(err, lockledger.ErrLockHeld), errors.Is(err, ErrConflict),
		errors.Is(err, ErrReleaseInProgress), errors.Is(err, ErrWithdrawalInFlight):
		status = http.StatusConflict
		code = "conflict"
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrInvalidTransition):
		status = http.StatusConflict
		code = "invalid_state"
	}

	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("payment request failed", "path", c.FullPath(), "error", err)
		message = "Internal error"
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
