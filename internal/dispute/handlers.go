package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rodrigojille/kustodia-sub014/internal/auth"
	"github.com/rodrigojille/kustodia-sub014/internal/logging"
	"github.com/rodrigojille/kustodia-sub014/internal/payment"
	"github.com/rodrigojille/kustodia-sub014/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new dispute handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterProtectedRoutes sets up auth-required dispute routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payments/:id/disputes", validation.IDParamMiddleware(), h.RaiseDispute)
	r.GET("/payments/:id/disputes", validation.IDParamMiddleware(), h.ListDisputes)

	byID := r.Group("/disputes/:id", validation.IDParamMiddleware())
	byID.GET("", h.GetDispute)
	byID.POST("/evidence", h.AddEvidence)
	byID.GET("/timeline", h.Timeline)
}

// RegisterAdminRoutes sets up admin-only dispute routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/resolve", validation.IDParamMiddleware(), h.ResolveDispute)
}

// RaiseDispute handles POST /v1/payments/:id/disputes
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req RaiseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("reason", req.Reason, maxReasonLength),
		validation.MaxLength("details", req.Details, maxDetailsLength),
		validation.ValidURL("evidence_url", req.EvidenceURL),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	req.PaymentID = c.Param("id")
	req.UserID = auth.Subject(c)
	req.Details = validation.SanitizeString(req.Details, maxDetailsLength)

	d, err := h.engine.Raise(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// ListDisputes handles GET /v1/payments/:id/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	disputes, err := h.engine.List(c.Request.Context(), c.Param("id"), viewer(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.engine.Get(c.Request.Context(), c.Param("id"), viewer(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// AddEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) AddEvidence(c *gin.Context) {
	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidURL("url", req.URL),
		validation.MaxLength("note", req.Note, maxNoteLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	req.Note = validation.SanitizeString(req.Note, maxNoteLength)

	d, err := h.engine.AddEvidence(c.Request.Context(), c.Param("id"), auth.Subject(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Timeline handles GET /v1/disputes/:id/timeline
func (h *Handler) Timeline(c *gin.Context) {
	entries, err := h.engine.Timeline(c.Request.Context(), c.Param("id"), viewer(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"timeline": entries,
		"count":    len(entries),
	})
}

// ResolveDispute handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "approved is required",
		})
		return
	}
	req.DisputeID = c.Param("id")
	req.AdminID = auth.Subject(c)
	req.AdminNotes = validation.SanitizeString(req.AdminNotes, maxDetailsLength)

	d, err := h.engine.Resolve(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func viewer(c *gin.Context) Viewer {
	return Viewer{UserID: auth.Subject(c), Admin: auth.IsAdmin(c)}
}

// respondError maps dispute and payment errors to HTTP status and code.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := err.Error()

	switch {
	case errors.Is(err, ErrDisputeNotFound), errors.Is(err, payment.ErrPaymentNotFound),
		errors.Is(err, ErrNotParticipant):
		status = http.StatusNotFound
		code = "not_found"
		if errors.Is(err, ErrNotParticipant) {
			message = payment.ErrPaymentNotFound.Error()
		}
	case errors.Is(err, ErrInvalidRequest):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, ErrOpenDispute):
		status = http.StatusConflict
		code = "open_dispute"
	case errors.Is(err, ErrAlreadyResolved):
		status = http.StatusConflict
		code = "already_resolved"
	case errors.Is(err, ErrCannotReapply):
		status = http.StatusConflict
		code = "cannot_reapply"
	case errors.Is(err, payment.ErrReleaseInProgress):
		status = http.StatusConflict
		code = "release_in_progress"
	case errors.Is(err, ErrNotDisputable), errors.Is(err, payment.ErrInvalidState),
		errors.Is(err, payment.ErrEscrowNotFound):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, payment.ErrConflict), errors.Is(err, ErrConflict):
		status = http.StatusConflict
		code = "conflict"
	}

	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("dispute request failed", "path", c.FullPath(), "error", err)
		message = "Internal error"
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
