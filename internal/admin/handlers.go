package admin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	reconciler Reconciler
	reports    ReportSource
	failed     FailedDeliveries
	hub        StatsSource
}

// NewHandler creates a new admin handler. Every dependency is optional;
// endpoints whose dependency is missing answer 503.
func NewHandler() *Handler {
	return &Handler{}
}

// WithReconciler sets the runner used for on-demand reconciliation.
func (h *Handler) WithReconciler(r Reconciler) *Handler {
	h.reconciler = r
	return h
}

// WithReports sets the source of the last scheduled report.
func (h *Handler) WithReports(s ReportSource) *Handler {
	h.reports = s
	return h
}

// WithFailedDeliveries sets the webhook inbox.
func (h *Handler) WithFailedDeliveries(f FailedDeliveries) *Handler {
	h.failed = f
	return h
}

// WithHub sets the realtime hub.
func (h *Handler) WithHub(s StatsSource) *Handler {
	h.hub = s
	return h
}

// RegisterRoutes sets up admin routes on an already admin-guarded group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.lastReport)
	r.POST("/reconciliation/run", h.triggerReconciliation)
	r.GET("/webhooks/failed", h.listFailed)
	r.GET("/realtime/stats", h.realtimeStats)
}

func (h *Handler) lastReport(c *gin.Context) {
	if h.reports == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "reconciliation not configured"})
		return
	}
	rep := h.reports.LastReport()
	if rep == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no reconciliation run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep})
}

// triggerReconciliation runs a pass now. Failed checks still return the
// report so the operator sees what did succeed.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "reconciliation not configured"})
		return
	}

	report, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil {
		if report == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"report": report, "warning": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}

func (h *Handler) listFailed(c *gin.Context) {
	if h.failed == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "webhook inbox not configured"})
		return
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	entries, err := h.failed.ListFailed(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deliveries": entries, "count": len(entries)})
}

func (h *Handler) realtimeStats(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "realtime hub not configured"})
		return
	}
	c.JSON(http.StatusOK, h.hub.Stats())
}
