package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for auth introspection.
type Handler struct{}

// NewHandler creates a new auth handler.
func NewHandler() *Handler {
	return &Handler{}
}

// RegisterProtectedRoutes sets up auth-required routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.Me)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":   "jwt",
		"alg":    "HS256",
		"header": "Authorization: Bearer <jwt>",
		"claims": gin.H{"sub": "user id", "role": "user | admin"},
		"publicEndpoints": []string{
			"GET /health",
			"GET /metrics",
			"POST /webhooks/:provider",
		},
	})
}

// Me handles GET /v1/auth/me
func (h *Handler) Me(c *gin.Context) {
	claims, ok := GetClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Bearer token required."})
		return
	}
	resp := gin.H{
		"subject": claims.Subject,
		"role":    claims.Role,
	}
	if claims.ExpiresAt != nil {
		resp["expiresAt"] = claims.ExpiresAt.Time
	}
	c.JSON(http.StatusOK, resp)
}
