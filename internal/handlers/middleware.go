package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/imrishuroy/storefront-checkout/internal/logging"
)

const (
	headerRequestID = "X-Request-Id"
	headerTenantID  = "X-Tenant-ID"

	tenantKey = "tenant_id"
)

// RequestID propagates the caller's X-Request-Id, or a fresh one, into the
// request context so every log line of the request carries it.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), id))
		c.Header(headerRequestID, id)
		c.Next()
	}
}

// RequireTenant rejects requests the upstream authorizer did not stamp
// with a tenant.
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetHeader(headerTenantID)
		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
				"msg":   "missing tenant context",
			})
			return
		}
		c.Set(tenantKey, tenantID)
		c.Next()
	}
}

func tenantFrom(c *gin.Context) string {
	return c.GetString(tenantKey)
}
