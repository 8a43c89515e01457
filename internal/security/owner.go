package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeyOwnerID is the gin context key holding the calling principal.
const ContextKeyOwnerID = "ownerID"

// OwnerMiddleware takes the owning principal from a header set by the
// authenticating gateway in front of this service. Requests without it are
// rejected before reaching the store.
func OwnerMiddleware(header string) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := strings.TrimSpace(c.GetHeader(header))
		if owner == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "unauthorized",
				"error": "missing " + header + " header",
			})
			return
		}
		c.Set(ContextKeyOwnerID, owner)
		c.Next()
	}
}

// GetOwnerID returns the principal set by OwnerMiddleware.
func GetOwnerID(c *gin.Context) string {
	return c.GetString(ContextKeyOwnerID)
}
