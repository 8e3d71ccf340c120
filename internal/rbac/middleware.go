package rbac

import (
	"net/http"

	"faxbridge/internal/auth"
	"faxbridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RequireAnyRole admits callers holding one of allowed. super_admin always passes; roles this
// service never issues are refused even if listed. Mount after auth.RequireAccessToken.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	permitted := make(map[string]bool, len(allowed))
	for _, r := range allowed {
		permitted[r] = IsKnownRole(r)
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		role, err := auth.Role(ctx)
		if err != nil || role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if IsSuperAdmin(role) || permitted[role] {
			c.Next()
			return
		}
		logger.From(ctx).Warn("ops request denied", "role", role, "path", c.FullPath())
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}
