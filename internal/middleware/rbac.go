package middleware

import (
	"github.com/gin-gonic/gin"

	iauth "github.com/statlerhq/backplane/internal/auth"
	apperrors "github.com/statlerhq/backplane/pkg/errors"
	"github.com/statlerhq/backplane/pkg/metrics"
	"github.com/statlerhq/backplane/pkg/response"
)

// RequireRole gates the request on the fixed role hierarchy. It must run
// after RequireAuth or RequireSession.
func RequireRole(role string, opts ...iauth.AuthorizeOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := PrincipalFromContext(c)
		if !ok {
			metrics.RoleChecks.WithLabelValues(role, "unauthenticated").Inc()
			response.Error(c, apperrors.ErrAuthRequired)
			c.Abort()
			return
		}

		if !iauth.Authorize(principal.Roles, []string{role}, opts...) {
			metrics.RoleChecks.WithLabelValues(role, "denied").Inc()
			response.Error(c, apperrors.ErrForbidden)
			c.Abort()
			return
		}

		metrics.RoleChecks.WithLabelValues(role, "allowed").Inc()
		c.Next()
	}
}
