package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/statlerhq/backplane/internal/cache"
	"github.com/statlerhq/backplane/pkg/response"
)

// Health reports readiness, including credential-store connectivity: the
// session core cannot serve without it.
func Health(store cache.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if store != nil {
			if err := store.Ping(requestContext(c)); err != nil {
				c.JSON(http.StatusServiceUnavailable, response.Envelope{
					Success: false,
					Error: &response.ErrorInfo{
						Code:    "STORE_UNAVAILABLE",
						Message: "credential store unreachable",
					},
				})
				return
			}
		}

		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	}
}
