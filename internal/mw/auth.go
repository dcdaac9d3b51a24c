package mw

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"devicehub-backend/internal/engine"
)

const callerKey = "caller"

// Authenticator resolves a bearer token to a caller.
type Authenticator interface {
	Authenticate(token string) (engine.Caller, error)
}

func bearerToken(header string) string {
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// Auth rejects requests without a valid bearer token and stores the caller
// on the context for handlers.
func Auth(a Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    http.StatusUnauthorized,
				"message": "Authorization header is required",
				"data":    nil,
			})
			return
		}
		caller, err := a.Authenticate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    http.StatusUnauthorized,
				"message": err.Error(),
				"data":    nil,
			})
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

// CallerFrom returns the caller stored by Auth.
func CallerFrom(c *gin.Context) (engine.Caller, bool) {
	v, ok := c.Get(callerKey)
	if !ok {
		return engine.Caller{}, false
	}
	caller, ok := v.(engine.Caller)
	return caller, ok
}
