package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetVAPIDPublicKey returns the VAPID public key to the client.
func (h *Handler) GetVAPIDPublicKey(c *gin.Context) {
	if h.webpush == nil || h.webpush.VAPIDPublicKey == "" {
		Fail(c, http.StatusServiceUnavailable, "vapid keys are not configured", nil)
		return
	}

	Success(c, gin.H{"public_key": h.webpush.VAPIDPublicKey})
}
