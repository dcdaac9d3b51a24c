package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"devicehub-backend/internal/connectivity"
	"devicehub-backend/internal/engine"
	"devicehub-backend/internal/store"
)

// Response is the envelope every endpoint answers with. Code mirrors the HTTP
// status; 200 means success.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// Page is the data of a paginated listing.
type Page struct {
	Items    any   `json:"items"`
	Total    int64 `json:"total"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
}

// Success writes data with code 200.
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Code: http.StatusOK, Message: "success", Data: data})
}

// Fail writes a failure envelope with the given HTTP status.
func Fail(c *gin.Context, status int, message string, data any) {
	c.AbortWithStatusJSON(status, Response{Code: status, Message: message, Data: data})
}

// ParamError rejects a malformed request.
func ParamError(c *gin.Context, message string) {
	Fail(c, http.StatusBadRequest, message, gin.H{"reason": "invalid_request"})
}

type reasonData struct {
	Reason string `json:"reason"`
}

// Error maps err onto the envelope. Engine errors keep their reason so
// clients can tell a stale view from a policy refusal.
func Error(c *gin.Context, err error) {
	var status int
	switch engine.KindOf(err) {
	case engine.KindStateConflict:
		status = http.StatusConflict
	case engine.KindCapability:
		status = http.StatusForbidden
	case engine.KindNotFound:
		status = http.StatusNotFound
	case engine.KindValidation:
		status = http.StatusBadRequest
	default:
		switch {
		case errors.Is(err, store.ErrNotFound), errors.Is(err, connectivity.ErrUnknownDevice):
			Fail(c, http.StatusNotFound, "not found", reasonData{Reason: "not_found"})
		case errors.Is(err, store.ErrDuplicateIP):
			Fail(c, http.StatusConflict, err.Error(), reasonData{Reason: "duplicate_ip"})
		default:
			log.Printf("Error handling %s %s: %v", c.Request.Method, c.FullPath(), err)
			Fail(c, http.StatusInternalServerError, "internal server error", reasonData{Reason: "internal"})
		}
		return
	}
	Fail(c, status, err.Error(), reasonData{Reason: engine.ReasonOf(err)})
}
