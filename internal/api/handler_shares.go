package api

import (
	"github.com/gin-gonic/gin"

	"devicehub-backend/internal/engine"
)

type shareRequest struct {
	DeviceID int64  `json:"device_id" binding:"required,gt=0"`
	Message  string `json:"message"`
}

type decisionRequest struct {
	Approve *bool  `json:"approve" binding:"required"`
	Reason  string `json:"reason"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// RequestShare handles POST /api/devices/share-requests.
func (h *Handler) RequestShare(c *gin.Context) {
	var req shareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ParamError(c, err.Error())
		return
	}
	sr, err := h.engine.RequestShare(c.Request.Context(), caller(c), req.DeviceID, req.Message)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, sr)
}

// PendingShares handles GET /api/devices/share-requests/pending.
func (h *Handler) PendingShares(c *gin.Context) {
	views, err := h.engine.PendingShares(c.Request.Context(), caller(c))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, nonNil(views))
}

// MyShareRequests handles GET /api/devices/share-requests/mine.
func (h *Handler) MyShareRequests(c *gin.Context) {
	views, err := h.engine.MyShareRequests(c.Request.Context(), caller(c))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, nonNil(views))
}

func nonNil(views []engine.ShareView) []engine.ShareView {
	if views == nil {
		return []engine.ShareView{}
	}
	return views
}

// DecideShare handles POST /api/devices/share-requests/:id/decision.
func (h *Handler) DecideShare(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ParamError(c, err.Error())
		return
	}
	sr, err := h.engine.DecideShare(c.Request.Context(), caller(c), id, *req.Approve, req.Reason)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, sr)
}

// CancelShare handles POST /api/devices/share-requests/:id/cancel.
func (h *Handler) CancelShare(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	sr, err := h.engine.CancelShare(c.Request.Context(), caller(c), id)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, sr)
}

// RevokeShare handles POST /api/devices/share-requests/:id/revoke.
func (h *Handler) RevokeShare(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			ParamError(c, err.Error())
			return
		}
	}
	sr, err := h.engine.RevokeShare(c.Request.Context(), caller(c), id, req.Reason)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, sr)
}
