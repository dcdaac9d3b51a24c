package api

import (
	"errors"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"devicehub-backend/internal/model"
	"devicehub-backend/internal/store"
)

type putSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	P256DH   string `json:"p256dh" binding:"required"`
	Auth     string `json:"auth" binding:"required"`
}

// PutSubscription registers or refreshes a browser subscription of the caller.
func (h *Handler) PutSubscription(c *gin.Context) {
	var req putSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ParamError(c, err.Error())
		return
	}

	subscription := model.PushSubscription{
		Endpoint: req.Endpoint,
		User:     caller(c).User,
		P256DH:   req.P256DH,
		Auth:     req.Auth,
	}

	// An endpoint belongs to one browser; re-registering it moves it to the caller.
	err := h.store.DB().WithContext(c.Request.Context()).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"subscriber", "p256dh", "auth"}),
	}).Create(&subscription).Error
	if err != nil {
		Error(c, err)
		return
	}

	Success(c, gin.H{"endpoint": subscription.Endpoint})
}

type deleteSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// DeleteSubscription removes one of the caller's subscriptions.
func (h *Handler) DeleteSubscription(c *gin.Context) {
	var req deleteSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ParamError(c, err.Error())
		return
	}

	res := h.store.DB().WithContext(c.Request.Context()).
		Where("endpoint = ? AND subscriber = ?", req.Endpoint, caller(c).User).
		Delete(&model.PushSubscription{})
	if res.Error != nil {
		Error(c, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		Error(c, store.ErrNotFound)
		return
	}

	Success(c, gin.H{"endpoint": req.Endpoint})
}

// GetSubscription reports whether endpoint is registered for the caller.
func (h *Handler) GetSubscription(c *gin.Context) {
	endpoint := c.Query("endpoint")
	if endpoint == "" {
		ParamError(c, "endpoint is required")
		return
	}

	var subscription model.PushSubscription
	err := h.store.DB().WithContext(c.Request.Context()).
		Where("endpoint = ? AND subscriber = ?", endpoint, caller(c).User).
		First(&subscription).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = store.ErrNotFound
		}
		Error(c, err)
		return
	}

	Success(c, gin.H{"endpoint": subscription.Endpoint, "created_at": subscription.CreatedAt})
}
