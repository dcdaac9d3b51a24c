package api

import (
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"devicehub-backend/config"
	"devicehub-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router. GET /devices and
// GET /groups are served through responses.
func NewRouter(handler *Handler, authn mw.Authenticator, cfg config.ServerConfig, responses *mw.ResponseCache) *gin.Engine {
	r := gin.Default()
	r.Use(mw.RequestID())

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)

	caching := responses.Serve()

	api := r.Group("/api")
	api.GET("/push/vapid-public-key", rateLimiter, handler.GetVAPIDPublicKey)

	authed := api.Group("")
	authed.Use(mw.Auth(authn), rateLimiter, responses.InvalidateOnWrite())
	{
		authed.GET("/groups", caching, handler.ListGroups)
		authed.POST("/groups", handler.CreateGroup)

		authed.GET("/push/subscriptions", handler.GetSubscription)
		authed.PUT("/push/subscriptions", handler.PutSubscription)
		authed.DELETE("/push/subscriptions", handler.DeleteSubscription)
	}

	devices := authed.Group("/devices")
	{
		devices.GET("", caching, handler.ListDevices)
		devices.POST("", handler.CreateDevice)
		devices.GET("/:id", handler.GetDevice)
		devices.PUT("/:id", handler.UpdateDevice)
		devices.DELETE("/:id", handler.DeleteDevice)
		devices.GET("/:id/usage", handler.DeviceUsage)
		devices.GET("/:id/history", handler.DeviceHistory)
		devices.GET("/:id/connectivity", handler.DeviceConnectivity)

		devices.POST("/use", handler.UseDevice)
		devices.POST("/long-term-use", handler.LongTermUseDevice)
		devices.POST("/release", handler.ReleaseDevice)
		devices.POST("/preempt", handler.PreemptDevice)
		devices.POST("/priority-queue", handler.PriorityQueue)
		devices.POST("/unified-queue", handler.UnifiedQueue)
		devices.POST("/cancel-queue", handler.CancelQueue)
		devices.POST("/batch-release-my-devices", handler.BatchReleaseMyDevices)
		devices.POST("/batch-cancel-my-queues", handler.BatchCancelMyQueues)
		devices.POST("/force-cleanup", handler.ForceCleanup)
		devices.GET("/my-usage-summary", handler.MyUsageSummary)

		devices.GET("/connectivity-status", handler.ConnectivityStatus)
		devices.GET("/connectivity-cache-info", handler.ConnectivityCacheInfo)

		devices.POST("/share-requests", handler.RequestShare)
		devices.GET("/share-requests/pending", handler.PendingShares)
		devices.GET("/share-requests/mine", handler.MyShareRequests)
		devices.POST("/share-requests/:id/decision", handler.DecideShare)
		devices.POST("/share-requests/:id/cancel", handler.CancelShare)
		devices.POST("/share-requests/:id/revoke", handler.RevokeShare)
	}

	return r
}
