package api

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"devicehub-backend/internal/connectivity"
	"devicehub-backend/internal/parse"
)

// ConnectivityStatus handles GET /api/devices/connectivity-status?device_ids=1,2,3.
// Devices without a record are probed before answering.
func (h *Handler) ConnectivityStatus(c *gin.Context) {
	ids, err := parse.ParseIDList(c.Query("device_ids"))
	if err != nil {
		ParamError(c, err.Error())
		return
	}
	if len(ids) == 0 {
		ParamError(c, "device_ids is required")
		return
	}
	records, err := h.connectivity.Get(c.Request.Context(), ids)
	if err != nil {
		Error(c, err)
		return
	}
	out := make(map[string]connectivity.Record, len(records))
	for id, rec := range records {
		out[strconv.FormatInt(id, 10)] = rec
	}
	Success(c, out)
}

// DeviceConnectivity handles GET /api/devices/:id/connectivity. With
// refresh=true the device is probed even when a fresh record exists.
func (h *Handler) DeviceConnectivity(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if refresh, _ := strconv.ParseBool(c.Query("refresh")); refresh {
		rec, err := h.connectivity.Refresh(ctx, id)
		if err != nil {
			Error(c, err)
			return
		}
		Success(c, rec)
		return
	}

	records, err := h.connectivity.Get(ctx, []int64{id})
	if err != nil {
		Error(c, err)
		return
	}
	rec, found := records[id]
	if !found {
		Error(c, connectivity.ErrUnknownDevice)
		return
	}
	Success(c, rec)
}

// ConnectivityCacheInfo handles GET /api/devices/connectivity-cache-info.
func (h *Handler) ConnectivityCacheInfo(c *gin.Context) {
	Success(c, h.connectivity.CacheInfo())
}
