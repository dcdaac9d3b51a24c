package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"devicehub-backend/internal/engine"
	"devicehub-backend/internal/model"
)

type useRequest struct {
	DeviceID int64  `json:"device_id" binding:"required,gt=0"`
	Purpose  string `json:"purpose"`
}

type longTermUseRequest struct {
	DeviceID int64     `json:"device_id" binding:"required,gt=0"`
	EndDate  time.Time `json:"end_date" binding:"required"`
	Purpose  string    `json:"purpose"`
}

type deviceRef struct {
	DeviceID int64 `json:"device_id" binding:"required,gt=0"`
}

type batchRequest struct {
	DeviceIDs []int64 `json:"device_ids"`
}

// UseDevice handles POST /api/devices/use.
func (h *Handler) UseDevice(c *gin.Context) {
	var req useRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ParamError(c, err.Error())
		return
	}
	r, err := h.engine.Use(c.Request.Context(), caller(c), req.DeviceID, req.Purpose)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, r)
}

// LongTermUseDevice handles POST /api/devices/long-term-use.
func (h *Handler) LongTermUseDevice(c *gin.Context) {
	var req longTermUseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ParamError(c, err.Error())
		return
	}
	r, err := h.engine.LongTermUse(c.Request.Context(), caller(c), req.DeviceID, req.EndDate, req.Purpose)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, r)
}

// ReleaseDevice handles POST /api/devices/release.
func (h *Handler) ReleaseDevice(c *gin.Context) {
	var req deviceRef
	if err := c.ShouldBindJSON(&req); err != nil {
		ParamError(c, err.Error())
		return
	}
	res, err := h.engine.Release(c.Request.Context(), caller(c), req.DeviceID)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, res)
}

// PreemptDevice handles POST /api/devices/preempt.
func (h *Handler) PreemptDevice(c *gin.Context) {
	var req useRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ParamError(c, err.Error())
		return
	}
	res, err := h.engine.Preempt(c.Request.Context(), caller(c), req.DeviceID, req.Purpose)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{
		"device_id":   req.DeviceID,
		"displaced":   res.Displaced,
		"reservation": res.Reservation,
	})
}

type enqueueResponse struct {
	*engine.EnqueueResult
	Status      string             `json:"status"`
	Reservation *model.Reservation `json:"reservation,omitempty"`
}

func (h *Handler) enqueue(c *gin.Context, tier model.Tier) {
	var req useRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ParamError(c, err.Error())
		return
	}
	res, err := h.engine.Enqueue(c.Request.Context(), caller(c), req.DeviceID, tier, req.Purpose)
	if err != nil {
		Error(c, err)
		return
	}
	out := enqueueResponse{EnqueueResult: res, Status: "queued"}
	if res.Granted {
		out.Status = "occupied"
		out.Reservation = res.Reservation
	}
	Success(c, out)
}

// PriorityQueue handles POST /api/devices/priority-queue.
func (h *Handler) PriorityQueue(c *gin.Context) {
	h.enqueue(c, model.TierPriority)
}

// UnifiedQueue handles POST /api/devices/unified-queue.
func (h *Handler) UnifiedQueue(c *gin.Context) {
	h.enqueue(c, model.TierNormal)
}

// CancelQueue handles POST /api/devices/cancel-queue.
func (h *Handler) CancelQueue(c *gin.Context) {
	var req deviceRef
	if err := c.ShouldBindJSON(&req); err != nil {
		ParamError(c, err.Error())
		return
	}
	if err := h.engine.CancelQueue(c.Request.Context(), caller(c), req.DeviceID); err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"device_id": req.DeviceID})
}

type batchResponse struct {
	Results      []engine.Outcome `json:"results"`
	Total        int              `json:"total"`
	SuccessCount int              `json:"success_count"`
	FailureCount int              `json:"failure_count"`
}

func summarize(outcomes []engine.Outcome) batchResponse {
	res := batchResponse{Results: outcomes, Total: len(outcomes)}
	if res.Results == nil {
		res.Results = []engine.Outcome{}
	}
	for _, o := range outcomes {
		if o.Success {
			res.SuccessCount++
		} else {
			res.FailureCount++
		}
	}
	return res
}

// bindBatch accepts an empty body, meaning every device of the caller.
func bindBatch(c *gin.Context) ([]int64, bool) {
	var req batchRequest
	if c.Request.ContentLength == 0 {
		return nil, true
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		ParamError(c, err.Error())
		return nil, false
	}
	for _, id := range req.DeviceIDs {
		if id <= 0 {
			ParamError(c, "device_ids must be positive")
			return nil, false
		}
	}
	return req.DeviceIDs, true
}

// BatchReleaseMyDevices handles POST /api/devices/batch-release-my-devices.
func (h *Handler) BatchReleaseMyDevices(c *gin.Context) {
	ids, ok := bindBatch(c)
	if !ok {
		return
	}
	outcomes, err := h.engine.BatchRelease(c.Request.Context(), caller(c), ids)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, summarize(outcomes))
}

// BatchCancelMyQueues handles POST /api/devices/batch-cancel-my-queues.
func (h *Handler) BatchCancelMyQueues(c *gin.Context) {
	ids, ok := bindBatch(c)
	if !ok {
		return
	}
	outcomes, err := h.engine.BatchCancelQueues(c.Request.Context(), caller(c), ids)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, summarize(outcomes))
}

// ForceCleanup handles POST /api/devices/force-cleanup.
func (h *Handler) ForceCleanup(c *gin.Context) {
	outcomes, err := h.engine.ForceCleanup(c.Request.Context(), caller(c))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, summarize(outcomes))
}

// MyUsageSummary handles GET /api/devices/my-usage-summary.
func (h *Handler) MyUsageSummary(c *gin.Context) {
	summary, err := h.engine.MySummary(c.Request.Context(), caller(c))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, summary)
}
