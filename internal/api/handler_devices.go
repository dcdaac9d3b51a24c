package api

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"devicehub-backend/internal/connectivity"
	"devicehub-backend/internal/engine"
	"devicehub-backend/internal/model"
	"devicehub-backend/internal/parse"
	"devicehub-backend/internal/store"
)

// deviceItem is one row of the device listing.
type deviceItem struct {
	engine.DeviceStatus
	Connectivity *connectivity.Record `json:"connectivity,omitempty"`
}

// ListDevices handles GET /api/devices.
func (h *Handler) ListDevices(c *gin.Context) {
	page, pageSize := pagination(c)
	filter := store.DeviceFilter{
		Keyword:    strings.TrimSpace(c.Query("keyword")),
		DeviceType: c.Query("device_type"),
		Status:     c.Query("status"),
		Owner:      c.Query("owner"),
		Page:       page,
		PageSize:   pageSize,
	}
	switch filter.Status {
	case "", store.StatusAvailable, store.StatusOccupied, store.StatusLongTermOccupied:
	default:
		ParamError(c, "invalid status filter")
		return
	}
	if raw := c.Query("group_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			ParamError(c, "invalid group_id")
			return
		}
		filter.GroupID = id
	}

	statuses, total, err := h.engine.List(c.Request.Context(), filter)
	if err != nil {
		Error(c, err)
		return
	}

	ids := make([]int64, len(statuses))
	for i, s := range statuses {
		ids[i] = s.Device.ID
	}
	records := h.connectivity.Peek(ids)

	admin := caller(c).Admin
	items := make([]deviceItem, 0, len(statuses))
	for _, s := range statuses {
		if !admin {
			s.Device = s.Device.WithoutCredentials()
		}
		item := deviceItem{DeviceStatus: s}
		if rec, ok := records[s.Device.ID]; ok {
			item.Connectivity = &rec
		}
		items = append(items, item)
	}
	Success(c, Page{Items: items, Total: total, Page: page, PageSize: pageSize})
}

// GetDevice handles GET /api/devices/:id.
func (h *Handler) GetDevice(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	device, err := h.store.GetDevice(c.Request.Context(), id)
	if err != nil {
		Error(c, err)
		return
	}
	if !caller(c).Admin {
		*device = device.WithoutCredentials()
	}
	Success(c, device)
}

type deviceRequest struct {
	Name             *string           `json:"name"`
	IP               *string           `json:"ip"`
	DeviceType       *model.DeviceType `json:"device_type"`
	Owner            *string           `json:"owner"`
	SupportQueue     *bool             `json:"support_queue"`
	MaxOccupyMinutes *int              `json:"max_occupy_minutes"`
	ClearMaxOccupy   bool              `json:"clear_max_occupy"`
	NeedVPNLogin     *bool             `json:"need_vpn_login"`
	VPNConfigID      *int64            `json:"vpn_config_id"`
	AdminUsername    *string           `json:"admin_username"`
	AdminPassword    *string           `json:"admin_password"`
	Remarks          *string           `json:"remarks"`
	GroupIDs         []int64           `json:"group_ids"`
}

func (r deviceRequest) validate(creating bool) string {
	if creating && (r.Name == nil || strings.TrimSpace(*r.Name) == "") {
		return "name is required"
	}
	if creating && (r.IP == nil || strings.TrimSpace(*r.IP) == "") {
		return "ip is required"
	}
	if r.Name != nil && strings.TrimSpace(*r.Name) == "" {
		return "name must not be empty"
	}
	if r.IP != nil && strings.TrimSpace(*r.IP) == "" {
		return "ip must not be empty"
	}
	if r.IP != nil && !parse.ValidHost(strings.TrimSpace(*r.IP)) {
		return "ip must be an IP address or host name"
	}
	if r.DeviceType != nil && !r.DeviceType.Valid() {
		return "invalid device_type"
	}
	if r.MaxOccupyMinutes != nil && *r.MaxOccupyMinutes <= 0 {
		return "max_occupy_minutes must be positive"
	}
	return ""
}

func (r deviceRequest) input() store.DeviceInput {
	return store.DeviceInput{
		Name:             r.Name,
		IP:               r.IP,
		DeviceType:       r.DeviceType,
		Owner:            r.Owner,
		SupportQueue:     r.SupportQueue,
		MaxOccupyMinutes: r.MaxOccupyMinutes,
		ClearMaxOccupy:   r.ClearMaxOccupy,
		NeedVPNLogin:     r.NeedVPNLogin,
		VPNConfigID:      r.VPNConfigID,
		AdminUsername:    r.AdminUsername,
		AdminPassword:    r.AdminPassword,
		Remarks:          r.Remarks,
		GroupIDs:         r.GroupIDs,
	}
}

// CreateDevice handles POST /api/devices.
func (h *Handler) CreateDevice(c *gin.Context) {
	cl := caller(c)
	if !cl.Admin {
		Error(c, engine.ErrForbidden)
		return
	}
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ParamError(c, err.Error())
		return
	}
	if msg := req.validate(true); msg != "" {
		ParamError(c, msg)
		return
	}
	in := req.input()
	in.Creator = &cl.User
	if in.Owner == nil {
		in.Owner = &cl.User
	}
	device, err := h.store.CreateDevice(c.Request.Context(), in)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, device)
}

// UpdateDevice handles PUT /api/devices/:id.
func (h *Handler) UpdateDevice(c *gin.Context) {
	if !caller(c).Admin {
		Error(c, engine.ErrForbidden)
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ParamError(c, err.Error())
		return
	}
	if msg := req.validate(false); msg != "" {
		ParamError(c, msg)
		return
	}
	device, err := h.store.UpdateDevice(c.Request.Context(), id, req.input())
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, device)
}

// DeleteDevice handles DELETE /api/devices/:id.
func (h *Handler) DeleteDevice(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.engine.DeleteDevice(c.Request.Context(), caller(c), id); err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"device_id": id})
}

// DeviceUsage handles GET /api/devices/:id/usage.
func (h *Handler) DeviceUsage(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	usage, err := h.engine.Usage(c.Request.Context(), id)
	if err != nil {
		Error(c, err)
		return
	}
	if !caller(c).Admin {
		usage.Device = usage.Device.WithoutCredentials()
	}
	Success(c, usage)
}

// DeviceHistory handles GET /api/devices/:id/history.
func (h *Handler) DeviceHistory(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.store.GetDevice(ctx, id); err != nil {
		Error(c, err)
		return
	}
	page, pageSize := pagination(c)
	rows, total, err := h.store.UsageHistory(ctx, id, page, pageSize)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, Page{Items: rows, Total: total, Page: page, PageSize: pageSize})
}

// ListGroups handles GET /api/groups.
func (h *Handler) ListGroups(c *gin.Context) {
	groups, err := h.store.ListGroups(c.Request.Context())
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, groups)
}

type groupRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	SortOrder   int    `json:"sort_order"`
}

// CreateGroup handles POST /api/groups.
func (h *Handler) CreateGroup(c *gin.Context) {
	if !caller(c).Admin {
		Error(c, engine.ErrForbidden)
		return
	}
	var req groupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ParamError(c, err.Error())
		return
	}
	group := model.Group{Name: strings.TrimSpace(req.Name), Description: req.Description, SortOrder: req.SortOrder}
	if group.Name == "" {
		ParamError(c, "name is required")
		return
	}
	if err := h.store.CreateGroup(c.Request.Context(), &group); err != nil {
		Error(c, err)
		return
	}
	Success(c, group)
}
