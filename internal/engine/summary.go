package engine

import (
	"context"
	"log"
	"time"

	"devicehub-backend/internal/model"
	"devicehub-backend/internal/store"
)

// DeviceStatus is a device annotated with its live occupancy.
type DeviceStatus struct {
	Device          model.Device `json:"device"`
	Status          string       `json:"status"`
	Holder          string       `json:"current_user,omitempty"`
	StartTime       *time.Time   `json:"start_time,omitempty"`
	IsLongTerm      bool         `json:"is_long_term"`
	EndDate         *time.Time   `json:"end_date,omitempty"`
	Purpose         string       `json:"purpose,omitempty"`
	OccupiedSeconds int64        `json:"occupied_duration_seconds"`
	OccupiedMinutes int64        `json:"occupied_duration_minutes"`
	QueueCount      int          `json:"queue_count"`
	OverLimit       bool         `json:"over_limit"`
}

func statusOf(device model.Device, r *model.Reservation, queueLen int, now time.Time) DeviceStatus {
	ds := DeviceStatus{Device: device, Status: store.StatusAvailable, QueueCount: queueLen}
	if r == nil || r.Expired(now) {
		return ds
	}
	start := r.StartTime
	elapsed := now.Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	ds.Status = store.StatusOccupied
	if r.IsLongTerm {
		ds.Status = store.StatusLongTermOccupied
	}
	ds.Holder = r.User
	ds.StartTime = &start
	ds.IsLongTerm = r.IsLongTerm
	ds.EndDate = r.EndDate
	ds.Purpose = r.Purpose
	ds.OccupiedSeconds = int64(elapsed / time.Second)
	ds.OccupiedMinutes = int64(elapsed / time.Minute)
	if device.MaxOccupyMinutes != nil && *device.MaxOccupyMinutes > 0 {
		ds.OverLimit = ds.OccupiedMinutes >= int64(*device.MaxOccupyMinutes)
	}
	return ds
}

// List returns one page of devices with their live occupancy. Due long-term
// reservations are expired first so the page reflects them.
func (e *Engine) List(ctx context.Context, filter store.DeviceFilter) ([]DeviceStatus, int64, error) {
	if err := e.ExpireDue(ctx); err != nil {
		log.Printf("Error expiring reservations before listing: %v", err)
	}

	devices, total, err := e.store.ListDevices(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	ids := make([]int64, len(devices))
	for i, d := range devices {
		ids[i] = d.ID
	}
	reservations, err := e.store.Reservations(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	queues, err := e.store.QueueEntries(ctx, ids)
	if err != nil {
		return nil, 0, err
	}

	now := e.now()
	items := make([]DeviceStatus, 0, len(devices))
	for _, d := range devices {
		var r *model.Reservation
		if res, ok := reservations[d.ID]; ok {
			r = &res
		}
		items = append(items, statusOf(d, r, len(queues[d.ID]), now))
	}
	return items, total, nil
}

// QueuePosition is one waiter in promotion order.
type QueuePosition struct {
	User           string     `json:"user"`
	Tier           model.Tier `json:"tier"`
	Position       int        `json:"position"`
	EnqueuedAt     time.Time  `json:"enqueued_at"`
	WaitingSeconds int64      `json:"waiting_seconds"`
	Purpose        string     `json:"purpose,omitempty"`
}

// DeviceUsage is the full occupancy picture of one device.
type DeviceUsage struct {
	DeviceStatus
	Queue         []QueuePosition      `json:"queue"`
	PendingShares []model.ShareRequest `json:"pending_share_requests"`
	CoUsers       []model.ShareRequest `json:"co_users"`
}

// Usage returns the holder, ordered queue and share state of a device.
func (e *Engine) Usage(ctx context.Context, deviceID int64) (*DeviceUsage, error) {
	var usage *DeviceUsage
	err := e.onDevice(ctx, deviceID, func(st *step) error {
		r, err := st.tx.Reservation(st.device.ID)
		if err != nil {
			return err
		}
		entries, err := st.tx.Queue(st.device.ID)
		if err != nil {
			return err
		}
		shares, err := st.tx.ShareRequestsOf(st.device.ID, model.ShareStatusPending, model.ShareStatusApproved)
		if err != nil {
			return err
		}

		usage = &DeviceUsage{
			DeviceStatus:  statusOf(*st.device, r, len(entries), st.now),
			Queue:         []QueuePosition{},
			PendingShares: []model.ShareRequest{},
			CoUsers:       []model.ShareRequest{},
		}
		for i, q := range orderQueue(entries) {
			usage.Queue = append(usage.Queue, QueuePosition{
				User:           q.User,
				Tier:           q.Tier,
				Position:       i + 1,
				EnqueuedAt:     q.EnqueuedAt,
				WaitingSeconds: int64(st.now.Sub(q.EnqueuedAt) / time.Second),
				Purpose:        q.Purpose,
			})
		}
		for _, s := range shares {
			switch {
			case s.Status == model.ShareStatusPending:
				usage.PendingShares = append(usage.PendingShares, s)
			case r != nil && sharesReservation(s, *r):
				usage.CoUsers = append(usage.CoUsers, s)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return usage, nil
}

// Summary is what a user currently holds and co-uses.
type Summary struct {
	OccupiedDevices []UsageItem `json:"occupied_devices"`
	SharedDevices   []UsageItem `json:"shared_devices"`
}

// UsageItem summarizes one device from the caller's point of view.
type UsageItem struct {
	DeviceID        int64         `json:"device_id"`
	DeviceName      string        `json:"device_name"`
	IP              string        `json:"ip"`
	DeviceType      string        `json:"device_type"`
	Groups          []model.Group `json:"groups"`
	Holder          string        `json:"current_user"`
	StartTime       time.Time     `json:"start_time"`
	IsLongTerm      bool          `json:"is_long_term"`
	EndDate         *time.Time    `json:"end_date,omitempty"`
	Purpose         string        `json:"purpose,omitempty"`
	OccupiedSeconds int64         `json:"occupied_duration_seconds"`
	ShareRequestID  int64         `json:"share_request_id,omitempty"`
}

// MySummary projects the devices the caller holds and the devices where an
// approval of theirs is bound to the live reservation. It never mutates.
func (e *Engine) MySummary(ctx context.Context, caller Caller) (*Summary, error) {
	now := e.now()
	held, err := e.store.ReservationsHeldBy(ctx, caller.User)
	if err != nil {
		return nil, err
	}
	approved, err := e.store.ShareRequests(ctx, store.ShareQuery{
		Requester: caller.User,
		Statuses:  []model.ShareStatus{model.ShareStatusApproved},
	})
	if err != nil {
		return nil, err
	}

	sharedIDs := make([]int64, 0, len(approved))
	for _, s := range approved {
		sharedIDs = append(sharedIDs, s.DeviceID)
	}
	sharedRes, err := e.store.Reservations(ctx, sharedIDs)
	if err != nil {
		return nil, err
	}

	ids := append([]int64{}, sharedIDs...)
	for _, r := range held {
		ids = append(ids, r.DeviceID)
	}
	devices, err := e.store.DevicesByID(ctx, ids)
	if err != nil {
		return nil, err
	}

	summary := &Summary{OccupiedDevices: []UsageItem{}, SharedDevices: []UsageItem{}}
	for _, r := range held {
		if r.Expired(now) {
			continue
		}
		summary.OccupiedDevices = append(summary.OccupiedDevices, usageItem(devices[r.DeviceID], r, now))
	}
	for _, s := range approved {
		r, ok := sharedRes[s.DeviceID]
		if !ok || r.Expired(now) || !sharesReservation(s, r) {
			continue
		}
		item := usageItem(devices[s.DeviceID], r, now)
		item.ShareRequestID = s.ID
		summary.SharedDevices = append(summary.SharedDevices, item)
	}
	return summary, nil
}

func usageItem(d model.Device, r model.Reservation, now time.Time) UsageItem {
	elapsed := now.Sub(r.StartTime)
	if elapsed < 0 {
		elapsed = 0
	}
	groups := d.Groups
	if groups == nil {
		groups = []model.Group{}
	}
	return UsageItem{
		DeviceID:        r.DeviceID,
		DeviceName:      d.Name,
		IP:              d.IP,
		DeviceType:      string(d.DeviceType),
		Groups:          groups,
		Holder:          r.User,
		StartTime:       r.StartTime,
		IsLongTerm:      r.IsLongTerm,
		EndDate:         r.EndDate,
		Purpose:         r.Purpose,
		OccupiedSeconds: int64(elapsed / time.Second),
	}
}
