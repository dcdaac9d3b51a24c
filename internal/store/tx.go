package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"devicehub-backend/internal/model"
)

// Tx is the transactional view of a single device's state: its reservation,
// queue and share requests.
type Tx struct {
	db *gorm.DB
}

// NewTx wraps an open transaction.
func NewTx(db *gorm.DB) *Tx {
	return &Tx{db: db}
}

// Device loads the device, returning ErrNotFound when it does not exist.
func (t *Tx) Device(id int64) (*model.Device, error) {
	var device model.Device
	if err := t.db.First(&device, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch device %d: %w", id, err)
	}
	return &device, nil
}

// DeleteDevice removes the device together with every record that references it.
func (t *Tx) DeleteDevice(device *model.Device) error {
	steps := []struct {
		what  string
		value any
	}{
		{"reservation", &model.Reservation{}},
		{"queue entries", &model.QueueEntry{}},
		{"share requests", &model.ShareRequest{}},
		{"usage history", &model.UsageHistory{}},
	}
	for _, step := range steps {
		if err := t.db.Where("device_id = ?", device.ID).Delete(step.value).Error; err != nil {
			return fmt.Errorf("failed to delete %s of device %d: %w", step.what, device.ID, err)
		}
	}
	if err := t.db.Model(device).Association("Groups").Clear(); err != nil {
		return fmt.Errorf("failed to detach groups of device %d: %w", device.ID, err)
	}
	if err := t.db.Delete(device).Error; err != nil {
		return fmt.Errorf("failed to delete device %d: %w", device.ID, err)
	}
	return nil
}

// Reservation returns the live reservation of a device, or nil when it is free.
func (t *Tx) Reservation(deviceID int64) (*model.Reservation, error) {
	var r model.Reservation
	err := t.db.Where("device_id = ?", deviceID).Limit(1).Find(&r).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch reservation of device %d: %w", deviceID, err)
	}
	if r.ID == "" {
		return nil, nil
	}
	return &r, nil
}

// CreateReservation inserts a new live reservation.
func (t *Tx) CreateReservation(r *model.Reservation) error {
	if err := t.db.Create(r).Error; err != nil {
		return fmt.Errorf("failed to create reservation for device %d: %w", r.DeviceID, err)
	}
	return nil
}

// EndReservation archives the reservation into usage history and deletes it.
func (t *Tx) EndReservation(r *model.Reservation, endedAt time.Time, reason model.EndReason) error {
	history := model.UsageHistory{
		DeviceID:        r.DeviceID,
		User:            r.User,
		StartTime:       r.StartTime,
		EndTime:         endedAt,
		DurationMinutes: int(endedAt.Sub(r.StartTime).Minutes()),
		IsLongTerm:      r.IsLongTerm,
		Purpose:         r.Purpose,
		EndReason:       reason,
	}
	if history.DurationMinutes < 0 {
		history.DurationMinutes = 0
	}
	if err := t.db.Create(&history).Error; err != nil {
		return fmt.Errorf("failed to archive reservation of device %d: %w", r.DeviceID, err)
	}
	if err := t.db.Where("id = ?", r.ID).Delete(&model.Reservation{}).Error; err != nil {
		return fmt.Errorf("failed to delete reservation of device %d: %w", r.DeviceID, err)
	}
	return nil
}

// Queue returns every entry waiting on the device, in insertion order.
func (t *Tx) Queue(deviceID int64) ([]model.QueueEntry, error) {
	var entries []model.QueueEntry
	if err := t.db.Where("device_id = ?", deviceID).Order("id ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch queue of device %d: %w", deviceID, err)
	}
	return entries, nil
}

// AddQueueEntry inserts a waiter.
func (t *Tx) AddQueueEntry(e *model.QueueEntry) error {
	if err := t.db.Create(e).Error; err != nil {
		return fmt.Errorf("failed to enqueue %s on device %d: %w", e.User, e.DeviceID, err)
	}
	return nil
}

// RemoveQueueEntry deletes a single waiter.
func (t *Tx) RemoveQueueEntry(e *model.QueueEntry) error {
	if err := t.db.Delete(&model.QueueEntry{}, e.ID).Error; err != nil {
		return fmt.Errorf("failed to dequeue %s from device %d: %w", e.User, e.DeviceID, err)
	}
	return nil
}

// ClearQueue deletes every waiter of the device and reports how many were removed.
func (t *Tx) ClearQueue(deviceID int64) (int64, error) {
	res := t.db.Where("device_id = ?", deviceID).Delete(&model.QueueEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clear queue of device %d: %w", deviceID, res.Error)
	}
	return res.RowsAffected, nil
}

// ShareRequest loads a share request by id.
func (t *Tx) ShareRequest(id int64) (*model.ShareRequest, error) {
	var req model.ShareRequest
	if err := t.db.First(&req, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch share request %d: %w", id, err)
	}
	return &req, nil
}

// HasPendingShare reports whether requester already has a pending request on the device.
func (t *Tx) HasPendingShare(deviceID int64, requester string) (bool, error) {
	var count int64
	err := t.db.Model(&model.ShareRequest{}).
		Where("device_id = ? AND requester = ? AND status = ?", deviceID, requester, model.ShareStatusPending).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check pending shares of %s: %w", requester, err)
	}
	return count > 0, nil
}

// CreateShareRequest inserts a new share request.
func (t *Tx) CreateShareRequest(req *model.ShareRequest) error {
	if err := t.db.Create(req).Error; err != nil {
		return fmt.Errorf("failed to create share request on device %d: %w", req.DeviceID, err)
	}
	return nil
}

// SaveShareRequest persists a share request state change.
func (t *Tx) SaveShareRequest(req *model.ShareRequest) error {
	if err := t.db.Save(req).Error; err != nil {
		return fmt.Errorf("failed to update share request %d: %w", req.ID, err)
	}
	return nil
}

// HasActiveShare reports whether requester holds an approval bound to the given reservation.
func (t *Tx) HasActiveShare(deviceID int64, requester, reservationID string) (bool, error) {
	var count int64
	err := t.db.Model(&model.ShareRequest{}).
		Where("device_id = ? AND requester = ? AND status = ? AND reservation_id = ?",
			deviceID, requester, model.ShareStatusApproved, reservationID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check shares of %s: %w", requester, err)
	}
	return count > 0, nil
}

// ShareRequestsOf returns the device's share requests in the given statuses, oldest first.
func (t *Tx) ShareRequestsOf(deviceID int64, statuses ...model.ShareStatus) ([]model.ShareRequest, error) {
	var rows []model.ShareRequest
	err := t.db.Where("device_id = ? AND status IN ?", deviceID, statuses).Order("id ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch share requests of device %d: %w", deviceID, err)
	}
	return rows, nil
}
