package engine

import (
	"context"
	"log"

	"devicehub-backend/internal/model"
)

// EnqueueResult reports whether the caller got the device straight away or
// where they landed in the queue.
type EnqueueResult struct {
	DeviceID    int64              `json:"device_id"`
	Granted     bool               `json:"granted"`
	Position    int                `json:"position,omitempty"`
	Tier        model.Tier         `json:"tier"`
	Reservation *model.Reservation `json:"-"`
}

// Enqueue admits the caller to the device's queue. A free device is granted
// immediately instead.
func (e *Engine) Enqueue(ctx context.Context, caller Caller, deviceID int64, tier model.Tier, purpose string) (*EnqueueResult, error) {
	switch tier {
	case model.TierNormal:
	case model.TierPriority:
		if !caller.CanPreempt() {
			return nil, ErrForbidden
		}
	default:
		return nil, ErrInvalidTier
	}

	result := &EnqueueResult{DeviceID: deviceID, Tier: tier}
	err := e.onDevice(ctx, deviceID, func(st *step) error {
		if !st.device.SupportQueue {
			return ErrDeviceNotQueueable
		}
		own, entries, err := st.queueEntryOf(caller.User)
		if err != nil {
			return err
		}
		if own != nil {
			return ErrAlreadyQueued
		}
		current, err := st.tx.Reservation(st.device.ID)
		if err != nil {
			return err
		}
		if current != nil && current.User == caller.User {
			return ErrAlreadyHolder
		}

		if current == nil && len(entries) == 0 {
			r, err := st.occupy(caller.User, false, nil, purpose)
			if err != nil {
				return err
			}
			result.Granted = true
			result.Reservation = r
			return nil
		}

		entry := model.QueueEntry{
			DeviceID:   st.device.ID,
			User:       caller.User,
			Tier:       tier,
			Purpose:    purpose,
			EnqueuedAt: st.now,
		}
		if err := st.tx.AddQueueEntry(&entry); err != nil {
			return err
		}
		for i, q := range orderQueue(append(entries, entry)) {
			if q.User == caller.User {
				result.Position = i + 1
				break
			}
		}
		log.Printf("%s queued on device %d (%s tier, position %d)", caller.User, st.device.ID, tier, result.Position)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CancelQueue removes the caller's own queue entry.
func (e *Engine) CancelQueue(ctx context.Context, caller Caller, deviceID int64) error {
	return e.onDevice(ctx, deviceID, func(st *step) error {
		own, _, err := st.queueEntryOf(caller.User)
		if err != nil {
			return err
		}
		if own == nil {
			return ErrNotQueued
		}
		log.Printf("%s left the queue of device %d", caller.User, st.device.ID)
		return st.tx.RemoveQueueEntry(own)
	})
}
