package engine

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"devicehub-backend/internal/model"
)

// Use grants the device to the caller if it is free.
func (e *Engine) Use(ctx context.Context, caller Caller, deviceID int64, purpose string) (*model.Reservation, error) {
	var granted *model.Reservation
	err := e.onDevice(ctx, deviceID, func(st *step) error {
		r, err := st.occupy(caller.User, false, nil, purpose)
		granted = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return granted, nil
}

// LongTermUse grants the device to the caller until endDate.
func (e *Engine) LongTermUse(ctx context.Context, caller Caller, deviceID int64, endDate time.Time, purpose string) (*model.Reservation, error) {
	var granted *model.Reservation
	err := e.onDevice(ctx, deviceID, func(st *step) error {
		if !endDate.After(st.now) {
			return ErrInvalidEndDate
		}
		r, err := st.occupy(caller.User, true, &endDate, purpose)
		granted = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return granted, nil
}

func (st *step) occupy(user string, longTerm bool, endDate *time.Time, purpose string) (*model.Reservation, error) {
	current, err := st.tx.Reservation(st.device.ID)
	if err != nil {
		return nil, err
	}
	if current != nil {
		return nil, ErrAlreadyOccupied
	}
	r := &model.Reservation{
		ID:         uuid.NewString(),
		DeviceID:   st.device.ID,
		User:       user,
		StartTime:  st.now,
		IsLongTerm: longTerm,
		EndDate:    endDate,
		Purpose:    purpose,
	}
	if err := st.grant(r); err != nil {
		return nil, err
	}
	log.Printf("Device %d occupied by %s (long_term=%t)", st.device.ID, user, longTerm)
	return r, nil
}

// ReleaseResult describes what happened to the device after a release.
type ReleaseResult struct {
	DeviceID   int64  `json:"device_id"`
	NextHolder string `json:"next_holder,omitempty"`
}

// Release ends the caller's reservation and promotes the head of the queue.
// Administrators may release any holder.
func (e *Engine) Release(ctx context.Context, caller Caller, deviceID int64) (*ReleaseResult, error) {
	result := &ReleaseResult{DeviceID: deviceID}
	err := e.onDevice(ctx, deviceID, func(st *step) error {
		r, err := st.tx.Reservation(st.device.ID)
		if err != nil {
			return err
		}
		if r == nil || (r.User != caller.User && !caller.Admin) {
			return ErrNotHolder
		}
		if err := st.tx.EndReservation(r, st.now, model.EndReasonReleased); err != nil {
			return err
		}
		log.Printf("Device %d released by %s (holder %s)", st.device.ID, caller.User, r.User)

		next, err := st.promote()
		if err != nil {
			return err
		}
		if next != nil {
			result.NextHolder = next.User
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
