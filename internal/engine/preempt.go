package engine

import (
	"context"
	"log"

	"github.com/google/uuid"

	"devicehub-backend/internal/model"
	"devicehub-backend/internal/notification"
)

// PreemptResult names the reservation created and the holder it displaced.
type PreemptResult struct {
	Reservation *model.Reservation `json:"-"`
	Displaced   string             `json:"displaced"`
}

// Preempt takes an occupied device away from its holder and gives it to the
// caller. The displaced holder is not put back in the queue.
func (e *Engine) Preempt(ctx context.Context, caller Caller, deviceID int64, purpose string) (*PreemptResult, error) {
	if !caller.CanPreempt() {
		return nil, ErrForbidden
	}

	var result PreemptResult
	err := e.onDevice(ctx, deviceID, func(st *step) error {
		current, err := st.tx.Reservation(st.device.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrNotOccupied
		}
		if current.User == caller.User {
			return ErrSelfPreempt
		}

		if err := st.tx.EndReservation(current, st.now, model.EndReasonPreempted); err != nil {
			return err
		}
		own, _, err := st.queueEntryOf(caller.User)
		if err != nil {
			return err
		}
		if own != nil {
			if err := st.tx.RemoveQueueEntry(own); err != nil {
				return err
			}
		}

		r := &model.Reservation{
			ID:        uuid.NewString(),
			DeviceID:  st.device.ID,
			User:      caller.User,
			StartTime: st.now,
			Purpose:   purpose,
		}
		if err := st.grant(r); err != nil {
			return err
		}
		log.Printf("Device %d preempted by %s, displacing %s", st.device.ID, caller.User, current.User)

		st.emit(notification.Event{Kind: notification.EventPreempted, User: current.User, Actor: caller.User})
		result = PreemptResult{Reservation: r, Displaced: current.User}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}
