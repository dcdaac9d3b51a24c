package engine

import (
	"context"
	"log"
	"sort"

	"devicehub-backend/internal/model"
)

// Outcome is the result of one device's step within a batch. Steps commit
// independently, so a batch may partially succeed.
type Outcome struct {
	DeviceID   int64  `json:"device_id"`
	Success    bool   `json:"success"`
	Skipped    bool   `json:"skipped,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Message    string `json:"message,omitempty"`
	NextHolder string `json:"next_holder,omitempty"`
}

func outcomeOf(deviceID int64, err error) Outcome {
	if err == nil {
		return Outcome{DeviceID: deviceID, Success: true}
	}
	return Outcome{DeviceID: deviceID, Reason: ReasonOf(err), Message: err.Error()}
}

// ascending returns ids sorted and without duplicates.
func ascending(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	n := 0
	for i, id := range out {
		if i > 0 && id == out[n-1] {
			continue
		}
		out[n] = id
		n++
	}
	return out[:n]
}

// BatchRelease releases each of deviceIDs, or every device the caller holds
// when deviceIDs is empty, one device at a time in ascending id order.
func (e *Engine) BatchRelease(ctx context.Context, caller Caller, deviceIDs []int64) ([]Outcome, error) {
	if len(deviceIDs) == 0 {
		held, err := e.store.ReservationsHeldBy(ctx, caller.User)
		if err != nil {
			return nil, err
		}
		for _, r := range held {
			deviceIDs = append(deviceIDs, r.DeviceID)
		}
	}

	outcomes := make([]Outcome, 0, len(deviceIDs))
	for _, id := range ascending(deviceIDs) {
		res, err := e.Release(ctx, caller, id)
		o := outcomeOf(id, err)
		if res != nil {
			o.NextHolder = res.NextHolder
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}

// BatchCancelQueues leaves each of deviceIDs' queues, or every queue the
// caller is in when deviceIDs is empty, in ascending id order.
func (e *Engine) BatchCancelQueues(ctx context.Context, caller Caller, deviceIDs []int64) ([]Outcome, error) {
	if len(deviceIDs) == 0 {
		entries, err := e.store.QueueEntriesOf(ctx, caller.User)
		if err != nil {
			return nil, err
		}
		for _, q := range entries {
			deviceIDs = append(deviceIDs, q.DeviceID)
		}
	}

	outcomes := make([]Outcome, 0, len(deviceIDs))
	for _, id := range ascending(deviceIDs) {
		outcomes = append(outcomes, outcomeOf(id, e.CancelQueue(ctx, caller, id)))
	}
	return outcomes, nil
}

// ForceCleanup releases every device and clears every queue, long-term
// reservations included.
func (e *Engine) ForceCleanup(ctx context.Context, caller Caller) ([]Outcome, error) {
	if !caller.Admin {
		return nil, ErrForbidden
	}
	log.Printf("Forced cleanup requested by %s", caller.User)
	return e.Cleanup(ctx, false)
}

// Cleanup releases every device and clears every queue without promoting
// anyone. With keepLongTerm, devices under a long-term reservation that has
// not yet ended are skipped, queue included. Each device is reported
// separately and a failure never stops the pass.
func (e *Engine) Cleanup(ctx context.Context, keepLongTerm bool) ([]Outcome, error) {
	ids, err := e.store.DeviceIDsWithActivity(ctx)
	if err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, 0, len(ids))
	for _, id := range ids {
		skipped := false
		err := e.exclusive(ctx, id, func(st *step) error {
			r, err := st.tx.Reservation(st.device.ID)
			if err != nil {
				return err
			}
			if keepLongTerm && r != nil && r.IsLongTerm && !r.Expired(st.now) {
				skipped = true
				return nil
			}
			if r != nil {
				reason := model.EndReasonCleanup
				if r.Expired(st.now) {
					reason = model.EndReasonExpired
				}
				if err := st.tx.EndReservation(r, st.now, reason); err != nil {
					return err
				}
			}
			cleared, err := st.tx.ClearQueue(st.device.ID)
			if err != nil {
				return err
			}
			log.Printf("Cleanup freed device %d (holder released: %t, waiters removed: %d)", st.device.ID, r != nil, cleared)
			return nil
		})
		o := outcomeOf(id, err)
		o.Skipped = skipped
		if err != nil {
			log.Printf("Cleanup of device %d failed: %v", id, err)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}
