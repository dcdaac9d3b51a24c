package engine

import (
	"context"
	"errors"
	"log"

	"devicehub-backend/internal/model"
	"devicehub-backend/internal/notification"
	"devicehub-backend/internal/store"
)

// RequestShare asks the current holder for co-use of the device.
func (e *Engine) RequestShare(ctx context.Context, caller Caller, deviceID int64, message string) (*model.ShareRequest, error) {
	var created *model.ShareRequest
	err := e.onDevice(ctx, deviceID, func(st *step) error {
		current, err := st.tx.Reservation(st.device.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrNoActiveHolder
		}
		if current.User == caller.User {
			return ErrSelfShare
		}
		pending, err := st.tx.HasPendingShare(st.device.ID, caller.User)
		if err != nil {
			return err
		}
		if pending {
			return ErrDuplicatePending
		}
		active, err := st.tx.HasActiveShare(st.device.ID, caller.User, current.ID)
		if err != nil {
			return err
		}
		if active {
			return ErrAlreadyShared
		}

		req := &model.ShareRequest{
			DeviceID:       st.device.ID,
			Requester:      caller.User,
			Status:         model.ShareStatusPending,
			RequestMessage: message,
		}
		if err := st.tx.CreateShareRequest(req); err != nil {
			return err
		}
		log.Printf("%s requested to share device %d held by %s", caller.User, st.device.ID, current.User)
		st.emit(notification.Event{Kind: notification.EventShareRequested, User: current.User, Actor: caller.User, ShareID: req.ID})
		created = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// DecideShare approves or rejects a pending request. Only the current holder
// or an administrator may decide, and approval needs a live reservation.
func (e *Engine) DecideShare(ctx context.Context, caller Caller, shareID int64, approve bool, reason string) (*model.ShareRequest, error) {
	return e.onShare(ctx, shareID, func(st *step, req *model.ShareRequest) error {
		current, err := st.tx.Reservation(st.device.ID)
		if err != nil {
			return err
		}
		if !caller.Admin && (current == nil || current.User != caller.User) {
			return ErrForbidden
		}
		if req.Status != model.ShareStatusPending {
			return ErrNotPending
		}

		kind := notification.EventShareRejected
		req.Status = model.ShareStatusRejected
		if approve {
			if current == nil {
				return ErrNoActiveHolder
			}
			if current.User == req.Requester {
				return ErrSelfShare
			}
			kind = notification.EventShareApproved
			req.Status = model.ShareStatusApproved
			req.ReservationID = current.ID
		}
		st.process(req, caller, reason)
		if err := st.tx.SaveShareRequest(req); err != nil {
			return err
		}
		log.Printf("Share request %d on device %d %s by %s", req.ID, st.device.ID, req.Status, caller.User)
		st.emit(notification.Event{Kind: kind, User: req.Requester, Actor: caller.User, ShareID: req.ID})
		return nil
	})
}

// CancelShare withdraws the caller's own pending request.
func (e *Engine) CancelShare(ctx context.Context, caller Caller, shareID int64) (*model.ShareRequest, error) {
	return e.onShare(ctx, shareID, func(st *step, req *model.ShareRequest) error {
		if req.Requester != caller.User {
			return ErrForbidden
		}
		if req.Status != model.ShareStatusPending {
			return ErrNotPending
		}
		req.Status = model.ShareStatusCancelled
		st.process(req, caller, "")
		return st.tx.SaveShareRequest(req)
	})
}

// RevokeShare ends an approved co-use. Only the current holder or an
// administrator may revoke.
func (e *Engine) RevokeShare(ctx context.Context, caller Caller, shareID int64, reason string) (*model.ShareRequest, error) {
	return e.onShare(ctx, shareID, func(st *step, req *model.ShareRequest) error {
		current, err := st.tx.Reservation(st.device.ID)
		if err != nil {
			return err
		}
		if !caller.Admin && (current == nil || current.User != caller.User) {
			return ErrForbidden
		}
		if req.Status != model.ShareStatusApproved {
			return ErrNotApproved
		}
		req.Status = model.ShareStatusRevoked
		st.process(req, caller, reason)
		if err := st.tx.SaveShareRequest(req); err != nil {
			return err
		}
		log.Printf("Share request %d on device %d revoked by %s", req.ID, st.device.ID, caller.User)
		st.emit(notification.Event{Kind: notification.EventShareRevoked, User: req.Requester, Actor: caller.User, ShareID: req.ID})
		return nil
	})
}

func (st *step) process(req *model.ShareRequest, caller Caller, reason string) {
	now := st.now
	req.ProcessedBy = caller.User
	req.ProcessedAt = &now
	if reason != "" {
		req.DecisionReason = reason
	}
}

// onShare resolves the request's device and runs fn under that device's lock
// against a freshly loaded copy of the request.
func (e *Engine) onShare(ctx context.Context, shareID int64, fn func(st *step, req *model.ShareRequest) error) (*model.ShareRequest, error) {
	var deviceID int64
	err := e.store.InDevice(ctx, func(tx *store.Tx) error {
		req, err := tx.ShareRequest(shareID)
		if err != nil {
			return err
		}
		deviceID = req.DeviceID
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrShareNotFound
	}
	if err != nil {
		return nil, err
	}

	var result *model.ShareRequest
	err = e.onDevice(ctx, deviceID, func(st *step) error {
		req, err := st.tx.ShareRequest(shareID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrShareNotFound
		}
		if err != nil {
			return err
		}
		if err := fn(st, req); err != nil {
			return err
		}
		result = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ShareView is a share request annotated with whether it currently grants co-use.
type ShareView struct {
	model.ShareRequest
	DeviceName string `json:"device_name"`
	Active     bool   `json:"active"`
}

// PendingShares lists the pending requests the caller can decide: those on
// devices the caller holds, or every pending request for administrators.
// The caller's own requests are never listed.
func (e *Engine) PendingShares(ctx context.Context, caller Caller) ([]ShareView, error) {
	query := store.ShareQuery{Statuses: []model.ShareStatus{model.ShareStatusPending}}
	if !caller.Admin {
		held, err := e.store.ReservationsHeldBy(ctx, caller.User)
		if err != nil {
			return nil, err
		}
		query.DeviceIDs = make([]int64, 0, len(held))
		for _, r := range held {
			if !r.Expired(e.now()) {
				query.DeviceIDs = append(query.DeviceIDs, r.DeviceID)
			}
		}
	}
	rows, err := e.store.ShareRequests(ctx, query)
	if err != nil {
		return nil, err
	}
	decidable := rows[:0]
	for _, r := range rows {
		if r.Requester != caller.User {
			decidable = append(decidable, r)
		}
	}
	return e.shareViews(ctx, decidable)
}

// MyShareRequests lists every request the caller has made.
func (e *Engine) MyShareRequests(ctx context.Context, caller Caller) ([]ShareView, error) {
	rows, err := e.store.ShareRequests(ctx, store.ShareQuery{Requester: caller.User})
	if err != nil {
		return nil, err
	}
	return e.shareViews(ctx, rows)
}

func (e *Engine) shareViews(ctx context.Context, rows []model.ShareRequest) ([]ShareView, error) {
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.DeviceID)
	}
	devices, err := e.store.DevicesByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	reservations, err := e.store.Reservations(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := e.now()
	views := make([]ShareView, 0, len(rows))
	for _, r := range rows {
		res, held := reservations[r.DeviceID]
		views = append(views, ShareView{
			ShareRequest: r,
			DeviceName:   devices[r.DeviceID].Name,
			Active:       held && !res.Expired(now) && sharesReservation(r, res),
		})
	}
	return views, nil
}

// sharesReservation reports whether an approval still grants co-use of r.
func sharesReservation(req model.ShareRequest, r model.Reservation) bool {
	return req.Status == model.ShareStatusApproved && req.ReservationID != "" && req.ReservationID == r.ID
}
