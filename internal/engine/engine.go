package engine

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"devicehub-backend/internal/model"
	"devicehub-backend/internal/notification"
	"devicehub-backend/internal/store"
)

// Caller is the authenticated identity an operation runs on behalf of.
type Caller struct {
	User     string
	Admin    bool
	Elevated bool
}

// CanPreempt reports whether the caller may take over devices and use the priority tier.
func (c Caller) CanPreempt() bool {
	return c.Admin || c.Elevated
}

// Notifier receives events once the change that produced them is committed.
type Notifier interface {
	Dispatch(ev notification.Event)
}

type nopNotifier struct{}

func (nopNotifier) Dispatch(notification.Event) {}

// Engine serializes every mutation of a device's reservation, queue and
// share requests behind a per-device lock.
type Engine struct {
	store    store.Store
	locks    *deviceLocks
	notifier Notifier
	now      func() time.Time
}

// New creates an engine backed by s. A nil notifier discards events.
func New(s store.Store, n Notifier) *Engine {
	if n == nil {
		n = nopNotifier{}
	}
	return &Engine{
		store:    s,
		locks:    newDeviceLocks(),
		notifier: n,
		now:      time.Now,
	}
}

// step is the state available to one transactional operation on a device.
type step struct {
	tx     *store.Tx
	device *model.Device
	now    time.Time
	events []notification.Event
}

func (st *step) emit(ev notification.Event) {
	ev.DeviceID = st.device.ID
	st.events = append(st.events, ev)
}

// onDevice runs fn under the device lock. Lazy expiry and queue settlement
// are committed first in their own transaction so that a failing fn never
// rolls them back.
func (e *Engine) onDevice(ctx context.Context, deviceID int64, fn func(st *step) error) error {
	unlock := e.locks.lock(deviceID)
	var events []notification.Event
	err := e.inTx(ctx, deviceID, func(st *step) error {
		if err := st.settle(); err != nil {
			return err
		}
		events = append(events, st.events...)
		return nil
	})
	if err == nil && fn != nil {
		err = e.inTx(ctx, deviceID, func(st *step) error {
			if err := fn(st); err != nil {
				return err
			}
			events = append(events, st.events...)
			return nil
		})
	}
	unlock()

	for _, ev := range events {
		e.notifier.Dispatch(ev)
	}
	return err
}

// exclusive runs fn under the device lock without settling the device first.
func (e *Engine) exclusive(ctx context.Context, deviceID int64, fn func(st *step) error) error {
	unlock := e.locks.lock(deviceID)
	var events []notification.Event
	err := e.inTx(ctx, deviceID, func(st *step) error {
		if err := fn(st); err != nil {
			return err
		}
		events = st.events
		return nil
	})
	unlock()

	for _, ev := range events {
		e.notifier.Dispatch(ev)
	}
	return err
}

func (e *Engine) inTx(ctx context.Context, deviceID int64, fn func(st *step) error) error {
	return e.store.InDevice(ctx, func(tx *store.Tx) error {
		device, err := tx.Device(deviceID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrDeviceNotFound
		}
		if err != nil {
			return err
		}
		return fn(&step{tx: tx, device: device, now: e.now()})
	})
}

// settle ends an expired long-term reservation and makes sure a free device
// never keeps waiters.
func (st *step) settle() error {
	r, err := st.tx.Reservation(st.device.ID)
	if err != nil {
		return err
	}
	if r != nil {
		if !r.Expired(st.now) {
			return nil
		}
		log.Printf("Long-term reservation of %s on device %d expired at %s", r.User, st.device.ID, r.EndDate.Format(time.RFC3339))
		if err := st.tx.EndReservation(r, st.now, model.EndReasonExpired); err != nil {
			return err
		}
	}
	_, err = st.promote()
	return err
}

// promote hands the device to the head of its queue, if any.
func (st *step) promote() (*model.Reservation, error) {
	entries, err := st.tx.Queue(st.device.ID)
	if err != nil {
		return nil, err
	}
	ordered := orderQueue(entries)
	if len(ordered) == 0 {
		return nil, nil
	}

	head := ordered[0]
	if err := st.tx.RemoveQueueEntry(&head); err != nil {
		return nil, err
	}
	r := &model.Reservation{
		ID:        uuid.NewString(),
		DeviceID:  st.device.ID,
		User:      head.User,
		StartTime: st.now,
		Purpose:   head.Purpose,
	}
	if err := st.grant(r); err != nil {
		return nil, err
	}
	log.Printf("Promoted %s (%s tier) to holder of device %d", head.User, head.Tier, st.device.ID)
	st.emit(notification.Event{Kind: notification.EventPromoted, User: head.User})
	return r, nil
}

// grant stores r and withdraws the new holder's own pending share requests on
// the device, since nobody may share a device with themselves.
func (st *step) grant(r *model.Reservation) error {
	if err := st.tx.CreateReservation(r); err != nil {
		return err
	}
	pending, err := st.tx.ShareRequestsOf(st.device.ID, model.ShareStatusPending)
	if err != nil {
		return err
	}
	for i := range pending {
		req := &pending[i]
		if req.Requester != r.User {
			continue
		}
		req.Status = model.ShareStatusCancelled
		st.process(req, Caller{User: r.User}, "requester became holder")
		if err := st.tx.SaveShareRequest(req); err != nil {
			return err
		}
		log.Printf("Withdrew share request %d of %s, now holder of device %d", req.ID, r.User, st.device.ID)
	}
	return nil
}

// orderQueue returns the priority entries followed by the normal entries,
// each in arrival order.
func orderQueue(entries []model.QueueEntry) []model.QueueEntry {
	var priority, normal []model.QueueEntry
	for _, e := range entries {
		if e.Tier == model.TierPriority {
			priority = append(priority, e)
		} else {
			normal = append(normal, e)
		}
	}
	byArrival := func(q []model.QueueEntry) {
		sort.SliceStable(q, func(i, j int) bool {
			if !q[i].EnqueuedAt.Equal(q[j].EnqueuedAt) {
				return q[i].EnqueuedAt.Before(q[j].EnqueuedAt)
			}
			return q[i].ID < q[j].ID
		})
	}
	byArrival(priority)
	byArrival(normal)
	return append(priority, normal...)
}

func (st *step) queueEntryOf(user string) (*model.QueueEntry, []model.QueueEntry, error) {
	entries, err := st.tx.Queue(st.device.ID)
	if err != nil {
		return nil, nil, err
	}
	for i := range entries {
		if entries[i].User == user {
			return &entries[i], entries, nil
		}
	}
	return nil, entries, nil
}

// ExpireDue applies lazy expiry to every device whose long-term reservation
// has passed its end date.
func (e *Engine) ExpireDue(ctx context.Context) error {
	ids, err := e.store.ExpiredReservations(ctx, e.now())
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		if err := e.onDevice(ctx, id, nil); err != nil && !errors.Is(err, ErrDeviceNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeleteDevice removes a device and everything attached to it.
func (e *Engine) DeleteDevice(ctx context.Context, caller Caller, deviceID int64) error {
	if !caller.Admin {
		return ErrForbidden
	}
	return e.exclusive(ctx, deviceID, func(st *step) error {
		log.Printf("Device %d deleted by %s", deviceID, caller.User)
		return st.tx.DeleteDevice(st.device)
	})
}
