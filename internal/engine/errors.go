package engine

import "errors"

// Kind classifies engine errors for callers that need to map them onto a
// transport status.
type Kind int

const (
	KindInternal Kind = iota
	KindStateConflict
	KindCapability
	KindNotFound
	KindValidation
)

// Error is a typed, non-retriable outcome of an engine operation.
type Error struct {
	Kind   Kind
	Reason string
	msg    string
}

func (e *Error) Error() string { return e.msg }

func newError(kind Kind, reason, msg string) *Error {
	return &Error{Kind: kind, Reason: reason, msg: msg}
}

var (
	ErrAlreadyOccupied  = newError(KindStateConflict, "already_occupied", "device is already occupied")
	ErrNotHolder        = newError(KindStateConflict, "not_holder", "caller does not hold the device")
	ErrAlreadyQueued    = newError(KindStateConflict, "already_queued", "caller is already queued for the device")
	ErrNotQueued        = newError(KindStateConflict, "not_queued", "caller is not queued for the device")
	ErrNotOccupied      = newError(KindStateConflict, "not_occupied", "device is not occupied")
	ErrSelfPreempt      = newError(KindStateConflict, "self_preempt", "caller already holds the device")
	ErrNoActiveHolder   = newError(KindStateConflict, "no_active_holder", "device has no active holder")
	ErrDuplicatePending = newError(KindStateConflict, "duplicate_pending", "a pending share request already exists")
	ErrNotPending       = newError(KindStateConflict, "not_pending", "share request is not pending")
	ErrNotApproved      = newError(KindStateConflict, "not_approved", "share request is not approved")
	ErrAlreadyShared    = newError(KindStateConflict, "already_shared", "caller already shares the device")
	ErrSelfShare        = newError(KindStateConflict, "self_share", "caller already holds the device")
	ErrAlreadyHolder    = newError(KindStateConflict, "already_holder", "caller already holds the device")

	ErrDeviceNotQueueable = newError(KindCapability, "device_not_queueable", "device does not support queueing")
	ErrForbidden          = newError(KindCapability, "forbidden", "caller is not allowed to perform this operation")

	ErrDeviceNotFound = newError(KindNotFound, "device_not_found", "device not found")
	ErrShareNotFound  = newError(KindNotFound, "share_not_found", "share request not found")

	ErrInvalidEndDate = newError(KindValidation, "invalid_end_date", "end date must be in the future")
	ErrInvalidTier    = newError(KindValidation, "invalid_tier", "unknown queue tier")
)

// KindOf returns the Kind of err, or KindInternal when err is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf returns the machine-readable reason of err, or "internal".
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return "internal"
}
