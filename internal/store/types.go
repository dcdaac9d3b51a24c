package store

import (
	"errors"

	"devicehub-backend/internal/model"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("store: record not found")

// ErrDuplicateIP is returned when a device is saved with an IP another device already uses.
var ErrDuplicateIP = errors.New("store: ip address already registered")

// Occupancy states a device can be filtered by.
const (
	StatusAvailable        = "available"
	StatusOccupied         = "occupied"
	StatusLongTermOccupied = "long_term_occupied"
)

// DeviceFilter narrows a device listing.
type DeviceFilter struct {
	Keyword    string
	DeviceType string
	Status     string
	Owner      string
	GroupID    int64
	Page       int
	PageSize   int
}

// Offset returns the row offset of the requested page.
func (f DeviceFilter) Offset() int {
	if f.Page <= 1 {
		return 0
	}
	return (f.Page - 1) * f.PageSize
}

// DeviceInput carries the writable fields of a device. Nil pointers are left
// untouched on update.
type DeviceInput struct {
	Name             *string
	IP               *string
	DeviceType       *model.DeviceType
	Owner            *string
	Creator          *string
	SupportQueue     *bool
	MaxOccupyMinutes *int
	ClearMaxOccupy   bool
	NeedVPNLogin     *bool
	VPNConfigID      *int64
	AdminUsername    *string
	AdminPassword    *string
	Remarks          *string
	GroupIDs         []int64
}
