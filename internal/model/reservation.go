package model

import "time"

// Reservation is the live occupancy of a device (hot table). At most one row
// exists per device.
type Reservation struct {
	ID         string     `gorm:"primaryKey;size:36" json:"id"`
	DeviceID   int64      `gorm:"uniqueIndex;not null" json:"device_id"`
	User       string     `gorm:"column:holder;size:50;not null;index" json:"current_user"`
	StartTime  time.Time  `gorm:"not null" json:"start_time"`
	IsLongTerm bool       `gorm:"not null;default:false" json:"is_long_term"`
	EndDate    *time.Time `json:"end_date,omitempty"`
	Purpose    string     `gorm:"type:text" json:"purpose,omitempty"`
}

// Expired reports whether a long-term reservation has passed its end date.
func (r Reservation) Expired(now time.Time) bool {
	return r.IsLongTerm && r.EndDate != nil && !r.EndDate.After(now)
}

// EndReason records why a reservation ended.
type EndReason string

const (
	EndReasonReleased  EndReason = "released"
	EndReasonPreempted EndReason = "preempted"
	EndReasonExpired   EndReason = "expired"
	EndReasonCleanup   EndReason = "cleanup"
)

// UsageHistory is the archived record of a finished reservation (cold table).
type UsageHistory struct {
	ID              int64     `gorm:"primaryKey" json:"id"`
	DeviceID        int64     `gorm:"not null;index" json:"device_id"`
	User            string    `gorm:"column:holder;size:50;not null;index" json:"user"`
	StartTime       time.Time `gorm:"not null" json:"start_time"`
	EndTime         time.Time `gorm:"not null;index" json:"end_time"`
	DurationMinutes int       `gorm:"not null" json:"duration_minutes"`
	IsLongTerm      bool      `gorm:"not null;default:false" json:"is_long_term"`
	Purpose         string    `gorm:"type:text" json:"purpose,omitempty"`
	EndReason       EndReason `gorm:"size:16;not null" json:"end_reason"`
}
