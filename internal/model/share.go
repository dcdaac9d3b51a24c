package model

import "time"

// ShareStatus is the workflow state of a share request.
type ShareStatus string

const (
	ShareStatusPending   ShareStatus = "pending"
	ShareStatusApproved  ShareStatus = "approved"
	ShareStatusRejected  ShareStatus = "rejected"
	ShareStatusCancelled ShareStatus = "cancelled"
	ShareStatusRevoked   ShareStatus = "revoked"
)

// ShareRequest asks the holder of a device for non-exclusive co-use.
type ShareRequest struct {
	ID             int64       `gorm:"primaryKey" json:"id"`
	DeviceID       int64       `gorm:"not null;index" json:"device_id"`
	Requester      string      `gorm:"size:50;not null;index" json:"requester"`
	Status         ShareStatus `gorm:"size:16;not null;index" json:"status"`
	RequestMessage string      `gorm:"type:text" json:"request_message,omitempty"`
	DecisionReason string      `gorm:"type:text" json:"decision_reason,omitempty"`
	ProcessedBy    string      `gorm:"size:50" json:"processed_by,omitempty"`
	ProcessedAt    *time.Time  `json:"processed_at,omitempty"`
	// ReservationID binds an approval to the reservation it was granted on.
	ReservationID string    `gorm:"size:36;index" json:"-"`
	CreatedAt     time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time `gorm:"not null" json:"updated_at"`
}
