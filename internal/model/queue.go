package model

import "time"

// Tier is the admission class of a queue entry.
type Tier string

const (
	TierPriority Tier = "priority"
	TierNormal   Tier = "normal"
)

// QueueEntry is a user waiting for a device.
type QueueEntry struct {
	ID         int64     `gorm:"primaryKey" json:"id"`
	DeviceID   int64     `gorm:"not null;uniqueIndex:idx_queue_device_user" json:"device_id"`
	User       string    `gorm:"column:waiter;size:50;not null;uniqueIndex:idx_queue_device_user;index" json:"user"`
	Tier       Tier      `gorm:"size:16;not null" json:"tier"`
	Purpose    string    `gorm:"type:text" json:"purpose,omitempty"`
	EnqueuedAt time.Time `gorm:"not null" json:"enqueued_at"`
}
