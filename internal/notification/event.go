package notification

import "fmt"

// EventKind names a change a user is told about.
type EventKind string

const (
	EventPromoted       EventKind = "promoted"
	EventPreempted      EventKind = "preempted"
	EventShareRequested EventKind = "share_requested"
	EventShareApproved  EventKind = "share_approved"
	EventShareRejected  EventKind = "share_rejected"
	EventShareRevoked   EventKind = "share_revoked"
)

// Event is addressed to a single user and concerns a single device.
type Event struct {
	Kind     EventKind `json:"kind"`
	User     string    `json:"-"`
	DeviceID int64     `json:"device_id"`
	Actor    string    `json:"actor,omitempty"`
	ShareID  int64     `json:"share_id,omitempty"`
}

// Message renders the human readable notification body.
func (ev Event) Message(deviceLabel string) string {
	switch ev.Kind {
	case EventPromoted:
		return fmt.Sprintf("Device %s is now yours: you reached the head of the queue.", deviceLabel)
	case EventPreempted:
		return fmt.Sprintf("Device %s was taken over by %s.", deviceLabel, ev.Actor)
	case EventShareRequested:
		return fmt.Sprintf("%s asked to share device %s.", ev.Actor, deviceLabel)
	case EventShareApproved:
		return fmt.Sprintf("Your request to share device %s was approved.", deviceLabel)
	case EventShareRejected:
		return fmt.Sprintf("Your request to share device %s was rejected.", deviceLabel)
	case EventShareRevoked:
		return fmt.Sprintf("Your shared access to device %s was revoked.", deviceLabel)
	}
	return fmt.Sprintf("Device %s changed.", deviceLabel)
}
