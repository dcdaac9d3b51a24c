package notification

import (
	"context"
	"log"
	"net/http"
	"strconv"

	"github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"

	"devicehub-backend/internal/model"
)

// jobsPerWorker sizes the event buffer relative to the pool.
const jobsPerWorker = 32

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// WorkerPool delivers events to the browsers their users subscribed from.
type WorkerPool struct {
	size    int
	jobs    chan Event
	db      *gorm.DB
	webpush *webpush.Options
	sender  NotificationSender
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Event, size*jobsPerWorker),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log.Printf("Worker %d started", id)
	for {
		select {
		case ev := <-wp.jobs:
			wp.deliver(ctx, ev)
		case <-ctx.Done():
			log.Printf("Worker %d shutting down", id)
			return
		}
	}
}

// Dispatch queues ev for delivery. It never blocks: when the buffer is full
// the event is dropped.
func (wp *WorkerPool) Dispatch(ev Event) {
	select {
	case wp.jobs <- ev:
	default:
		log.Printf("Notification queue full, dropping %s event for %s on device %d", ev.Kind, ev.User, ev.DeviceID)
	}
}

// deviceLabel prefers the device name and falls back to its id.
func (wp *WorkerPool) deviceLabel(ctx context.Context, deviceID int64) string {
	var device model.Device
	if err := wp.db.WithContext(ctx).Select("name").First(&device, deviceID).Error; err != nil {
		log.Printf("Error fetching device %d: %v", deviceID, err)
	} else if device.Name != "" {
		return device.Name
	}
	return strconv.FormatInt(deviceID, 10)
}

func (wp *WorkerPool) deliver(ctx context.Context, ev Event) {
	var subscriptions []model.PushSubscription
	if err := wp.db.WithContext(ctx).Where("subscriber = ?", ev.User).Find(&subscriptions).Error; err != nil {
		log.Printf("Error fetching subscriptions of %s: %v", ev.User, err)
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	log.Printf("Sending %d %s notifications to %s", len(subscriptions), ev.Kind, ev.User)
	message := []byte(ev.Message(wp.deviceLabel(ctx, ev.DeviceID)))
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, message)
	}
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		log.Printf("Error sending notification to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()

	// Handle expired subscriptions
	if resp.StatusCode == http.StatusGone {
		log.Printf("Subscription for endpoint %s is expired. Deleting.", sub.Endpoint)
		if err := wp.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			log.Printf("Failed to delete expired subscription %s: %v", sub.Endpoint, err)
		}
	}
}
