package notify

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"

	"fleet-hos-engine/internal/model"
)

// PushSender defines the interface for sending a web push notification.
type PushSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is the real implementation backed by the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// WorkerPool delivers advisories to a driver's paired devices over web
// push. It satisfies Sink; Notify is a channel handoff and never blocks on
// network I/O.
type WorkerPool struct {
	size    int
	jobs    chan Advisory
	db      *gorm.DB
	webpush *webpush.Options
	sender  PushSender
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Advisory, size*4),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
	}
}

// SetSender swaps the push implementation; used by tests.
func (wp *WorkerPool) SetSender(sender PushSender) { wp.sender = sender }

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

// Notify queues the advisory for delivery. Advisories are best effort: if
// the queue is full the advisory is dropped with a log line rather than
// blocking compliance processing.
func (wp *WorkerPool) Notify(_ context.Context, advisory Advisory) {
	select {
	case wp.jobs <- advisory:
	default:
		log.Printf("advisory queue full; dropping %s for driver %s", advisory.Code, advisory.DriverID)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log.Printf("Notification worker %d started", id)
	for {
		select {
		case advisory := <-wp.jobs:
			wp.deliver(ctx, advisory)
		case <-ctx.Done():
			log.Printf("Notification worker %d shutting down", id)
			return
		}
	}
}

// deliver fetches the driver's subscriptions and pushes the advisory.
func (wp *WorkerPool) deliver(ctx context.Context, advisory Advisory) {
	var subscriptions []model.AlertSubscription
	err := wp.db.WithContext(ctx).
		Where("driver_id = ?", advisory.DriverID).
		Find(&subscriptions).Error
	if err != nil {
		log.Printf("Error fetching subscriptions for driver %s: %v", advisory.DriverID, err)
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	payload, err := json.Marshal(advisory)
	if err != nil {
		log.Printf("Error encoding advisory %s: %v", advisory.Code, err)
		return
	}

	for _, sub := range subscriptions {
		wp.push(ctx, sub, payload)
	}
}

func (wp *WorkerPool) push(ctx context.Context, sub model.AlertSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		log.Printf("Error sending advisory to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()

	// Prune expired subscriptions.
	if resp.StatusCode == http.StatusGone {
		log.Printf("Subscription %s is expired. Deleting.", sub.Endpoint)
		if err := wp.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			log.Printf("Failed to delete expired subscription %s: %v", sub.Endpoint, err)
		}
	}
}
