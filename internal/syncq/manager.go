package syncq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"fleet-hos-engine/config"
	"fleet-hos-engine/internal/connectivity"
	"fleet-hos-engine/internal/eventlog"
	"fleet-hos-engine/internal/model"
	"fleet-hos-engine/internal/notify"
)

// Manager tails the event log's queue items and drains them to the backend
// by strict priority. It runs as one background worker per device, fully
// decoupled from the state-machine writer: it wakes on new-entry
// notifications and connectivity transitions, and suspends on backoff
// timers. Cancellation is honored only at batch boundaries so a lifecycle
// suspension can never corrupt an in-flight transmission.
type Manager struct {
	queue     queue
	store     eventlog.Store
	transport Transport
	monitor   *connectivity.Monitor
	sink      notify.Sink
	cfg       *config.SyncConfig

	limiter  *rate.Limiter
	schedule []time.Duration
	wake     chan struct{}
	jitter   func() float64
}

// NewManager wires the sync worker.
func NewManager(db *gorm.DB, store eventlog.Store, transport Transport,
	monitor *connectivity.Monitor, sink notify.Sink, cfg *config.SyncConfig) *Manager {

	schedule := make([]time.Duration, len(cfg.RetryScheduleSeconds))
	for i, secs := range cfg.RetryScheduleSeconds {
		schedule[i] = time.Duration(secs) * time.Second
	}

	return &Manager{
		queue:     queue{db: db},
		store:     store,
		transport: transport,
		monitor:   monitor,
		sink:      sink,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.ConstrainedPerSec), 1),
		schedule:  schedule,
		wake:      make(chan struct{}, 1),
		jitter:    rand.Float64,
	}
}

// Enqueue persists a non-event payload item (inspection, incident, fuel,
// delivery, rollup) and wakes the worker.
func (m *Manager) Enqueue(ctx context.Context, item *model.SyncQueueItem) error {
	if err := m.queue.db.WithContext(ctx).Create(item).Error; err != nil {
		return fmt.Errorf("failed to enqueue %s item %s: %w", item.Kind, item.ItemID, err)
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// Depths reports the per-class queue census for a driver.
func (m *Manager) Depths(ctx context.Context, driverID string) ([]Depth, error) {
	return m.queue.depths(ctx, driverID)
}

// MarkConflicted holds one item for manual resolution.
func (m *Manager) MarkConflicted(ctx context.Context, itemID, cause string) error {
	return m.queue.markConflicted(ctx, itemID, cause)
}

// Requeue returns a conflicted item to Pending after relinking.
func (m *Manager) Requeue(ctx context.Context, item *model.SyncQueueItem) error {
	return m.queue.db.WithContext(ctx).
		Model(&model.SyncQueueItem{}).
		Where("item_id = ?", item.ItemID).
		Updates(map[string]any{
			"state":      model.ItemPending,
			"payload":    item.Payload,
			"checksum":   item.Checksum,
			"last_error": "",
		}).Error
}

// Run is the worker loop. It first returns any items stranded InFlight by
// a previous run to Pending, then drains whenever online.
func (m *Manager) Run(ctx context.Context) {
	if recovered, err := m.queue.recoverInFlight(ctx); err != nil {
		log.Printf("Error recovering in-flight items: %v", err)
	} else if recovered > 0 {
		log.Printf("Recovered %d in-flight items to pending", recovered)
	}

	connCh := m.monitor.Subscribe()
	logCh := m.store.Notify()
	tick := time.NewTimer(time.Second)
	defer tick.Stop()

	for {
		if m.monitor.State().Online() {
			m.drain(ctx)
		}

		tick.Reset(5 * time.Second)
		select {
		case <-ctx.Done():
			log.Println("Sync worker shutting down.")
			return
		case <-logCh:
		case <-m.wake:
		case state := <-connCh:
			if !state.Online() {
				continue
			}
		case <-tick.C:
		}
	}
}

// drain transmits due batches until the queue is empty, a transmission
// fails, connectivity drops, or the context is cancelled. Each iteration
// is one batch; ctx is checked only between batches.
func (m *Manager) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil || !m.monitor.State().Online() {
			return
		}

		batch, err := m.queue.nextBatch(ctx, time.Now().UTC(), m.cfg.BatchByteBudget)
		if err != nil {
			log.Printf("Error selecting batch: %v", err)
			return
		}
		if len(batch) == 0 {
			return
		}

		if m.monitor.State() == connectivity.OnlineConstrained {
			if err := m.limiter.Wait(ctx); err != nil {
				return
			}
		}

		// The batch in flight always completes, including its store
		// bookkeeping; cancellation is only checked at the loop top.
		if !m.sendBatch(context.WithoutCancel(ctx), batch) {
			return
		}
	}
}

// sendBatch transmits one batch and applies the outcome. Returns false
// when draining should stop (transient failure or cancellation).
func (m *Manager) sendBatch(ctx context.Context, items []model.SyncQueueItem) bool {
	if err := m.queue.markInFlight(ctx, items); err != nil {
		log.Printf("Error marking batch in flight: %v", err)
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx,
		time.Duration(m.cfg.RequestTimeoutSeconds)*time.Second)
	defer cancel()

	ack, err := m.transport.SendBatch(sendCtx, NewBatch(items))
	if err != nil {
		m.handleSendError(ctx, items, err)
		return false
	}

	return m.applyAck(ctx, items, ack)
}

func (m *Manager) handleSendError(ctx context.Context, items []model.SyncQueueItem, err error) {
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		log.Printf("Batch permanently rejected: %v", err)
		if rejectErr := m.queue.reject(ctx, items, permanent.Error()); rejectErr != nil {
			log.Printf("Error rejecting items: %v", rejectErr)
		}
		m.sink.Notify(ctx, notify.Advisory{
			DriverID: items[0].DriverID,
			Severity: notify.SeverityWarning,
			Code:     "sync_rejected",
			Message:  fmt.Sprintf("%d record(s) rejected by the backend and held for review", len(items)),
			At:       time.Now().UTC(),
		})
		return
	}

	// Transient: one increment per attempt, whatever the failure mode
	// (timeout included).
	m.retryLater(ctx, items, err.Error())
}

// applyAck acknowledges checksum-confirmed items and retries the rest.
// HTTP success alone never completes an item.
func (m *Manager) applyAck(ctx context.Context, items []model.SyncQueueItem, ack *BatchAck) bool {
	acked := make(map[string]string, len(ack.Acks))
	for _, itemAck := range ack.Acks {
		acked[itemAck.ItemID] = itemAck.Checksum
	}

	var mismatched []model.SyncQueueItem
	ackedDrivers := make(map[string]struct{})
	for _, item := range items {
		if acked[item.ItemID] == item.Checksum {
			if err := m.queue.acknowledge(ctx, item.ItemID); err != nil {
				log.Printf("Error acknowledging item %s: %v", item.ItemID, err)
			}
			ackedDrivers[item.DriverID] = struct{}{}
			continue
		}
		mismatched = append(mismatched, item)
	}

	// Any confirmed transmission resets the driver's queue to the initial
	// retry interval.
	for driverID := range ackedDrivers {
		if err := m.queue.resetBackoff(ctx, driverID); err != nil {
			log.Printf("Error resetting backoff for driver %s: %v", driverID, err)
		}
	}

	if len(mismatched) == 0 {
		return true
	}

	// Partial or corrupted transmission: retried, never falsely completed.
	log.Printf("Integrity failure: %d of %d items lacked a matching checksum ack", len(mismatched), len(items))
	m.retryLater(ctx, mismatched, ErrIntegrity.Error())
	for _, item := range mismatched {
		if item.AttemptCount >= 1 {
			m.sink.Notify(ctx, notify.Advisory{
				DriverID: item.DriverID,
				Severity: notify.SeverityCritical,
				Code:     "sync_integrity",
				Message:  fmt.Sprintf("repeated checksum mismatch for item %s", item.ItemID),
				At:       time.Now().UTC(),
			})
		}
	}
	return false
}

func (m *Manager) retryLater(ctx context.Context, items []model.SyncQueueItem, cause string) {
	// attempt_count is pre-increment here; backoff keys off the attempt
	// that just failed.
	attempt := items[0].AttemptCount + 1
	delay := m.backoff(attempt)
	if err := m.queue.fail(ctx, items, time.Now().UTC().Add(delay), cause); err != nil {
		log.Printf("Error scheduling retry: %v", err)
	}

	if attempt == m.cfg.DelayedAfterAttempts {
		m.sink.Notify(ctx, notify.Advisory{
			DriverID: items[0].DriverID,
			Severity: notify.SeverityWarning,
			Code:     "sync_delayed",
			Message:  fmt.Sprintf("%d record(s) have not synced after %d attempts", len(items), attempt),
			At:       time.Now().UTC(),
		})
	}
}

// backoff walks the configured schedule with ±20% jitter; the final step
// repeats indefinitely.
func (m *Manager) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	idx := attempt - 1
	if idx >= len(m.schedule) {
		idx = len(m.schedule) - 1
	}
	base := m.schedule[idx]
	factor := 0.8 + 0.4*m.jitter()
	return time.Duration(float64(base) * factor)
}
