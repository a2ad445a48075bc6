package syncq

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"fleet-hos-engine/internal/model"
)

// queue is the persistence layer of the manager. Item state is the sync
// checkpoint: after a crash or suspension the worker resumes from whatever
// the store last committed.
type queue struct {
	db *gorm.DB
}

// recoverInFlight returns items stranded InFlight by a crash or
// suspension to Pending. Their attempt counters are untouched; the
// interrupted transmission never counted.
func (q *queue) recoverInFlight(ctx context.Context) (int64, error) {
	result := q.db.WithContext(ctx).
		Model(&model.SyncQueueItem{}).
		Where("state = ?", model.ItemInFlight).
		Update("state", model.ItemPending)
	return result.RowsAffected, result.Error
}

// nextBatch selects the next transmission: the head item's priority class,
// FIFO by occurred_at within it, up to the byte budget. Critical items are
// never batched together with lower classes and go out one per request to
// minimize latency to first acknowledgement.
func (q *queue) nextBatch(ctx context.Context, now time.Time, byteBudget int) ([]model.SyncQueueItem, error) {
	var head model.SyncQueueItem
	err := q.due(ctx, now).
		Order("priority ASC, occurred_at ASC, item_id ASC").
		First(&head).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pick queue head: %w", err)
	}

	if head.Priority == model.PriorityCritical {
		return []model.SyncQueueItem{head}, nil
	}

	var candidates []model.SyncQueueItem
	err = q.due(ctx, now).
		Where("priority = ?", head.Priority).
		Order("occurred_at ASC, item_id ASC").
		Limit(256).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fill batch: %w", err)
	}

	batch := candidates[:0]
	used := 0
	for _, item := range candidates {
		if len(batch) > 0 && used+len(item.Payload) > byteBudget {
			break
		}
		batch = append(batch, item)
		used += len(item.Payload)
	}
	return batch, nil
}

func (q *queue) due(ctx context.Context, now time.Time) *gorm.DB {
	return q.db.WithContext(ctx).
		Model(&model.SyncQueueItem{}).
		Where("state = ?", model.ItemPending).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now)
}

// markInFlight moves a batch to InFlight before transmission.
func (q *queue) markInFlight(ctx context.Context, items []model.SyncQueueItem) error {
	return q.db.WithContext(ctx).
		Model(&model.SyncQueueItem{}).
		Where("item_id IN ?", itemIDs(items)).
		Update("state", model.ItemInFlight).Error
}

// acknowledge completes an item. Acknowledgement is idempotent: a
// duplicate ack of an already-acknowledged item changes nothing.
func (q *queue) acknowledge(ctx context.Context, itemID string) error {
	return q.db.WithContext(ctx).
		Model(&model.SyncQueueItem{}).
		Where("item_id = ? AND state <> ?", itemID, model.ItemAcknowledged).
		Updates(map[string]any{
			"state":      model.ItemAcknowledged,
			"last_error": "",
		}).Error
}

// fail returns items to Pending with exactly one attempt increment and the
// given retry time.
func (q *queue) fail(ctx context.Context, items []model.SyncQueueItem, nextRetryAt time.Time, cause string) error {
	return q.db.WithContext(ctx).
		Model(&model.SyncQueueItem{}).
		Where("item_id IN ?", itemIDs(items)).
		Updates(map[string]any{
			"state":         model.ItemPending,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"next_retry_at": nextRetryAt,
			"last_error":    cause,
		}).Error
}

// resetBackoff returns a driver's pending items to the initial retry
// step. A confirmed transmission means the link is healthy again, so
// previously failed items stop waiting out deep-schedule delays.
func (q *queue) resetBackoff(ctx context.Context, driverID string) error {
	return q.db.WithContext(ctx).
		Model(&model.SyncQueueItem{}).
		Where("driver_id = ? AND state = ? AND attempt_count > 0", driverID, model.ItemPending).
		Updates(map[string]any{
			"attempt_count": 0,
			"next_retry_at": nil,
		}).Error
}

// reject parks items in the Rejected terminal state.
func (q *queue) reject(ctx context.Context, items []model.SyncQueueItem, cause string) error {
	return q.db.WithContext(ctx).
		Model(&model.SyncQueueItem{}).
		Where("item_id IN ?", itemIDs(items)).
		Updates(map[string]any{
			"state":      model.ItemRejected,
			"last_error": cause,
		}).Error
}

// markConflicted holds an item for conflict resolution without blocking
// the rest of the queue.
func (q *queue) markConflicted(ctx context.Context, itemID, cause string) error {
	return q.db.WithContext(ctx).
		Model(&model.SyncQueueItem{}).
		Where("item_id = ?", itemID).
		Updates(map[string]any{
			"state":      model.ItemConflicted,
			"last_error": cause,
		}).Error
}

// Depth is the queue census the status API reports.
type Depth struct {
	Priority model.Priority  `json:"priority"`
	State    model.ItemState `json:"state"`
	Count    int64           `json:"count"`
}

func (q *queue) depths(ctx context.Context, driverID string) ([]Depth, error) {
	var depths []Depth
	err := q.db.WithContext(ctx).
		Model(&model.SyncQueueItem{}).
		Select("priority, state, COUNT(*) as count").
		Where("driver_id = ?", driverID).
		Group("priority, state").
		Order("priority ASC").
		Find(&depths).Error
	return depths, err
}

func itemIDs(items []model.SyncQueueItem) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ItemID
	}
	return ids
}
