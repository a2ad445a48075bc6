package eventlog

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"fleet-hos-engine/internal/model"
)

// Compact moves events older than cutoff into the archive table. An event
// still referenced by a sync queue item that has not reached ACKNOWLEDGED
// stays in the hot table, whatever its age; the regulatory retention floor
// is enforced by the caller via the cutoff.
func (s *gormStore) Compact(ctx context.Context, cutoff time.Time) (int64, error) {
	var moved int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []model.DutyStatusEvent
		err := tx.
			Where("occurred_at < ?", cutoff.UTC()).
			Where("event_id NOT IN (?)", tx.
				Model(&model.SyncQueueItem{}).
				Select("payload_ref").
				Where("state <> ?", model.ItemAcknowledged)).
			Find(&candidates).Error
		if err != nil {
			return fmt.Errorf("failed to select compaction candidates: %w", err)
		}
		if len(candidates) == 0 {
			return nil
		}

		now := time.Now().UTC()
		archives := make([]model.DutyStatusEventArchive, 0, len(candidates))
		ids := make([]string, 0, len(candidates))
		for _, event := range candidates {
			archives = append(archives, model.DutyStatusEventArchive{
				EventID:          event.EventID,
				DriverID:         event.DriverID,
				VehicleID:        event.VehicleID,
				Status:           event.Status,
				Cause:            event.Cause,
				OccurredAt:       event.OccurredAt,
				Latitude:         event.Latitude,
				Longitude:        event.Longitude,
				SourceConfidence: event.SourceConfidence,
				YardMove:         event.YardMove,
				Reason:           event.Reason,
				CorrectsEventID:  event.CorrectsEventID,
				ArchivedAt:       now,
			})
			ids = append(ids, event.EventID)
		}

		if err := tx.Create(&archives).Error; err != nil {
			return fmt.Errorf("failed to archive %d events: %w", len(archives), err)
		}
		if err := tx.Delete(&model.DutyStatusEvent{}, "event_id IN ?", ids).Error; err != nil {
			return fmt.Errorf("failed to remove archived events: %w", err)
		}
		moved = int64(len(ids))
		return nil
	})
	return moved, err
}

// Compactor periodically archives aged events.
type Compactor struct {
	store     Store
	retention time.Duration
	interval  time.Duration
}

// NewCompactor builds a compaction loop over the store. retentionDays is
// clamped to the 180-day regulatory floor by config loading.
func NewCompactor(store Store, retentionDays, intervalHours int) *Compactor {
	return &Compactor{
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  time.Duration(intervalHours) * time.Hour,
	}
}

// Run starts the compaction loop until ctx is cancelled.
func (c *Compactor) Run(ctx context.Context) {
	timer := time.NewTimer(c.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Compactor shutting down.")
			return
		case <-timer.C:
			cutoff := time.Now().UTC().Add(-c.retention)
			moved, err := c.store.Compact(ctx, cutoff)
			if err != nil {
				log.Printf("Compaction error: %v", err)
			} else if moved > 0 {
				log.Printf("Compaction archived %d events older than %s", moved, cutoff.Format(time.RFC3339))
			}
			timer.Reset(c.interval)
		}
	}
}
