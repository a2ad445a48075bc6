package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fleet-hos-engine/internal/model"
)

// ErrStorageCorruption is returned (wrapped) when a scan hit unreadable
// rows. The bad rows are quarantined and a compliance gap is recorded; the
// rest of the log keeps serving.
var ErrStorageCorruption = errors.New("storage corruption detected")

// Store is the single shared resource between the state-machine writer and
// the HOS/sync readers. Appends are synchronous to stable storage; readers
// only ever observe committed entries.
type Store interface {
	// Append persists one immutable event and, atomically in the same
	// transaction, its sync queue item. It fills EventID when empty and
	// fires a non-blocking new-entry notification on success.
	Append(ctx context.Context, event *model.DutyStatusEvent, item *model.SyncQueueItem) error

	// EventsByDriver range-scans committed events ordered by
	// (occurred_at, event_id). Zero bounds mean an open end.
	EventsByDriver(ctx context.Context, driverID string, from, to time.Time) ([]model.DutyStatusEvent, error)

	// LatestEvent returns the most recent committed event for a driver,
	// or gorm.ErrRecordNotFound.
	LatestEvent(ctx context.Context, driverID string) (*model.DutyStatusEvent, error)

	// Compact archives events older than the cutoff, skipping any event
	// still referenced by a queue item that has not been acknowledged.
	Compact(ctx context.Context, cutoff time.Time) (int64, error)

	// OpenShift / CloseShift maintain reporting-only shift sessions.
	OpenShift(ctx context.Context, driverID, vehicleID string, at time.Time) (*model.ShiftSession, error)
	CloseShift(ctx context.Context, driverID string, at time.Time) error

	// Notify returns the new-entry wakeup channel the sync worker tails.
	Notify() <-chan struct{}

	// DB exposes the underlying handle for collaborators that share the
	// same database (queue persistence, subscription lookups).
	DB() *gorm.DB
}

type gormStore struct {
	db     *gorm.DB
	wakeup chan struct{}
}

// NewGormStore creates a GORM-backed event log store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{
		db:     db,
		wakeup: make(chan struct{}, 1),
	}
}

func (s *gormStore) DB() *gorm.DB { return s.db }

func (s *gormStore) Notify() <-chan struct{} { return s.wakeup }

func (s *gormStore) Append(ctx context.Context, event *model.DutyStatusEvent, item *model.SyncQueueItem) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		return fmt.Errorf("event %s has zero occurred_at", event.EventID)
	}
	if !event.Status.Valid() {
		return fmt.Errorf("event %s: %w", event.EventID, model.ErrInvalidDutyStatus)
	}
	if !event.Cause.Valid() {
		return fmt.Errorf("event %s: %w", event.EventID, model.ErrInvalidTransitionCause)
	}
	event.OccurredAt = event.OccurredAt.UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("failed to append event %s: %w", event.EventID, err)
		}
		if item != nil {
			if err := tx.Create(item).Error; err != nil {
				return fmt.Errorf("failed to enqueue sync item for event %s: %w", event.EventID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Best-effort wakeup; the worker also polls on its retry timers.
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
	return nil
}

func (s *gormStore) EventsByDriver(ctx context.Context, driverID string, from, to time.Time) ([]model.DutyStatusEvent, error) {
	q := s.db.WithContext(ctx).Where("driver_id = ?", driverID)
	if !from.IsZero() {
		q = q.Where("occurred_at >= ?", from.UTC())
	}
	if !to.IsZero() {
		q = q.Where("occurred_at < ?", to.UTC())
	}

	var events []model.DutyStatusEvent
	if err := q.Order("occurred_at ASC, event_id ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("range scan failed for driver %s: %w", driverID, err)
	}

	valid, quarantined := s.quarantineInvalid(ctx, driverID, events)
	if quarantined > 0 {
		return valid, fmt.Errorf("%d entries quarantined for driver %s: %w", quarantined, driverID, ErrStorageCorruption)
	}
	return valid, nil
}

func (s *gormStore) LatestEvent(ctx context.Context, driverID string) (*model.DutyStatusEvent, error) {
	var event model.DutyStatusEvent
	err := s.db.WithContext(ctx).
		Where("driver_id = ?", driverID).
		Order("occurred_at DESC, event_id DESC").
		First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// quarantineInvalid filters out rows whose enum columns no longer decode,
// moving them to the quarantine table and flagging a compliance gap.
func (s *gormStore) quarantineInvalid(ctx context.Context, driverID string, events []model.DutyStatusEvent) ([]model.DutyStatusEvent, int) {
	valid := events[:0]
	quarantined := 0
	for _, event := range events {
		if event.Status.Valid() && event.Cause.Valid() && !event.OccurredAt.IsZero() {
			valid = append(valid, event)
			continue
		}
		quarantined++
		if err := s.quarantine(ctx, event); err != nil {
			log.Printf("Error quarantining event %s: %v", event.EventID, err)
		}
	}
	return valid, quarantined
}

func (s *gormStore) quarantine(ctx context.Context, event model.DutyStatusEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry := model.QuarantinedEntry{
			DriverID:      event.DriverID,
			SourceTable:   "duty_status_events",
			SourceKey:     event.EventID,
			RawRecord:     []byte(fmt.Sprintf("%+v", event)),
			Reason:        "undecodable duty-status event",
			QuarantinedAt: time.Now().UTC(),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		gap := model.ComplianceGap{
			DriverID: event.DriverID,
			From:     event.OccurredAt,
			To:       event.OccurredAt,
			Reason:   fmt.Sprintf("event %s quarantined", event.EventID),
		}
		if err := tx.Create(&gap).Error; err != nil {
			return err
		}
		return tx.Delete(&model.DutyStatusEvent{}, "event_id = ?", event.EventID).Error
	})
}

func (s *gormStore) OpenShift(ctx context.Context, driverID, vehicleID string, at time.Time) (*model.ShiftSession, error) {
	session := model.ShiftSession{
		ID:        uuid.NewString(),
		DriverID:  driverID,
		VehicleID: vehicleID,
		StartedAt: at.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		return nil, fmt.Errorf("failed to open shift for driver %s: %w", driverID, err)
	}
	return &session, nil
}

func (s *gormStore) CloseShift(ctx context.Context, driverID string, at time.Time) error {
	ended := at.UTC()
	result := s.db.WithContext(ctx).
		Model(&model.ShiftSession{}).
		Where("driver_id = ? AND ended_at IS NULL", driverID).
		Update("ended_at", &ended)
	if result.Error != nil {
		return fmt.Errorf("failed to close shift for driver %s: %w", driverID, result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
