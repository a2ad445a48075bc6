package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fleet-hos-engine/internal/connectivity"
	"fleet-hos-engine/internal/model"
	"fleet-hos-engine/internal/notify"
	"fleet-hos-engine/internal/syncq"
)

// ErrConflictUnresolved marks an item held for manual resolution. It is
// surfaced to the external workflow and never blocks the rest of the queue.
var ErrConflictUnresolved = errors.New("conflict held for manual resolution")

// ErrUnknownConflict is returned when a manual resolution targets a record
// that does not exist or is already resolved.
var ErrUnknownConflict = errors.New("unknown or already resolved conflict")

// Resolver reconciles locally queued changes against authoritative server
// state on reconnect. Reference data follows the server; the locally
// recorded fact is kept and relinked against the server's current version
// of the entity. Anything the policy cannot resolve (a deleted referent,
// an ambiguous identity) is held as Conflicted for manual handling.
type Resolver struct {
	db        *gorm.DB
	transport syncq.Transport
	manager   *syncq.Manager
	monitor   *connectivity.Monitor
	sink      notify.Sink
	interval  time.Duration
}

// NewResolver wires the resolver against the shared store and transport.
func NewResolver(db *gorm.DB, transport syncq.Transport, manager *syncq.Manager,
	monitor *connectivity.Monitor, sink notify.Sink, interval time.Duration) *Resolver {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Resolver{
		db:        db,
		transport: transport,
		manager:   manager,
		monitor:   monitor,
		sink:      sink,
		interval:  interval,
	}
}

// Run polls for server-side divergences whenever the device is online, and
// immediately after each offline to online transition.
func (r *Resolver) Run(ctx context.Context) {
	connCh := r.monitor.Subscribe()
	timer := time.NewTimer(r.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Conflict resolver shutting down.")
			return
		case state := <-connCh:
			if !state.Online() {
				continue
			}
		case <-timer.C:
		}
		timer.Reset(r.interval)

		if !r.monitor.State().Online() {
			continue
		}
		if err := r.PollOnce(ctx); err != nil {
			log.Printf("Error polling conflicts: %v", err)
		}
	}
}

// PollOnce fetches and resolves divergences for every driver with
// unacknowledged queue items.
func (r *Resolver) PollOnce(ctx context.Context) error {
	var driverIDs []string
	err := r.db.WithContext(ctx).
		Model(&model.SyncQueueItem{}).
		Where("state IN ?", []model.ItemState{model.ItemPending, model.ItemInFlight, model.ItemConflicted}).
		Distinct("driver_id").
		Pluck("driver_id", &driverIDs).Error
	if err != nil {
		return fmt.Errorf("failed to list drivers with queued items: %w", err)
	}

	for _, driverID := range driverIDs {
		conflicts, err := r.transport.PollConflicts(ctx, driverID)
		if err != nil {
			return err
		}
		for _, sc := range conflicts {
			if err := r.resolve(ctx, driverID, sc); err != nil && !errors.Is(err, ErrConflictUnresolved) {
				log.Printf("Error resolving conflict on item %s: %v", sc.ItemID, err)
			}
		}
	}
	return nil
}

// resolve applies the default policy to one server-reported divergence.
func (r *Resolver) resolve(ctx context.Context, driverID string, sc syncq.ServerConflict) error {
	var item model.SyncQueueItem
	err := r.db.WithContext(ctx).First(&item, "item_id = ?", sc.ItemID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load item %s: %w", sc.ItemID, err)
	}
	if item.State == model.ItemAcknowledged || item.State == model.ItemRejected {
		return nil
	}

	// One record per item and server version; re-polls are idempotent.
	var existing int64
	if err := r.db.WithContext(ctx).Model(&model.ConflictRecord{}).
		Where("item_id = ? AND server_version = ?", sc.ItemID, sc.ServerVersion).
		Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}

	record := model.ConflictRecord{
		ID:            uuid.NewString(),
		ItemID:        sc.ItemID,
		DriverID:      driverID,
		EntityRef:     sc.EntityRef,
		LocalVersion:  sc.LocalVersion,
		ServerVersion: sc.ServerVersion,
		ServerDeleted: sc.ServerDeleted,
		DetectedAt:    time.Now().UTC(),
	}

	if sc.ServerDeleted || sc.ServerEntityRef == "" {
		return r.holdForManual(ctx, &item, record)
	}
	return r.relink(ctx, &item, record, sc.ServerEntityRef)
}

// relink rewrites the item's entity reference to the server's current
// version and returns it to Pending. The recorded fact is preserved.
func (r *Resolver) relink(ctx context.Context, item *model.SyncQueueItem, record model.ConflictRecord, serverRef string) error {
	var payload map[string]any
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		// Undecodable payload means the relink cannot be done safely.
		return r.holdForManual(ctx, item, record)
	}
	payload["entity_ref"] = serverRef
	payload["entity_version"] = record.ServerVersion

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to re-encode payload for item %s: %w", item.ItemID, err)
	}
	item.Payload = body
	item.Checksum = syncq.Checksum(body)

	now := time.Now().UTC()
	record.Resolution = model.ResolutionServerWins
	record.ResolvedAt = &now

	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to persist conflict record: %w", err)
	}
	if err := r.manager.Requeue(ctx, item); err != nil {
		return fmt.Errorf("failed to requeue relinked item %s: %w", item.ItemID, err)
	}
	log.Printf("Conflict on item %s resolved server-wins; relinked %s -> %s",
		item.ItemID, record.EntityRef, serverRef)
	return nil
}

// holdForManual parks the item as Conflicted and surfaces it. The queue
// keeps draining around it.
func (r *Resolver) holdForManual(ctx context.Context, item *model.SyncQueueItem, record model.ConflictRecord) error {
	record.Resolution = model.ResolutionPendingManual
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to persist conflict record: %w", err)
	}
	if err := r.manager.MarkConflicted(ctx, item.ItemID, ErrConflictUnresolved.Error()); err != nil {
		return err
	}

	cause := "server entity changed"
	if record.ServerDeleted {
		cause = "server entity deleted"
	}
	r.sink.Notify(ctx, notify.Advisory{
		DriverID: item.DriverID,
		Severity: notify.SeverityWarning,
		Code:     "conflict_unresolved",
		Message:  fmt.Sprintf("%s record %s needs manual review (%s)", item.Kind, item.ItemID, cause),
		At:       time.Now().UTC(),
	})
	return ErrConflictUnresolved
}

// Records returns the conflict audit trail for a driver, newest first.
func (r *Resolver) Records(ctx context.Context, driverID string) ([]model.ConflictRecord, error) {
	var records []model.ConflictRecord
	err := r.db.WithContext(ctx).
		Where("driver_id = ?", driverID).
		Order("detected_at DESC").
		Find(&records).Error
	return records, err
}

// ResolveManually closes a PendingManual conflict from the external
// workflow. LocalWins requeues the held item unchanged; ServerWins drops
// it as superseded by the server's state.
func (r *Resolver) ResolveManually(ctx context.Context, recordID string, resolution model.Resolution) error {
	if resolution != model.ResolutionLocalWins && resolution != model.ResolutionServerWins {
		return fmt.Errorf("manual resolution must be %s or %s",
			model.ResolutionLocalWins, model.ResolutionServerWins)
	}

	var record model.ConflictRecord
	err := r.db.WithContext(ctx).
		First(&record, "id = ? AND resolution = ?", recordID, model.ResolutionPendingManual).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrUnknownConflict
	}
	if err != nil {
		return err
	}

	var item model.SyncQueueItem
	if err := r.db.WithContext(ctx).First(&item, "item_id = ?", record.ItemID).Error; err != nil {
		return fmt.Errorf("failed to load conflicted item %s: %w", record.ItemID, err)
	}

	if resolution == model.ResolutionLocalWins {
		if err := r.manager.Requeue(ctx, &item); err != nil {
			return err
		}
	} else {
		err := r.db.WithContext(ctx).Model(&model.SyncQueueItem{}).
			Where("item_id = ?", item.ItemID).
			Updates(map[string]any{
				"state":      model.ItemRejected,
				"last_error": "superseded by server state",
			}).Error
		if err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&model.ConflictRecord{}).
		Where("id = ?", record.ID).
		Updates(map[string]any{"resolution": resolution, "resolved_at": &now}).Error
}
