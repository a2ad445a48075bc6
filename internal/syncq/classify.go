package syncq

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fleet-hos-engine/internal/model"
)

// Checksum returns the hex SHA-256 digest the backend re-validates before
// an item may be acknowledged.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// PriorityFor maps a payload kind to its strict dequeue class.
func PriorityFor(kind model.PayloadKind) model.Priority {
	switch kind {
	case model.KindInspectionFail, model.KindIncident:
		return model.PriorityCritical
	case model.KindDutyStatus:
		return model.PriorityHigh
	case model.KindInspection, model.KindFuelTransaction, model.KindDamageReport:
		return model.PriorityMedium
	case model.KindDeliveryConfirm:
		return model.PriorityNormal
	case model.KindTelemetryRollup:
		return model.PriorityLow
	default:
		return model.PriorityLow
	}
}

// ItemForEvent builds the queue item appended atomically with a duty-status
// event. Forced compliance transitions outrank routine duty changes.
func ItemForEvent(event *model.DutyStatusEvent) (*model.SyncQueueItem, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %s: %w", event.EventID, err)
	}

	priority := model.PriorityHigh
	if event.Cause == model.CauseSystemForced {
		priority = model.PriorityCritical
	}

	return &model.SyncQueueItem{
		ItemID:     uuid.NewString(),
		DriverID:   event.DriverID,
		PayloadRef: event.EventID,
		Kind:       model.KindDutyStatus,
		Priority:   priority,
		State:      model.ItemPending,
		OccurredAt: event.OccurredAt,
		Payload:    payload,
		Checksum:   Checksum(payload),
	}, nil
}

// NewItem builds a queue item for a non-event domain record (inspections,
// incidents, fuel, deliveries, rollups). They ride the same queue as duty
// events rather than bespoke pipelines.
func NewItem(driverID string, kind model.PayloadKind, payloadRef string, occurredAt time.Time, payload []byte) (*model.SyncQueueItem, error) {
	if !kind.Valid() {
		return nil, model.ErrInvalidPayloadKind
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("payload for %s is empty", payloadRef)
	}
	return &model.SyncQueueItem{
		ItemID:     uuid.NewString(),
		DriverID:   driverID,
		PayloadRef: payloadRef,
		Kind:       kind,
		Priority:   PriorityFor(kind),
		State:      model.ItemPending,
		OccurredAt: occurredAt.UTC(),
		Payload:    payload,
		Checksum:   Checksum(payload),
	}, nil
}
