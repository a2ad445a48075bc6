package model

import (
	"errors"
	"strings"
	"time"
)

// Priority orders queue items at dequeue time. Lower value drains first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityNormal
	PriorityLow
)

var priorityNames = map[Priority]string{
	PriorityCritical: "CRITICAL",
	PriorityHigh:     "HIGH",
	PriorityMedium:   "MEDIUM",
	PriorityNormal:   "NORMAL",
	PriorityLow:      "LOW",
}

// Valid reports whether the priority is one of the five classes.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// String returns the string representation of the Priority.
func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "UNKNOWN"
}

// ItemState is the sync lifecycle state of a queue item.
type ItemState string

const (
	ItemPending      ItemState = "PENDING"
	ItemInFlight     ItemState = "IN_FLIGHT"
	ItemAcknowledged ItemState = "ACKNOWLEDGED"
	ItemConflicted   ItemState = "CONFLICTED"
	ItemRejected     ItemState = "REJECTED"
)

// Valid reports whether the state is one of the allowed lifecycle states.
func (s ItemState) Valid() bool {
	switch s {
	case ItemPending, ItemInFlight, ItemAcknowledged, ItemConflicted, ItemRejected:
		return true
	default:
		return false
	}
}

// String returns the string representation of the ItemState.
func (s ItemState) String() string {
	return string(s)
}

// PayloadKind classifies what a queue item carries. Fuel and damage
// records ride the same queue as everything else; they are not bespoke
// subsystems.
type PayloadKind string

const (
	KindDutyStatus      PayloadKind = "DUTY_STATUS"
	KindInspectionFail  PayloadKind = "INSPECTION_FAILURE"
	KindInspection      PayloadKind = "INSPECTION"
	KindIncident        PayloadKind = "INCIDENT"
	KindFuelTransaction PayloadKind = "FUEL_TRANSACTION"
	KindDamageReport    PayloadKind = "DAMAGE_REPORT"
	KindDeliveryConfirm PayloadKind = "DELIVERY_CONFIRMATION"
	KindTelemetryRollup PayloadKind = "TELEMETRY_ROLLUP"
)

var ErrInvalidPayloadKind = errors.New("invalid payload kind")

// ParsePayloadKind normalizes and validates a payload kind string.
func ParsePayloadKind(in string) (PayloadKind, error) {
	kind := PayloadKind(strings.ToUpper(strings.TrimSpace(in)))
	if kind.Valid() {
		return kind, nil
	}
	return "", ErrInvalidPayloadKind
}

// Valid reports whether the kind is one of the allowed payload kinds.
func (k PayloadKind) Valid() bool {
	switch k {
	case KindDutyStatus, KindInspectionFail, KindInspection, KindIncident,
		KindFuelTransaction, KindDamageReport, KindDeliveryConfirm, KindTelemetryRollup:
		return true
	default:
		return false
	}
}

// String returns the string representation of the PayloadKind.
func (k PayloadKind) String() string {
	return string(k)
}

// SyncQueueItem is the durable record of one pending upload. PayloadRef
// points back at the event log row (or a non-event domain record); the
// payload bytes are snapshotted at enqueue so retries transmit exactly
// what was checksummed.
type SyncQueueItem struct {
	ItemID       string      `gorm:"primaryKey;size:36"`
	DriverID     string      `gorm:"index;size:64;not null"`
	PayloadRef   string      `gorm:"size:64;not null"`
	Kind         PayloadKind `gorm:"size:32;not null"`
	Priority     Priority    `gorm:"index:idx_sync_dequeue;not null"`
	State        ItemState   `gorm:"index:idx_sync_dequeue;size:16;not null"`
	OccurredAt   time.Time   `gorm:"index:idx_sync_dequeue;not null"`
	Payload      []byte      `gorm:"not null"`
	Checksum     string      `gorm:"size:64;not null"`
	AttemptCount int         `gorm:"not null"`
	NextRetryAt  *time.Time  `gorm:"index"`
	LastError    string      `gorm:"size:1024"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
