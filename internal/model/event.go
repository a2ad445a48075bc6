package model

import "time"

// DutyStatusEvent is one immutable entry in the on-device event log.
// Rows are never updated; corrections are new events pointing back at the
// corrected one via CorrectsEventID. Canonical order is (OccurredAt,
// EventID).
type DutyStatusEvent struct {
	EventID          string          `gorm:"primaryKey;size:36" json:"event_id"`
	DriverID         string          `gorm:"index:idx_duty_events_driver_time;size:64;not null" json:"driver_id"`
	VehicleID        string          `gorm:"size:64" json:"vehicle_id"`
	Status           DutyStatus      `gorm:"size:32;not null" json:"status"`
	Cause            TransitionCause `gorm:"size:16;not null" json:"cause"`
	OccurredAt       time.Time       `gorm:"index:idx_duty_events_driver_time;not null" json:"occurred_at"`
	Latitude         *float64        `json:"latitude,omitempty"`
	Longitude        *float64        `json:"longitude,omitempty"`
	SourceConfidence float64         `json:"source_confidence"`
	YardMove         bool            `gorm:"not null;default:false" json:"yard_move"`
	Reason           string          `gorm:"size:512" json:"reason,omitempty"`
	CorrectsEventID  *string         `gorm:"size:36" json:"corrects_event_id,omitempty"`
	CreatedAt        time.Time       `json:"-"`
}

// DutyStatusEventArchive is the cold table compaction moves aged events
// into. Same shape as the hot table plus the archival timestamp.
type DutyStatusEventArchive struct {
	EventID          string          `gorm:"primaryKey;size:36"`
	DriverID         string          `gorm:"index;size:64;not null"`
	VehicleID        string          `gorm:"size:64"`
	Status           DutyStatus      `gorm:"size:32;not null"`
	Cause            TransitionCause `gorm:"size:16;not null"`
	OccurredAt       time.Time       `gorm:"index;not null"`
	Latitude         *float64
	Longitude        *float64
	SourceConfidence float64
	YardMove         bool
	Reason           string    `gorm:"size:512"`
	CorrectsEventID  *string   `gorm:"size:36"`
	ArchivedAt       time.Time `gorm:"not null"`
}

// ShiftSession groups events from clock-in to clock-out for one driver.
// Used only for reporting rollups; HOS math runs on rolling calendar time
// and never consults shift boundaries.
type ShiftSession struct {
	ID        string    `gorm:"primaryKey;size:36"`
	DriverID  string    `gorm:"index;size:64;not null"`
	VehicleID string    `gorm:"size:64"`
	StartedAt time.Time `gorm:"not null"`
	EndedAt   *time.Time
}

// QuarantinedEntry holds the raw bytes of an event-log row that failed to
// decode. Quarantining isolates the damage instead of halting the log.
type QuarantinedEntry struct {
	ID            int64  `gorm:"autoIncrement;primaryKey"`
	DriverID      string `gorm:"index;size:64"`
	SourceTable   string `gorm:"size:64;not null"`
	SourceKey     string `gorm:"size:128;not null"`
	RawRecord     []byte
	Reason        string    `gorm:"size:512;not null"`
	QuarantinedAt time.Time `gorm:"not null"`
}

// ComplianceGap flags a span of a driver's record as incomplete after a
// quarantine, so audits see an honest hole rather than silently missing
// history.
type ComplianceGap struct {
	ID        int64     `gorm:"autoIncrement;primaryKey"`
	DriverID  string    `gorm:"index;size:64;not null"`
	From      time.Time `gorm:"not null"`
	To        time.Time `gorm:"not null"`
	Reason    string    `gorm:"size:512;not null"`
	CreatedAt time.Time
}
