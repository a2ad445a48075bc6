package model

import (
	"strings"
	"time"
)

// Resolution is the outcome of a conflict between a locally queued change
// and the authoritative server state for the referenced entity.
type Resolution string

const (
	ResolutionServerWins    Resolution = "SERVER_WINS"
	ResolutionLocalWins     Resolution = "LOCAL_WINS"
	ResolutionMerged        Resolution = "MERGED"
	ResolutionPendingManual Resolution = "PENDING_MANUAL"
)

// Valid reports whether the resolution is one of the allowed outcomes.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionServerWins, ResolutionLocalWins, ResolutionMerged, ResolutionPendingManual:
		return true
	default:
		return false
	}
}

// ParseResolution normalizes and validates a resolution string.
func ParseResolution(in string) (Resolution, bool) {
	r := Resolution(strings.ToUpper(strings.TrimSpace(in)))
	return r, r.Valid()
}

// String returns the string representation of the Resolution.
func (r Resolution) String() string {
	return string(r)
}

// ConflictRecord is the audit trail of one detected version mismatch.
// Created only when the resolver sees a server-side mutable counterpart
// that diverged while the item was queued offline.
type ConflictRecord struct {
	ID            string `gorm:"primaryKey;size:36"`
	ItemID        string `gorm:"index;size:36;not null"`
	DriverID      string `gorm:"index;size:64;not null"`
	EntityRef     string `gorm:"size:128;not null"`
	LocalVersion  int64  `gorm:"not null"`
	ServerVersion int64  `gorm:"not null"`
	// ServerDeleted marks a referent removed server-side; the resolver
	// cannot relink and holds the item for manual resolution.
	ServerDeleted bool       `gorm:"not null;default:false"`
	Resolution    Resolution `gorm:"size:16;not null"`
	DetectedAt    time.Time  `gorm:"not null"`
	ResolvedAt    *time.Time
}
