package model

import (
	"errors"
	"strings"
)

// DutyStatus is one of the four regulatory duty statuses.
type DutyStatus string

const (
	StatusOffDuty          DutyStatus = "OFF_DUTY"
	StatusSleeperBerth     DutyStatus = "SLEEPER_BERTH"
	StatusOnDutyNotDriving DutyStatus = "ON_DUTY_NOT_DRIVING"
	StatusDriving          DutyStatus = "DRIVING"
)

var ErrInvalidDutyStatus = errors.New("invalid duty status")

// ParseDutyStatus normalizes (uppercases+trims) and validates a duty status string.
func ParseDutyStatus(in string) (DutyStatus, error) {
	status := DutyStatus(strings.ToUpper(strings.TrimSpace(in)))
	if status.Valid() {
		return status, nil
	}
	return "", ErrInvalidDutyStatus
}

// Valid reports whether the status is one of the four duty statuses.
func (status DutyStatus) Valid() bool {
	switch status {
	case StatusOffDuty, StatusSleeperBerth, StatusOnDutyNotDriving, StatusDriving:
		return true
	default:
		return false
	}
}

// Rest reports whether time in this status counts toward a qualifying break.
func (status DutyStatus) Rest() bool {
	return status == StatusOffDuty || status == StatusSleeperBerth
}

// OnDuty reports whether time in this status accumulates against the
// daily on-duty window.
func (status DutyStatus) OnDuty() bool {
	return status == StatusOnDutyNotDriving || status == StatusDriving
}

// String returns the string representation of the DutyStatus.
func (status DutyStatus) String() string {
	return string(status)
}

// TransitionCause tags how a duty-status transition was initiated. The set
// is closed: every transition validator switches exhaustively over it.
type TransitionCause string

const (
	CauseManual       TransitionCause = "MANUAL"
	CauseAutoSwitch   TransitionCause = "AUTO_SWITCH"
	CauseSystemForced TransitionCause = "SYSTEM_FORCED"
)

var ErrInvalidTransitionCause = errors.New("invalid transition cause")

// ParseTransitionCause normalizes and validates a transition cause string.
func ParseTransitionCause(in string) (TransitionCause, error) {
	cause := TransitionCause(strings.ToUpper(strings.TrimSpace(in)))
	if cause.Valid() {
		return cause, nil
	}
	return "", ErrInvalidTransitionCause
}

// Valid reports whether the cause is one of the allowed cause constants.
func (cause TransitionCause) Valid() bool {
	switch cause {
	case CauseManual, CauseAutoSwitch, CauseSystemForced:
		return true
	default:
		return false
	}
}

// String returns the string representation of the TransitionCause.
func (cause TransitionCause) String() string {
	return string(cause)
}
