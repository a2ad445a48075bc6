package dutystate

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleet-hos-engine/internal/eventlog"
	"fleet-hos-engine/internal/hos"
	"fleet-hos-engine/internal/model"
	"fleet-hos-engine/internal/notify"
	"fleet-hos-engine/internal/syncq"
	"fleet-hos-engine/internal/telemetry"
)

// Config tunes the telemetry auto-switch behavior.
type Config struct {
	SpeedThresholdMPH float64
	Debounce          time.Duration
	MinConfidence     float64
}

// Machine is the duty-status state machine for one driver. All transitions
// for the driver are serialized through it: telemetry takes the lock,
// manual commands try it and lose with ErrConcurrentTransition. Every
// accepted transition appends exactly one immutable event, with its sync
// queue item, in a single store transaction.
type Machine struct {
	driverID  string
	vehicleID string

	mu      sync.Mutex
	store   eventlog.Store
	calc    *hos.Calculator
	advisor *hos.Advisor
	sink    notify.Sink
	cfg     Config

	current  model.DutyStatus
	lockedAt time.Time // nonzero while Driving transitions are locked

	fastSince      time.Time
	slowSince      time.Time
	yardMoveActive bool
}

// NewMachine builds a machine and rebuilds its derived state by replaying
// the driver's committed event log.
func NewMachine(ctx context.Context, driverID, vehicleID string, store eventlog.Store,
	calc *hos.Calculator, advisor *hos.Advisor, sink notify.Sink, cfg Config) (*Machine, error) {

	m := &Machine{
		driverID:  driverID,
		vehicleID: vehicleID,
		store:     store,
		calc:      calc,
		advisor:   advisor,
		sink:      sink,
		cfg:       cfg,
		current:   model.StatusOffDuty,
	}
	if err := m.replay(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// replay discards derived state and rebuilds it from the log.
func (m *Machine) replay(ctx context.Context) error {
	events, err := m.store.EventsByDriver(ctx, m.driverID, time.Time{}, time.Time{})
	if err != nil {
		// Quarantined corruption is surfaced but the remaining log is
		// still authoritative.
		log.Printf("Replaying driver %s with degraded log: %v", m.driverID, err)
	}
	m.calc.Replay(events)
	m.current = model.StatusOffDuty
	if last := m.calc.Current(); last != nil {
		m.current = last.Status
	}
	return nil
}

// Current returns the driver's current duty status.
func (m *Machine) Current() model.DutyStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Window returns the HOS window projected to now.
func (m *Machine) Window(at time.Time) hos.Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calc.WindowAt(at)
}

// HandleSample feeds one telemetry sample through the debounce and
// auto-switch rules, then enforces hard limits and limit warnings.
func (m *Machine) HandleSample(ctx context.Context, sample telemetry.Sample) error {
	if err := sample.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// A low-confidence sample neither arms nor resets the debounce.
	if sample.Confidence < m.cfg.MinConfidence {
		return nil
	}

	now := sample.RecordedAt.UTC()
	if sample.SpeedMPH > m.cfg.SpeedThresholdMPH {
		m.slowSince = time.Time{}
		m.yardMoveActive = false
		if m.fastSince.IsZero() {
			m.fastSince = now
		}
		if m.current != model.StatusDriving && now.Sub(m.fastSince) >= m.cfg.Debounce {
			m.fastSince = time.Time{}
			if err := m.gateDriving(now); err != nil {
				m.forceOffDuty(ctx, &sample, now, "drive attempted with no remaining hours")
				return nil
			}
			if err := m.emit(ctx, eventSpec{
				status: model.StatusDriving,
				cause:  model.CauseAutoSwitch,
				at:     now,
				sample: &sample,
			}); err != nil {
				return err
			}
		}
	} else {
		m.fastSince = time.Time{}

		// Sub-threshold movement is yard movement: it never reaches
		// Driving, and is logged as an annotated on-duty event excluded
		// from drive-time accumulation.
		if sample.SpeedMPH > 0 && sample.EngineOn &&
			m.current == model.StatusOnDutyNotDriving && !m.yardMoveActive {
			m.yardMoveActive = true
			if err := m.emit(ctx, eventSpec{
				status:   model.StatusOnDutyNotDriving,
				cause:    model.CauseAutoSwitch,
				at:       now,
				sample:   &sample,
				yardMove: true,
			}); err != nil {
				return err
			}
		}
		if sample.SpeedMPH == 0 {
			m.yardMoveActive = false
		}

		if m.current == model.StatusDriving && sample.EngineOn {
			if m.slowSince.IsZero() {
				m.slowSince = now
			}
			if now.Sub(m.slowSince) >= m.cfg.Debounce {
				m.slowSince = time.Time{}
				if err := m.emit(ctx, eventSpec{
					status: model.StatusOnDutyNotDriving,
					cause:  model.CauseAutoSwitch,
					at:     now,
					sample: &sample,
				}); err != nil {
					return err
				}
			}
		}
	}

	return m.enforceLimits(ctx, &sample, now)
}

// enforceLimits forces Driving to OffDuty the instant a hard limit is hit,
// and feeds the advisor otherwise. This is the only path by which the
// calculator's verdicts mutate duty state, and it always flows through the
// same emit validator as every other transition.
func (m *Machine) enforceLimits(ctx context.Context, sample *telemetry.Sample, now time.Time) error {
	if !m.current.OnDuty() {
		return nil
	}
	window := m.calc.WindowAt(now)

	// The on-duty and cycle clocks accrue while stopped too; warnings
	// must keep flowing then. Forcing OffDuty is Driving-only.
	if m.current == model.StatusDriving {
		remaining := window.RemainingDriveSecs
		if window.RemainingOnDutySecs < remaining {
			remaining = window.RemainingOnDutySecs
		}
		if remaining <= 0 {
			// Stamp the forced transition at the exact instant the
			// limit was reached, not at sample arrival.
			at := now.Add(time.Duration(remaining) * time.Second)
			m.forceOffDuty(ctx, sample, at, "hours-of-service hard limit reached")
			return nil
		}
	}
	m.advisor.Observe(ctx, window)
	return nil
}

// RequestTransition applies a manual (or dispatcher-forced) command. It is
// the single entry point for all external transition authority.
func (m *Machine) RequestTransition(ctx context.Context, target model.DutyStatus, cause model.TransitionCause, reason string, at time.Time) error {
	if !target.Valid() {
		return fmt.Errorf("%w: %v", ErrValidation, model.ErrInvalidDutyStatus)
	}
	if cause != model.CauseManual && cause != model.CauseSystemForced {
		return fmt.Errorf("%w: cause %s is not accepted from callers", ErrValidation, cause)
	}
	if target.Rest() && reason == "" {
		return fmt.Errorf("%w: a reason is required for %s", ErrValidation, target)
	}

	if !m.mu.TryLock() {
		return fmt.Errorf("%w %s", ErrConcurrentTransition, m.driverID)
	}
	defer m.mu.Unlock()

	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	if target == m.current {
		return fmt.Errorf("%w: driver %s is already %s", ErrValidation, m.driverID, target)
	}

	if target == model.StatusDriving {
		if err := m.gateDriving(at); err != nil {
			m.forceOffDuty(ctx, nil, at, "drive requested with no remaining hours")
			return err
		}
	}

	return m.emit(ctx, eventSpec{
		status: target,
		cause:  cause,
		at:     at,
		reason: reason,
	})
}

// RecordCorrection appends a Manual event annotating a prior one. The
// original is never edited; the full audit history is preserved, and the
// derived state is rebuilt so out-of-order corrections land in sequence.
func (m *Machine) RecordCorrection(ctx context.Context, correctsEventID string, status model.DutyStatus, reason string, at time.Time) error {
	if correctsEventID == "" || reason == "" {
		return fmt.Errorf("%w: corrections require the corrected event id and a reason", ErrValidation)
	}
	if at.IsZero() {
		return fmt.Errorf("%w: corrections require the corrected occurrence time", ErrValidation)
	}
	if !status.Valid() {
		return fmt.Errorf("%w: %v", ErrValidation, model.ErrInvalidDutyStatus)
	}

	if !m.mu.TryLock() {
		return fmt.Errorf("%w %s", ErrConcurrentTransition, m.driverID)
	}
	defer m.mu.Unlock()

	if err := m.emit(ctx, eventSpec{
		status:   status,
		cause:    model.CauseManual,
		at:       at.UTC(),
		reason:   reason,
		corrects: &correctsEventID,
	}); err != nil {
		return err
	}
	return m.replay(ctx)
}

// gateDriving rejects Driving when no drive or on-duty time remains, or
// while the lock from a prior forced transition has not been cleared by a
// qualifying break.
func (m *Machine) gateDriving(at time.Time) error {
	window := m.calc.WindowAt(at)
	if !m.lockedAt.IsZero() {
		if window.LastBreakEnd.After(m.lockedAt) && window.RemainingDriveSecs > 0 {
			m.lockedAt = time.Time{}
		} else {
			return fmt.Errorf("%w: driving locked until a qualifying break", ErrLimitExceeded)
		}
	}
	if window.RemainingDriveSecs <= 0 || window.RemainingOnDutySecs <= 0 {
		return fmt.Errorf("%w: no drive or on-duty time remaining", ErrLimitExceeded)
	}
	return nil
}

// forceOffDuty emits a SystemForced OffDuty event, locks further Driving
// transitions, and raises a Critical advisory. Compliance-affecting
// outcomes are always surfaced, never swallowed.
func (m *Machine) forceOffDuty(ctx context.Context, sample *telemetry.Sample, at time.Time, reason string) {
	if m.current != model.StatusOffDuty {
		if err := m.emit(ctx, eventSpec{
			status: model.StatusOffDuty,
			cause:  model.CauseSystemForced,
			at:     at,
			sample: sample,
			reason: reason,
		}); err != nil {
			log.Printf("Error forcing off-duty for driver %s: %v", m.driverID, err)
		}
	}
	m.lockedAt = at
	m.sink.Notify(ctx, notify.Advisory{
		DriverID: m.driverID,
		Severity: notify.SeverityCritical,
		Code:     "limit_exceeded",
		Message:  reason,
		At:       at,
	})
}

// eventSpec gathers everything emit needs to build one immutable event.
type eventSpec struct {
	status   model.DutyStatus
	cause    model.TransitionCause
	at       time.Time
	sample   *telemetry.Sample
	yardMove bool
	reason   string
	corrects *string
}

// emit persists the event and its sync queue item atomically, then folds
// it into the calculator. The yard-move annotation keeps the current
// status and is excluded from drive accumulation by its status alone.
func (m *Machine) emit(ctx context.Context, spec eventSpec) error {
	event := model.DutyStatusEvent{
		EventID:         uuid.NewString(),
		DriverID:        m.driverID,
		VehicleID:       m.vehicleID,
		Status:          spec.status,
		Cause:           spec.cause,
		OccurredAt:      spec.at,
		YardMove:        spec.yardMove,
		Reason:          spec.reason,
		CorrectsEventID: spec.corrects,
		SourceConfidence: 1,
	}
	if spec.sample != nil {
		event.Latitude = spec.sample.Latitude
		event.Longitude = spec.sample.Longitude
		event.SourceConfidence = spec.sample.Confidence
		if event.VehicleID == "" {
			event.VehicleID = spec.sample.VehicleID
		}
	}

	item, err := syncq.ItemForEvent(&event)
	if err != nil {
		return err
	}
	if err := m.store.Append(ctx, &event, item); err != nil {
		return err
	}

	m.calc.Advance(&event)
	m.current = spec.status
	m.fastSince = time.Time{}
	m.slowSince = time.Time{}
	return nil
}
