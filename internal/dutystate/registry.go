package dutystate

import (
	"context"
	"sync"
	"time"

	"fleet-hos-engine/internal/eventlog"
	"fleet-hos-engine/internal/hos"
	"fleet-hos-engine/internal/model"
	"fleet-hos-engine/internal/notify"
	"fleet-hos-engine/internal/telemetry"
)

// Registry owns one Machine per driver. Machines are fully independent:
// there is no process-wide "current driver" singleton, so multiple driver
// sessions run in parallel without cross-contamination.
type Registry struct {
	mu       sync.Mutex
	machines map[string]*Machine

	store   eventlog.Store
	profile hos.Profile
	tz      string
	sink    notify.Sink
	cfg     Config
}

// NewRegistry creates an empty registry.
func NewRegistry(store eventlog.Store, profile hos.Profile, tz string, sink notify.Sink, cfg Config) *Registry {
	return &Registry{
		machines: make(map[string]*Machine),
		store:    store,
		profile:  profile,
		tz:       tz,
		sink:     sink,
		cfg:      cfg,
	}
}

// Machine returns the driver's state machine, creating it (and replaying
// the driver's log) on first use.
func (r *Registry) Machine(ctx context.Context, driverID, vehicleID string) (*Machine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.machines[driverID]; ok {
		return m, nil
	}

	calc, err := hos.NewCalculator(driverID, r.profile, r.tz)
	if err != nil {
		return nil, err
	}
	advisor, err := hos.NewAdvisor(r.sink, r.tz)
	if err != nil {
		return nil, err
	}
	m, err := NewMachine(ctx, driverID, vehicleID, r.store, calc, advisor, r.sink, r.cfg)
	if err != nil {
		return nil, err
	}
	r.machines[driverID] = m
	return m, nil
}

// HandleSample implements telemetry.Handler, routing a sample to the
// owning driver's machine.
func (r *Registry) HandleSample(sample telemetry.Sample) error {
	m, err := r.Machine(context.Background(), sample.DriverID, sample.VehicleID)
	if err != nil {
		return err
	}
	return m.HandleSample(context.Background(), sample)
}

// ClockIn opens a reporting shift session and records the initial OffDuty
// declaration for the driver.
func (r *Registry) ClockIn(ctx context.Context, driverID, vehicleID string, at time.Time) (*model.ShiftSession, error) {
	m, err := r.Machine(ctx, driverID, vehicleID)
	if err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = time.Now()
	}
	session, err := r.store.OpenShift(ctx, driverID, vehicleID, at)
	if err != nil {
		return nil, err
	}
	// Clock-in always starts OffDuty; a driver already OffDuty just gets
	// the shift opened.
	if m.Current() != model.StatusOffDuty {
		if err := m.RequestTransition(ctx, model.StatusOffDuty, model.CauseManual, "clock-in", at); err != nil {
			return nil, err
		}
	}
	return session, nil
}

// ClockOut closes the driver's open shift session.
func (r *Registry) ClockOut(ctx context.Context, driverID string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	return r.store.CloseShift(ctx, driverID, at)
}
