package dutystate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fleet-hos-engine/internal/db"
	"fleet-hos-engine/internal/eventlog"
	"fleet-hos-engine/internal/hos"
	"fleet-hos-engine/internal/model"
	"fleet-hos-engine/internal/notify"
	"fleet-hos-engine/internal/telemetry"
)

var machineTestBase = time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)

var testConfig = Config{
	SpeedThresholdMPH: 5,
	Debounce:          60 * time.Second,
	MinConfidence:     0.5,
}

type recordingSink struct {
	mu         sync.Mutex
	advisories []notify.Advisory
}

func (s *recordingSink) Notify(_ context.Context, advisory notify.Advisory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advisories = append(s.advisories, advisory)
}

func (s *recordingSink) byCode(code string) []notify.Advisory {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Advisory
	for _, a := range s.advisories {
		if a.Code == code {
			out = append(out, a)
		}
	}
	return out
}

func newTestStore(t *testing.T) eventlog.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	testDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to connect to the in-memory database: %v", err)
	}
	sqlDB, _ := testDB.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	assert.NoError(t, db.Migrate(testDB))
	return eventlog.NewGormStore(testDB)
}

func newTestMachine(t *testing.T, store eventlog.Store, sink notify.Sink) *Machine {
	t.Helper()
	calc, err := hos.NewCalculator("drv-1", hos.USProperty70h8d, "UTC")
	assert.NoError(t, err)
	advisor, err := hos.NewAdvisor(sink, "UTC")
	assert.NoError(t, err)
	machine, err := NewMachine(context.Background(), "drv-1", "veh-1", store, calc, advisor, sink, testConfig)
	assert.NoError(t, err)
	return machine
}

func sampleAt(at time.Time, speed float64, engineOn bool) telemetry.Sample {
	return telemetry.Sample{
		DriverID:   "drv-1",
		VehicleID:  "veh-1",
		SpeedMPH:   speed,
		EngineOn:   engineOn,
		RecordedAt: at,
		Confidence: 1,
	}
}

func TestAutoSwitchToDrivingAfterDebounce(t *testing.T) {
	store := newTestStore(t)
	machine := newTestMachine(t, store, &recordingSink{})
	ctx := context.Background()

	assert.NoError(t, machine.HandleSample(ctx, sampleAt(machineTestBase, 20, true)))
	assert.Equal(t, model.StatusOffDuty, machine.Current(), "movement inside the debounce window does not switch")

	assert.NoError(t, machine.HandleSample(ctx, sampleAt(machineTestBase.Add(30*time.Second), 20, true)))
	assert.Equal(t, model.StatusOffDuty, machine.Current())

	assert.NoError(t, machine.HandleSample(ctx, sampleAt(machineTestBase.Add(60*time.Second), 20, true)))
	assert.Equal(t, model.StatusDriving, machine.Current())

	events, err := store.EventsByDriver(ctx, "drv-1", time.Time{}, time.Time{})
	assert.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, model.CauseAutoSwitch, events[0].Cause)
}

func TestAutoSwitchBackWhenStoppedWithEngineOn(t *testing.T) {
	store := newTestStore(t)
	machine := newTestMachine(t, store, &recordingSink{})
	ctx := context.Background()

	assert.NoError(t, machine.RequestTransition(ctx, model.StatusDriving, model.CauseManual, "", machineTestBase))

	stop := machineTestBase.Add(time.Hour)
	assert.NoError(t, machine.HandleSample(ctx, sampleAt(stop, 0, true)))
	assert.Equal(t, model.StatusDriving, machine.Current())

	assert.NoError(t, machine.HandleSample(ctx, sampleAt(stop.Add(60*time.Second), 0, true)))
	assert.Equal(t, model.StatusOnDutyNotDriving, machine.Current())
}

func TestEngineOffStopDoesNotAutoSwitch(t *testing.T) {
	store := newTestStore(t)
	machine := newTestMachine(t, store, &recordingSink{})
	ctx := context.Background()

	assert.NoError(t, machine.RequestTransition(ctx, model.StatusDriving, model.CauseManual, "", machineTestBase))

	stop := machineTestBase.Add(time.Hour)
	assert.NoError(t, machine.HandleSample(ctx, sampleAt(stop, 0, false)))
	assert.NoError(t, machine.HandleSample(ctx, sampleAt(stop.Add(5*time.Minute), 0, false)))
	assert.Equal(t, model.StatusDriving, machine.Current(), "engine-off stops are left to the driver to classify")
}

func TestLowConfidenceSamplesAreIgnored(t *testing.T) {
	store := newTestStore(t)
	machine := newTestMachine(t, store, &recordingSink{})
	ctx := context.Background()

	low := sampleAt(machineTestBase, 40, true)
	low.Confidence = 0.2
	assert.NoError(t, machine.HandleSample(ctx, low))

	low.RecordedAt = machineTestBase.Add(2 * time.Minute)
	assert.NoError(t, machine.HandleSample(ctx, low))
	assert.Equal(t, model.StatusOffDuty, machine.Current(), "low-confidence movement never arms the debounce")
}

func TestYardMoveIsAnnotatedNotDriving(t *testing.T) {
	store := newTestStore(t)
	machine := newTestMachine(t, store, &recordingSink{})
	ctx := context.Background()

	assert.NoError(t, machine.RequestTransition(ctx, model.StatusOnDutyNotDriving, model.CauseManual, "", machineTestBase))

	creep := machineTestBase.Add(10 * time.Minute)
	assert.NoError(t, machine.HandleSample(ctx, sampleAt(creep, 3, true)))
	assert.Equal(t, model.StatusOnDutyNotDriving, machine.Current(), "sub-threshold movement stays on duty, not driving")

	events, err := store.EventsByDriver(ctx, "drv-1", time.Time{}, time.Time{})
	assert.NoError(t, err)
	assert.Len(t, events, 2)
	assert.True(t, events[1].YardMove)

	window := machine.Window(creep.Add(time.Hour))
	assert.Equal(t, int64(0), window.DriveTodaySecs, "yard movement accrues no drive time")
}

func TestManualTransitionValidation(t *testing.T) {
	store := newTestStore(t)
	machine := newTestMachine(t, store, &recordingSink{})
	ctx := context.Background()

	err := machine.RequestTransition(ctx, "NAPPING", model.CauseManual, "", machineTestBase)
	assert.ErrorIs(t, err, ErrValidation)

	err = machine.RequestTransition(ctx, model.StatusSleeperBerth, model.CauseManual, "", machineTestBase)
	assert.ErrorIs(t, err, ErrValidation, "rest transitions require a reason")

	err = machine.RequestTransition(ctx, model.StatusOffDuty, model.CauseManual, "lunch", machineTestBase)
	assert.ErrorIs(t, err, ErrValidation, "already off duty")

	err = machine.RequestTransition(ctx, model.StatusDriving, model.CauseAutoSwitch, "", machineTestBase)
	assert.ErrorIs(t, err, ErrValidation, "callers cannot claim auto-switch authority")

	events, storeErr := store.EventsByDriver(ctx, "drv-1", time.Time{}, time.Time{})
	assert.NoError(t, storeErr)
	assert.Empty(t, events, "rejected commands are never queued")
}

func TestOnDutyWarningsFireWhileStopped(t *testing.T) {
	store := newTestStore(t)
	sink := &recordingSink{}
	machine := newTestMachine(t, store, sink)
	ctx := context.Background()

	assert.NoError(t, machine.RequestTransition(ctx, model.StatusOnDutyNotDriving, model.CauseManual, "loading dock", machineTestBase))

	// Thirteen hours ten minutes into the 14-hour window, parked with the
	// engine idling: the on-duty clock is still running and the 60-minute
	// warning must reach the driver without a single drive event.
	at := machineTestBase.Add(13*time.Hour + 10*time.Minute)
	assert.NoError(t, machine.HandleSample(ctx, sampleAt(at, 0, true)))

	warnings := sink.byCode("daily_on_duty_limit")
	assert.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "60 minutes")
	assert.Equal(t, model.StatusOnDutyNotDriving, machine.Current(), "warnings never force a transition while stopped")
}

func TestHardLimitForcesOffDutyAtExactMark(t *testing.T) {
	store := newTestStore(t)
	sink := &recordingSink{}
	machine := newTestMachine(t, store, sink)
	ctx := context.Background()

	// 5h drive, 30-minute break, then driving again.
	assert.NoError(t, machine.RequestTransition(ctx, model.StatusDriving, model.CauseManual, "", machineTestBase))
	assert.NoError(t, machine.RequestTransition(ctx, model.StatusOffDuty, model.CauseManual, "break", machineTestBase.Add(5*time.Hour)))
	resume := machineTestBase.Add(5*time.Hour + 30*time.Minute)
	assert.NoError(t, machine.RequestTransition(ctx, model.StatusDriving, model.CauseManual, "", resume))

	// A sample arrives 5 minutes past the 11-hour daily drive mark.
	late := resume.Add(6*time.Hour + 5*time.Minute)
	assert.NoError(t, machine.HandleSample(ctx, sampleAt(late, 55, true)))
	assert.Equal(t, model.StatusOffDuty, machine.Current())

	events, err := store.EventsByDriver(ctx, "drv-1", time.Time{}, time.Time{})
	assert.NoError(t, err)
	forced := events[len(events)-1]
	assert.Equal(t, model.CauseSystemForced, forced.Cause)
	assert.Equal(t, model.StatusOffDuty, forced.Status)
	assert.WithinDuration(t, resume.Add(6*time.Hour), forced.OccurredAt, time.Second, "forced transition is stamped at the limit, not at sample arrival")

	criticals := sink.byCode("limit_exceeded")
	assert.Len(t, criticals, 1)
	assert.Equal(t, notify.SeverityCritical, criticals[0].Severity)

	var item model.SyncQueueItem
	assert.NoError(t, store.DB().First(&item, "payload_ref = ?", forced.EventID).Error)
	assert.Equal(t, model.PriorityCritical, item.Priority, "forced transitions sync at critical priority")
}

func TestDrivingLockedUntilHoursRecover(t *testing.T) {
	store := newTestStore(t)
	sink := &recordingSink{}
	machine := newTestMachine(t, store, sink)
	ctx := context.Background()

	assert.NoError(t, machine.RequestTransition(ctx, model.StatusDriving, model.CauseManual, "", machineTestBase))
	assert.NoError(t, machine.RequestTransition(ctx, model.StatusOffDuty, model.CauseManual, "break", machineTestBase.Add(5*time.Hour)))
	resume := machineTestBase.Add(5*time.Hour + 30*time.Minute)
	assert.NoError(t, machine.RequestTransition(ctx, model.StatusDriving, model.CauseManual, "", resume))
	assert.NoError(t, machine.HandleSample(ctx, sampleAt(resume.Add(6*time.Hour+5*time.Minute), 55, true)))
	assert.Equal(t, model.StatusOffDuty, machine.Current())

	// Minutes after the forced transition, driving is still locked.
	err := machine.RequestTransition(ctx, model.StatusDriving, model.CauseManual, "", resume.Add(6*time.Hour+10*time.Minute))
	assert.ErrorIs(t, err, ErrLimitExceeded)

	// Next morning the daily window has turned over and a long rest has
	// accrued; the lock clears and the transition goes through.
	nextDay := time.Date(2025, 3, 11, 8, 0, 0, 0, time.UTC)
	assert.NoError(t, machine.RequestTransition(ctx, model.StatusDriving, model.CauseManual, "", nextDay))
	assert.Equal(t, model.StatusDriving, machine.Current())
}

func TestCorrectionAppendsAndRebuilds(t *testing.T) {
	store := newTestStore(t)
	machine := newTestMachine(t, store, &recordingSink{})
	ctx := context.Background()

	assert.NoError(t, machine.RequestTransition(ctx, model.StatusDriving, model.CauseManual, "", machineTestBase))

	err := machine.RecordCorrection(ctx, "", model.StatusOffDuty, "fat-fingered status", machineTestBase)
	assert.ErrorIs(t, err, ErrValidation)

	events, err := store.EventsByDriver(ctx, "drv-1", time.Time{}, time.Time{})
	assert.NoError(t, err)
	original := events[0]

	// The correction lands mid-span and the rebuilt state reflects it: the
	// driver was actually off duty from one hour in.
	correctionAt := machineTestBase.Add(time.Hour)
	assert.NoError(t, machine.RecordCorrection(ctx, original.EventID, model.StatusOffDuty, "was off duty", correctionAt))

	events, err = store.EventsByDriver(ctx, "drv-1", time.Time{}, time.Time{})
	assert.NoError(t, err)
	assert.Len(t, events, 2, "the original event is preserved, never edited")
	assert.Equal(t, original.EventID, *events[1].CorrectsEventID)

	assert.Equal(t, model.StatusOffDuty, machine.Current())
	window := machine.Window(machineTestBase.Add(3 * time.Hour))
	assert.Equal(t, int64(3600), window.DriveTodaySecs, "rebuilt windows charge only the corrected hour")
}

// blockingStore stalls Append so a test can hold the machine's lock at a
// known point.
type blockingStore struct {
	eventlog.Store
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) Append(ctx context.Context, event *model.DutyStatusEvent, item *model.SyncQueueItem) error {
	close(b.entered)
	<-b.release
	return b.Store.Append(ctx, event, item)
}

func TestConcurrentTransitionIsRejected(t *testing.T) {
	inner := newTestStore(t)
	blocking := &blockingStore{
		Store:   inner,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	machine := newTestMachine(t, blocking, &recordingSink{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- machine.RequestTransition(ctx, model.StatusOnDutyNotDriving, model.CauseManual, "", machineTestBase)
	}()

	// The first command is inside the store append, still holding the
	// per-driver lock. The racing command loses immediately.
	<-blocking.entered
	err := machine.RequestTransition(ctx, model.StatusDriving, model.CauseManual, "", machineTestBase.Add(time.Second))
	assert.ErrorIs(t, err, ErrConcurrentTransition)

	close(blocking.release)
	assert.NoError(t, <-done)
	assert.Equal(t, model.StatusOnDutyNotDriving, machine.Current())
}
