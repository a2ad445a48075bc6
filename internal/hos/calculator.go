package hos

import (
	"fmt"
	"time"

	"fleet-hos-engine/internal/model"
)

// civilDate is a calendar day in the driver's home-terminal timezone.
type civilDate string

func civilDateOf(t time.Time, loc *time.Location) civilDate {
	return civilDate(t.In(loc).Format("2006-01-02"))
}

// Window is a derived snapshot of a driver's HOS position. It is never
// stored; it is a pure function of the ordered event sequence and can be
// rebuilt from the log at any time. All accumulators are integer seconds.
type Window struct {
	DriverID string
	At       time.Time

	DriveTodaySecs      int64
	OnDutyTodaySecs     int64
	DriveSinceBreakSecs int64
	Rolling7DaySecs     int64
	Rolling8DaySecs     int64

	LastBreakEnd   time.Time
	Last34hRestart time.Time

	// RemainingDriveSecs is the tightest of the 11-hour daily limit, the
	// 8-hour break sub-window, and the cycle limit. RemainingOnDutySecs
	// is the tighter of the 14-hour daily limit and the cycle limit.
	RemainingDriveSecs  int64
	RemainingOnDutySecs int64
	RemainingCycleSecs  int64
}

// Calculator maintains incremental accumulators for one driver. It is pure
// with respect to the event log: feeding the same ordered events always
// produces the same Window, and Replay rebuilds it from scratch. The
// calculator never writes events; hard-limit enforcement is mediated by
// the duty-status state machine.
//
// Not safe for concurrent use; the per-driver machine serializes access.
type Calculator struct {
	driverID string
	profile  Profile
	loc      *time.Location

	last      *model.DutyStatusEvent
	restStart time.Time

	dayDrive    map[civilDate]int64
	dayOnDuty   map[civilDate]int64
	cycleOnDuty map[civilDate]int64

	driveSinceBreak int64
	lastBreakEnd    time.Time
	last34Restart   time.Time
}

// NewCalculator builds an empty calculator for one driver. tz is the
// driver's home-terminal timezone name.
func NewCalculator(driverID string, profile Profile, tz string) (*Calculator, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", tz, err)
	}
	return &Calculator{
		driverID:    driverID,
		profile:     profile,
		loc:         loc,
		dayDrive:    make(map[civilDate]int64),
		dayOnDuty:   make(map[civilDate]int64),
		cycleOnDuty: make(map[civilDate]int64),
	}, nil
}

// Replay rebuilds the accumulators from an ordered event slice. Derived
// state is disposable: crash recovery is exactly this call.
func (c *Calculator) Replay(events []model.DutyStatusEvent) {
	c.last = nil
	c.restStart = time.Time{}
	c.dayDrive = make(map[civilDate]int64)
	c.dayOnDuty = make(map[civilDate]int64)
	c.cycleOnDuty = make(map[civilDate]int64)
	c.driveSinceBreak = 0
	c.lastBreakEnd = time.Time{}
	c.last34Restart = time.Time{}
	for i := range events {
		c.Advance(&events[i])
	}
}

// Advance folds one committed event into the accumulators. Events must
// arrive in (occurred_at, event_id) order.
func (c *Calculator) Advance(event *model.DutyStatusEvent) {
	if c.last != nil && event.OccurredAt.After(c.last.OccurredAt) {
		c.accrueSpan(c.last.Status, c.last.OccurredAt, event.OccurredAt,
			c.dayDrive, c.dayOnDuty, c.cycleOnDuty, &c.driveSinceBreak)
	}

	wasRest := c.last != nil && c.last.Status.Rest()
	isRest := event.Status.Rest()

	switch {
	case isRest && !wasRest:
		c.restStart = event.OccurredAt
	case !isRest && wasRest:
		c.closeRestSpan(c.restStart, event.OccurredAt)
		c.restStart = time.Time{}
	}

	c.last = event
	c.prune(event.OccurredAt)
}

// Current returns the event the accumulators are positioned on.
func (c *Calculator) Current() *model.DutyStatusEvent { return c.last }

// closeRestSpan applies the effects of a completed contiguous rest span.
// Spans qualify by status and duration alone: a dispatcher-forced break
// counts the same as a driver-declared one.
func (c *Calculator) closeRestSpan(start, end time.Time) {
	span := end.Sub(start)
	if span >= QualifyingBreak {
		c.driveSinceBreak = 0
		c.lastBreakEnd = end
	}
	if span >= RestartSpan {
		c.cycleOnDuty = make(map[civilDate]int64)
		c.last34Restart = end
	}
}

// accrueSpan apportions a status span to the day accumulators, splitting
// at local-midnight boundaries so straddling events charge each day its
// own seconds.
func (c *Calculator) accrueSpan(status model.DutyStatus, start, end time.Time,
	dayDrive, dayOnDuty, cycleOnDuty map[civilDate]int64, driveSinceBreak *int64) {

	if !status.OnDuty() {
		return
	}
	for cur := start; cur.Before(end); {
		local := cur.In(c.loc)
		boundary := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, c.loc)
		segEnd := end
		if boundary.Before(end) {
			segEnd = boundary
		}
		secs := segEnd.Unix() - cur.Unix()
		date := civilDateOf(cur, c.loc)

		dayOnDuty[date] += secs
		cycleOnDuty[date] += secs
		if status == model.StatusDriving {
			dayDrive[date] += secs
			*driveSinceBreak += secs
		}
		cur = segEnd
	}
}

// prune drops day entries that can no longer influence any window.
func (c *Calculator) prune(now time.Time) {
	floor := civilDateOf(now.In(c.loc).AddDate(0, 0, -(c.profile.CycleDays+1)), c.loc)
	for _, m := range []map[civilDate]int64{c.dayDrive, c.dayOnDuty, c.cycleOnDuty} {
		for date := range m {
			if date < floor {
				delete(m, date)
			}
		}
	}
}

// WindowAt projects the window to the given instant, extending the open
// status span without mutating the committed accumulators.
func (c *Calculator) WindowAt(now time.Time) Window {
	dayDrive := cloneDays(c.dayDrive)
	dayOnDuty := cloneDays(c.dayOnDuty)
	cycleOnDuty := cloneDays(c.cycleOnDuty)
	driveSinceBreak := c.driveSinceBreak
	lastBreakEnd := c.lastBreakEnd
	last34Restart := c.last34Restart

	if c.last != nil && now.After(c.last.OccurredAt) {
		c.accrueSpan(c.last.Status, c.last.OccurredAt, now,
			dayDrive, dayOnDuty, cycleOnDuty, &driveSinceBreak)

		if c.last.Status.Rest() && !c.restStart.IsZero() {
			span := now.Sub(c.restStart)
			if span >= QualifyingBreak {
				driveSinceBreak = 0
				lastBreakEnd = now
			}
			if span >= RestartSpan {
				cycleOnDuty = make(map[civilDate]int64)
				last34Restart = c.restStart.Add(RestartSpan)
			}
		}
	}

	today := civilDateOf(now, c.loc)
	window := Window{
		DriverID:            c.driverID,
		At:                  now,
		DriveTodaySecs:      dayDrive[today],
		OnDutyTodaySecs:     dayOnDuty[today],
		DriveSinceBreakSecs: driveSinceBreak,
		Rolling7DaySecs:     sumTrailingDays(cycleOnDuty, now, c.loc, 7),
		Rolling8DaySecs:     sumTrailingDays(cycleOnDuty, now, c.loc, 8),
		LastBreakEnd:        lastBreakEnd,
		Last34hRestart:      last34Restart,
	}

	cycle := window.Rolling8DaySecs
	if c.profile.CycleDays == 7 {
		cycle = window.Rolling7DaySecs
	}
	window.RemainingCycleSecs = c.profile.CycleLimitSecs - cycle
	window.RemainingOnDutySecs = minInt64(
		DailyOnDutyLimitSecs-window.OnDutyTodaySecs,
		window.RemainingCycleSecs,
	)
	window.RemainingDriveSecs = minInt64(
		DailyDriveLimitSecs-window.DriveTodaySecs,
		minInt64(BreakAfterDriveSecs-window.DriveSinceBreakSecs, window.RemainingOnDutySecs),
	)
	return window
}

// DriveExhaustedAt returns the instant at which remaining drive time hits
// zero assuming the driver keeps driving from the given instant. Used by
// the state machine to stamp a forced transition at the exact limit mark.
func (c *Calculator) DriveExhaustedAt(now time.Time) time.Time {
	window := c.WindowAt(now)
	return now.Add(time.Duration(window.RemainingDriveSecs) * time.Second)
}

func cloneDays(in map[civilDate]int64) map[civilDate]int64 {
	out := make(map[civilDate]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sumTrailingDays(days map[civilDate]int64, now time.Time, loc *time.Location, n int) int64 {
	var total int64
	local := now.In(loc)
	for i := 0; i < n; i++ {
		date := civilDate(local.AddDate(0, 0, -i).Format("2006-01-02"))
		total += days[date]
	}
	return total
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
