package hos

import (
	"context"
	"fmt"
	"time"

	"fleet-hos-engine/internal/notify"
)

// warningThresholds are the advisory marks before each hard limit,
// tightest first so a window observed late fires the closest mark.
var warningThresholds = []int64{5 * 60, 15 * 60, 30 * 60, 60 * 60}

// Advisor turns window snapshots into threshold advisories. Each
// limit+threshold fires once per accumulation period; the periods are
// keyed by the value that resets the limit (civil day, last break end,
// last restart).
type Advisor struct {
	sink    notify.Sink
	loc     *time.Location
	emitted map[string]bool
	periods map[string]string
}

// NewAdvisor builds an advisor over the given sink. tz must be the same
// home-terminal timezone the calculator uses.
func NewAdvisor(sink notify.Sink, tz string) (*Advisor, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", tz, err)
	}
	return &Advisor{
		sink:    sink,
		loc:     loc,
		emitted: make(map[string]bool),
		periods: make(map[string]string),
	}, nil
}

type limitCheck struct {
	code      string
	remaining int64
	periodKey string
}

// Observe emits any advisories the window has newly crossed into.
func (a *Advisor) Observe(ctx context.Context, window Window) {
	day := window.At.In(a.loc).Format("2006-01-02")
	checks := []limitCheck{
		{"daily_drive_limit", DailyDriveLimitSecs - window.DriveTodaySecs, day},
		{"daily_on_duty_limit", DailyOnDutyLimitSecs - window.OnDutyTodaySecs, day},
		{"break_due", BreakAfterDriveSecs - window.DriveSinceBreakSecs, window.LastBreakEnd.Format(time.RFC3339)},
		{"cycle_limit", window.RemainingCycleSecs, window.Last34hRestart.Format(time.RFC3339)},
	}

	for _, check := range checks {
		// Marks from a closed period can never fire again; drop them so
		// the maps stay bounded by active periods.
		limitKey := window.DriverID + "|" + check.code
		if prev, ok := a.periods[limitKey]; ok && prev != check.periodKey {
			for _, threshold := range warningThresholds {
				delete(a.emitted, fmt.Sprintf("%s|%s|%d|%s", window.DriverID, check.code, threshold, prev))
			}
		}
		a.periods[limitKey] = check.periodKey

		for _, threshold := range warningThresholds {
			if check.remaining > threshold || check.remaining <= 0 {
				continue
			}
			key := fmt.Sprintf("%s|%s|%d|%s", window.DriverID, check.code, threshold, check.periodKey)
			if a.emitted[key] {
				// The tightest crossed mark already fired; looser
				// marks are implied.
				break
			}
			a.emitted[key] = true
			a.sink.Notify(ctx, notify.Advisory{
				DriverID: window.DriverID,
				Severity: notify.SeverityWarning,
				Code:     check.code,
				Message:  fmt.Sprintf("%d minutes remaining before %s", threshold/60, check.code),
				At:       window.At,
			})
			break // only the tightest newly crossed threshold fires
		}
	}
}
