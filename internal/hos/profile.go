package hos

import (
	"errors"
	"time"
)

// Hard limits shared by the US property-carrying profiles, in seconds.
const (
	DailyDriveLimitSecs  int64 = 11 * 3600
	DailyOnDutyLimitSecs int64 = 14 * 3600
	// BreakAfterDriveSecs is the cumulative driving allowed since the
	// last qualifying break before a 30-minute break is required.
	BreakAfterDriveSecs int64 = 8 * 3600
	// QualifyingBreak is the minimum contiguous OffDuty/SleeperBerth
	// span that resets the 8-hour driving sub-window.
	QualifyingBreak = 30 * time.Minute
	// RestartSpan is the contiguous rest span that zeroes both rolling
	// cycle windows, effective from the end of the span.
	RestartSpan = 34 * time.Hour
)

// Profile is a jurisdiction-specific rolling-cycle rule.
type Profile struct {
	Name           string
	CycleDays      int
	CycleLimitSecs int64
}

var (
	// USProperty70h8d is the default 70-hour/8-day cycle.
	USProperty70h8d = Profile{Name: "us_property_70h8d", CycleDays: 8, CycleLimitSecs: 70 * 3600}
	// USProperty60h7d is the 60-hour/7-day cycle.
	USProperty60h7d = Profile{Name: "us_property_60h7d", CycleDays: 7, CycleLimitSecs: 60 * 3600}
)

var ErrUnknownProfile = errors.New("unknown jurisdiction profile")

// ProfileByName resolves a configured profile name.
func ProfileByName(name string) (Profile, error) {
	switch name {
	case USProperty70h8d.Name, "":
		return USProperty70h8d, nil
	case USProperty60h7d.Name:
		return USProperty60h7d, nil
	default:
		return Profile{}, ErrUnknownProfile
	}
}
