package workflow

import (
	"fmt"
	"time"

	"yipyap/internal/storage"
)

// accountLocation resolves the account's IANA timezone, falling back to UTC
// on a missing or bad zone name.
func accountLocation(a storage.Account) *time.Location {
	if a.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// parseClock parses a local "HH:MM" string into minutes since midnight.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("bad clock %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	return h*60 + m, nil
}

// inQuietHours reports whether the local time at `at` falls inside the
// account's quiet window. The window may wrap midnight (22:00..08:00).
// Both bounds empty, or either unparseable, disables quiet hours.
func inQuietHours(a storage.Account, at time.Time) bool {
	if a.QuietStart == "" || a.QuietEnd == "" {
		return false
	}
	start, err := parseClock(a.QuietStart)
	if err != nil {
		return false
	}
	end, err := parseClock(a.QuietEnd)
	if err != nil {
		return false
	}
	if start == end {
		return false
	}

	local := at.In(accountLocation(a))
	now := local.Hour()*60 + local.Minute()

	if start < end {
		return now >= start && now < end
	}
	// Wraps midnight.
	return now >= start || now < end
}
