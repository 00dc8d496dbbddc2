// Package timeconv converts a recipient's local delivery preference into the
// UTC instant it denotes on a given calendar date.
//
// The conversion is driven by the IANA database embedded in the runtime: for
// a local wall-clock reading it collects every UTC offset the zone uses near
// that date and keeps the offsets that reproduce the reading. This resolves
// the two daylight-saving edge cases explicitly:
//
//   - Fall-back (the wall clock repeats): both offsets reproduce the reading
//     and the earlier instant is returned.
//   - Spring-forward (the wall clock skips): no offset reproduces the reading
//     and the first instant after the skipped interval is returned.
package timeconv

import (
	"fmt"
	"strings"
	"time"

	"dailyprompt/internal/types"
)

// offsetScanWindow bounds the search for zone transitions around the target
// wall-clock reading. No real zone is more than 26h away from UTC.
const offsetScanWindow = 30 * time.Hour

// maxZoneTransitions stops the transition walk on pathological zone data.
const maxZoneTransitions = 16

// LoadLocation resolves an IANA timezone name. Empty names and "Local" are
// rejected because the standard loader maps them to UTC or the host zone,
// which would silently reschedule a recipient.
func LoadLocation(name string) (*time.Location, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed == "Local" {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidTimezone,
			fmt.Sprintf("invalid timezone %q", name), nil)
	}
	loc, err := time.LoadLocation(trimmed)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidTimezone,
			fmt.Sprintf("unknown timezone %q", name), err)
	}
	return loc, nil
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS" (24-hour clock).
func ParseTimeOfDay(s string) (hour, minute, second int, err error) {
	invalid := func(reason string) error {
		return types.NewAppError(types.ErrCodeValidationInvalidTimeOfDay,
			fmt.Sprintf("invalid time of day %q: %s", s, reason), nil)
	}

	var n int
	switch {
	case len(s) == 5 && s[2] == ':':
		n, err = fmt.Sscanf(s, "%2d:%2d", &hour, &minute)
		if err != nil || n != 2 {
			return 0, 0, 0, invalid("expected HH:MM")
		}
	case len(s) == 8 && s[2] == ':' && s[5] == ':':
		n, err = fmt.Sscanf(s, "%2d:%2d:%2d", &hour, &minute, &second)
		if err != nil || n != 3 {
			return 0, 0, 0, invalid("expected HH:MM:SS")
		}
	default:
		return 0, 0, 0, invalid("expected HH:MM")
	}
	for _, c := range s {
		if c != ':' && (c < '0' || c > '9') {
			return 0, 0, 0, invalid("non-digit character")
		}
	}

	if hour < 0 || hour > 23 {
		return 0, 0, 0, invalid(fmt.Sprintf("hour %d out of range [0,23]", hour))
	}
	if minute < 0 || minute > 59 {
		return 0, 0, 0, invalid(fmt.Sprintf("minute %d out of range [0,59]", minute))
	}
	if second < 0 || second > 59 {
		return 0, 0, 0, invalid(fmt.Sprintf("second %d out of range [0,59]", second))
	}
	return hour, minute, second, nil
}

// ToUTC returns the UTC instant at which the wall clock in timezone reads
// localTimeOfDay on the calendar date of targetDate. Only the year, month and
// day of targetDate are used; its location is ignored.
func ToUTC(localTimeOfDay, timezone string, targetDate time.Time) (time.Time, error) {
	loc, err := LoadLocation(timezone)
	if err != nil {
		return time.Time{}, err
	}
	hour, minute, second, err := ParseTimeOfDay(localTimeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := targetDate.Date()
	return Resolve(loc, time.Date(y, m, d, hour, minute, second, 0, time.UTC)), nil
}

// Resolve maps a naive wall-clock reading (carried in a UTC time value) to the
// instant it denotes in loc.
func Resolve(loc *time.Location, wall time.Time) time.Time {
	wall = naive(wall)
	offsets := zoneOffsets(loc, wall.Add(-offsetScanWindow), wall.Add(offsetScanWindow))

	var (
		best      time.Time
		found     bool
		forward   time.Time
		inForward bool
	)
	for _, off := range offsets {
		candidate := wall.Add(-time.Duration(off) * time.Second)
		local := naive(candidate.In(loc))
		switch {
		case local.Equal(wall):
			if !found || candidate.Before(best) {
				best, found = candidate, true
			}
		case local.After(wall):
			if !inForward || candidate.Before(forward) {
				forward, inForward = candidate, true
			}
		}
	}
	if found {
		return best.UTC()
	}
	if inForward {
		// The reading was skipped; the zone period holding the forward
		// candidate begins at the end of the gap.
		if start, _ := forward.In(loc).ZoneBounds(); !start.IsZero() {
			return start.UTC()
		}
		return forward.UTC()
	}
	// Unreachable for valid zone data: the offset in force at wall itself
	// always lands on or after the reading.
	_, off := wall.In(loc).Zone()
	return wall.Add(-time.Duration(off) * time.Second).UTC()
}

// LocalDayBounds returns the UTC half-open interval [start, end) covering the
// calendar day of date in loc.
func LocalDayBounds(date time.Time, loc *time.Location) (time.Time, time.Time) {
	day := DateOf(date)
	return Resolve(loc, day), Resolve(loc, day.AddDate(0, 0, 1))
}

// LocalDate returns the calendar date t falls on in loc, as midnight UTC.
func LocalDate(t time.Time, loc *time.Location) time.Time {
	return DateOf(t.In(loc))
}

// DateOf truncates t to its own calendar date, expressed as midnight UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a "YYYY-MM-DD" calendar date.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, types.NewAppError(types.ErrCodeValidationInvalidDate,
			fmt.Sprintf("invalid date %q: expected YYYY-MM-DD", s), err)
	}
	return d, nil
}

// naive drops the location of t, keeping its wall-clock fields.
func naive(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}

// zoneOffsets lists the distinct UTC offsets (seconds east) loc uses between
// from and to, walking zone periods forward.
func zoneOffsets(loc *time.Location, from, to time.Time) []int {
	var offsets []int
	seen := make(map[int]bool)
	t := from
	for i := 0; i < maxZoneTransitions; i++ {
		local := t.In(loc)
		_, off := local.Zone()
		if !seen[off] {
			seen[off] = true
			offsets = append(offsets, off)
		}
		_, end := local.ZoneBounds()
		if end.IsZero() || !end.Before(to) {
			break
		}
		t = end
	}
	return offsets
}
