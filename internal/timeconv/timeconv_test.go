package timeconv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dailyprompt/internal/types"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestToUTC(t *testing.T) {
	tests := []struct {
		name     string
		local    string
		tz       string
		date     time.Time
		expected time.Time
	}{
		{
			name:     "pacific daylight time rolls into next UTC day",
			local:    "21:00",
			tz:       "America/Los_Angeles",
			date:     date(2026, time.July, 10),
			expected: time.Date(2026, time.July, 11, 4, 0, 0, 0, time.UTC),
		},
		{
			name:     "pacific standard time",
			local:    "21:00",
			tz:       "America/Los_Angeles",
			date:     date(2026, time.January, 15),
			expected: time.Date(2026, time.January, 16, 5, 0, 0, 0, time.UTC),
		},
		{
			name:     "half hour offset",
			local:    "09:00",
			tz:       "Asia/Kolkata",
			date:     date(2026, time.May, 1),
			expected: time.Date(2026, time.May, 1, 3, 30, 0, 0, time.UTC),
		},
		{
			name:     "east of UTC rolls into previous UTC day",
			local:    "07:15:30",
			tz:       "Asia/Tokyo",
			date:     date(2026, time.May, 1),
			expected: time.Date(2026, time.April, 30, 22, 15, 30, 0, time.UTC),
		},
		{
			name:     "UTC",
			local:    "12:00",
			tz:       "UTC",
			date:     date(2026, time.May, 1),
			expected: time.Date(2026, time.May, 1, 12, 0, 0, 0, time.UTC),
		},
		{
			name:     "spring forward gap resolves to end of gap",
			local:    "02:30",
			tz:       "America/New_York",
			date:     date(2026, time.March, 8),
			expected: time.Date(2026, time.March, 8, 7, 0, 0, 0, time.UTC),
		},
		{
			name:     "spring forward gap in Europe",
			local:    "01:30",
			tz:       "Europe/London",
			date:     date(2026, time.March, 29),
			expected: time.Date(2026, time.March, 29, 1, 0, 0, 0, time.UTC),
		},
		{
			name:     "just after spring forward gap",
			local:    "03:00",
			tz:       "America/New_York",
			date:     date(2026, time.March, 8),
			expected: time.Date(2026, time.March, 8, 7, 0, 0, 0, time.UTC),
		},
		{
			name:     "fall back overlap picks earlier instant",
			local:    "01:30",
			tz:       "America/New_York",
			date:     date(2026, time.November, 1),
			expected: time.Date(2026, time.November, 1, 5, 30, 0, 0, time.UTC),
		},
		{
			name:     "fall back day outside overlap",
			local:    "08:00",
			tz:       "America/New_York",
			date:     date(2026, time.November, 1),
			expected: time.Date(2026, time.November, 1, 13, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToUTC(tt.local, tt.tz, tt.date)
			require.NoError(t, err)
			assert.True(t, tt.expected.Equal(got), "got %s, want %s", got, tt.expected)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestToUTC_IgnoresTargetDateLocation(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	// 2026-07-10 in Tokyo is 2026-07-09 in UTC; the calendar fields win.
	target := time.Date(2026, time.July, 10, 1, 0, 0, 0, tokyo)
	got, err := ToUTC("21:00", "America/Los_Angeles", target)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, time.July, 11, 4, 0, 0, 0, time.UTC), got)
}

func TestToUTC_IsDeterministic(t *testing.T) {
	first, err := ToUTC("01:30", "America/New_York", date(2026, time.November, 1))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := ToUTC("01:30", "America/New_York", date(2026, time.November, 1))
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestToUTC_InvalidTimezone(t *testing.T) {
	for _, tz := range []string{"Mars/Olympus", "", "Local", "  "} {
		t.Run(tz, func(t *testing.T) {
			_, err := ToUTC("08:00", tz, date(2026, time.May, 1))
			require.Error(t, err)
			assert.True(t, types.HasCode(err, types.ErrCodeValidationInvalidTimezone), "got %v", err)
		})
	}
}

func TestToUTC_InvalidTimeOfDay(t *testing.T) {
	_, err := ToUTC("25:00", "UTC", date(2026, time.May, 1))
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrCodeValidationInvalidTimeOfDay))
}

func TestParseTimeOfDay(t *testing.T) {
	valid := []struct {
		in      string
		h, m, s int
	}{
		{"00:00", 0, 0, 0},
		{"08:05", 8, 5, 0},
		{"23:59", 23, 59, 0},
		{"21:00:45", 21, 0, 45},
	}
	for _, tt := range valid {
		t.Run(tt.in, func(t *testing.T) {
			h, m, s, err := ParseTimeOfDay(tt.in)
			require.NoError(t, err)
			assert.Equal(t, []int{tt.h, tt.m, tt.s}, []int{h, m, s})
		})
	}

	invalid := []string{"", "8:00", "24:00", "12:60", "12:00:60", "ab:cd", "12-00", "+1:00", "12:00 PM", "12:0a"}
	for _, in := range invalid {
		t.Run("invalid "+in, func(t *testing.T) {
			_, _, _, err := ParseTimeOfDay(in)
			require.Error(t, err)
			assert.True(t, types.HasCode(err, types.ErrCodeValidationInvalidTimeOfDay))
		})
	}
}

func TestLocalDayBounds(t *testing.T) {
	ny, err := LoadLocation("America/New_York")
	require.NoError(t, err)

	t.Run("regular day", func(t *testing.T) {
		start, end := LocalDayBounds(date(2026, time.July, 10), ny)
		assert.Equal(t, time.Date(2026, time.July, 10, 4, 0, 0, 0, time.UTC), start)
		assert.Equal(t, time.Date(2026, time.July, 11, 4, 0, 0, 0, time.UTC), end)
	})

	t.Run("spring forward day is 23 hours", func(t *testing.T) {
		start, end := LocalDayBounds(date(2026, time.March, 8), ny)
		assert.Equal(t, time.Date(2026, time.March, 8, 5, 0, 0, 0, time.UTC), start)
		assert.Equal(t, 23*time.Hour, end.Sub(start))
	})

	t.Run("fall back day is 25 hours", func(t *testing.T) {
		start, end := LocalDayBounds(date(2026, time.November, 1), ny)
		assert.Equal(t, 25*time.Hour, end.Sub(start))
	})
}

func TestLocalDate(t *testing.T) {
	la, err := LoadLocation("America/Los_Angeles")
	require.NoError(t, err)

	instant := time.Date(2026, time.July, 11, 4, 0, 0, 0, time.UTC)
	assert.Equal(t, date(2026, time.July, 10), LocalDate(instant, la))
	assert.Equal(t, date(2026, time.July, 11), LocalDate(instant, time.UTC))
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2026-03-08")
	require.NoError(t, err)
	assert.Equal(t, date(2026, time.March, 8), d)

	_, err = ParseDate("03/08/2026")
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrCodeValidationInvalidDate))
}
