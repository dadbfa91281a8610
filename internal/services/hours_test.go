package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusinessHoursSchedule(t *testing.T) {
	h := DefaultBusinessHours(time.UTC)
	at := func(day, hour, min int) time.Time {
		// 2026-03-02 is a Monday
		return time.Date(2026, 3, 2+day, hour, min, 0, 0, time.UTC)
	}

	tests := []struct {
		name string
		t    time.Time
		open bool
	}{
		{"monday before opening", at(0, 7, 59), false},
		{"monday opening", at(0, 8, 0), true},
		{"friday afternoon", at(4, 17, 59), true},
		{"friday closing is exclusive", at(4, 18, 0), false},
		{"saturday morning", at(5, 9, 30), true},
		{"saturday afternoon", at(5, 13, 0), false},
		{"sunday", at(6, 11, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.open, h.IsOpen(tt.t))
		})
	}
}

func TestBusinessHoursTimezone(t *testing.T) {
	h, err := LoadBusinessHours("America/Bogota")
	require.NoError(t, err)

	// 12:00 UTC is 07:00 in Bogota
	assert.False(t, h.IsOpen(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)))
	assert.True(t, h.IsOpen(time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)))

	_, err = LoadBusinessHours("Not/AZone")
	assert.Error(t, err)
}

func TestBusinessHoursNotice(t *testing.T) {
	n := DefaultBusinessHours(time.UTC).Notice()
	assert.Contains(t, n, "Monday to Friday: 08:00-18:00")
	assert.Contains(t, n, "Saturday: 09:00-13:00")
	assert.Contains(t, n, "Sunday: closed")
}
