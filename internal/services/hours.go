package services

import (
	"fmt"
	"strings"
	"time"
)

type openWindow struct {
	open, close time.Duration // offsets from midnight
}

// BusinessHours is the fixed weekly schedule during which advisors answer.
type BusinessHours struct {
	loc  *time.Location
	days [7]*openWindow
}

// DefaultBusinessHours is Mon-Fri 08:00-18:00 and Sat 09:00-13:00, closed on
// Sunday, in loc.
func DefaultBusinessHours(loc *time.Location) BusinessHours {
	if loc == nil {
		loc = time.UTC
	}
	weekday := &openWindow{open: 8 * time.Hour, close: 18 * time.Hour}
	return BusinessHours{
		loc: loc,
		days: [7]*openWindow{
			time.Monday:    weekday,
			time.Tuesday:   weekday,
			time.Wednesday: weekday,
			time.Thursday:  weekday,
			time.Friday:    weekday,
			time.Saturday:  {open: 9 * time.Hour, close: 13 * time.Hour},
		},
	}
}

// LoadBusinessHours resolves tz and returns the default schedule in it.
func LoadBusinessHours(tz string) (BusinessHours, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return BusinessHours{}, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return DefaultBusinessHours(loc), nil
}

// IsOpen reports whether t falls inside the schedule. Closing time is
// exclusive.
func (h BusinessHours) IsOpen(t time.Time) bool {
	loc := h.loc
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	w := h.days[local.Weekday()]
	if w == nil {
		return false
	}
	y, m, d := local.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, loc)
	offset := local.Sub(midnight)
	return offset >= w.open && offset < w.close
}

// Notice is the message shown when a request arrives outside the schedule.
func (h BusinessHours) Notice() string {
	var b strings.Builder
	b.WriteString("🕐 Our advisors are currently offline.\n\nBusiness hours:\n")
	b.WriteString("• Monday to Friday: ")
	b.WriteString(h.describe(time.Monday))
	b.WriteString("\n• Saturday: ")
	b.WriteString(h.describe(time.Saturday))
	b.WriteString("\n• Sunday: ")
	b.WriteString(h.describe(time.Sunday))
	b.WriteString("\n\nPlease write to us again during business hours.")
	return b.String()
}

func (h BusinessHours) describe(day time.Weekday) string {
	w := h.days[day]
	if w == nil {
		return "closed"
	}
	return fmt.Sprintf("%s-%s", clockTime(w.open), clockTime(w.close))
}

func clockTime(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}
