package callinghours

import (
	"fmt"
	"time"
)

const (
	DefaultStart = "07:00"
	DefaultEnd   = "21:30"
)

// Window is a daily local-time range during which outbound calls may be placed.
// Both ends are inclusive to the minute.
type Window struct {
	StartMinutes int
	EndMinutes   int
	location     *time.Location
}

// Parse returns a calling window from HH:MM strings in the given IANA timezone.
func Parse(start, end, tz string) (Window, error) {
	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return Window{}, fmt.Errorf("callinghours: load timezone: %w", err)
		}
	}
	startMin, err := parseClock(start)
	if err != nil {
		return Window{}, fmt.Errorf("callinghours: parse start: %w", err)
	}
	endMin, err := parseClock(end)
	if err != nil {
		return Window{}, fmt.Errorf("callinghours: parse end: %w", err)
	}
	if startMin > endMin {
		return Window{}, fmt.Errorf("callinghours: start %s is after end %s", start, end)
	}
	return Window{StartMinutes: startMin, EndMinutes: endMin, location: loc}, nil
}

// Default returns the 07:00–21:30 window in tz.
func Default(tz string) (Window, error) {
	return Parse(DefaultStart, DefaultEnd, tz)
}

func parseClock(v string) (int, error) {
	if v == "" {
		return 0, fmt.Errorf("empty clock")
	}
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Allows reports whether now falls inside the window.
func (w Window) Allows(now time.Time) bool {
	loc := w.location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= w.StartMinutes && minutes <= w.EndMinutes
}

// IsZero reports whether w was never built by Parse or Default.
func (w Window) IsZero() bool {
	return w.location == nil
}

// Location returns the window's timezone.
func (w Window) Location() *time.Location {
	if w.location == nil {
		return time.UTC
	}
	return w.location
}

// IsWithinCallingHours evaluates now against the default window in tz.
// An invalid timezone is a configuration error.
func IsWithinCallingHours(now time.Time, tz string) (bool, error) {
	w, err := Default(tz)
	if err != nil {
		return false, err
	}
	return w.Allows(now), nil
}
