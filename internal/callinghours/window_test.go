package callinghours

import (
	"testing"
	"time"
)

func TestAllowsBoundaries(t *testing.T) {
	w, err := Default("Australia/Sydney")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	loc := w.Location()
	tests := []struct {
		clock string
		want  bool
	}{
		{"06:59", false},
		{"07:00", true},
		{"12:00", true},
		{"21:30", true},
		{"21:31", false},
		{"00:15", false},
	}
	for _, tc := range tests {
		parsed, _ := time.Parse("15:04", tc.clock)
		local := time.Date(2026, 3, 9, parsed.Hour(), parsed.Minute(), 30, 0, loc)
		if got := w.Allows(local); got != tc.want {
			t.Fatalf("Allows(%s)=%v want %v", tc.clock, got, tc.want)
		}
		// the same instant expressed in UTC must give the same answer
		if got := w.Allows(local.UTC()); got != tc.want {
			t.Fatalf("Allows(%s in UTC)=%v want %v", tc.clock, got, tc.want)
		}
	}
}

func TestIsWithinCallingHoursUsesTimezone(t *testing.T) {
	// 22:00 UTC is 09:00 the next morning in Sydney (AEDT, UTC+11).
	now := time.Date(2026, 1, 14, 22, 0, 0, 0, time.UTC)
	ok, err := IsWithinCallingHours(now, "Australia/Sydney")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected Sydney morning to be inside calling hours")
	}
	ok, err = IsWithinCallingHours(now, "UTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected 22:00 UTC to be outside calling hours")
	}
}

func TestParseValidationErrors(t *testing.T) {
	if _, err := Parse("", "21:30", "UTC"); err == nil {
		t.Fatalf("expected error for empty start clock")
	}
	if _, err := Parse("07:00", "21:30", "Mars/Phobos"); err == nil {
		t.Fatalf("expected error for invalid timezone")
	}
	if _, err := Parse("bad", "21:30", "UTC"); err == nil {
		t.Fatalf("expected error for malformed start time")
	}
	if _, err := Parse("22:00", "07:00", "UTC"); err == nil {
		t.Fatalf("expected error for inverted window")
	}
	if _, err := IsWithinCallingHours(time.Now(), "Not/AZone"); err == nil {
		t.Fatalf("expected configuration error for invalid timezone")
	}
}

func TestIsZero(t *testing.T) {
	if !(Window{}).IsZero() {
		t.Fatal("zero window not reported as zero")
	}
	if !(Window{StartMinutes: 420, EndMinutes: 1290}).IsZero() {
		t.Fatal("window without timezone not reported as zero")
	}
	w, err := Parse("07:00", "21:30", "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if w.IsZero() {
		t.Fatal("parsed window reported as zero")
	}
}
