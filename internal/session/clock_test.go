package session

import (
	"testing"
	"time"
)

// fixedNow pins the clock to a known KST instant.
// 2025-08-28 is a Thursday.
func fixedNow(t *testing.T, value string) Option {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		t.Fatalf("load zone: %v", err)
	}
	at, err := time.ParseInLocation("2006-01-02 15:04:05", value, loc)
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	return WithNow(func() time.Time { return at })
}

func newTestClock(t *testing.T, now string, opts ...Option) *Clock {
	t.Helper()
	opts = append(opts, fixedNow(t, now))
	c, err := NewClock("Asia/Seoul", opts...)
	if err != nil {
		t.Fatalf("NewClock: %v", err)
	}
	return c
}

func TestNewClockBadZone(t *testing.T) {
	if _, err := NewClock("Mars/Olympus"); err == nil {
		t.Fatalf("expected error for unknown zone")
	}
}

func TestDayKeyUsesExchangeZone(t *testing.T) {
	c := newTestClock(t, "2025-08-28 09:03:12")
	// 2025-08-27 23:30 UTC is already 2025-08-28 in Seoul.
	utc := time.Date(2025, 8, 27, 23, 30, 0, 0, time.UTC)
	if got := c.DayKey(utc); got != "20250828" {
		t.Errorf("unexpected day key: %s", got)
	}
}

func TestInSessionBounds(t *testing.T) {
	c := newTestClock(t, "2025-08-28 09:03:12")
	cases := []struct {
		at string
		in bool
	}{
		{"2025-08-28 08:59:59", false},
		{"2025-08-28 09:00:00", true},
		{"2025-08-28 12:15:00", true},
		{"2025-08-28 15:30:59", true},
		{"2025-08-28 15:31:00", false},
		{"2025-08-28 23:59:59", false},
	}
	loc := c.Zone()
	for _, tc := range cases {
		at, err := time.ParseInLocation("2006-01-02 15:04:05", tc.at, loc)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if got := c.InSession(at); got != tc.in {
			t.Errorf("InSession(%s) = %v, want %v", tc.at, got, tc.in)
		}
	}
}

func TestInSessionCalendar(t *testing.T) {
	// 2025-08-30 is a Saturday.
	c := newTestClock(t, "2025-08-30 10:00:00", WithCalendar(Weekdays))
	if c.InSession(c.Now()) {
		t.Errorf("weekday calendar should exclude Saturday")
	}

	open := newTestClock(t, "2025-08-30 10:00:00")
	if !open.InSession(open.Now()) {
		t.Errorf("default calendar judges by time of day only")
	}
}

func TestFloorBucket(t *testing.T) {
	c := newTestClock(t, "2025-08-28 09:03:12")
	got := c.FloorBucket(c.Now(), 5*time.Minute)
	want := time.Date(2025, 8, 28, 9, 0, 0, 0, c.Zone())
	if !got.Equal(want) {
		t.Errorf("FloorBucket = %v, want %v", got, want)
	}

	// Floor is stable across the whole window.
	later := time.Date(2025, 8, 28, 9, 4, 59, 0, c.Zone())
	if !c.FloorBucket(later, 5*time.Minute).Equal(want) {
		t.Errorf("expected same bucket for 09:04:59")
	}
}

func TestTickTime(t *testing.T) {
	c := newTestClock(t, "2025-08-28 09:03:12")
	at, ok := c.TickTime("090312")
	if !ok {
		t.Fatalf("expected valid tick time")
	}
	want := time.Date(2025, 8, 28, 9, 3, 12, 0, c.Zone())
	if !at.Equal(want) {
		t.Errorf("TickTime = %v, want %v", at, want)
	}

	for _, bad := range []string{"", "0903", "250000", "096000", "abcdef"} {
		if _, ok := c.TickTime(bad); ok {
			t.Errorf("TickTime(%q): expected failure", bad)
		}
	}
}
