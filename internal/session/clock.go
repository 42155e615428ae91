package session

import (
	"fmt"
	"strconv"
	"time"
)

// Calendar reports whether the market trades on the given zone-local date.
type Calendar func(t time.Time) bool

// AllDays trades every date. The feed itself is silent outside exchange
// hours, so the default judges instants purely by their time of day.
func AllDays(time.Time) bool { return true }

// Weekdays excludes Saturday and Sunday.
func Weekdays(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// Clock derives trading-day keys and session membership in a single fixed
// exchange zone, independent of the host zone.
type Clock struct {
	zone     *time.Location
	open     int // minutes from midnight, inclusive
	close    int // minutes from midnight, inclusive
	calendar Calendar
	now      func() time.Time
}

type Option func(*Clock)

// WithCalendar installs a trading-date predicate.
func WithCalendar(c Calendar) Option {
	return func(k *Clock) {
		if c != nil {
			k.calendar = c
		}
	}
}

// WithWindow overrides the session open and close, both inclusive.
func WithWindow(openHour, openMin, closeHour, closeMin int) Option {
	return func(k *Clock) {
		k.open = openHour*60 + openMin
		k.close = closeHour*60 + closeMin
	}
}

// WithNow replaces the wall clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(k *Clock) {
		if now != nil {
			k.now = now
		}
	}
}

// NewClock loads the exchange zone and applies options. Defaults are the
// KRX window, 09:00 to 15:30.
func NewClock(zone string, opts ...Option) (*Clock, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("load timezone '%s': %w", zone, err)
	}
	c := &Clock{
		zone:     loc,
		open:     9 * 60,
		close:    15*60 + 30,
		calendar: AllDays,
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Zone returns the exchange zone.
func (c *Clock) Zone() *time.Location { return c.zone }

// Now returns the current instant in the exchange zone.
func (c *Clock) Now() time.Time { return c.now().In(c.zone) }

// DayKey formats the zone-local trading day of t as a stable equality key.
func (c *Clock) DayKey(t time.Time) string {
	return t.In(c.zone).Format("20060102")
}

// InSession reports whether t falls inside the trading window on a trading
// date. Both window bounds are inclusive; holidays are not special-cased
// beyond the installed calendar.
func (c *Clock) InSession(t time.Time) bool {
	lt := t.In(c.zone)
	if !c.calendar(lt) {
		return false
	}
	m := lt.Hour()*60 + lt.Minute()
	return m >= c.open && m <= c.close
}

// FloorBucket floors t to the start of its fixed-width window using integer
// division on epoch seconds, so a DST shift cannot split a bucket.
func (c *Clock) FloorBucket(t time.Time, width time.Duration) time.Time {
	w := int64(width / time.Second)
	if w <= 0 {
		w = 1
	}
	return time.Unix(t.Unix()/w*w, 0).In(c.zone)
}

// TickTime combines an HHMMSS time of day from the feed with the current
// zone-local date.
func (c *Clock) TickTime(hhmmss string) (time.Time, bool) {
	if len(hhmmss) != 6 {
		return time.Time{}, false
	}
	h, err1 := strconv.Atoi(hhmmss[0:2])
	m, err2 := strconv.Atoi(hhmmss[2:4])
	s, err3 := strconv.Atoi(hhmmss[4:6])
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}
	if h > 23 || m > 59 || s > 59 {
		return time.Time{}, false
	}
	now := c.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), h, m, s, 0, c.zone), true
}
