// Package calendar computes exchange trading sessions without relying on
// wall-clock day counts.
package calendar

import (
	"sync"
	"time"
)

// DateLayout is the civil date format used for session keys.
const DateLayout = "2006-01-02"

// Calendar answers whether a civil date is a trading session.
type Calendar interface {
	IsTradingDay(day time.Time) bool
	Location() *time.Location
}

// SessionDate returns the civil date of t in the calendar's timezone.
func SessionDate(c Calendar, t time.Time) time.Time {
	lt := t.In(c.Location())
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, c.Location())
}

// SessionKey formats the session date of t.
func SessionKey(c Calendar, t time.Time) string {
	return SessionDate(c, t).Format(DateLayout)
}

// ParseKey parses a session key in the calendar's timezone.
func ParseKey(c Calendar, key string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, key, c.Location())
}

// LastSession returns the session on or before day.
func LastSession(c Calendar, day time.Time) time.Time {
	d := SessionDate(c, day)
	for i := 0; i < 30 && !c.IsTradingDay(d); i++ {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// NextSession returns the first session strictly after day.
func NextSession(c Calendar, day time.Time) time.Time {
	d := SessionDate(c, day).AddDate(0, 0, 1)
	for i := 0; i < 30 && !c.IsTradingDay(d); i++ {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// WindowStart returns the earliest session of the rolling window of n
// sessions ending at (or just before) day.
func WindowStart(c Calendar, day time.Time, n int) time.Time {
	d := LastSession(c, day)
	for i := 1; i < n; i++ {
		d = LastSession(c, d.AddDate(0, 0, -1))
	}
	return d
}

// AddSessions moves n sessions forward from a session date.
func AddSessions(c Calendar, session time.Time, n int) time.Time {
	d := SessionDate(c, session)
	for i := 0; i < n; i++ {
		d = NextSession(c, d)
	}
	return d
}

// NYSE applies weekend and rule-based NYSE full-day holiday closures.
type NYSE struct {
	loc *time.Location

	mu       sync.Mutex
	holidays map[int]map[string]struct{}
}

// NewNYSE builds the calendar in loc (normally America/New_York).
func NewNYSE(loc *time.Location) *NYSE {
	if loc == nil {
		loc = time.UTC
	}
	return &NYSE{loc: loc, holidays: make(map[int]map[string]struct{})}
}

func (n *NYSE) Location() *time.Location { return n.loc }

func (n *NYSE) IsTradingDay(day time.Time) bool {
	d := day.In(n.loc)
	if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !n.IsHoliday(d)
}

// IsHoliday reports a full-day exchange closure.
func (n *NYSE) IsHoliday(day time.Time) bool {
	d := day.In(n.loc)
	n.mu.Lock()
	set, ok := n.holidays[d.Year()]
	if !ok {
		set = make(map[string]struct{})
		for _, h := range nyseHolidays(d.Year(), n.loc) {
			set[h.Format(DateLayout)] = struct{}{}
		}
		n.holidays[d.Year()] = set
	}
	n.mu.Unlock()
	_, closed := set[d.Format(DateLayout)]
	return closed
}

func nyseHolidays(year int, loc *time.Location) []time.Time {
	date := func(m time.Month, day int) time.Time { return time.Date(year, m, day, 0, 0, 0, 0, loc) }

	var out []time.Time
	// New Year's Day on a Saturday is not observed on the prior Friday.
	if ny := date(time.January, 1); ny.Weekday() != time.Saturday {
		out = append(out, observed(ny))
	}
	out = append(out,
		nthWeekday(year, time.January, time.Monday, 3, loc),
		nthWeekday(year, time.February, time.Monday, 3, loc),
		easter(year, loc).AddDate(0, 0, -2),
		lastWeekday(year, time.May, time.Monday, loc),
	)
	if year >= 2022 {
		out = append(out, observed(date(time.June, 19)))
	}
	out = append(out,
		observed(date(time.July, 4)),
		nthWeekday(year, time.September, time.Monday, 1, loc),
		nthWeekday(year, time.November, time.Thursday, 4, loc),
		observed(date(time.December, 25)),
	)
	return out
}

// observed shifts Saturday holidays to Friday and Sunday holidays to Monday.
func observed(d time.Time) time.Time {
	switch d.Weekday() {
	case time.Saturday:
		return d.AddDate(0, 0, -1)
	case time.Sunday:
		return d.AddDate(0, 0, 1)
	}
	return d
}

func nthWeekday(year int, month time.Month, wd time.Weekday, nth int, loc *time.Location) time.Time {
	d := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	offset := (int(wd) - int(d.Weekday()) + 7) % 7
	return d.AddDate(0, 0, offset+7*(nth-1))
}

func lastWeekday(year int, month time.Month, wd time.Weekday, loc *time.Location) time.Time {
	d := time.Date(year, month+1, 1, 0, 0, 0, 0, loc).AddDate(0, 0, -1)
	offset := (int(d.Weekday()) - int(wd) + 7) % 7
	return d.AddDate(0, 0, -offset)
}

// easter returns Easter Sunday (anonymous Gregorian algorithm).
func easter(year int, loc *time.Location) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
}
