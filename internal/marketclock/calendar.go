package marketclock

import (
	"fmt"
	"sync"
	"time"
)

// Session is one trading day's open/close pair in the venue timezone.
type Session struct {
	Open  time.Time
	Close time.Time
}

// Calendar answers whether a given day trades and between which hours.
// Implementations may be backed by remote services and are allowed to fail;
// callers treat failures as transient.
type Calendar interface {
	Timezone() *time.Location
	// SessionFor reports the session for the calendar day containing t.
	// ok=false means the venue is closed all day.
	SessionFor(t time.Time) (Session, bool, error)
}

// NYSECalendar implements the XNYS schedule: 09:30–16:00 America/New_York,
// weekends and exchange holidays closed, 13:00 early closes. Holiday rules
// are computed per year and cached.
type NYSECalendar struct {
	loc *time.Location

	mu       sync.Mutex
	holidays map[int]map[string]bool
	earlies  map[int]map[string]bool
}

func NewNYSECalendar() (*NYSECalendar, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("loading venue timezone failed: %w", err)
	}
	return &NYSECalendar{
		loc:      loc,
		holidays: make(map[int]map[string]bool),
		earlies:  make(map[int]map[string]bool),
	}, nil
}

func (c *NYSECalendar) Timezone() *time.Location {
	return c.loc
}

func (c *NYSECalendar) SessionFor(t time.Time) (Session, bool, error) {
	day := t.In(c.loc)
	wd := day.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return Session{}, false, nil
	}
	key := day.Format("2006-01-02")
	holidays, earlies := c.tablesFor(day.Year())
	if holidays[key] {
		return Session{}, false, nil
	}
	open := time.Date(day.Year(), day.Month(), day.Day(), 9, 30, 0, 0, c.loc)
	closeHour := 16
	if earlies[key] {
		closeHour = 13
	}
	close := time.Date(day.Year(), day.Month(), day.Day(), closeHour, 0, 0, 0, c.loc)
	return Session{Open: open, Close: close}, true, nil
}

func (c *NYSECalendar) tablesFor(year int) (map[string]bool, map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.holidays[year]; ok {
		return h, c.earlies[year]
	}
	h, e := c.buildYear(year)
	c.holidays[year] = h
	c.earlies[year] = e
	return h, e
}

func (c *NYSECalendar) buildYear(year int) (map[string]bool, map[string]bool) {
	holidays := make(map[string]bool)
	mark := func(t time.Time) {
		holidays[t.Format("2006-01-02")] = true
	}

	mark(observed(c.date(year, time.January, 1)))
	mark(nthWeekday(year, time.January, time.Monday, 3, c.loc))  // MLK
	mark(nthWeekday(year, time.February, time.Monday, 3, c.loc)) // Presidents
	mark(easterSunday(year, c.loc).AddDate(0, 0, -2))            // Good Friday
	mark(lastWeekday(year, time.May, time.Monday, c.loc))        // Memorial
	mark(observed(c.date(year, time.June, 19)))                  // Juneteenth
	mark(observed(c.date(year, time.July, 4)))
	mark(nthWeekday(year, time.September, time.Monday, 1, c.loc)) // Labor
	thanksgiving := nthWeekday(year, time.November, time.Thursday, 4, c.loc)
	mark(thanksgiving)
	mark(observed(c.date(year, time.December, 25)))

	earlies := make(map[string]bool)
	markEarly := func(t time.Time) {
		key := t.Format("2006-01-02")
		wd := t.Weekday()
		if wd == time.Saturday || wd == time.Sunday || holidays[key] {
			return
		}
		earlies[key] = true
	}
	markEarly(c.date(year, time.July, 3))
	markEarly(thanksgiving.AddDate(0, 0, 1))
	markEarly(c.date(year, time.December, 24))

	return holidays, earlies
}

func (c *NYSECalendar) date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, c.loc)
}

// observed shifts weekend holidays to the adjacent weekday the exchange
// actually closes on.
func observed(t time.Time) time.Time {
	switch t.Weekday() {
	case time.Saturday:
		return t.AddDate(0, 0, -1)
	case time.Sunday:
		return t.AddDate(0, 0, 1)
	default:
		return t
	}
}

func nthWeekday(year int, month time.Month, wd time.Weekday, n int, loc *time.Location) time.Time {
	t := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	offset := (int(wd) - int(t.Weekday()) + 7) % 7
	return t.AddDate(0, 0, offset+(n-1)*7)
}

func lastWeekday(year int, month time.Month, wd time.Weekday, loc *time.Location) time.Time {
	t := time.Date(year, month+1, 1, 0, 0, 0, 0, loc).AddDate(0, 0, -1)
	offset := (int(t.Weekday()) - int(wd) + 7) % 7
	return t.AddDate(0, 0, -offset)
}

// easterSunday computes Gregorian Easter via the anonymous algorithm.
func easterSunday(year int, loc *time.Location) time.Time {
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
