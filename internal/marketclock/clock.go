// Package marketclock gates execution on venue trading hours.
package marketclock

import (
	"fmt"
	"time"
)

// Clock answers "is the venue open now" and "when does it next open" against
// a Calendar. Sessions come from the calendar's own cache; "now" is always
// recomputed so the clock is safe to poll.
type Clock struct {
	cal   Calendar
	nowFn func() time.Time
}

// scanDays bounds the NextOpen forward search. A venue dark for two weeks
// straight means the calendar data is wrong, not that we should keep waiting.
const scanDays = 14

type Option func(*Clock)

// WithNow overrides the time source.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) {
		if now != nil {
			c.nowFn = now
		}
	}
}

func New(cal Calendar, opts ...Option) *Clock {
	c := &Clock{cal: cal, nowFn: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Clock) Now() time.Time {
	return c.nowFn().In(c.cal.Timezone())
}

// IsOpenNow reports whether the venue is trading at this instant.
func (c *Clock) IsOpenNow() (bool, error) {
	now := c.Now()
	session, ok, err := c.cal.SessionFor(now)
	if err != nil {
		return false, fmt.Errorf("calendar lookup failed: %w", err)
	}
	if !ok {
		return false, nil
	}
	return !now.Before(session.Open) && now.Before(session.Close), nil
}

// NextOpen returns the next session open strictly after now. When called
// during a session it still returns the NEXT open, matching what a closed-
// market waiter needs; callers check IsOpenNow first.
func (c *Clock) NextOpen() (time.Time, error) {
	now := c.Now()
	for i := 0; i <= scanDays; i++ {
		day := now.AddDate(0, 0, i)
		session, ok, err := c.cal.SessionFor(day)
		if err != nil {
			return time.Time{}, fmt.Errorf("calendar lookup failed: %w", err)
		}
		if !ok {
			continue
		}
		if session.Open.After(now) {
			return session.Open, nil
		}
	}
	return time.Time{}, fmt.Errorf("no session open within %d days", scanDays)
}
