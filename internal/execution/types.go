// Package execution places entry orders for APPROVED trade intents and
// qualifies/places exit orders for APPROVED exit intents (§4.10, §4.12).
package execution

import (
	"errors"
	"time"
)

// ErrReadOnly is returned when the watchdog's read-only guard is tripped;
// executors refuse to place orders without touching trade state (§7
// GuardFailed, §4.15).
var ErrReadOnly = errors.New("execution: read-only guard active")

// Guard reports the watchdog's current safety-switch state.
type Guard interface {
	ReadOnly() bool
}

// MarketClock tells the exit qualifier whether the session is open and how
// close to the configured close-guard window the current time is.
type MarketClock interface {
	InSession(now time.Time) bool
	WithinCloseGuard(now time.Time, guard time.Duration) bool
}

// istSessionClock is the default MarketClock: a single fixed daily session
// in one location, no holiday calendar. Adequate for the mock/dry-run path;
// a production deployment supplies its own MarketClock grounded on the
// broker's actual trading calendar.
type istSessionClock struct {
	loc                  *time.Location
	openHour, openMin    int
	closeHour, closeMin  int
}

// NewFixedSessionClock builds a MarketClock with a single daily open/close
// window in loc (e.g. time.LoadLocation("Asia/Kolkata")).
func NewFixedSessionClock(loc *time.Location, openHour, openMin, closeHour, closeMin int) MarketClock {
	return &istSessionClock{loc: loc, openHour: openHour, openMin: openMin, closeHour: closeHour, closeMin: closeMin}
}

func (c *istSessionClock) bounds(now time.Time) (open, close time.Time) {
	local := now.In(c.loc)
	y, m, d := local.Date()
	open = time.Date(y, m, d, c.openHour, c.openMin, 0, 0, c.loc)
	close = time.Date(y, m, d, c.closeHour, c.closeMin, 0, 0, c.loc)
	return open, close
}

func (c *istSessionClock) InSession(now time.Time) bool {
	open, close := c.bounds(now)
	t := now.In(c.loc)
	return !t.Before(open) && t.Before(close)
}

func (c *istSessionClock) WithinCloseGuard(now time.Time, guard time.Duration) bool {
	_, close := c.bounds(now)
	return now.In(c.loc).Add(guard).After(close)
}
