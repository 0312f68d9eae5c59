// Package calendar classifies civil dates as trading or non-trading days
// for a configured exchange and computes trading-day sequences around
// them (spec.md §4.1). The rules are pure functions over configuration —
// none of the operations here fail.
package calendar

import (
	"sync"
	"time"
)

// HolidayRule computes the holiday dates for a given exchange in a given
// year. Fixed-date and Easter-relative holidays are both expressed this
// way, mirroring how exchange holiday calendars are conventionally built.
type HolidayRule func(year int) time.Time

// Config describes one exchange's trading-day rules.
type Config struct {
	ExchangeCode string
	Location     *time.Location
	OpenLocal    string // "HH:MM"
	CloseLocal   string // "HH:MM"
	Holidays     []HolidayRule
}

// Calendar answers trading-day questions for one exchange. It caches
// computed holiday sets per year since the underlying rules are pure but
// mildly expensive to recompute (Easter-relative rules in particular).
type Calendar struct {
	cfg Config

	mu            sync.Mutex
	holidayByYear map[int]map[string]struct{} // year -> set of "2006-01-02"

	warnedUninitialized bool
	onWarn               func(string)
}

// New constructs a Calendar for the given configuration. If cfg.Holidays
// is empty, isTradingDay treats every weekday as a trading day and logs a
// warning exactly once (spec.md §4.1 "Failure" clause), via onWarn if
// provided.
func New(cfg Config, onWarn func(string)) *Calendar {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Calendar{
		cfg:           cfg,
		holidayByYear: make(map[int]map[string]struct{}),
		onWarn:        onWarn,
	}
}

// IsTradingDay reports whether date is a trading day: not a weekend and
// not a configured holiday.
func (c *Calendar) IsTradingDay(date time.Time) bool {
	date = civilDate(date, c.cfg.Location)

	if date.Weekday() == time.Saturday || date.Weekday() == time.Sunday {
		return false
	}

	if len(c.cfg.Holidays) == 0 {
		c.warnUninitializedOnce()
		return true
	}

	return !c.isHoliday(date)
}

func (c *Calendar) warnUninitializedOnce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.warnedUninitialized {
		return
	}
	c.warnedUninitialized = true
	if c.onWarn != nil {
		c.onWarn("calendar: no holiday rules configured for " + c.cfg.ExchangeCode + ", treating all weekdays as trading days")
	}
}

func (c *Calendar) isHoliday(date time.Time) bool {
	set := c.holidaysForYear(date.Year())
	_, ok := set[date.Format("2006-01-02")]
	return ok
}

func (c *Calendar) holidaysForYear(year int) map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if set, ok := c.holidayByYear[year]; ok {
		return set
	}

	set := make(map[string]struct{}, len(c.cfg.Holidays))
	for _, rule := range c.cfg.Holidays {
		d := rule(year)
		set[d.Format("2006-01-02")] = struct{}{}
	}
	c.holidayByYear[year] = set
	return set
}

// PreviousTradingDay walks backward one day at a time until IsTradingDay
// holds, bounded by a safety limit so a misconfigured holiday set can
// never spin forever.
func (c *Calendar) PreviousTradingDay(date time.Time) time.Time {
	const maxSteps = 10
	d := civilDate(date, c.cfg.Location)
	for i := 0; i < maxSteps; i++ {
		d = d.AddDate(0, 0, -1)
		if c.IsTradingDay(d) {
			return d
		}
	}
	return d
}

// TradingDaysInRange returns the ascending, inclusive sequence of trading
// days between start and end. Empty if start > end.
func (c *Calendar) TradingDaysInRange(start, end time.Time) []time.Time {
	start = civilDate(start, c.cfg.Location)
	end = civilDate(end, c.cfg.Location)
	if start.After(end) {
		return nil
	}

	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if c.IsTradingDay(d) {
			days = append(days, d)
		}
	}
	return days
}

// IsMarketOpenNow reports whether nowLocal falls on a trading day and
// within the configured open/close window.
func (c *Calendar) IsMarketOpenNow(nowLocal time.Time) bool {
	nowLocal = nowLocal.In(c.cfg.Location)
	if !c.IsTradingDay(nowLocal) {
		return false
	}

	open, err := parseClock(c.cfg.OpenLocal, nowLocal)
	if err != nil {
		return false
	}
	closeT, err := parseClock(c.cfg.CloseLocal, nowLocal)
	if err != nil {
		return false
	}

	return !nowLocal.Before(open) && nowLocal.Before(closeT)
}

func civilDate(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func parseClock(hhmm string, day time.Time) (time.Time, error) {
	parsed, err := time.ParseInLocation("15:04", hhmm, day.Location())
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), parsed.Hour(), parsed.Minute(), 0, 0, day.Location()), nil
}

// FixedDate returns a HolidayRule for a holiday that falls on the same
// month/day every year (e.g. New Year's Day, Christmas).
func FixedDate(month time.Month, day int) HolidayRule {
	return func(year int) time.Time {
		return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	}
}

// NthWeekday returns a HolidayRule for a holiday defined as the nth
// occurrence of a weekday in a month (e.g. "third Monday of January").
// A negative n counts from the end of the month (-1 = last occurrence).
func NthWeekday(month time.Month, weekday time.Weekday, n int) HolidayRule {
	return func(year int) time.Time {
		if n > 0 {
			d := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
			offset := (int(weekday) - int(d.Weekday()) + 7) % 7
			d = d.AddDate(0, 0, offset+7*(n-1))
			return d
		}
		// Last occurrence: start at the first of the next month and walk back.
		d := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
		for d.Weekday() != weekday {
			d = d.AddDate(0, 0, -1)
		}
		return d
	}
}

// EasterBased returns a HolidayRule offset by offsetDays from Western
// Easter Sunday (computed via the anonymous Gregorian algorithm), for
// holidays like Good Friday (offset -2).
func EasterBased(offsetDays int) HolidayRule {
	return func(year int) time.Time {
		return easterSunday(year).AddDate(0, 0, offsetDays)
	}
}

// easterSunday computes the date of Western Easter Sunday for the given
// year using the anonymous Gregorian algorithm.
func easterSunday(year int) time.Time {
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
	day := ((h + l - 7*m + 114) % 31) + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}
