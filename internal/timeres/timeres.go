// Package timeres turns a schedule's wall-clock time and IANA zone into concrete
// instants. All calendar arithmetic happens on civil dates so that DST
// transitions never shift a day boundary.
package timeres

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidTimeFormat = errors.New("invalid time format")
	ErrUnknownTimezone   = errors.New("unknown timezone")
	ErrInvalidDate       = errors.New("invalid date")
)

// DateLayout is the wire format of calendar dates.
const DateLayout = "2006-01-02"

// Date is a civil calendar date without a zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses "YYYY-MM-DD".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return DateOf(t), nil
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) IsZero() bool { return d == Date{} }

// AddDays returns the date n calendar days later (n may be negative).
func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC))
}

// Before reports whether d is strictly earlier than o.
func (d Date) Before(o Date) bool { return DaysBetween(d, o) > 0 }

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// DaysBetween counts whole calendar days from a to b (negative if b is earlier).
// The count is taken on UTC midnights in Unix seconds, so neither DST drift
// nor the ~292 year limit of time.Duration can skew it.
func DaysBetween(a, b Date) int {
	ta := time.Date(a.Year, a.Month, a.Day, 0, 0, 0, 0, time.UTC)
	tb := time.Date(b.Year, b.Month, b.Day, 0, 0, 0, 0, time.UTC)
	return int((tb.Unix() - ta.Unix()) / 86400)
}

// WallClock is a parsed "HH:MM".
type WallClock struct {
	Hour   int
	Minute int
}

func (w WallClock) String() string { return fmt.Sprintf("%02d:%02d", w.Hour, w.Minute) }

// ParseWallClock parses "HH:MM" with hour in [0,23] and minute in [0,59].
func ParseWallClock(s string) (WallClock, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 || parts[0] == "" || len(parts[1]) != 2 {
		return WallClock{}, fmt.Errorf("%w: %q (expected HH:MM)", ErrInvalidTimeFormat, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return WallClock{}, fmt.Errorf("%w: invalid hour in %q", ErrInvalidTimeFormat, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return WallClock{}, fmt.Errorf("%w: invalid minute in %q", ErrInvalidTimeFormat, s)
	}
	return WallClock{Hour: h, Minute: m}, nil
}

var (
	locMu    sync.RWMutex
	locCache = map[string]*time.Location{}
)

// LoadLocation resolves an IANA zone name, caching results.
// On failure it returns fallback (UTC if nil) together with ErrUnknownTimezone,
// so callers can log and keep going instead of aborting.
func LoadLocation(name string, fallback *time.Location) (*time.Location, error) {
	if fallback == nil {
		fallback = time.UTC
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fallback, nil
	}

	locMu.RLock()
	loc, ok := locCache[name]
	locMu.RUnlock()
	if ok {
		return loc, nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return fallback, fmt.Errorf("%w: %q", ErrUnknownTimezone, name)
	}
	locMu.Lock()
	locCache[name] = loc
	locMu.Unlock()
	return loc, nil
}

// ResolveDailyInstant returns the instant at which wall clock hhmm occurs on date
// in zone. The UTC offset used is the one in effect at that wall time, not a
// fixed offset.
//
// Wall times inside a spring-forward gap are shifted forward by the gap length
// (02:30 in a skipped hour becomes 03:30). Ambiguous fall-back times resolve to
// the first of the two instants.
func ResolveDailyInstant(date Date, hhmm string, zone string) (time.Time, error) {
	wc, err := ParseWallClock(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := LoadLocation(zone, nil)
	if err != nil {
		return time.Time{}, err
	}
	return At(date, wc, loc), nil
}

// At is ResolveDailyInstant for already-parsed inputs.
func At(date Date, wc WallClock, loc *time.Location) time.Time {
	t := time.Date(date.Year, date.Month, date.Day, wc.Hour, wc.Minute, 0, 0, loc)
	if t.Hour() == wc.Hour && t.Minute() == wc.Minute {
		return t
	}
	// Inside a gap time.Date may land on either side of the transition.
	// Only the earlier landing needs moving past the gap.
	want := time.Date(date.Year, date.Month, date.Day, wc.Hour, wc.Minute, 0, 0, time.UTC)
	got := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	if d := want.Sub(got); d > 0 {
		return t.Add(d)
	}
	return t
}

// MinuteOf returns the absolute minute index of t. Two instants fall in the same
// due minute iff their MinuteOf values are equal.
func MinuteOf(t time.Time) int64 {
	s := t.Unix()
	if s < 0 && s%60 != 0 {
		return s/60 - 1
	}
	return s / 60
}
