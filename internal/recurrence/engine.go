// Package recurrence expands a schedule into concrete dose occurrences and
// decides which of them are due at a given instant.
//
// An occurrence belongs to the calendar day it was generated from (its base
// day), even when a slot offset pushes its instant past midnight. The
// occurrence key therefore stays stable no matter on which local day the
// dose actually fires.
package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dosewatch/internal/schedule"
	"dosewatch/internal/timeres"
)

var ErrInvalidKey = errors.New("invalid occurrence key")

// Occurrence is one dose instance of a schedule.
type Occurrence struct {
	ScheduleID string
	Date       timeres.Date // base day
	Slot       int
	At         time.Time
}

// Key identifies the occurrence as "<scheduleID>|<YYYY-MM-DD>|<slot>".
func (o Occurrence) Key() string { return Key(o.ScheduleID, o.Date, o.Slot) }

func Key(scheduleID string, d timeres.Date, slot int) string {
	return scheduleID + "|" + d.String() + "|" + strconv.Itoa(slot)
}

// ParseKey splits an occurrence key. Schedule ids may themselves contain '|',
// so the date and slot are taken from the right.
func ParseKey(key string) (scheduleID string, d timeres.Date, slot int, err error) {
	i := strings.LastIndex(key, "|")
	if i <= 0 {
		return "", timeres.Date{}, 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	j := strings.LastIndex(key[:i], "|")
	if j <= 0 {
		return "", timeres.Date{}, 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	slot, err = strconv.Atoi(key[i+1:])
	if err != nil || slot < 0 {
		return "", timeres.Date{}, 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	d, err = timeres.ParseDate(key[j+1 : i])
	if err != nil {
		return "", timeres.Date{}, 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return key[:j], d, slot, nil
}

// Candidates returns the occurrences generated from base day `day` in loc.
// Days outside the active window, days skipped by the frequency and slots whose
// instant falls after the window are omitted.
func Candidates(s schedule.Schedule, day timeres.Date, loc *time.Location) ([]Occurrence, error) {
	wc, err := timeres.ParseWallClock(s.Time)
	if err != nil {
		return nil, err
	}
	start, err := s.Start()
	if err != nil {
		return nil, err
	}
	if !s.ActiveOn(day) {
		return nil, nil
	}
	if n := timeres.DaysBetween(start, day); n%s.Frequency.DayPeriod() != 0 {
		return nil, nil
	}

	base := timeres.At(day, wc, loc)
	offsets := s.Frequency.Offsets()
	out := make([]Occurrence, 0, len(offsets))
	for slot, off := range offsets {
		at := base.Add(off)
		if !s.ActiveAt(at, loc) {
			continue
		}
		out = append(out, Occurrence{ScheduleID: s.ID, Date: day, Slot: slot, At: at})
	}
	return out, nil
}

// CandidatesOn returns every occurrence whose instant falls on now's local day
// in loc. Slot offsets are under 24h, so yesterday's base day is the only
// other source of such instants.
func CandidatesOn(s schedule.Schedule, now time.Time, loc *time.Location) ([]Occurrence, error) {
	today := timeres.DateOf(now.In(loc))
	var out []Occurrence
	for _, day := range []timeres.Date{today.AddDays(-1), today} {
		occ, err := Candidates(s, day, loc)
		if err != nil {
			return nil, err
		}
		for _, o := range occ {
			if timeres.DateOf(o.At.In(loc)) == today {
				out = append(out, o)
			}
		}
	}
	return out, nil
}
