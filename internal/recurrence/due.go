package recurrence

import (
	"sort"
	"time"

	"dosewatch/internal/schedule"
	"dosewatch/internal/timeres"
)

// DueNow keeps the candidates whose instant lies in the same minute as now.
func DueNow(candidates []Occurrence, now time.Time) []Occurrence {
	m := timeres.MinuteOf(now)
	var out []Occurrence
	for _, c := range candidates {
		if timeres.MinuteOf(c.At) == m {
			out = append(out, c)
		}
	}
	return out
}

// Due is CandidatesOn followed by DueNow.
func Due(s schedule.Schedule, now time.Time, loc *time.Location) ([]Occurrence, error) {
	c, err := CandidatesOn(s, now, loc)
	if err != nil {
		return nil, err
	}
	return DueNow(c, now), nil
}

// Upcoming lists occurrences with instants in [from, from+horizon), ordered by
// instant.
func Upcoming(s schedule.Schedule, from time.Time, horizon time.Duration, loc *time.Location) ([]Occurrence, error) {
	if horizon <= 0 {
		return nil, nil
	}
	until := from.Add(horizon)
	first := timeres.DateOf(from.In(loc)).AddDays(-1)
	last := timeres.DateOf(until.In(loc))

	var out []Occurrence
	for d := first; !last.Before(d); d = d.AddDays(1) {
		occ, err := Candidates(s, d, loc)
		if err != nil {
			return nil, err
		}
		for _, o := range occ {
			if !o.At.Before(from) && o.At.Before(until) {
				out = append(out, o)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// Next returns the first occurrence at or after the minute of now.
// ok is false once the schedule has no further doses.
func Next(s schedule.Schedule, now time.Time, loc *time.Location) (Occurrence, bool, error) {
	start, err := s.Start()
	if err != nil {
		return Occurrence{}, false, err
	}
	last, active := s.LastDay()
	if !active {
		return Occurrence{}, false, nil
	}
	from := now.Truncate(time.Minute)
	day := timeres.DateOf(from.In(loc)).AddDays(-1)
	if day.Before(start) {
		day = start
	}
	// The next dosing day is at most one period away.
	for i := 0; i <= s.Frequency.DayPeriod()+1 && !last.Before(day); i++ {
		occ, err := Candidates(s, day, loc)
		if err != nil {
			return Occurrence{}, false, err
		}
		for _, o := range occ {
			if !o.At.Before(from) {
				return o, true, nil
			}
		}
		day = day.AddDays(1)
	}
	return Occurrence{}, false, nil
}
