package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"dosewatch/internal/timeres"
)

// ruleOption maps the schedule onto an RFC 5545 recurrence in loc.
// Slot hours are expressed as BYHOUR wall-clock values, so on DST change days
// the rule may disagree with the duration-based slot offsets by one hour.
func (s Schedule) ruleOption(loc *time.Location) (rrule.ROption, error) {
	wc, err := timeres.ParseWallClock(s.Time)
	if err != nil {
		return rrule.ROption{}, err
	}
	start, err := s.Start()
	if err != nil {
		return rrule.ROption{}, err
	}
	last, ok := s.LastDay()
	if !ok {
		return rrule.ROption{}, fmt.Errorf("%w: schedule has no active days", ErrInvalid)
	}

	hours := make([]int, 0, 3)
	for _, off := range s.Frequency.Offsets() {
		hours = append(hours, (wc.Hour+int(off/time.Hour))%24)
	}
	sort.Ints(hours)

	opt := rrule.ROption{
		Freq:     rrule.DAILY,
		Interval: 1,
		Dtstart:  start.In(loc),
		Until:    time.Date(last.Year, last.Month, last.Day, 23, 59, 59, 0, loc),
		Byhour:   hours,
		Byminute: []int{wc.Minute},
		Bysecond: []int{0},
	}
	switch s.Frequency {
	case EveryOtherDay:
		opt.Interval = 2
	case Weekly:
		opt.Freq = rrule.WEEKLY
	}
	return opt, nil
}

// RRule builds an rrule-go recurrence equivalent to the schedule in loc.
func (s Schedule) RRule(loc *time.Location) (*rrule.RRule, error) {
	opt, err := s.ruleOption(loc)
	if err != nil {
		return nil, err
	}
	return rrule.NewRRule(opt)
}

// RRuleString renders the RRULE property value (without DTSTART).
func (s Schedule) RRuleString(loc *time.Location) (string, error) {
	opt, err := s.ruleOption(loc)
	if err != nil {
		return "", err
	}
	parts := []string{"FREQ=DAILY"}
	if opt.Freq == rrule.WEEKLY {
		parts[0] = "FREQ=WEEKLY"
	}
	if opt.Interval > 1 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(opt.Interval))
	}
	parts = append(parts,
		"BYHOUR="+joinInts(opt.Byhour),
		"BYMINUTE="+joinInts(opt.Byminute),
		"BYSECOND=0",
		"UNTIL="+opt.Until.UTC().Format("20060102T150405Z"),
	)
	return strings.Join(parts, ";"), nil
}

// ICS renders a minimal iCalendar document with one recurring VEVENT.
// The RRULE is re-parsed with rrule-go before being emitted.
func (s Schedule) ICS(loc *time.Location, now time.Time) (string, error) {
	rule, err := s.RRuleString(loc)
	if err != nil {
		return "", err
	}
	if _, err := rrule.StrToROption(rule); err != nil {
		return "", fmt.Errorf("rrule round-trip: %w", err)
	}
	wc, _ := timeres.ParseWallClock(s.Time)
	start, _ := s.Start()
	first := timeres.At(start, wc, loc)

	summary := s.MedicineName
	if d := strings.TrimSpace(s.Dosage); d != "" {
		summary += " (" + d + ")"
	}

	var b strings.Builder
	w := func(line string) { b.WriteString(line + "\r\n") }
	w("BEGIN:VCALENDAR")
	w("VERSION:2.0")
	w("PRODID:-//dosewatch//EN")
	w("BEGIN:VEVENT")
	w("UID:" + s.ID + "@dosewatch")
	w("DTSTAMP:" + now.UTC().Format("20060102T150405Z"))
	w("DTSTART;TZID=" + loc.String() + ":" + first.Format("20060102T150405"))
	w("RRULE:" + rule)
	w("SUMMARY:" + escapeText(summary))
	w("END:VEVENT")
	w("END:VCALENDAR")
	return b.String(), nil
}

func joinInts(xs []int) string {
	out := make([]string, len(xs))
	for i, x := range xs {
		out[i] = strconv.Itoa(x)
	}
	return strings.Join(out, ",")
}

func escapeText(s string) string {
	r := strings.NewReplacer(`\`, `\\`, ";", `\;`, ",", `\,`, "\n", `\n`)
	return r.Replace(s)
}
