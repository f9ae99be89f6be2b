// Package schedule defines the medication schedule entity and its calendar rules.
package schedule

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"dosewatch/internal/timeres"
)

var ErrInvalid = errors.New("invalid schedule")

// Frequency is the recurrence pattern of a schedule.
type Frequency string

const (
	OnceDaily     Frequency = "onceDaily"
	TwiceDaily    Frequency = "twiceDaily"
	Every8h       Frequency = "every8h"
	EveryOtherDay Frequency = "everyOtherDay"
	Weekly        Frequency = "weekly"
)

// Known reports whether f is one of the supported patterns.
func (f Frequency) Known() bool {
	switch f {
	case OnceDaily, TwiceDaily, Every8h, EveryOtherDay, Weekly:
		return true
	}
	return false
}

// Offsets returns the dose offsets from the base wall time, one per slot.
// Unknown frequencies are treated as once daily.
func (f Frequency) Offsets() []time.Duration {
	switch f {
	case TwiceDaily:
		return []time.Duration{0, 12 * time.Hour}
	case Every8h:
		return []time.Duration{0, 8 * time.Hour, 16 * time.Hour}
	default:
		return []time.Duration{0}
	}
}

// DayPeriod is the spacing, in calendar days, between dosing days.
func (f Frequency) DayPeriod() int {
	switch f {
	case EveryOtherDay:
		return 2
	case Weekly:
		return 7
	default:
		return 1
	}
}

// Schedule is one medication reminder plan.
type Schedule struct {
	ID           string    `json:"id"`
	MedicineName string    `json:"medicineName"`
	Dosage       string    `json:"dosage"`
	Time         string    `json:"time"`
	Frequency    Frequency `json:"frequency"`
	StartDate    string    `json:"startDate"`
	Duration     int       `json:"duration"`
	Timezone     string    `json:"timezone,omitempty"`
	Email        string    `json:"email"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Validate checks the fields a new schedule must carry.
func (s Schedule) Validate() error {
	var problems []string
	if strings.TrimSpace(s.MedicineName) == "" {
		problems = append(problems, "medicineName is required")
	}
	if _, err := timeres.ParseWallClock(s.Time); err != nil {
		problems = append(problems, err.Error())
	}
	if !s.Frequency.Known() {
		problems = append(problems, fmt.Sprintf("unsupported frequency %q", s.Frequency))
	}
	if _, err := timeres.ParseDate(s.StartDate); err != nil {
		problems = append(problems, err.Error())
	}
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := timeres.LoadLocation(tz, nil); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if err := validateAddress(s.Email); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func validateAddress(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return errors.New("email is required")
	}
	if _, ok := TelegramChatID(addr); ok {
		return nil
	}
	if strings.HasPrefix(addr, TelegramScheme) {
		return fmt.Errorf("invalid telegram address %q", addr)
	}
	if _, err := mail.ParseAddress(addr); err != nil {
		return fmt.Errorf("invalid email %q", addr)
	}
	return nil
}

// Location resolves the schedule's zone, falling back to def when the zone is
// empty. An unknown zone returns def together with timeres.ErrUnknownTimezone.
func (s Schedule) Location(def *time.Location) (*time.Location, error) {
	return timeres.LoadLocation(s.Timezone, def)
}

// Start returns the parsed start date.
func (s Schedule) Start() (timeres.Date, error) {
	return timeres.ParseDate(s.StartDate)
}

// ActiveOn reports whether calendar day d lies inside the active window
// [startDate, startDate+duration-1].
func (s Schedule) ActiveOn(d timeres.Date) bool {
	if s.Duration <= 0 {
		return false
	}
	start, err := s.Start()
	if err != nil {
		return false
	}
	n := timeres.DaysBetween(start, d)
	return n >= 0 && n < s.Duration
}

// ActiveAt reports whether instant t, viewed in loc, lies inside the active window.
func (s Schedule) ActiveAt(t time.Time, loc *time.Location) bool {
	return s.ActiveOn(timeres.DateOf(t.In(loc)))
}

// LastDay returns the final active date. ok is false for inactive schedules.
func (s Schedule) LastDay() (timeres.Date, bool) {
	start, err := s.Start()
	if err != nil || s.Duration <= 0 {
		return timeres.Date{}, false
	}
	return start.AddDays(s.Duration - 1), true
}
