package schedule

import (
	"errors"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"dosewatch/internal/timeres"
)

func validSchedule() Schedule {
	return Schedule{
		ID:           "s1",
		MedicineName: "Ibuprofen",
		Dosage:       "200mg",
		Time:         "09:00",
		Frequency:    OnceDaily,
		StartDate:    "2024-01-01",
		Duration:     7,
		Timezone:     "Europe/Berlin",
		Email:        "pat@example.com",
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Schedule)
		ok     bool
	}{
		{name: "valid", mutate: func(*Schedule) {}, ok: true},
		{name: "telegram address", mutate: func(s *Schedule) { s.Email = "tg:12345" }, ok: true},
		{name: "empty zone uses default", mutate: func(s *Schedule) { s.Timezone = "" }, ok: true},
		{name: "missing medicine", mutate: func(s *Schedule) { s.MedicineName = " " }},
		{name: "bad time", mutate: func(s *Schedule) { s.Time = "25:00" }},
		{name: "bad frequency", mutate: func(s *Schedule) { s.Frequency = "hourly" }},
		{name: "bad start", mutate: func(s *Schedule) { s.StartDate = "01/01/2024" }},
		{name: "bad zone", mutate: func(s *Schedule) { s.Timezone = "Mars/Base" }},
		{name: "missing email", mutate: func(s *Schedule) { s.Email = "" }},
		{name: "bad email", mutate: func(s *Schedule) { s.Email = "not an address" }},
		{name: "bad telegram", mutate: func(s *Schedule) { s.Email = "tg:abc" }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := validSchedule()
			tt.mutate(&s)
			err := s.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate() error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestActiveWindow(t *testing.T) {
	t.Parallel()
	s := validSchedule()
	if !s.ActiveOn(timeres.Date{Year: 2024, Month: time.January, Day: 1}) {
		t.Fatal("start date must be active")
	}
	if !s.ActiveOn(timeres.Date{Year: 2024, Month: time.January, Day: 7}) {
		t.Fatal("last day must be active")
	}
	if s.ActiveOn(timeres.Date{Year: 2024, Month: time.January, Day: 8}) {
		t.Fatal("window closes after duration days")
	}
	if s.ActiveOn(timeres.Date{Year: 2023, Month: time.December, Day: 31}) {
		t.Fatal("day before start must be inactive")
	}
	last, ok := s.LastDay()
	if !ok || last.String() != "2024-01-07" {
		t.Fatalf("LastDay = %s %v", last, ok)
	}

	s.Duration = 0
	if s.ActiveOn(timeres.Date{Year: 2024, Month: time.January, Day: 1}) {
		t.Fatal("duration 0 is inactive")
	}
}

func TestActiveAtUsesScheduleZone(t *testing.T) {
	t.Parallel()
	s := validSchedule()
	loc, err := s.Location(time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	// 2023-12-31 23:30 UTC is already 2024-01-01 in Berlin.
	at := time.Date(2023, time.December, 31, 23, 30, 0, 0, time.UTC)
	if !s.ActiveAt(at, loc) {
		t.Fatal("expected active in Berlin")
	}
	if s.ActiveAt(at, time.UTC) {
		t.Fatal("expected inactive in UTC")
	}
}

func TestFrequencyOffsets(t *testing.T) {
	t.Parallel()
	if got := len(TwiceDaily.Offsets()); got != 2 {
		t.Fatalf("twiceDaily slots = %d", got)
	}
	if got := Every8h.Offsets()[2]; got != 16*time.Hour {
		t.Fatalf("every8h slot 2 = %s", got)
	}
	if got := Frequency("monthly").Offsets(); len(got) != 1 || got[0] != 0 {
		t.Fatalf("unknown frequency should behave as once daily: %v", got)
	}
	if Weekly.DayPeriod() != 7 || EveryOtherDay.DayPeriod() != 2 || OnceDaily.DayPeriod() != 1 {
		t.Fatal("unexpected day periods")
	}
}

func TestRRuleString(t *testing.T) {
	t.Parallel()
	s := validSchedule()
	s.Frequency = TwiceDaily
	s.Time = "22:00"
	got, err := s.RRuleString(time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	want := "FREQ=DAILY;BYHOUR=10,22;BYMINUTE=0;BYSECOND=0;UNTIL=20240107T235959Z"
	if got != want {
		t.Fatalf("RRuleString = %q, want %q", got, want)
	}

	s.Frequency = EveryOtherDay
	got, _ = s.RRuleString(time.UTC)
	if !strings.Contains(got, "INTERVAL=2") {
		t.Fatalf("everyOtherDay rule lacks INTERVAL=2: %q", got)
	}
}

func TestICS(t *testing.T) {
	t.Parallel()
	s := validSchedule()
	loc, _ := s.Location(time.UTC)
	out, err := s.ICS(loc, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"BEGIN:VEVENT",
		"DTSTART;TZID=Europe/Berlin:20240101T090000",
		"RRULE:FREQ=DAILY;BYHOUR=9;BYMINUTE=0",
		"SUMMARY:Ibuprofen (200mg)",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("ICS missing %q:\n%s", want, out)
		}
	}
}

func TestTelegramChatID(t *testing.T) {
	t.Parallel()
	if id, ok := TelegramChatID("tg:-100123"); !ok || id != -100123 {
		t.Fatalf("got %d %v", id, ok)
	}
	if _, ok := TelegramChatID("someone@example.com"); ok {
		t.Fatal("email should not parse as telegram")
	}
}
