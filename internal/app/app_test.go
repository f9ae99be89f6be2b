package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dosewatch/internal/config"
	"dosewatch/internal/missed"
	"dosewatch/internal/schedule"
)

const testConfig = `
logging:
  level: warn
scheduler:
  poll_interval: 30s
  default_timezone: UTC
  miss_grace: 1h
notifier:
  dry_run: true
  rate_per_sec: 100
storage:
  driver: sqlite
  path: %s
http:
  addr: ""
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "dosewatch.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func newTestApp(t *testing.T) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	db := filepath.Join(dir, "state.db")
	p := writeConfig(t, dir, fmt.Sprintf(testConfig, db))
	a, err := New(context.Background(), p)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	return a, p
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "scheduler:\n  poll_interval: 5m\nnotifier:\n  dry_run: true\nstorage:\n  driver: memory\n")
	if _, err := New(context.Background(), p); err == nil {
		t.Fatal("poll interval above one minute must be rejected")
	}
}

func TestStartStopPersistsSchedules(t *testing.T) {
	a, p := newTestApp(t)
	ctx := context.Background()

	s, err := a.Registry().Add(ctx, schedule.Schedule{
		MedicineName: "Metformin",
		Dosage:       "500mg",
		Time:         "08:00",
		Frequency:    schedule.TwiceDaily,
		StartDate:    "2024-01-01",
		Duration:     30,
		Email:        "pat@example.com",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.Start(ctx); err == nil {
		t.Fatal("second Start must fail")
	}

	st := a.Status()
	if st.Schedules != 1 || st.Storage != "sqlite" || st.MissGrace != "1h0m0s" {
		t.Fatalf("status = %+v", st)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	again, err := New(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	defer again.Stop(context.Background(), StopAppStop)
	if got, ok := again.Registry().Get(s.ID); !ok || got.MedicineName != "Metformin" {
		t.Fatalf("schedule not restored: %+v %v", got, ok)
	}
}

func TestApplyConfigUpdatesServices(t *testing.T) {
	a, _ := newTestApp(t)
	defer a.Stop(context.Background(), StopAppStop)

	next := *a.cfg
	next.Scheduler.MissGrace = "15m"
	next.Scheduler.DefaultTimezone = "Asia/Kolkata"
	next.Storage.Driver = "memory"
	a.applyConfig(&next)

	if got := a.missed.Grace(); got != 15*time.Minute {
		t.Fatalf("grace = %s", got)
	}
	if got := a.tick.Location().String(); got != "Asia/Kolkata" {
		t.Fatalf("location = %s", got)
	}
	// Storage changes wait for a restart.
	if a.driver != "sqlite" {
		t.Fatalf("driver = %s", a.driver)
	}

	disabled := next
	disabled.Scheduler.DisableMissed = true
	a.applyConfig(&disabled)
	if a.missed.Grace() != 0 {
		t.Fatal("disable_missed should zero the grace")
	}
}

func TestMapTickerConfigDefaults(t *testing.T) {
	t.Parallel()
	tc, err := mapTickerConfig(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if tc.PollInterval != config.DefaultPollInterval || tc.DefaultTimezone != "UTC" {
		t.Fatalf("ticker config = %+v", tc)
	}
	if _, err := mapNotifierConfig(&config.Config{Notifier: config.NotifierConfig{RetryBase: "soon"}}); err == nil {
		t.Fatal("bad duration must fail")
	}
}

func TestMapMissGraceDefault(t *testing.T) {
	t.Parallel()
	g, err := mapMissGrace(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if g != missed.DefaultGrace {
		t.Fatalf("grace = %s, want %s", g, missed.DefaultGrace)
	}
	off := &config.Config{}
	off.Scheduler.DisableMissed = true
	off.Scheduler.MissGrace = "5m"
	if g, _ := mapMissGrace(off); g != 0 {
		t.Fatalf("disabled grace = %s", g)
	}
}
