package ticker

import (
	"context"
	"time"

	"dosewatch/internal/dispatch"
	"dosewatch/internal/recurrence"
	"dosewatch/internal/schedule"
)

type Config struct {
	PollInterval    time.Duration
	DefaultTimezone string
	// Concurrency bounds how many schedules are evaluated in parallel.
	Concurrency int
}

const (
	DefaultPollInterval = 30 * time.Second
	MaxPollInterval     = time.Minute
	DefaultConcurrency  = 8
)

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollInterval > MaxPollInterval {
		c.PollInterval = MaxPollInterval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	return c
}

// Source yields the schedules to evaluate for one tick.
type Source interface {
	ListActive(now time.Time, def *time.Location) []schedule.Schedule
}

// Dispatcher delivers one due occurrence.
type Dispatcher interface {
	Dispatch(ctx context.Context, s schedule.Schedule, o recurrence.Occurrence, loc *time.Location) dispatch.Result
}

// Hook runs after the dispatches of a tick, still inside the tick.
type Hook func(ctx context.Context, now time.Time, schedules []schedule.Schedule, def *time.Location)

// Report summarizes one tick.
type Report struct {
	At        time.Time     `json:"at"`
	Schedules int           `json:"schedules"`
	Due       int           `json:"due"`
	Sent      int           `json:"sent"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Invalid   int           `json:"invalid"`
	Took      time.Duration `json:"took"`
}
