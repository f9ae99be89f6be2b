package storage

import (
	"context"
	"errors"
	"time"

	"dosewatch/internal/schedule"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": snapshot + journal files next to Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable through DSN
//   - "memory": process-local maps, lost on exit
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	CompactEvery int           // file only; journal writes between snapshots
}

// DoseStatus is the outcome recorded for one occurrence.
type DoseStatus string

const (
	DoseTaken  DoseStatus = "taken"
	DoseMissed DoseStatus = "missed"

	// DoseReminded is written when a reminder send is committed.
	DoseReminded DoseStatus = "reminded"
)

func (s DoseStatus) Valid() bool {
	return s == DoseTaken || s == DoseMissed || s == DoseReminded
}

// DoseLog records what happened to one occurrence.
type DoseLog struct {
	ID            string     `json:"id"`
	ScheduleID    string     `json:"scheduleID"`
	OccurrenceKey string     `json:"occurrenceKey"`
	Status        DoseStatus `json:"status"`
	At            time.Time  `json:"at"`
	Note          string     `json:"note,omitempty"`
}

// Store is the persistence API used by the registry, dedup and missed-dose
// components. Implementations are safe for concurrent use.
type Store interface {
	PutSchedule(ctx context.Context, s schedule.Schedule) error
	// DeleteSchedule removes the schedule together with its dedup record.
	// It returns ErrNotFound if the schedule does not exist.
	DeleteSchedule(ctx context.Context, id string) error
	ListSchedules(ctx context.Context) ([]schedule.Schedule, error)

	// PutDedup overwrites the last notified occurrence key of a schedule.
	PutDedup(ctx context.Context, scheduleID, key string) error
	GetDedup(ctx context.Context, scheduleID string) (key string, ok bool, err error)
	ListDedup(ctx context.Context) (map[string]string, error)
	DeleteDedup(ctx context.Context, scheduleID string) error

	AppendDoseLog(ctx context.Context, l DoseLog) error
	// ListDoseLogs returns the schedule's logs, oldest first.
	ListDoseLogs(ctx context.Context, scheduleID string) ([]DoseLog, error)
	FindDoseLog(ctx context.Context, occurrenceKey string, status DoseStatus) (DoseLog, bool, error)

	Driver() string
	Close() error
}
