package app

import (
	"time"

	"dosewatch/internal/eventbus"
	"dosewatch/internal/notifier"
	rtsup "dosewatch/internal/runtime/supervisor"
	"dosewatch/internal/ticker"
)

// Status is served on GET /api/status.
type Status struct {
	StartedAt     time.Time              `json:"started_at"`
	Uptime        string                 `json:"uptime"`
	Storage       string                 `json:"storage"`
	Timezone      string                 `json:"default_timezone"`
	Schedules     int                    `json:"schedules"`
	DedupRecords  int                    `json:"dedup_records"`
	MissGrace     string                 `json:"miss_grace"`
	LastTick      ticker.Report          `json:"last_tick"`
	Notifications []notifier.HistoryItem `json:"notifications"`
	Events        []eventbus.Event       `json:"events"`
	Supervisor    rtsup.Snapshot         `json:"supervisor"`
}

const statusHistory = 50

func (a *App) Status() Status {
	st := Status{
		StartedAt:    a.startedAt,
		Uptime:       time.Since(a.startedAt).Truncate(time.Second).String(),
		Timezone:     a.tick.Location().String(),
		Schedules:    a.reg.Len(),
		DedupRecords: a.dedup.Len(),
		MissGrace:    a.missed.Grace().String(),
		LastTick:     a.tick.LastReport(),
		Events:       a.bus.Recent(),
		Storage:      a.driver,
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	h := a.notif.History()
	if len(h) > statusHistory {
		h = h[len(h)-statusHistory:]
	}
	st.Notifications = h
	return st
}
