// Package missed follows up on reminders that were sent but never
// acknowledged. Once an occurrence is older than the grace period without a
// "taken" dose log, it is recorded as missed and one notice goes out.
package missed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"dosewatch/internal/dedup"
	"dosewatch/internal/dispatch"
	"dosewatch/internal/eventbus"
	"dosewatch/internal/recurrence"
	"dosewatch/internal/schedule"
	"dosewatch/internal/storage"
	"dosewatch/internal/timeres"
	logx "dosewatch/pkg/logx"
)

const DefaultGrace = time.Hour

// noticeTimeout bounds one missed-dose notice, retries included.
const noticeTimeout = 30 * time.Second

var missedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dosewatch",
	Name:      "missed_doses_total",
	Help:      "Occurrences recorded as missed, by notice delivery result.",
}, []string{"notice"})

type Detector struct {
	store storage.Store
	dedup *dedup.Cache
	n     dispatch.Notifier
	bus   eventbus.Bus
	clock timeres.Clock
	log   logx.Logger

	mu    sync.RWMutex
	grace time.Duration

	pending chan request
}

type request struct {
	now  time.Time
	list []schedule.Schedule
	def  *time.Location
}

// New returns a detector. grace <= 0 disables it.
func New(grace time.Duration, store storage.Store, d *dedup.Cache, n dispatch.Notifier, bus eventbus.Bus, clock timeres.Clock, log logx.Logger) *Detector {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = timeres.System()
	}
	return &Detector{
		store: store,
		dedup: d,
		n:     n,
		bus:   bus,
		clock: clock,
		log:   log.With(logx.String("comp", "missed")),
		grace: grace,

		pending: make(chan request, 1),
	}
}

func (d *Detector) SetGrace(g time.Duration) {
	d.mu.Lock()
	d.grace = g
	d.mu.Unlock()
}

func (d *Detector) Grace() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.grace
}

// Check looks at occurrences from the start of the previous local day up to
// now-grace and returns how many were recorded as missed.
func (d *Detector) Check(ctx context.Context, now time.Time, list []schedule.Schedule, def *time.Location) int {
	grace := d.Grace()
	if grace <= 0 {
		return 0
	}
	found := 0
	for _, s := range list {
		if ctx.Err() != nil {
			break
		}
		n, err := d.checkSchedule(ctx, s, now, grace, def)
		if err != nil {
			d.log.Warn("missed-dose check failed", logx.String("schedule", s.ID), logx.Err(err))
		}
		found += n
	}
	return found
}

// Hook matches the ticker hook type. It only queues the check for Run, so a
// slow notice never holds up the tick. A queued check not yet picked up is
// replaced by the newer one.
func (d *Detector) Hook(_ context.Context, now time.Time, list []schedule.Schedule, def *time.Location) {
	req := request{now: now, list: list, def: def}
	for {
		select {
		case d.pending <- req:
			return
		default:
		}
		select {
		case <-d.pending:
		default:
		}
	}
}

// Run performs the checks queued by Hook until ctx is done.
func (d *Detector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-d.pending:
			if n := d.Check(ctx, req.now, req.list, req.def); n > 0 {
				d.log.Debug("missed-dose check done", logx.Int("missed", n))
			}
		}
	}
}

func (d *Detector) checkSchedule(ctx context.Context, s schedule.Schedule, now time.Time, grace time.Duration, def *time.Location) (int, error) {
	loc, _ := s.Location(def)
	from := timeres.DateOf(now.In(loc)).AddDays(-1).In(loc)
	until := now.Add(-grace)
	if !until.After(from) {
		return 0, nil
	}
	occ, err := recurrence.Upcoming(s, from, until.Sub(from), loc)
	if err != nil {
		return 0, err
	}

	found := 0
	for _, o := range occ {
		// Occurrences before the schedule existed were never reminded.
		if o.At.Before(s.CreatedAt.Truncate(time.Minute)) {
			continue
		}
		key := o.Key()
		if ok, err := d.dedup.Reminded(ctx, key); err != nil {
			return found, err
		} else if !ok {
			continue
		}
		if _, ok, err := d.store.FindDoseLog(ctx, key, storage.DoseTaken); err != nil {
			return found, fmt.Errorf("find taken log: %w", err)
		} else if ok {
			continue
		}
		if _, ok, err := d.store.FindDoseLog(ctx, key, storage.DoseMissed); err != nil {
			return found, fmt.Errorf("find missed log: %w", err)
		} else if ok {
			continue
		}
		if err := d.record(ctx, s, o, loc); err != nil {
			return found, err
		}
		found++
	}
	return found, nil
}

// record writes the missed log first; the notice is sent at most once.
func (d *Detector) record(ctx context.Context, s schedule.Schedule, o recurrence.Occurrence, loc *time.Location) error {
	key := o.Key()
	entry := storage.DoseLog{
		ID:            uuid.NewString(),
		ScheduleID:    s.ID,
		OccurrenceKey: key,
		Status:        storage.DoseMissed,
		At:            d.clock.Now().UTC(),
	}
	if err := d.store.AppendDoseLog(ctx, entry); err != nil {
		return fmt.Errorf("append missed log: %w", err)
	}

	log := d.log.With(logx.String("schedule", s.ID), logx.String("key", key))
	ev := dispatch.DoseEvent{ScheduleID: s.ID, Key: key, To: s.Email, At: entry.At}
	sendCtx, cancel := context.WithTimeout(ctx, noticeTimeout)
	err := d.n.Send(sendCtx, dispatch.MissedMessage(s, o, loc))
	cancel()
	if err != nil {
		log.Warn("missed-dose notice not delivered", logx.Err(err))
		ev.Error = err.Error()
		missedTotal.WithLabelValues("failed").Inc()
	} else {
		log.Info("missed dose recorded", logx.String("medicine", s.MedicineName))
		missedTotal.WithLabelValues("sent").Inc()
	}
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.DoseMissed, Time: entry.At, Data: ev})
	}
	return nil
}
