// Package dispatch delivers one due occurrence and commits it to the dedup
// store. A key is committed only after the notifier reports success, so a
// failed send is retried by the next tick that still sees the dose as due.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dosewatch/internal/dedup"
	"dosewatch/internal/eventbus"
	"dosewatch/internal/notifier"
	"dosewatch/internal/recurrence"
	"dosewatch/internal/schedule"
	"dosewatch/internal/timeres"
	logx "dosewatch/pkg/logx"
)

var (
	ErrNotification = errors.New("notification failed")
	ErrPersistence  = errors.New("dedup persistence failed")
)

type Outcome string

const (
	Sent    Outcome = "sent"
	Skipped Outcome = "skipped"
	Failed  Outcome = "failed"
)

type Result struct {
	Occurrence recurrence.Occurrence
	Outcome    Outcome
	Err        error
}

// Notifier is the capability the dispatcher needs from a transport.
type Notifier interface {
	Send(ctx context.Context, m notifier.Message) error
}

// DoseEvent is the payload of dose.* events.
type DoseEvent struct {
	ScheduleID string    `json:"schedule_id"`
	Key        string    `json:"key"`
	To         string    `json:"to"`
	At         time.Time `json:"at"`
	Error      string    `json:"error,omitempty"`
}

// minSendWindow is the send budget used when the due minute has (almost)
// elapsed by the time the dispatch starts.
const minSendWindow = 5 * time.Second

type Dispatcher struct {
	notifier Notifier
	dedup    *dedup.Cache
	bus      eventbus.Bus
	clock    timeres.Clock
	log      logx.Logger
}

func New(n Notifier, d *dedup.Cache, bus eventbus.Bus, clock timeres.Clock, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = timeres.System()
	}
	return &Dispatcher{
		notifier: n,
		dedup:    d,
		bus:      bus,
		clock:    clock,
		log:      log.With(logx.String("comp", "dispatch")),
	}
}

// Dispatch sends the reminder for o unless it was already sent.
// loc is the schedule's resolved zone, used for rendering.
func (d *Dispatcher) Dispatch(ctx context.Context, s schedule.Schedule, o recurrence.Occurrence, loc *time.Location) Result {
	start := time.Now()
	key := o.Key()
	log := d.log.With(logx.String("schedule", s.ID), logx.String("key", key))

	res := d.dispatch(ctx, s, o, loc, key, log)

	dispatchTotal.WithLabelValues(string(res.Outcome)).Inc()
	dispatchDuration.WithLabelValues(string(res.Outcome)).Observe(time.Since(start).Seconds())
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, s schedule.Schedule, o recurrence.Occurrence, loc *time.Location, key string, log logx.Logger) Result {
	if d.dedup.AlreadySent(s.ID, key) {
		log.Debug("occurrence already notified")
		d.publish(eventbus.DoseDeduped, s, key, nil)
		return Result{Occurrence: o, Outcome: Skipped}
	}

	// Retries must not outlive the due minute.
	minuteEnd := o.At.Truncate(time.Minute).Add(time.Minute)
	window := minuteEnd.Sub(d.clock.Now())
	if window < minSendWindow {
		window = minSendWindow
	}
	sendCtx, cancel := context.WithTimeout(ctx, window)
	err := d.notifier.Send(sendCtx, ReminderMessage(s, o, loc))
	cancel()
	if err != nil {
		log.Warn("reminder not delivered; will retry while due", logx.Err(err))
		d.publish(eventbus.DoseFailed, s, key, err)
		return Result{Occurrence: o, Outcome: Failed, Err: fmt.Errorf("%w: %w", ErrNotification, err)}
	}

	if err := d.dedup.MarkSent(ctx, s.ID, key); err != nil {
		// The send went out; the next tick may duplicate it.
		log.Error("reminder sent but dedup commit failed", logx.Err(err))
		d.publish(eventbus.DoseFailed, s, key, err)
		return Result{Occurrence: o, Outcome: Failed, Err: fmt.Errorf("%w: %w", ErrPersistence, err)}
	}

	log.Info("reminder sent", logx.String("medicine", s.MedicineName), logx.Time("at", o.At))
	d.publish(eventbus.DoseSent, s, key, nil)
	return Result{Occurrence: o, Outcome: Sent}
}

func (d *Dispatcher) publish(typ string, s schedule.Schedule, key string, err error) {
	if d.bus == nil {
		return
	}
	ev := DoseEvent{ScheduleID: s.ID, Key: key, To: s.Email, At: d.clock.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
