// Package ticker drives the evaluation loop: a cron trigger fires every poll
// interval, each tick finds the due occurrences of every active schedule and
// hands them to the dispatcher. Ticks never overlap.
package ticker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"dosewatch/internal/dispatch"
	"dosewatch/internal/eventbus"
	"dosewatch/internal/recurrence"
	"dosewatch/internal/schedule"
	"dosewatch/internal/timeres"
	logx "dosewatch/pkg/logx"
)

type Service struct {
	src   Source
	disp  Dispatcher
	bus   eventbus.Bus
	clock timeres.Clock
	log   logx.Logger

	mu    sync.Mutex
	cfg   Config
	loc   *time.Location
	c     *cron.Cron
	ctx   context.Context
	hooks []Hook
	last  Report

	runMu sync.Mutex // one tick at a time
	trig  chan struct{}
}

func New(cfg Config, src Source, disp Dispatcher, bus eventbus.Bus, clock timeres.Clock, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = timeres.System()
	}
	s := &Service{
		src:   src,
		disp:  disp,
		bus:   bus,
		clock: clock,
		log:   log.With(logx.String("comp", "ticker")),
		cfg:   cfg.withDefaults(),
		trig:  make(chan struct{}, 1),
	}
	s.loc = s.loadLocation(s.cfg.DefaultTimezone)
	return s
}

// AfterTick registers h to run at the end of every tick.
func (s *Service) AfterTick(h Hook) {
	if h == nil {
		return
	}
	s.mu.Lock()
	s.hooks = append(s.hooks, h)
	s.mu.Unlock()
}

// Location returns the default zone for schedules without one.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// LastReport returns the summary of the most recent tick.
func (s *Service) LastReport() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Service) loadLocation(name string) *time.Location {
	loc, err := timeres.LoadLocation(strings.TrimSpace(name), time.UTC)
	if err != nil {
		s.log.Warn("unknown default timezone; using UTC", logx.String("tz", name), logx.Err(err))
	}
	return loc
}

// Apply updates the configuration. A change of poll interval or default zone
// restarts the cron trigger.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.cfg
	s.cfg = cfg
	if strings.TrimSpace(old.DefaultTimezone) != strings.TrimSpace(cfg.DefaultTimezone) {
		s.loc = s.loadLocation(cfg.DefaultTimezone)
	}
	if s.c == nil {
		return
	}
	if old.PollInterval != cfg.PollInterval || old.DefaultTimezone != cfg.DefaultTimezone {
		s.restartLocked()
	}
}

// Run starts the trigger and blocks until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.start(ctx); err != nil {
		return err
	}
	defer s.stop()

	// Evaluate immediately instead of waiting a full interval after startup.
	s.Trigger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.trig:
			s.runTick(ctx, "manual")
		}
	}
}

// Trigger requests an out-of-band tick. Requests made while one is pending
// collapse into a single tick.
func (s *Service) Trigger() {
	select {
	case s.trig <- struct{}{}:
	default:
	}
}

func (s *Service) start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return errors.New("ticker already running")
	}
	s.ctx = ctx
	if err := s.startCronLocked(); err != nil {
		return err
	}
	s.log.Info("ticker started",
		logx.Duration("interval", s.cfg.PollInterval),
		logx.String("tz", s.loc.String()),
		logx.Int("concurrency", s.cfg.Concurrency),
	)
	return nil
}

func (s *Service) startCronLocked() error {
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	ctx := s.ctx
	expr := fmt.Sprintf("@every %s", s.cfg.PollInterval)
	if _, err := c.AddFunc(expr, func() { s.runTick(ctx, "cron") }); err != nil {
		return fmt.Errorf("register tick %q: %w", expr, err)
	}
	c.Start()
	s.c = c
	return nil
}

func (s *Service) restartLocked() {
	old := s.c
	s.c = nil
	// Stop without waiting: a running tick may be blocked on s.mu.
	old.Stop()
	if err := s.startCronLocked(); err != nil {
		s.log.Error("ticker restart failed", logx.Err(err))
		return
	}
	s.log.Info("ticker restarted", logx.Duration("interval", s.cfg.PollInterval), logx.String("tz", s.loc.String()))
}

func (s *Service) stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	// Wait for an in-flight manual tick.
	s.runMu.Lock()
	s.runMu.Unlock()
	s.log.Info("ticker stopped")
}

func (s *Service) runTick(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}
	ticksTotal.WithLabelValues(trigger).Inc()
	s.Tick(ctx)
}

// Tick evaluates every active schedule once and waits for all dispatches.
func (s *Service) Tick(ctx context.Context) Report {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now()
	now := s.clock.Now()
	s.mu.Lock()
	cfg := s.cfg
	def := s.loc
	hooks := append([]Hook(nil), s.hooks...)
	s.mu.Unlock()

	list := s.src.ListActive(now, def)
	schedulesEvaluated.Set(float64(len(list)))

	var (
		rmu sync.Mutex
		rep = Report{At: now, Schedules: len(list)}
		g   errgroup.Group
	)
	g.SetLimit(cfg.Concurrency)
	for _, sch := range list {
		sch := sch
		g.Go(func() error {
			r := s.evaluate(ctx, sch, now, def)
			rmu.Lock()
			rep.Due += r.Due
			rep.Sent += r.Sent
			rep.Skipped += r.Skipped
			rep.Failed += r.Failed
			rep.Invalid += r.Invalid
			rmu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, h := range hooks {
		h(ctx, now, list, def)
	}

	rep.Took = time.Since(start)
	tickDuration.Observe(rep.Took.Seconds())
	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()

	if rep.Due > 0 || rep.Invalid > 0 {
		s.log.Info("tick done",
			logx.Int("schedules", rep.Schedules),
			logx.Int("due", rep.Due),
			logx.Int("sent", rep.Sent),
			logx.Int("skipped", rep.Skipped),
			logx.Int("failed", rep.Failed),
			logx.Int("invalid", rep.Invalid),
			logx.Duration("took", rep.Took),
		)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TickDone, Time: now, Data: rep})
		}
	} else {
		s.log.Trace("tick done", logx.Int("schedules", rep.Schedules), logx.Duration("took", rep.Took))
	}
	return rep
}

// evaluate dispatches the due slots of one schedule in slot order.
func (s *Service) evaluate(ctx context.Context, sch schedule.Schedule, now time.Time, def *time.Location) Report {
	var rep Report
	log := s.log.With(logx.String("schedule", sch.ID))

	loc, err := sch.Location(def)
	if err != nil {
		log.Warn("unknown schedule timezone; using default", logx.String("tz", sch.Timezone), logx.String("default", def.String()))
	}
	due, err := recurrence.Due(sch, now, loc)
	if err != nil {
		invalidSchedules.Inc()
		log.Warn("schedule skipped", logx.Err(err))
		rep.Invalid++
		return rep
	}
	for _, o := range due {
		if ctx.Err() != nil {
			return rep
		}
		rep.Due++
		switch res := s.disp.Dispatch(ctx, sch, o, loc); res.Outcome {
		case dispatch.Sent:
			rep.Sent++
		case dispatch.Skipped:
			rep.Skipped++
		default:
			rep.Failed++
		}
	}
	return rep
}

// cronLogger routes cron's internal logging through logx.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
