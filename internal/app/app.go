// Package app wires the dosewatch services together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dosewatch/internal/config"
	"dosewatch/internal/dedup"
	"dosewatch/internal/dispatch"
	"dosewatch/internal/eventbus"
	"dosewatch/internal/httpapi"
	"dosewatch/internal/missed"
	"dosewatch/internal/notifier"
	"dosewatch/internal/registry"
	rtsup "dosewatch/internal/runtime/supervisor"
	"dosewatch/internal/storage"
	"dosewatch/internal/ticker"
	"dosewatch/internal/timeres"
	logx "dosewatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	driver string
	dedup  *dedup.Cache
	reg    *registry.Registry
	notif  *notifier.Service
	disp   *dispatch.Dispatcher
	tick   *ticker.Service
	missed *missed.Detector
	http   *httpapi.Server

	sup       *rtsup.Supervisor
	startedAt time.Time
}

// New loads the config, opens storage and restores the registry and dedup
// state. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	cfgm.SetLogger(log)
	appLog := log.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, cfg: cfg, log: appLog, logs: logSvc, bus: eventbus.New(200)}
	if err := a.build(ctx, cfg, log, timeres.System()); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger, clock timeres.Clock) error {
	store, err := OpenStore(cfg, log)
	if err != nil {
		return err
	}
	a.store = store
	a.driver = store.Driver()

	fail := func(err error) error {
		_ = store.Close()
		return err
	}

	a.dedup = dedup.New(store, log)
	if err := a.dedup.Load(ctx); err != nil {
		return fail(err)
	}
	a.reg = registry.New(store, a.dedup, clock, log)
	if err := a.reg.Load(ctx); err != nil {
		return fail(err)
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return fail(err)
	}
	if a.notif, err = notifier.New(ncfg, log); err != nil {
		return fail(err)
	}
	a.disp = dispatch.New(a.notif, a.dedup, a.bus, clock, log)

	tcfg, err := mapTickerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.tick = ticker.New(tcfg, a.reg, a.disp, a.bus, clock, log)

	grace, err := mapMissGrace(cfg)
	if err != nil {
		return fail(err)
	}
	a.missed = missed.New(grace, store, a.dedup, a.notif, a.bus, clock, log)
	a.tick.AfterTick(a.missed.Hook)
	a.reg.OnChange(a.tick.Trigger)

	scfg, err := mapServerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	if scfg.Addr != "" {
		api := httpapi.NewAPI(httpapi.Deps{
			Registry: a.reg,
			Doses:    store,
			Clock:    clock,
			Location: a.tick.Location,
			Status:   func() any { return a.Status() },
			Log:      log,
		})
		router := httpapi.NewRouter(api, httpapi.RouterOptions{Token: scfg.Token, Pprof: scfg.Pprof})
		a.http = httpapi.NewServer(scfg, router, log)
	}

	a.log.Info("app built",
		logx.String("storage", store.Driver()),
		logx.Int("schedules", a.reg.Len()),
		logx.Int("dedup_records", a.dedup.Len()),
		logx.Duration("poll_interval", tcfg.PollInterval),
		logx.Duration("miss_grace", grace),
		logx.Bool("http", a.http != nil),
	)
	return nil
}

func (a *App) Registry() *registry.Registry { return a.reg }
func (a *App) Store() storage.Store         { return a.store }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches the supervised goroutines and reports readiness to systemd.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.startedAt = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.sup.GoRestart("ticker", a.tick.Run,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithMaxRestarts(10),
	)
	a.sup.GoRestart("missed", a.missed.Run,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithMaxRestarts(10),
	)
	if a.http != nil {
		a.sup.GoRestart("http", a.http.Run,
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
			rtsup.WithMaxRestarts(5),
		)
	}
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("events.log", a.eventLoop)
	a.sup.Go("systemd.watchdog", watchdog(a.log))

	notifyReady(a.log)
	a.log.Info("started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			a.applyConfig(next)
		}
	}
}

// applyConfig pushes a validated config into the running services.
func (a *App) applyConfig(next *config.Config) {
	ch := config.Summarize(a.cfg, next)
	a.cfg = next
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if ch.Has("logging") {
		a.logs.Apply(mapLoggingConfig(next))
	}
	if ch.Has("scheduler") {
		if tc, err := mapTickerConfig(next); err == nil {
			a.tick.Apply(tc)
		}
		if g, err := mapMissGrace(next); err == nil {
			a.missed.SetGrace(g)
		}
	}
	if ch.Has("notifier") {
		if nc, err := mapNotifierConfig(next); err != nil {
			a.log.Warn("notifier config not applied", logx.Err(err))
		} else if err := a.notif.Apply(nc); err != nil {
			a.log.Warn("notifier config not applied", logx.Err(err))
		}
	}
	for _, s := range ch.Restart {
		a.log.Warn("config section changed; restart required to apply", logx.String("section", s))
	}
	fields := append([]logx.Field{logx.Any("sections", ch.Sections)}, ch.Fields...)
	a.log.Info("config reloaded", fields...)
}

// eventLoop mirrors failures from the event bus into the log.
func (a *App) eventLoop(ctx context.Context) error {
	ch, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			switch ev.Type {
			case eventbus.DoseFailed, eventbus.DoseMissed:
				a.log.Debug("event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
			}
		}
	}
}

// Stop cancels every goroutine, waits for them within ctx and closes storage.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeResources()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)

	// Waiting lets an in-flight tick finish its dedup writes before the store closes.
	err := a.sup.Stop(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		a.log.Warn("goroutines still running at shutdown deadline", logx.Err(err))
		err = nil
	}
	if cerr := a.closeResources(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (a *App) closeResources() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
		a.store = nil
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
