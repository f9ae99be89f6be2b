package ticker

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dosewatch/internal/dedup"
	"dosewatch/internal/dispatch"
	"dosewatch/internal/eventbus"
	"dosewatch/internal/missed"
	"dosewatch/internal/notifier"
	"dosewatch/internal/registry"
	"dosewatch/internal/schedule"
	"dosewatch/internal/storage"
	"dosewatch/internal/timeres"
	logx "dosewatch/pkg/logx"
)

type slowNotifier struct {
	delay time.Duration
	sent  atomic.Int32
}

func (n *slowNotifier) Send(ctx context.Context, m notifier.Message) error {
	if n.delay > 0 {
		select {
		case <-time.After(n.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.sent.Add(1)
	return nil
}

var nineAM = time.Date(2024, time.January, 1, 9, 0, 10, 0, time.UTC)

type rig struct {
	store storage.Store
	cache *dedup.Cache
	reg   *registry.Registry
	svc   *Service
	n     *slowNotifier
	clock *timeres.FakeClock
}

func newRig(t *testing.T, st storage.Store, n *slowNotifier, clock *timeres.FakeClock) *rig {
	t.Helper()
	ctx := context.Background()
	cache := dedup.New(st, logx.Nop())
	if err := cache.Load(ctx); err != nil {
		t.Fatal(err)
	}
	reg := registry.New(st, cache, clock, logx.Nop())
	if err := reg.Load(ctx); err != nil {
		t.Fatal(err)
	}
	d := dispatch.New(n, cache, eventbus.New(50), clock, logx.Nop())
	svc := New(Config{DefaultTimezone: "UTC", Concurrency: 4}, reg, d, nil, clock, logx.Nop())
	return &rig{store: st, cache: cache, reg: reg, svc: svc, n: n, clock: clock}
}

func daily(id, at string) schedule.Schedule {
	return schedule.Schedule{
		ID:           id,
		MedicineName: "Metformin",
		Dosage:       "500mg",
		Time:         at,
		Frequency:    schedule.OnceDaily,
		StartDate:    "2024-01-01",
		Duration:     30,
		Email:        "pat@example.com",
	}
}

func TestTwoTicksInOneMinuteSendOnce(t *testing.T) {
	t.Parallel()
	r := newRig(t, storage.NewMemory(), &slowNotifier{}, timeres.NewFakeClock(nineAM))
	if _, err := r.reg.Add(context.Background(), daily("a", "09:00")); err != nil {
		t.Fatal(err)
	}

	first := r.svc.Tick(context.Background())
	r.clock.Advance(30 * time.Second)
	second := r.svc.Tick(context.Background())

	if first.Sent != 1 || second.Sent != 0 || second.Skipped != 1 {
		t.Fatalf("first=%+v second=%+v", first, second)
	}
	if got := r.n.sent.Load(); got != 1 {
		t.Fatalf("sent %d, want 1", got)
	}
}

func TestOverlappingTicksSendOnce(t *testing.T) {
	t.Parallel()
	r := newRig(t, storage.NewMemory(), &slowNotifier{delay: 50 * time.Millisecond}, timeres.NewFakeClock(nineAM))
	if _, err := r.reg.Add(context.Background(), daily("a", "09:00")); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.svc.Tick(context.Background())
		}()
	}
	wg.Wait()
	if got := r.n.sent.Load(); got != 1 {
		t.Fatalf("sent %d, want 1", got)
	}
}

func TestRestartDoesNotResend(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	open := func() storage.Store {
		st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "state")}, logx.Nop())
		if err != nil {
			t.Fatal(err)
		}
		return st
	}

	clock := timeres.NewFakeClock(nineAM)
	st := open()
	r := newRig(t, st, &slowNotifier{}, clock)
	if _, err := r.reg.Add(context.Background(), daily("a", "09:00")); err != nil {
		t.Fatal(err)
	}
	if rep := r.svc.Tick(context.Background()); rep.Sent != 1 {
		t.Fatalf("first run: %+v", rep)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	clock.Advance(20 * time.Second)
	st2 := open()
	t.Cleanup(func() { _ = st2.Close() })
	n := &slowNotifier{}
	r2 := newRig(t, st2, n, clock)
	if r2.reg.Len() != 1 {
		t.Fatalf("registry lost schedules: %d", r2.reg.Len())
	}
	if rep := r2.svc.Tick(context.Background()); rep.Sent != 0 || rep.Skipped != 1 {
		t.Fatalf("after restart: %+v", rep)
	}
	if n.sent.Load() != 0 {
		t.Fatal("duplicate reminder after restart")
	}
}

func TestInvalidScheduleDoesNotStopOthers(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	ctx := context.Background()
	bad := daily("bad", "25:00")
	bad.CreatedAt = nineAM
	if err := st.PutSchedule(ctx, bad); err != nil {
		t.Fatal(err)
	}
	good := daily("good", "09:00")
	good.CreatedAt = nineAM
	if err := st.PutSchedule(ctx, good); err != nil {
		t.Fatal(err)
	}

	r := newRig(t, st, &slowNotifier{}, timeres.NewFakeClock(nineAM))
	rep := r.svc.Tick(ctx)
	if rep.Invalid != 1 || rep.Sent != 1 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestUnknownZoneFallsBackToDefault(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	s := daily("z", "09:00")
	s.Timezone = "Mars/Olympus"
	s.CreatedAt = nineAM
	if err := st.PutSchedule(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	r := newRig(t, st, &slowNotifier{}, timeres.NewFakeClock(nineAM))
	if rep := r.svc.Tick(context.Background()); rep.Sent != 1 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestHalfHourZoneFiresAtUTCInstant(t *testing.T) {
	t.Parallel()
	clock := timeres.NewFakeClock(time.Date(2024, time.January, 1, 3, 30, 5, 0, time.UTC))
	r := newRig(t, storage.NewMemory(), &slowNotifier{}, clock)
	s := daily("k", "09:00")
	s.Timezone = "Asia/Kolkata"
	if _, err := r.reg.Add(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	if rep := r.svc.Tick(context.Background()); rep.Sent != 1 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestAfterTickHookSeesSnapshot(t *testing.T) {
	t.Parallel()
	r := newRig(t, storage.NewMemory(), &slowNotifier{}, timeres.NewFakeClock(nineAM))
	if _, err := r.reg.Add(context.Background(), daily("a", "10:00")); err != nil {
		t.Fatal(err)
	}
	var seen int
	r.svc.AfterTick(func(ctx context.Context, now time.Time, list []schedule.Schedule, def *time.Location) {
		seen = len(list)
	})
	r.svc.Tick(context.Background())
	if seen != 1 {
		t.Fatalf("hook saw %d schedules", seen)
	}
}

// hangingNotifier never delivers; Send returns only when its context ends.
type hangingNotifier struct {
	once    sync.Once
	started chan struct{}
}

func (n *hangingNotifier) Send(ctx context.Context, m notifier.Message) error {
	n.once.Do(func() { close(n.started) })
	<-ctx.Done()
	return ctx.Err()
}

func TestMissedNoticeDoesNotHoldTick(t *testing.T) {
	t.Parallel()
	clock := timeres.NewFakeClock(nineAM)
	r := newRig(t, storage.NewMemory(), &slowNotifier{}, clock)
	if _, err := r.reg.Add(context.Background(), daily("a", "09:00")); err != nil {
		t.Fatal(err)
	}
	if rep := r.svc.Tick(context.Background()); rep.Sent != 1 {
		t.Fatalf("report = %+v", rep)
	}

	hang := &hangingNotifier{started: make(chan struct{})}
	det := missed.New(time.Hour, r.store, r.cache, hang, nil, clock, logx.Nop())
	r.svc.AfterTick(det.Hook)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = det.Run(ctx) }()

	clock.Advance(90 * time.Minute)
	r.svc.Tick(context.Background())
	select {
	case <-hang.started:
	case <-time.After(2 * time.Second):
		t.Fatal("missed-dose notice never attempted")
	}

	// The notice is still in flight; the next tick must not wait for it.
	done := make(chan struct{})
	go func() {
		r.svc.Tick(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tick blocked behind a missed-dose notice")
	}
}

func TestRunTicksOnTrigger(t *testing.T) {
	t.Parallel()
	r := newRig(t, storage.NewMemory(), &slowNotifier{}, timeres.NewFakeClock(nineAM))
	r.reg.OnChange(r.svc.Trigger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.svc.Run(ctx) }()

	if _, err := r.reg.Add(context.Background(), daily("a", "09:00")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for r.n.sent.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if r.n.sent.Load() != 1 {
		t.Fatalf("sent %d", r.n.sent.Load())
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	c := Config{PollInterval: 5 * time.Minute}.withDefaults()
	if c.PollInterval != MaxPollInterval || c.Concurrency != DefaultConcurrency {
		t.Fatalf("config = %+v", c)
	}
}
