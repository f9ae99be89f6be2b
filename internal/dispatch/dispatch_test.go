package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"dosewatch/internal/dedup"
	"dosewatch/internal/eventbus"
	"dosewatch/internal/notifier"
	"dosewatch/internal/recurrence"
	"dosewatch/internal/schedule"
	"dosewatch/internal/storage"
	"dosewatch/internal/timeres"
	logx "dosewatch/pkg/logx"
)

type recorder struct {
	mu   sync.Mutex
	sent []notifier.Message
	err  error
}

func (r *recorder) Send(ctx context.Context, m notifier.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, m)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type brokenDedupStore struct {
	storage.Store
}

func (brokenDedupStore) PutDedup(ctx context.Context, scheduleID, key string) error {
	return errors.New("read-only filesystem")
}

var due = time.Date(2024, time.January, 1, 9, 0, 0, 0, time.UTC)

func fixture(t *testing.T, st storage.Store, n Notifier) (*Dispatcher, *dedup.Cache, eventbus.Bus) {
	t.Helper()
	c := dedup.New(st, logx.Nop())
	bus := eventbus.New(20)
	d := New(n, c, bus, timeres.NewFakeClock(due.Add(10*time.Second)), logx.Nop())
	return d, c, bus
}

func testSchedule() (schedule.Schedule, recurrence.Occurrence) {
	s := schedule.Schedule{
		ID:           "s1",
		MedicineName: "Lisinopril",
		Dosage:       "10mg",
		Time:         "09:00",
		Frequency:    schedule.OnceDaily,
		StartDate:    "2024-01-01",
		Duration:     7,
		Email:        "pat@example.com",
	}
	o := recurrence.Occurrence{ScheduleID: "s1", Date: timeres.Date{Year: 2024, Month: time.January, Day: 1}, At: due}
	return s, o
}

func TestDispatchSendsOnceAndCommits(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	d, c, bus := fixture(t, storage.NewMemory(), rec)
	s, o := testSchedule()

	res := d.Dispatch(context.Background(), s, o, time.UTC)
	if res.Outcome != Sent || res.Err != nil {
		t.Fatalf("first dispatch = %+v", res)
	}
	if !c.AlreadySent("s1", o.Key()) {
		t.Fatal("key not committed")
	}

	res = d.Dispatch(context.Background(), s, o, time.UTC)
	if res.Outcome != Skipped {
		t.Fatalf("second dispatch = %+v", res)
	}
	if rec.count() != 1 {
		t.Fatalf("sent %d messages, want 1", rec.count())
	}

	types := []string{}
	for _, e := range bus.Recent() {
		types = append(types, e.Type)
	}
	if strings.Join(types, ",") != eventbus.DoseSent+","+eventbus.DoseDeduped {
		t.Fatalf("events = %v", types)
	}
}

func TestDispatchFailureDoesNotCommit(t *testing.T) {
	t.Parallel()
	rec := &recorder{err: errors.New("smtp down")}
	d, c, _ := fixture(t, storage.NewMemory(), rec)
	s, o := testSchedule()

	res := d.Dispatch(context.Background(), s, o, time.UTC)
	if res.Outcome != Failed || !errors.Is(res.Err, ErrNotification) {
		t.Fatalf("dispatch = %+v", res)
	}
	if c.AlreadySent("s1", o.Key()) {
		t.Fatal("failed send must not be committed")
	}

	// The next tick in the same minute retries and succeeds.
	rec.mu.Lock()
	rec.err = nil
	rec.mu.Unlock()
	if res := d.Dispatch(context.Background(), s, o, time.UTC); res.Outcome != Sent {
		t.Fatalf("retry = %+v", res)
	}
}

func TestDispatchPersistenceFailure(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	d, c, _ := fixture(t, brokenDedupStore{Store: storage.NewMemory()}, rec)
	s, o := testSchedule()

	res := d.Dispatch(context.Background(), s, o, time.UTC)
	if res.Outcome != Failed || !errors.Is(res.Err, ErrPersistence) {
		t.Fatalf("dispatch = %+v", res)
	}
	if rec.count() != 1 {
		t.Fatal("message should have been sent before the commit failed")
	}
	if c.AlreadySent("s1", o.Key()) {
		t.Fatal("memory must not record an uncommitted key")
	}
}

func TestReminderMessage(t *testing.T) {
	t.Parallel()
	s, o := testSchedule()
	m := ReminderMessage(s, o, time.UTC)
	if m.To != "pat@example.com" || m.Key != "s1|2024-01-01|0" {
		t.Fatalf("message = %+v", m)
	}
	for _, want := range []string{"Lisinopril", "10mg", "09:00"} {
		if !strings.Contains(m.Text, want) || !strings.Contains(m.HTML, want) {
			t.Fatalf("body missing %q:\n%s\n%s", want, m.Text, m.HTML)
		}
	}
	s.MedicineName = "<script>"
	if m := ReminderMessage(s, o, time.UTC); strings.Contains(m.HTML, "<script>") {
		t.Fatal("html body not escaped")
	}
}
