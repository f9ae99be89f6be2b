// Package registry owns the set of schedules. Reads return copies taken under
// a read lock; writes are persisted before they become visible.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dosewatch/internal/dedup"
	"dosewatch/internal/schedule"
	"dosewatch/internal/storage"
	"dosewatch/internal/timeres"
	logx "dosewatch/pkg/logx"
)

var (
	ErrNotFound = errors.New("schedule not found")
	ErrExists   = errors.New("schedule already exists")
)

type Registry struct {
	store storage.Store
	dedup *dedup.Cache
	clock timeres.Clock
	log   logx.Logger

	writeMu sync.Mutex // serializes persist+apply

	mu    sync.RWMutex
	items map[string]schedule.Schedule

	cbMu     sync.RWMutex
	onChange []func()
}

func New(store storage.Store, d *dedup.Cache, clock timeres.Clock, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = timeres.System()
	}
	return &Registry{
		store: store,
		dedup: d,
		clock: clock,
		log:   log.With(logx.String("comp", "registry")),
		items: map[string]schedule.Schedule{},
	}
}

// OnChange registers fn to run after every successful mutation.
func (r *Registry) OnChange(fn func()) {
	if fn == nil {
		return
	}
	r.cbMu.Lock()
	r.onChange = append(r.onChange, fn)
	r.cbMu.Unlock()
}

func (r *Registry) changed() {
	r.cbMu.RLock()
	fns := append([]func(){}, r.onChange...)
	r.cbMu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

// Load replaces the in-memory set with the persisted schedules.
func (r *Registry) Load(ctx context.Context) error {
	list, err := r.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	items := make(map[string]schedule.Schedule, len(list))
	for _, s := range list {
		items[s.ID] = s
	}
	r.mu.Lock()
	r.items = items
	r.mu.Unlock()
	r.log.Info("schedules loaded", logx.Int("count", len(items)))
	return nil
}

// List returns a snapshot ordered by creation time.
func (r *Registry) List() []schedule.Schedule {
	r.mu.RLock()
	out := make([]schedule.Schedule, 0, len(r.items))
	for _, s := range r.items {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListActive returns schedules that can have a dose on now's local day:
// active today, or active yesterday with a slot carried past midnight.
func (r *Registry) ListActive(now time.Time, def *time.Location) []schedule.Schedule {
	all := r.List()
	out := all[:0]
	for _, s := range all {
		loc, _ := s.Location(def)
		today := timeres.DateOf(now.In(loc))
		if s.ActiveOn(today) || s.ActiveOn(today.AddDays(-1)) {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) Get(id string) (schedule.Schedule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.items[id]
	return s, ok
}

// Add validates, persists and publishes a new schedule. An empty id gets a
// random UUID; createdAt is always set here.
func (r *Registry) Add(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error) {
	s.ID = strings.TrimSpace(s.ID)
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.MedicineName = strings.TrimSpace(s.MedicineName)
	s.Email = strings.TrimSpace(s.Email)
	if err := s.Validate(); err != nil {
		return schedule.Schedule{}, err
	}
	s.CreatedAt = r.clock.Now().UTC()

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if _, ok := r.Get(s.ID); ok {
		return schedule.Schedule{}, fmt.Errorf("%w: %s", ErrExists, s.ID)
	}
	if err := r.store.PutSchedule(ctx, s); err != nil {
		return schedule.Schedule{}, fmt.Errorf("persist schedule: %w", err)
	}
	if r.dedup != nil {
		r.dedup.Track(s.ID)
	}
	r.mu.Lock()
	r.items[s.ID] = s
	r.mu.Unlock()

	r.log.Info("schedule added",
		logx.String("id", s.ID),
		logx.String("medicine", s.MedicineName),
		logx.String("frequency", string(s.Frequency)),
	)
	r.changed()
	return s, nil
}

// Remove deletes the schedule and its dedup record.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if _, ok := r.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := r.store.DeleteSchedule(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete schedule: %w", err)
	}
	r.mu.Lock()
	delete(r.items, id)
	r.mu.Unlock()
	if r.dedup != nil {
		if err := r.dedup.Forget(ctx, id); err != nil {
			r.log.Warn("dedup cleanup failed", logx.String("id", id), logx.Err(err))
		}
	}
	r.log.Info("schedule removed", logx.String("id", id))
	r.changed()
	return nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
