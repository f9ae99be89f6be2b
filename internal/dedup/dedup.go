// Package dedup remembers, per schedule, the last occurrence a reminder was
// delivered for. The record is persisted before it becomes visible in memory,
// so a restart never forgets a committed send.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"dosewatch/internal/storage"
	logx "dosewatch/pkg/logx"
)

// Cache fronts storage dedup records with an in-memory map.
type Cache struct {
	store storage.Store
	log   logx.Logger

	// writeMu orders MarkSent against Forget so a send finishing after a
	// removal cannot resurrect the record.
	writeMu sync.Mutex
	gone    map[string]struct{}

	mu   sync.RWMutex
	last map[string]string // scheduleID -> occurrence key
}

func New(store storage.Store, log logx.Logger) *Cache {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{
		store: store,
		log:   log.With(logx.String("comp", "dedup")),
		gone:  map[string]struct{}{},
		last:  map[string]string{},
	}
}

// Load replaces the in-memory map with the persisted records.
func (c *Cache) Load(ctx context.Context) error {
	m, err := c.store.ListDedup(ctx)
	if err != nil {
		return fmt.Errorf("load dedup records: %w", err)
	}
	if m == nil {
		m = map[string]string{}
	}
	c.mu.Lock()
	c.last = m
	c.mu.Unlock()
	c.log.Debug("dedup records loaded", logx.Int("count", len(m)))
	return nil
}

// AlreadySent reports whether key is the last occurrence notified for the schedule.
func (c *Cache) AlreadySent(scheduleID, key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	last, ok := c.last[scheduleID]
	return ok && last == key
}

// Last returns the last notified key of a schedule.
func (c *Cache) Last(scheduleID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	k, ok := c.last[scheduleID]
	return k, ok
}

// Reminded reports whether a reminder for the occurrence key was committed.
func (c *Cache) Reminded(ctx context.Context, key string) (bool, error) {
	_, ok, err := c.store.FindDoseLog(ctx, key, storage.DoseReminded)
	if err != nil {
		return false, fmt.Errorf("find reminded log: %w", err)
	}
	return ok, nil
}

// MarkSent persists key as the last notified occurrence, then updates memory
// and appends a reminded dose log for the occurrence. On error the in-memory
// record is left unchanged. Schedules dropped by Forget are ignored until
// Track is called for them again.
func (c *Cache) MarkSent(ctx context.Context, scheduleID, key string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, ok := c.gone[scheduleID]; ok {
		c.log.Debug("send committed for removed schedule", logx.String("schedule", scheduleID), logx.String("key", key))
		return nil
	}

	if err := c.store.PutDedup(ctx, scheduleID, key); err != nil {
		return fmt.Errorf("persist dedup %s: %w", key, err)
	}
	c.mu.Lock()
	c.last[scheduleID] = key
	c.mu.Unlock()

	entry := storage.DoseLog{
		ID:            uuid.NewString(),
		ScheduleID:    scheduleID,
		OccurrenceKey: key,
		Status:        storage.DoseReminded,
		At:            time.Now().UTC(),
	}
	// The dedup record is already durable; a lost reminded log only means
	// no missed-dose notice for this occurrence.
	if err := c.store.AppendDoseLog(ctx, entry); err != nil {
		c.log.Warn("reminded log not written", logx.String("key", key), logx.Err(err))
	}
	return nil
}

// Track clears a removal mark left by Forget.
func (c *Cache) Track(scheduleID string) {
	c.writeMu.Lock()
	delete(c.gone, scheduleID)
	c.writeMu.Unlock()
}

// Forget drops the schedule's record from memory and storage. Later MarkSent
// calls for the schedule are ignored.
func (c *Cache) Forget(ctx context.Context, scheduleID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.gone[scheduleID] = struct{}{}
	if err := c.store.DeleteDedup(ctx, scheduleID); err != nil {
		return fmt.Errorf("delete dedup %s: %w", scheduleID, err)
	}
	c.mu.Lock()
	delete(c.last, scheduleID)
	c.mu.Unlock()
	return nil
}

// Len is the number of schedules with a record.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.last)
}
