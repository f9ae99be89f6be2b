package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"dosewatch/internal/schedule"
)

// memState holds the in-memory image shared by the memory and file drivers.
// Callers hold mu.
type memState struct {
	schedules map[string]schedule.Schedule
	dedup     map[string]string
	doses     []DoseLog
}

func newMemState() memState {
	return memState{
		schedules: map[string]schedule.Schedule{},
		dedup:     map[string]string{},
	}
}

func (m *memState) listSchedules() []schedule.Schedule {
	out := make([]schedule.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *memState) dosesFor(scheduleID string) []DoseLog {
	var out []DoseLog
	for _, l := range m.doses {
		if l.ScheduleID == scheduleID {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

func (m *memState) findDose(key string, status DoseStatus) (DoseLog, bool) {
	for i := len(m.doses) - 1; i >= 0; i-- {
		if l := m.doses[i]; l.OccurrenceKey == key && l.Status == status {
			return l, true
		}
	}
	return DoseLog{}, false
}

func (m *memState) copyDedup() map[string]string {
	out := make(map[string]string, len(m.dedup))
	for k, v := range m.dedup {
		out[k] = v
	}
	return out
}

// memoryStore keeps everything in process memory.
type memoryStore struct {
	mu     sync.RWMutex
	st     memState
	closed bool
}

// NewMemory returns a Store without durability. Useful for tests and dry runs.
func NewMemory() Store {
	return &memoryStore{st: newMemState()}
}

func (s *memoryStore) Driver() string { return "memory" }

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) PutSchedule(ctx context.Context, sc schedule.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.st.schedules[sc.ID] = sc
	return nil
}

func (s *memoryStore) DeleteSchedule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.st.schedules[id]; !ok {
		return ErrNotFound
	}
	delete(s.st.schedules, id)
	delete(s.st.dedup, id)
	return nil
}

func (s *memoryStore) ListSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.st.listSchedules(), nil
}

func (s *memoryStore) PutDedup(ctx context.Context, scheduleID, key string) error {
	if strings.TrimSpace(scheduleID) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.st.dedup[scheduleID] = key
	return nil
}

func (s *memoryStore) GetDedup(ctx context.Context, scheduleID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, ErrClosed
	}
	k, ok := s.st.dedup[scheduleID]
	return k, ok, nil
}

func (s *memoryStore) ListDedup(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.st.copyDedup(), nil
}

func (s *memoryStore) DeleteDedup(ctx context.Context, scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.st.dedup, scheduleID)
	return nil
}

func (s *memoryStore) AppendDoseLog(ctx context.Context, l DoseLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.st.doses = append(s.st.doses, l)
	return nil
}

func (s *memoryStore) ListDoseLogs(ctx context.Context, scheduleID string) ([]DoseLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.st.dosesFor(scheduleID), nil
}

func (s *memoryStore) FindDoseLog(ctx context.Context, key string, status DoseStatus) (DoseLog, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return DoseLog{}, false, ErrClosed
	}
	l, ok := s.st.findDose(key, status)
	return l, ok, nil
}
