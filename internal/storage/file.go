package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"dosewatch/internal/schedule"
	logx "dosewatch/pkg/logx"
)

// fileStore persists state without an external service.
//
// Files:
//   - <prefix>.snapshot.json (schedules + dedup, rewritten on compaction)
//   - <prefix>.journal.jsonl (append-only mutations since the snapshot)
//   - <prefix>.doses.jsonl   (append-only dose log)
//
// Every mutation is appended and fsynced before the in-memory image changes.
type fileStore struct {
	log logx.Logger

	mu sync.RWMutex
	st memState

	snapshotPath string
	journal      *os.File
	doseFile     *os.File

	writes       int
	compactEvery int
}

type journalOp string

const (
	opPutSchedule journalOp = "put_schedule"
	opDelSchedule journalOp = "del_schedule"
	opPutDedup    journalOp = "put_dedup"
	opDelDedup    journalOp = "del_dedup"
)

type journalRecord struct {
	Op       journalOp          `json:"op"`
	ID       string             `json:"id"`
	Key      string             `json:"key,omitempty"`
	Schedule *schedule.Schedule `json:"schedule,omitempty"`
}

type snapshot struct {
	Schedules []schedule.Schedule `json:"schedules"`
	Dedup     map[string]string   `json:"dedup"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"
	dosePath := prefix + ".doses.jsonl"

	st := newMemState()
	if err := loadSnapshot(snapPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	skipped, err := replayJournal(journalPath, &st)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	if skipped > 0 {
		log.Warn("skipped unreadable journal records", logx.Int("count", skipped))
	}
	if err := loadDoses(dosePath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load dose log: %w", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := terminateLastLine(jf); err != nil {
		_ = jf.Close()
		return nil, err
	}
	df, err := os.OpenFile(dosePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = 500
	}
	log.Debug("file storage opened",
		logx.String("prefix", prefix),
		logx.Int("schedules", len(st.schedules)),
		logx.Int("dedup", len(st.dedup)),
		logx.Int("doses", len(st.doses)),
	)
	return &fileStore{
		log:          log,
		st:           st,
		snapshotPath: snapPath,
		journal:      jf,
		doseFile:     df,
		compactEvery: every,
	}, nil
}

func (s *fileStore) Driver() string { return "file" }

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
		s.journal = nil
	}
	if s.doseFile != nil {
		errs = append(errs, s.doseFile.Close())
		s.doseFile = nil
	}
	return errors.Join(errs...)
}

// appendLocked writes one journal record and syncs it to disk.
func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	return appendJSONLine(s.journal, rec)
}

// appliedLocked runs after a journaled mutation reached the in-memory image.
func (s *fileStore) appliedLocked() {
	s.writes++
	if s.writes%s.compactEvery != 0 {
		return
	}
	// Best-effort; the journal still holds everything on failure.
	if err := s.compactLocked(); err != nil {
		s.log.Warn("journal compaction failed", logx.Err(err))
	}
}

func (s *fileStore) PutSchedule(ctx context.Context, sc schedule.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := sc
	if err := s.appendLocked(journalRecord{Op: opPutSchedule, ID: sc.ID, Schedule: &cp}); err != nil {
		return err
	}
	s.st.schedules[sc.ID] = sc
	s.appliedLocked()
	return nil
}

func (s *fileStore) DeleteSchedule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.schedules[id]; !ok {
		return ErrNotFound
	}
	if err := s.appendLocked(journalRecord{Op: opDelSchedule, ID: id}); err != nil {
		return err
	}
	delete(s.st.schedules, id)
	delete(s.st.dedup, id)
	s.appliedLocked()
	return nil
}

func (s *fileStore) ListSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listSchedules(), nil
}

func (s *fileStore) PutDedup(ctx context.Context, scheduleID, key string) error {
	if strings.TrimSpace(scheduleID) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opPutDedup, ID: scheduleID, Key: key}); err != nil {
		return err
	}
	s.st.dedup[scheduleID] = key
	s.appliedLocked()
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, scheduleID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.st.dedup[scheduleID]
	return k, ok, nil
}

func (s *fileStore) ListDedup(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.copyDedup(), nil
}

func (s *fileStore) DeleteDedup(ctx context.Context, scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.dedup[scheduleID]; !ok {
		return nil
	}
	if err := s.appendLocked(journalRecord{Op: opDelDedup, ID: scheduleID}); err != nil {
		return err
	}
	delete(s.st.dedup, scheduleID)
	s.appliedLocked()
	return nil
}

func (s *fileStore) AppendDoseLog(ctx context.Context, l DoseLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doseFile == nil {
		return ErrClosed
	}
	if err := appendJSONLine(s.doseFile, l); err != nil {
		return err
	}
	s.st.doses = append(s.st.doses, l)
	return nil
}

func (s *fileStore) ListDoseLogs(ctx context.Context, scheduleID string) ([]DoseLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.dosesFor(scheduleID), nil
}

func (s *fileStore) FindDoseLog(ctx context.Context, key string, status DoseStatus) (DoseLog, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.st.findDose(key, status)
	return l, ok, nil
}

func (s *fileStore) compactLocked() error {
	snap := snapshot{Schedules: s.st.listSchedules(), Dedup: s.st.dedup}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func appendJSONLine(f *os.File, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := f.Write(b); err != nil {
		return err
	}
	return f.Sync()
}

// terminateLastLine appends a newline when a previous run died mid-record, so
// the next record does not fuse with the torn one.
func terminateLastLine(f *os.File) error {
	fi, err := f.Stat()
	if err != nil || fi.Size() == 0 {
		return err
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, fi.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = f.Write([]byte{'\n'})
	return err
}

func loadSnapshot(path string, st *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, sc := range snap.Schedules {
		st.schedules[sc.ID] = sc
	}
	for k, v := range snap.Dedup {
		st.dedup[k] = v
	}
	return nil
}

// replayJournal applies journal records in order. Undecodable lines (for
// example a torn final write) are counted and skipped.
func replayJournal(path string, st *memState) (skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			skipped++
			continue
		}
		switch r.Op {
		case opPutSchedule:
			if r.Schedule == nil {
				skipped++
				continue
			}
			st.schedules[r.ID] = *r.Schedule
		case opDelSchedule:
			delete(st.schedules, r.ID)
			delete(st.dedup, r.ID)
		case opPutDedup:
			st.dedup[r.ID] = r.Key
		case opDelDedup:
			delete(st.dedup, r.ID)
		default:
			skipped++
		}
	}
	return skipped, sc.Err()
}

func loadDoses(path string, st *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var l DoseLog
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil || l.ID == "" {
			continue
		}
		st.doses = append(st.doses, l)
	}
	return sc.Err()
}
