package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"dosewatch/internal/schedule"
	logx "dosewatch/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqlStore implements Store on database/sql. The sqlite and postgres drivers
// differ only in connection setup and placeholder syntax.
type sqlStore struct {
	db       *sql.DB
	log      logx.Logger
	driver   string
	dollarPH bool
}

// q rewrites '?' placeholders for drivers that use $n.
func (s *sqlStore) q(query string) string {
	if !s.dollarPH {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		var applied string
		err := s.db.QueryRowContext(ctx, s.q(`SELECT name FROM schema_migrations WHERE name = ?`), name).Scan(&applied)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		b, err := migrationsFS.ReadFile(name)
		if err != nil {
			return err
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range splitStatements(string(b)) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("%s: %w", name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO schema_migrations(name, applied_at) VALUES(?, ?)`),
			name, formatTime(time.Now())); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.log.Info("migration applied", logx.String("name", name))
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	for _, part := range strings.Split(script, ";") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *sqlStore) Driver() string { return s.driver }

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) PutSchedule(ctx context.Context, sc schedule.Schedule) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO schedules(id, medicine_name, dosage, time_of_day, frequency, start_date, duration, timezone, email, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   medicine_name=excluded.medicine_name, dosage=excluded.dosage, time_of_day=excluded.time_of_day,
		   frequency=excluded.frequency, start_date=excluded.start_date, duration=excluded.duration,
		   timezone=excluded.timezone, email=excluded.email, created_at=excluded.created_at`),
		sc.ID, sc.MedicineName, sc.Dosage, sc.Time, string(sc.Frequency), sc.StartDate, sc.Duration,
		sc.Timezone, sc.Email, formatTime(sc.CreatedAt),
	)
	return err
}

func (s *sqlStore) DeleteSchedule(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM schedules WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM dedup WHERE schedule_id = ?`), id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) ListSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, medicine_name, dosage, time_of_day, frequency, start_date, duration, timezone, email, created_at
		 FROM schedules ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Schedule
	for rows.Next() {
		var (
			sc      schedule.Schedule
			freq    string
			created string
		)
		if err := rows.Scan(&sc.ID, &sc.MedicineName, &sc.Dosage, &sc.Time, &freq, &sc.StartDate,
			&sc.Duration, &sc.Timezone, &sc.Email, &created); err != nil {
			return nil, err
		}
		sc.Frequency = schedule.Frequency(freq)
		sc.CreatedAt = parseTime(created)
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqlStore) PutDedup(ctx context.Context, scheduleID, key string) error {
	if strings.TrimSpace(scheduleID) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO dedup(schedule_id, occurrence_key, updated_at) VALUES(?,?,?)
		 ON CONFLICT(schedule_id) DO UPDATE SET occurrence_key=excluded.occurrence_key, updated_at=excluded.updated_at`),
		scheduleID, key, formatTime(time.Now()),
	)
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, scheduleID string) (string, bool, error) {
	var key string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT occurrence_key FROM dedup WHERE schedule_id = ?`), scheduleID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return key, true, nil
}

func (s *sqlStore) ListDedup(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT schedule_id, occurrence_key FROM dedup`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var id, key string
		if err := rows.Scan(&id, &key); err != nil {
			return nil, err
		}
		out[id] = key
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteDedup(ctx context.Context, scheduleID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM dedup WHERE schedule_id = ?`), scheduleID)
	return err
}

func (s *sqlStore) AppendDoseLog(ctx context.Context, l DoseLog) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO dose_logs(id, schedule_id, occurrence_key, status, logged_at, note) VALUES(?,?,?,?,?,?)`),
		l.ID, l.ScheduleID, l.OccurrenceKey, string(l.Status), formatTime(l.At), l.Note,
	)
	return err
}

func (s *sqlStore) ListDoseLogs(ctx context.Context, scheduleID string) ([]DoseLog, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, schedule_id, occurrence_key, status, logged_at, note
		 FROM dose_logs WHERE schedule_id = ? ORDER BY logged_at, id`), scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DoseLog
	for rows.Next() {
		l, err := scanDoseLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *sqlStore) FindDoseLog(ctx context.Context, key string, status DoseStatus) (DoseLog, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, schedule_id, occurrence_key, status, logged_at, note
		 FROM dose_logs WHERE occurrence_key = ? AND status = ? ORDER BY logged_at DESC LIMIT 1`),
		key, string(status))
	l, err := scanDoseLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DoseLog{}, false, nil
	}
	if err != nil {
		return DoseLog{}, false, err
	}
	return l, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDoseLog(r scanner) (DoseLog, error) {
	var (
		l      DoseLog
		status string
		at     string
	)
	if err := r.Scan(&l.ID, &l.ScheduleID, &l.OccurrenceKey, &status, &at, &l.Note); err != nil {
		return DoseLog{}, err
	}
	l.Status = DoseStatus(status)
	l.At = parseTime(at)
	return l, nil
}

// Timestamps are stored as RFC 3339 text in UTC so both dialects sort them
// lexically.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
