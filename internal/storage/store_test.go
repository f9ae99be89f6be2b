package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dosewatch/internal/schedule"
	logx "dosewatch/pkg/logx"
)

func testSchedule(id string, created time.Time) schedule.Schedule {
	return schedule.Schedule{
		ID:           id,
		MedicineName: "Amoxicillin",
		Dosage:       "500mg",
		Time:         "08:30",
		Frequency:    schedule.TwiceDaily,
		StartDate:    "2024-01-01",
		Duration:     10,
		Timezone:     "Europe/Paris",
		Email:        "pat@example.com",
		CreatedAt:    created,
	}
}

// opener returns a fresh store and a function reopening the same backing data.
type opener func(t *testing.T) (Store, func() Store)

func drivers(t *testing.T) map[string]opener {
	t.Helper()
	open := func(cfg Config) func() Store {
		return func() Store {
			st, err := Open(cfg, logx.Nop())
			require.NoError(t, err)
			return st
		}
	}
	out := map[string]opener{
		"memory": func(t *testing.T) (Store, func() Store) {
			return NewMemory(), nil
		},
		"file": func(t *testing.T) (Store, func() Store) {
			re := open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json"), CompactEvery: 3})
			return re(), re
		},
		"sqlite": func(t *testing.T) (Store, func() Store) {
			re := open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "dosewatch.db"), BusyTimeout: time.Second})
			return re(), re
		},
	}
	if dsn := os.Getenv("DOSEWATCH_TEST_POSTGRES_DSN"); dsn != "" {
		out["postgres"] = func(t *testing.T) (Store, func() Store) {
			re := open(Config{Driver: "postgres", DSN: dsn})
			st := re()
			cleanPostgres(t, st)
			return st, re
		}
	}
	return out
}

func cleanPostgres(t *testing.T, st Store) {
	t.Helper()
	s := st.(*sqlStore)
	for _, tbl := range []string{"schedules", "dedup", "dose_logs"} {
		_, err := s.db.Exec("DELETE FROM " + tbl)
		require.NoError(t, err)
	}
}

func TestStoreSchedules(t *testing.T) {
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st, _ := open(t)
			defer st.Close()

			t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
			require.NoError(t, st.PutSchedule(ctx, testSchedule("b", t0.Add(time.Minute))))
			require.NoError(t, st.PutSchedule(ctx, testSchedule("a", t0)))

			list, err := st.ListSchedules(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			require.Equal(t, "a", list[0].ID)
			require.Equal(t, schedule.TwiceDaily, list[0].Frequency)
			require.True(t, list[0].CreatedAt.Equal(t0))

			require.NoError(t, st.PutDedup(ctx, "a", "a|2024-01-01|0"))
			require.NoError(t, st.DeleteSchedule(ctx, "a"))
			require.ErrorIs(t, st.DeleteSchedule(ctx, "a"), ErrNotFound)

			_, ok, err := st.GetDedup(ctx, "a")
			require.NoError(t, err)
			require.False(t, ok, "dedup record must go with its schedule")

			list, err = st.ListSchedules(ctx)
			require.NoError(t, err)
			require.Len(t, list, 1)
		})
	}
}

func TestStoreDedupOverwrite(t *testing.T) {
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st, _ := open(t)
			defer st.Close()

			_, ok, err := st.GetDedup(ctx, "s1")
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, st.PutDedup(ctx, "s1", "s1|2024-01-01|0"))
			require.NoError(t, st.PutDedup(ctx, "s1", "s1|2024-01-01|1"))
			require.NoError(t, st.PutDedup(ctx, "s2", "s2|2024-01-02|0"))

			key, ok, err := st.GetDedup(ctx, "s1")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "s1|2024-01-01|1", key)

			all, err := st.ListDedup(ctx)
			require.NoError(t, err)
			require.Equal(t, map[string]string{"s1": "s1|2024-01-01|1", "s2": "s2|2024-01-02|0"}, all)

			require.NoError(t, st.DeleteDedup(ctx, "s2"))
			all, err = st.ListDedup(ctx)
			require.NoError(t, err)
			require.Len(t, all, 1)
		})
	}
}

func TestStoreDoseLogs(t *testing.T) {
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st, _ := open(t)
			defer st.Close()

			at := time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)
			require.NoError(t, st.AppendDoseLog(ctx, DoseLog{ID: "d2", ScheduleID: "s1", OccurrenceKey: "s1|2024-01-02|0", Status: DoseTaken, At: at.Add(time.Hour)}))
			require.NoError(t, st.AppendDoseLog(ctx, DoseLog{ID: "d1", ScheduleID: "s1", OccurrenceKey: "s1|2024-01-01|1", Status: DoseMissed, At: at, Note: "auto"}))
			require.NoError(t, st.AppendDoseLog(ctx, DoseLog{ID: "d3", ScheduleID: "s2", OccurrenceKey: "s2|2024-01-02|0", Status: DoseTaken, At: at}))

			logs, err := st.ListDoseLogs(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, logs, 2)
			require.Equal(t, "d1", logs[0].ID)
			require.Equal(t, "auto", logs[0].Note)

			l, ok, err := st.FindDoseLog(ctx, "s1|2024-01-02|0", DoseTaken)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "d2", l.ID)

			_, ok, err = st.FindDoseLog(ctx, "s1|2024-01-02|0", DoseMissed)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st, reopen := open(t)
			if reopen == nil {
				st.Close()
				t.Skip("driver is not durable")
			}

			created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			for _, id := range []string{"s1", "s2", "s3"} {
				require.NoError(t, st.PutSchedule(ctx, testSchedule(id, created)))
			}
			require.NoError(t, st.DeleteSchedule(ctx, "s3"))
			require.NoError(t, st.PutDedup(ctx, "s1", "s1|2024-01-03|0"))
			require.NoError(t, st.AppendDoseLog(ctx, DoseLog{ID: "d1", ScheduleID: "s1", OccurrenceKey: "s1|2024-01-03|0", Status: DoseTaken, At: created}))
			require.NoError(t, st.Close())

			st2 := reopen()
			defer st2.Close()

			list, err := st2.ListSchedules(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)

			key, ok, err := st2.GetDedup(ctx, "s1")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "s1|2024-01-03|0", key)

			_, ok, err = st2.FindDoseLog(ctx, "s1|2024-01-03|0", DoseTaken)
			require.NoError(t, err)
			require.True(t, ok)
		})
	}
}

func TestFileStoreSkipsTornJournalLine(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "state.json"), CompactEvery: 1000}
	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.PutDedup(context.Background(), "s1", "s1|2024-01-01|0"))
	require.NoError(t, st.Close())

	f, err := os.OpenFile(filepath.Join(dir, "state.journal.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"op":"put_dedup","id":"s1","key":"s1|2024-01-0`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	st, err = Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	key, ok, err := st.GetDedup(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "s1|2024-01-01|0", key)
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{}, logx.Nop())
	require.ErrorIs(t, err, ErrDisabled)
	_, err = Open(Config{Driver: "etcd"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)
}

func TestRebindPlaceholders(t *testing.T) {
	t.Parallel()
	s := &sqlStore{dollarPH: true}
	require.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", s.q("SELECT a FROM t WHERE x = ? AND y = ?"))
	s.dollarPH = false
	require.Equal(t, "x = ?", s.q("x = ?"))
}
