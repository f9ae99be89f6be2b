package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"dosewatch/internal/recurrence"
	"dosewatch/internal/schedule"
	"dosewatch/internal/storage"
	"dosewatch/internal/timeres"
	logx "dosewatch/pkg/logx"
)

// Registry is the schedule store the API mutates.
type Registry interface {
	List() []schedule.Schedule
	Get(id string) (schedule.Schedule, bool)
	Add(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error)
	Remove(ctx context.Context, id string) error
}

// DoseLogs is the dose history store.
type DoseLogs interface {
	AppendDoseLog(ctx context.Context, l storage.DoseLog) error
	ListDoseLogs(ctx context.Context, scheduleID string) ([]storage.DoseLog, error)
	FindDoseLog(ctx context.Context, occurrenceKey string, status storage.DoseStatus) (storage.DoseLog, bool, error)
}

// Deps are the collaborators of the API handlers.
type Deps struct {
	Registry Registry
	Doses    DoseLogs
	Clock    timeres.Clock
	// Location returns the default zone for schedules without one.
	Location func() *time.Location
	// Status renders the body of GET /api/status.
	Status func() any
	Log    logx.Logger
}

type API struct {
	d Deps
}

// upcomingHorizon bounds the occurrence preview on single-schedule reads.
const upcomingHorizon = 72 * time.Hour

// takenLookback is how far back a dose without an explicit key may be matched.
const takenLookback = 36 * time.Hour

func NewAPI(d Deps) *API {
	if d.Clock == nil {
		d.Clock = timeres.System()
	}
	if d.Location == nil {
		d.Location = func() *time.Location { return time.UTC }
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	d.Log = d.Log.With(logx.String("comp", "httpapi"))
	return &API{d: d}
}

type occurrenceView struct {
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Local string    `json:"local"`
}

type scheduleView struct {
	schedule.Schedule
	Active   bool             `json:"active"`
	NextDue  *occurrenceView  `json:"nextDue,omitempty"`
	RRule    string           `json:"rrule,omitempty"`
	Upcoming []occurrenceView `json:"upcoming,omitempty"`
	Warning  string           `json:"warning,omitempty"`
}

func viewOf(o recurrence.Occurrence, loc *time.Location) occurrenceView {
	return occurrenceView{Key: o.Key(), At: o.At.UTC(), Local: o.At.In(loc).Format("2006-01-02 15:04 MST")}
}

func (a *API) view(s schedule.Schedule, now time.Time, withUpcoming bool) scheduleView {
	v := scheduleView{Schedule: s}
	loc, err := s.Location(a.d.Location())
	if err != nil {
		v.Warning = err.Error()
	}
	v.Active = s.ActiveAt(now, loc)
	if next, ok, err := recurrence.Next(s, now, loc); err != nil {
		v.Warning = err.Error()
	} else if ok {
		nv := viewOf(next, loc)
		v.NextDue = &nv
	}
	if rule, err := s.RRuleString(loc); err == nil {
		v.RRule = rule
	}
	if withUpcoming {
		occ, err := recurrence.Upcoming(s, now.Truncate(time.Minute), upcomingHorizon, loc)
		if err == nil {
			for _, o := range occ {
				v.Upcoming = append(v.Upcoming, viewOf(o, loc))
			}
		}
	}
	return v
}

// CreateSchedule POST /api/schedules
func (a *API) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var in schedule.Schedule
	if err := decode(w, r, &in); err != nil {
		writeDomainError(w, err)
		return
	}
	s, err := a.d.Registry.Add(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Location", "/api/schedules/"+s.ID)
	writeJSON(w, http.StatusCreated, a.view(s, a.d.Clock.Now(), true))
}

// ListSchedules GET /api/schedules
func (a *API) ListSchedules(w http.ResponseWriter, r *http.Request) {
	now := a.d.Clock.Now()
	list := a.d.Registry.List()
	out := make([]scheduleView, 0, len(list))
	activeOnly := r.URL.Query().Get("active") == "true"
	for _, s := range list {
		v := a.view(s, now, false)
		if activeOnly && !v.Active {
			continue
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": out, "count": len(out)})
}

func (a *API) lookup(w http.ResponseWriter, r *http.Request) (schedule.Schedule, bool) {
	id := mux.Vars(r)["id"]
	s, ok := a.d.Registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("schedule %q not found", id))
	}
	return s, ok
}

// GetSchedule GET /api/schedules/{id}
func (a *API) GetSchedule(w http.ResponseWriter, r *http.Request) {
	s, ok := a.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.view(s, a.d.Clock.Now(), true))
}

// ScheduleICS GET /api/schedules/{id}.ics
func (a *API) ScheduleICS(w http.ResponseWriter, r *http.Request) {
	s, ok := a.lookup(w, r)
	if !ok {
		return
	}
	loc, _ := s.Location(a.d.Location())
	body, err := s.ICS(loc, a.d.Clock.Now())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", s.ID+".ics"))
	_, _ = w.Write([]byte(body))
}

// DeleteSchedule DELETE /api/schedules/{id}
func (a *API) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := a.d.Registry.Remove(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type doseRequest struct {
	OccurrenceKey string    `json:"occurrenceKey,omitempty"`
	At            time.Time `json:"at,omitempty"`
	Note          string    `json:"note,omitempty"`
}

// LogDose POST /api/schedules/{id}/doses marks an occurrence as taken.
// Without occurrenceKey the occurrence nearest to the intake time is used.
func (a *API) LogDose(w http.ResponseWriter, r *http.Request) {
	s, ok := a.lookup(w, r)
	if !ok {
		return
	}
	var req doseRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	now := a.d.Clock.Now()
	if req.At.IsZero() {
		req.At = now
	}
	loc, _ := s.Location(a.d.Location())

	key := strings.TrimSpace(req.OccurrenceKey)
	if key == "" {
		o, found, err := nearestOccurrence(s, req.At, loc)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if !found {
			writeError(w, http.StatusUnprocessableEntity, "no scheduled dose near the intake time")
			return
		}
		key = o.Key()
	} else if id, _, _, err := recurrence.ParseKey(key); err != nil || id != s.ID {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("occurrenceKey %q does not belong to schedule %q", key, s.ID))
		return
	}

	if existing, ok, err := a.d.Doses.FindDoseLog(r.Context(), key, storage.DoseTaken); err != nil {
		writeDomainError(w, err)
		return
	} else if ok {
		writeJSON(w, http.StatusOK, existing)
		return
	}

	entry := storage.DoseLog{
		ID:            uuid.NewString(),
		ScheduleID:    s.ID,
		OccurrenceKey: key,
		Status:        storage.DoseTaken,
		At:            req.At.UTC(),
		Note:          strings.TrimSpace(req.Note),
	}
	if err := a.d.Doses.AppendDoseLog(r.Context(), entry); err != nil {
		writeDomainError(w, err)
		return
	}
	a.d.Log.Info("dose taken", logx.String("schedule", s.ID), logx.String("key", key))
	writeJSON(w, http.StatusCreated, entry)
}

// nearestOccurrence finds the occurrence closest to at among those in the
// lookback window, allowing doses taken up to an hour early.
func nearestOccurrence(s schedule.Schedule, at time.Time, loc *time.Location) (recurrence.Occurrence, bool, error) {
	occ, err := recurrence.Upcoming(s, at.Add(-takenLookback), takenLookback+time.Hour, loc)
	if err != nil {
		return recurrence.Occurrence{}, false, err
	}
	var (
		best  recurrence.Occurrence
		bestD time.Duration
		found bool
	)
	for _, o := range occ {
		d := o.At.Sub(at)
		if d < 0 {
			d = -d
		}
		if !found || d < bestD {
			best, bestD, found = o, d, true
		}
	}
	return best, found, nil
}

// ListDoses GET /api/schedules/{id}/doses
func (a *API) ListDoses(w http.ResponseWriter, r *http.Request) {
	s, ok := a.lookup(w, r)
	if !ok {
		return
	}
	logs, err := a.d.Doses.ListDoseLogs(r.Context(), s.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if logs == nil {
		logs = []storage.DoseLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"doses": logs, "count": len(logs)})
}

// Status GET /api/status
func (a *API) Status(w http.ResponseWriter, r *http.Request) {
	if a.d.Status == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, a.d.Status())
}

// Healthz GET /healthz
func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}
