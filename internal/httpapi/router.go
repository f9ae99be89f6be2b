package httpapi

import (
	"crypto/subtle"
	"net/http"
	hpprof "net/http/pprof"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "dosewatch/pkg/logx"
)

// RouterOptions toggles the optional surfaces of the router.
type RouterOptions struct {
	// Token, when set, is required as a bearer token on /api and /debug.
	Token string
	Pprof bool
}

// NewRouter wires every endpoint.
func NewRouter(a *API, opt RouterOptions) *mux.Router {
	root := mux.NewRouter()
	root.Use(a.recoverer, a.accessLog)

	root.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	root.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := root.PathPrefix("/api").Subrouter()
	api.Use(bearer(opt.Token))
	api.HandleFunc("/schedules", a.CreateSchedule).Methods(http.MethodPost)
	api.HandleFunc("/schedules", a.ListSchedules).Methods(http.MethodGet)
	// Registered before {id} so the suffix is not swallowed by the id variable.
	api.HandleFunc("/schedules/{id}.ics", a.ScheduleICS).Methods(http.MethodGet)
	api.HandleFunc("/schedules/{id}", a.GetSchedule).Methods(http.MethodGet)
	api.HandleFunc("/schedules/{id}", a.DeleteSchedule).Methods(http.MethodDelete)
	api.HandleFunc("/schedules/{id}/doses", a.LogDose).Methods(http.MethodPost)
	api.HandleFunc("/schedules/{id}/doses", a.ListDoses).Methods(http.MethodGet)
	api.HandleFunc("/status", a.Status).Methods(http.MethodGet)

	if opt.Pprof {
		dbg := root.PathPrefix("/debug/pprof").Subrouter()
		dbg.Use(bearer(opt.Token))
		dbg.HandleFunc("/cmdline", hpprof.Cmdline)
		dbg.HandleFunc("/profile", hpprof.Profile)
		dbg.HandleFunc("/symbol", hpprof.Symbol)
		dbg.HandleFunc("/trace", hpprof.Trace)
		dbg.PathPrefix("/").HandlerFunc(hpprof.Index)
	}
	return root
}

// bearer requires "Authorization: Bearer <token>" when token is non-empty.
func bearer(token string) mux.MiddlewareFunc {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const p = "Bearer "
			ah := r.Header.Get("Authorization")
			got := strings.TrimSpace(strings.TrimPrefix(ah, p))
			if !strings.HasPrefix(ah, p) || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *API) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				a.d.Log.Error("handler panicked",
					logx.String("path", r.URL.Path),
					logx.Any("panic", v),
					logx.String("stack", string(debug.Stack())),
				)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.d.Log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", rec.status),
			logx.Duration("took", time.Since(start)),
		)
	})
}
