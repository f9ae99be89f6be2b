package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "30s", "1h").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Notifier  NotifierConfig  `json:"notifier"`
	Storage   StorageConfig   `json:"storage"`
	HTTP      HTTPConfig      `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the evaluation loop.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "30s" (must not exceed "60s")
//   - default_timezone: "UTC"
//   - concurrency: 8
//   - miss_grace: "1h"
type SchedulerConfig struct {
	PollInterval    string `json:"poll_interval"`
	DefaultTimezone string `json:"default_timezone"`
	Concurrency     int    `json:"concurrency,omitempty"`

	// MissGrace is how long after a dose without a "taken" log the
	// missed-dose notice goes out.
	MissGrace     string `json:"miss_grace,omitempty"`
	DisableMissed bool   `json:"disable_missed,omitempty"`
}

type NotifierConfig struct {
	// DryRun logs messages instead of delivering them.
	DryRun        bool   `json:"dry_run,omitempty"`
	RatePerSec    int    `json:"rate_per_sec"`
	Burst         int    `json:"burst,omitempty"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	SendTimeout   string `json:"send_timeout,omitempty"`

	SMTP     SMTPConfig     `json:"smtp"`
	Telegram TelegramConfig `json:"telegram"`
}

type SMTPConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	From     string `json:"from"`
	// TLS is "mandatory" (default), "opportunistic", "ssl" or "none".
	TLS string `json:"tls,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"` // do not log
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/dosewatch.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`          // postgres; do not log
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	CompactEvery int    `json:"compact_every,omitempty"`
}

// HTTPConfig controls the API server. An empty Addr disables it.
type HTTPConfig struct {
	Addr         string `json:"addr"`
	Token        string `json:"token,omitempty"` // optional bearer token for /api; do not log
	Pprof        bool   `json:"pprof,omitempty"` // serve /debug/pprof/ (behind the token)
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}
