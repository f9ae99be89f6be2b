package config

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"dosewatch/internal/timeres"
	logx "dosewatch/pkg/logx"
)

const (
	DefaultPollInterval = 30 * time.Second
	MaxPollInterval     = time.Minute
)

var ErrInvalid = errors.New("invalid config")

// Validate reports every problem found in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	addf := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		addf("logging.level: unknown level %q", lv)
	}

	sc := cfg.Scheduler
	if d, err := ParseDurationField("scheduler.poll_interval", sc.PollInterval); err != nil {
		add(err)
	} else if d > MaxPollInterval {
		addf("scheduler.poll_interval: %s exceeds %s; doses would be skipped", d, MaxPollInterval)
	}
	if tz := strings.TrimSpace(sc.DefaultTimezone); tz != "" {
		if _, err := timeres.LoadLocation(tz, nil); err != nil {
			addf("scheduler.default_timezone: %w", err)
		}
	}
	if sc.Concurrency < 0 {
		addf("scheduler.concurrency: must be >= 0")
	}
	_, err := ParseDurationField("scheduler.miss_grace", sc.MissGrace)
	add(err)

	nc := cfg.Notifier
	if nc.RatePerSec < 0 || nc.Burst < 0 || nc.RetryMax < 0 {
		addf("notifier: rate_per_sec, burst and retry_max must be >= 0")
	}
	for _, f := range [][2]string{
		{"notifier.retry_base", nc.RetryBase},
		{"notifier.retry_max_delay", nc.RetryMaxDelay},
		{"notifier.send_timeout", nc.SendTimeout},
	} {
		_, err := ParseDurationField(f[0], f[1])
		add(err)
	}
	if nc.SMTP.Enabled {
		if strings.TrimSpace(nc.SMTP.Host) == "" {
			addf("notifier.smtp.host: required when smtp is enabled")
		}
		if _, err := mail.ParseAddress(strings.TrimSpace(nc.SMTP.From)); err != nil {
			addf("notifier.smtp.from: invalid address %q", nc.SMTP.From)
		}
		if nc.SMTP.Port < 0 || nc.SMTP.Port > 65535 {
			addf("notifier.smtp.port: out of range")
		}
		switch strings.ToLower(strings.TrimSpace(nc.SMTP.TLS)) {
		case "", "mandatory", "opportunistic", "ssl", "none":
		default:
			addf("notifier.smtp.tls: unknown mode %q", nc.SMTP.TLS)
		}
	}
	if nc.Telegram.Enabled && strings.TrimSpace(nc.Telegram.Token) == "" {
		addf("notifier.telegram.token: required when telegram is enabled")
	}
	if !nc.DryRun && !nc.SMTP.Enabled && !nc.Telegram.Enabled {
		addf("notifier: no transport enabled (enable smtp, telegram or dry_run)")
	}

	st := cfg.Storage
	switch strings.ToLower(strings.TrimSpace(st.Driver)) {
	case "memory", "mem":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(st.Path) == "" {
			addf("storage.path: required for driver %q", st.Driver)
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(st.DSN) == "" {
			addf("storage.dsn: required for driver %q", st.Driver)
		}
	case "", "none":
		addf("storage.driver: required; dedup state must survive restarts")
	default:
		addf("storage.driver: unknown driver %q", st.Driver)
	}
	_, err = ParseDurationField("storage.busy_timeout", st.BusyTimeout)
	add(err)
	if st.CompactEvery < 0 {
		addf("storage.compact_every: must be >= 0")
	}

	_, err = ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
	add(err)
	_, err = ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	add(err)

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
