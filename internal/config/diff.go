package config

import (
	"strings"

	logx "dosewatch/pkg/logx"
)

// Change describes what differs between two configs.
type Change struct {
	// Sections lists changed top-level sections in file order.
	Sections []string
	// Restart lists changed sections that only take effect after a restart.
	Restart []string
	// Fields are safe to log; secrets are reduced to "set" flags.
	Fields []logx.Field
}

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// Summarize compares oldCfg and newCfg.
func Summarize(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if oldCfg.Logging != newCfg.Logging {
		ch.Sections = append(ch.Sections, "logging")
		ch.Fields = append(ch.Fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}

	o, n := oldCfg.Scheduler, newCfg.Scheduler
	if strings.TrimSpace(o.PollInterval) != strings.TrimSpace(n.PollInterval) ||
		strings.TrimSpace(o.DefaultTimezone) != strings.TrimSpace(n.DefaultTimezone) ||
		o.Concurrency != n.Concurrency ||
		strings.TrimSpace(o.MissGrace) != strings.TrimSpace(n.MissGrace) ||
		o.DisableMissed != n.DisableMissed {
		ch.Sections = append(ch.Sections, "scheduler")
		ch.Fields = append(ch.Fields,
			logx.String("scheduler.poll_interval", n.PollInterval),
			logx.String("scheduler.default_timezone", n.DefaultTimezone),
			logx.Int("scheduler.concurrency", n.Concurrency),
			logx.String("scheduler.miss_grace", n.MissGrace),
			logx.Bool("scheduler.disable_missed", n.DisableMissed),
		)
	}

	if oldCfg.Notifier != newCfg.Notifier {
		nn := newCfg.Notifier
		ch.Sections = append(ch.Sections, "notifier")
		ch.Fields = append(ch.Fields,
			logx.Bool("notifier.dry_run", nn.DryRun),
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
			logx.Int("notifier.retry_max", nn.RetryMax),
			logx.Bool("notifier.smtp", nn.SMTP.Enabled),
			logx.String("notifier.smtp.host", nn.SMTP.Host),
			logx.Bool("notifier.smtp.password_set", nn.SMTP.Password != ""),
			logx.Bool("notifier.telegram", nn.Telegram.Enabled),
			logx.Bool("notifier.telegram.token_set", nn.Telegram.Token != ""),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		ch.Sections = append(ch.Sections, "storage")
		ch.Restart = append(ch.Restart, "storage")
		ch.Fields = append(ch.Fields,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
			logx.Bool("storage.dsn_set", newCfg.Storage.DSN != ""),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		ch.Sections = append(ch.Sections, "http")
		ch.Restart = append(ch.Restart, "http")
		ch.Fields = append(ch.Fields,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
		)
	}
	return ch
}
