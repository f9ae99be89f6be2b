package app

import (
	"strings"
	"time"

	"dosewatch/internal/config"
	"dosewatch/internal/httpapi"
	"dosewatch/internal/missed"
	"dosewatch/internal/notifier"
	"dosewatch/internal/ticker"
	logx "dosewatch/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTickerConfig(cfg *config.Config) (ticker.Config, error) {
	sc := cfg.Scheduler
	poll, err := config.ParseDurationOrDefault("scheduler.poll_interval", sc.PollInterval, config.DefaultPollInterval)
	if err != nil {
		return ticker.Config{}, err
	}
	tz := strings.TrimSpace(sc.DefaultTimezone)
	if tz == "" {
		tz = "UTC"
	}
	return ticker.Config{PollInterval: poll, DefaultTimezone: tz, Concurrency: sc.Concurrency}, nil
}

// mapMissGrace returns 0 when the detector is disabled.
func mapMissGrace(cfg *config.Config) (time.Duration, error) {
	if cfg.Scheduler.DisableMissed {
		return 0, nil
	}
	return config.ParseDurationOrDefault("scheduler.miss_grace", cfg.Scheduler.MissGrace, missed.DefaultGrace)
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	base, err := config.ParseDurationField("notifier.retry_base", nc.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	timeout, err := config.ParseDurationField("notifier.send_timeout", nc.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		RatePerSec:    nc.RatePerSec,
		Burst:         nc.Burst,
		RetryMax:      nc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		SendTimeout:   timeout,
		DryRun:        nc.DryRun,
		SMTP: notifier.SMTPConfig{
			Enabled:  nc.SMTP.Enabled,
			Host:     strings.TrimSpace(nc.SMTP.Host),
			Port:     nc.SMTP.Port,
			Username: nc.SMTP.Username,
			Password: nc.SMTP.Password,
			From:     strings.TrimSpace(nc.SMTP.From),
			TLS:      nc.SMTP.TLS,
		},
		Telegram: notifier.TelegramConfig{
			Enabled: nc.Telegram.Enabled,
			Token:   strings.TrimSpace(nc.Telegram.Token),
		},
	}, nil
}

func mapServerConfig(cfg *config.Config) (httpapi.ServerConfig, error) {
	hc := cfg.HTTP
	rt, err := config.ParseDurationField("http.read_timeout", hc.ReadTimeout)
	if err != nil {
		return httpapi.ServerConfig{}, err
	}
	wt, err := config.ParseDurationField("http.write_timeout", hc.WriteTimeout)
	if err != nil {
		return httpapi.ServerConfig{}, err
	}
	return httpapi.ServerConfig{
		Addr:         strings.TrimSpace(hc.Addr),
		Token:        strings.TrimSpace(hc.Token),
		Pprof:        hc.Pprof,
		ReadTimeout:  rt,
		WriteTimeout: wt,
	}, nil
}
