package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "DOSEWATCH"

// envOverrides lets secrets and deployment specifics stay out of the file.
// Unset variables leave the file value untouched.
type envOverrides struct {
	LogLevel        string `envconfig:"LOG_LEVEL"`
	DefaultTimezone string `envconfig:"DEFAULT_TIMEZONE"`
	SMTPHost        string `envconfig:"SMTP_HOST"`
	SMTPUsername    string `envconfig:"SMTP_USERNAME"`
	SMTPPassword    string `envconfig:"SMTP_PASSWORD"`
	SMTPFrom        string `envconfig:"SMTP_FROM"`
	TelegramToken   string `envconfig:"TELEGRAM_TOKEN"`
	StorageDriver   string `envconfig:"STORAGE_DRIVER"`
	StoragePath     string `envconfig:"STORAGE_PATH"`
	StorageDSN      string `envconfig:"STORAGE_DSN"`
	HTTPAddr        string `envconfig:"HTTP_ADDR"`
	HTTPToken       string `envconfig:"HTTP_TOKEN"`
}

func applyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Logging.Level, env.LogLevel)
	set(&cfg.Scheduler.DefaultTimezone, env.DefaultTimezone)
	set(&cfg.Notifier.SMTP.Host, env.SMTPHost)
	set(&cfg.Notifier.SMTP.Username, env.SMTPUsername)
	set(&cfg.Notifier.SMTP.Password, env.SMTPPassword)
	set(&cfg.Notifier.SMTP.From, env.SMTPFrom)
	set(&cfg.Notifier.Telegram.Token, env.TelegramToken)
	set(&cfg.Storage.Driver, env.StorageDriver)
	set(&cfg.Storage.Path, env.StoragePath)
	set(&cfg.Storage.DSN, env.StorageDSN)
	set(&cfg.HTTP.Addr, env.HTTPAddr)
	set(&cfg.HTTP.Token, env.HTTPToken)
	return nil
}
