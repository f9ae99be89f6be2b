package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "dosewatch/pkg/logx"
)

func notifyReady(log logx.Logger) {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		log.Debug("sd_notify ready sent")
	}
}

func notifyStopping(log logx.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Debug("sd_notify stopping failed", logx.Err(err))
	}
}

// watchdog pings systemd at half the configured WatchdogSec. It returns
// immediately when the unit has no watchdog.
func watchdog(log logx.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		interval, err := daemon.SdWatchdogEnabled(false)
		if err != nil || interval <= 0 {
			return nil
		}
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					log.Warn("sd_notify watchdog failed", logx.Err(err))
				}
			}
		}
	}
}
