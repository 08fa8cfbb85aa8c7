package app

import (
	"context"

	"github.com/coreos/go-systemd/v22/daemon"

	"botherd/pkg/logx"
)

// notifyReady tells systemd the daemon is up. A no-op outside a unit
// with Type=notify.
func notifyReady() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
}

func notifyStopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// startWatchdog wires the systemd watchdog to the health monitor. The
// pet fires from the monitor's check loop, so a wedged orchestrator
// stops petting and systemd restarts the unit.
func (a *App) startWatchdog(_ context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog detection failed", logx.Err(err))
		return
	}
	if interval == 0 {
		return
	}
	if hc := a.monitor.CheckInterval(); hc*2 > interval {
		a.log.Warn("health check interval too slow for systemd watchdog",
			logx.Duration("check_interval", hc),
			logx.Duration("watchdog", interval))
	}
	a.monitor.SetWatchdogPet(func() {
		_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
	})
	a.log.Info("systemd watchdog armed", logx.Duration("interval", interval))
}
