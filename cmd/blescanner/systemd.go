package main

import (
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// systemdNotifier reports readiness and liveness to systemd. Outside a
// systemd unit every call is a no-op.
type systemdNotifier struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	notify   func(state string) (bool, error)

	last time.Time
}

func newSystemdNotifier(logger *slog.Logger) *systemdNotifier {
	n := &systemdNotifier{
		logger: logger,
		now:    time.Now,
		notify: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
	wd, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("systemd watchdog misconfigured", "error", err)
	}
	// Ping at twice the required rate.
	n.interval = wd / 2
	if wd > 0 {
		logger.Info("systemd watchdog enabled", "timeout", wd)
	}
	return n
}

// Ready reports that startup is complete.
func (n *systemdNotifier) Ready() {
	n.send(daemon.SdNotifyReady)
}

// Stopping reports that shutdown has begun.
func (n *systemdNotifier) Stopping() {
	n.send(daemon.SdNotifyStopping)
}

// Heartbeat pets the watchdog. It runs on every node loop tick, so a
// wedged loop stops the pings and systemd restarts the service.
func (n *systemdNotifier) Heartbeat() {
	if n.interval <= 0 {
		return
	}
	now := n.now()
	if now.Sub(n.last) < n.interval {
		return
	}
	n.last = now
	n.send(daemon.SdNotifyWatchdog)
}

func (n *systemdNotifier) send(state string) {
	if _, err := n.notify(state); err != nil {
		n.logger.Debug("systemd notify failed", "state", state, "error", err)
	}
}
