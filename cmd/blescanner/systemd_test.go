package main

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/go-cmp/cmp"
)

func TestSystemdNotifier_Heartbeat(t *testing.T) {
	now := time.Unix(1000, 0)
	var sent []string
	n := &systemdNotifier{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		interval: 10 * time.Second,
		now:      func() time.Time { return now },
		notify: func(state string) (bool, error) {
			sent = append(sent, state)
			return true, nil
		},
	}

	n.Ready()
	n.Heartbeat() // first ping
	now = now.Add(5 * time.Second)
	n.Heartbeat() // too soon
	now = now.Add(5 * time.Second)
	n.Heartbeat() // due
	n.Stopping()

	want := []string{daemon.SdNotifyReady, daemon.SdNotifyWatchdog, daemon.SdNotifyWatchdog, daemon.SdNotifyStopping}
	if diff := cmp.Diff(want, sent); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}
}

func TestSystemdNotifier_WatchdogDisabled(t *testing.T) {
	calls := 0
	n := &systemdNotifier{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
		notify: func(string) (bool, error) { calls++; return false, nil },
	}
	n.Heartbeat()
	if calls != 0 {
		t.Errorf("heartbeat sent %d notifications with watchdog disabled", calls)
	}
}
