package network

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// apConnection is the NetworkManager connection profile name used for
// the fallback access point.
const apConnection = "blescanner-ap"

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// NMCLI drives a Wi-Fi interface through NetworkManager's nmcli. It
// implements both [Station] and [AccessPoint].
type NMCLI struct {
	iface   string
	run     Runner
	timeout time.Duration
	logger  *slog.Logger

	connected atomic.Bool
	joining   atomic.Bool

	mu         sync.Mutex
	onLinkLost func()
}

// NMCLIOption configures an NMCLI driver.
type NMCLIOption func(*NMCLI)

// WithRunner replaces the command runner.
func WithRunner(r Runner) NMCLIOption {
	return func(n *NMCLI) { n.run = r }
}

// WithJoinTimeout bounds each nmcli connect call.
func WithJoinTimeout(d time.Duration) NMCLIOption {
	return func(n *NMCLI) { n.timeout = d }
}

// NewNMCLI creates a driver for iface.
func NewNMCLI(iface string, logger *slog.Logger, opts ...NMCLIOption) *NMCLI {
	if logger == nil {
		logger = slog.Default()
	}
	n := &NMCLI{
		iface:   iface,
		run:     ExecRunner,
		timeout: 30 * time.Second,
		logger:  logger,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// OnLinkLost registers fn to be called from the poll goroutine when an
// established link goes down.
func (n *NMCLI) OnLinkLost(fn func()) {
	n.mu.Lock()
	n.onLinkLost = fn
	n.mu.Unlock()
}

// Begin starts `nmcli device wifi connect` in the background. A call
// while a previous attempt is still running is a no-op.
func (n *NMCLI) Begin(ctx context.Context, ssid, password string) error {
	if ssid == "" {
		return fmt.Errorf("no ssid configured")
	}
	if !n.joining.CompareAndSwap(false, true) {
		return nil
	}

	args := []string{"device", "wifi", "connect", ssid}
	if password != "" {
		args = append(args, "password", password)
	}
	args = append(args, "ifname", n.iface)

	go func() {
		defer n.joining.Store(false)
		ctx, cancel := context.WithTimeout(ctx, n.timeout)
		defer cancel()

		out, err := n.run(ctx, "nmcli", args...)
		if err != nil {
			n.logger.Debug("nmcli connect failed",
				"ifname", n.iface,
				"error", err,
				"output", strings.TrimSpace(string(out)),
			)
			return
		}
		n.connected.Store(true)
	}()
	return nil
}

// Connected reports the last observed link state.
func (n *NMCLI) Connected() bool {
	return n.connected.Load()
}

// Start creates and activates an access point profile on the interface.
// An empty password creates an open network.
func (n *NMCLI) Start(ctx context.Context, ssid, password string) error {
	// Ignore the result: the profile may not exist yet.
	n.run(ctx, "nmcli", "connection", "delete", apConnection)

	args := []string{
		"connection", "add", "type", "wifi",
		"ifname", n.iface,
		"con-name", apConnection,
		"autoconnect", "no",
		"ssid", ssid,
		"802-11-wireless.mode", "ap",
		"ipv4.method", "shared",
	}
	if password != "" {
		args = append(args, "wifi-sec.key-mgmt", "wpa-psk", "wifi-sec.psk", password)
	}
	if out, err := n.run(ctx, "nmcli", args...); err != nil {
		return fmt.Errorf("create access point: %w: %s", err, strings.TrimSpace(string(out)))
	}
	if out, err := n.run(ctx, "nmcli", "connection", "up", apConnection); err != nil {
		return fmt.Errorf("activate access point: %w: %s", err, strings.TrimSpace(string(out)))
	}
	n.connected.Store(false)
	return nil
}

// Poll checks the interface state once and updates Connected. It fires
// the link-lost callback on an up-to-down transition.
func (n *NMCLI) Poll(ctx context.Context) {
	out, err := n.run(ctx, "nmcli", "-t", "-f", "GENERAL.STATE", "device", "show", n.iface)
	up := err == nil && parseDeviceState(string(out)) == 100
	if err != nil {
		n.logger.Debug("nmcli state query failed", "ifname", n.iface, "error", err)
	}

	was := n.connected.Swap(up)
	if was && !up {
		n.mu.Lock()
		fn := n.onLinkLost
		n.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
}

// Run polls the interface every interval until ctx is cancelled.
func (n *NMCLI) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Poll(ctx)
		}
	}
}

// parseDeviceState extracts the numeric NetworkManager device state from
// terse output like "GENERAL.STATE:100 (connected)". Returns -1 when the
// output is not recognized.
func parseDeviceState(out string) int {
	for _, line := range strings.Split(out, "\n") {
		_, v, ok := strings.Cut(strings.TrimSpace(line), "GENERAL.STATE:")
		if !ok {
			continue
		}
		num, _, _ := strings.Cut(strings.TrimSpace(v), " ")
		var state int
		if _, err := fmt.Sscanf(num, "%d", &state); err == nil {
			return state
		}
	}
	return -1
}
