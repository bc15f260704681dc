// Package network supervises the node's station-mode Wi-Fi link. It
// counts failed join attempts and, past a threshold, gives up on station
// mode for the rest of the session and raises a local access point so the
// node can be reconfigured through the portal.
package network

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/nugget/blescanner/internal/events"
)

// State is the supervisor's view of the station link.
type State int32

// Supervisor states.
const (
	Disconnected State = iota
	Connecting
	Connected
	AccessPointFallback
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case AccessPointFallback:
		return "access_point"
	default:
		return "unknown"
	}
}

// Station joins an existing Wi-Fi network.
type Station interface {
	// Begin starts a join attempt and returns without waiting for it.
	Begin(ctx context.Context, ssid, password string) error
	// Connected reports whether the link is currently up.
	Connected() bool
}

// AccessPoint hosts a local Wi-Fi network.
type AccessPoint interface {
	Start(ctx context.Context, ssid, password string) error
}

// Config holds the supervisor's credentials and limits.
type Config struct {
	SSID     string
	Password string

	APSSID     string
	APPassword string

	// FailureThreshold is the number of consecutive failed attempts
	// before falling back to access point mode.
	FailureThreshold int
}

// Hooks are invoked on the supervisor's goroutine. Any may be nil.
type Hooks struct {
	// OnUp runs when the link transitions to Connected.
	OnUp func(ctx context.Context)
	// OnLinkLost runs when an established link drops.
	OnLinkLost func(ctx context.Context)
	// OnFallback runs once, after the access point has been started.
	OnFallback func(ctx context.Context)
}

// Supervisor drives the station link state machine. Tick and
// HandleLinkLost must be called from a single goroutine; State and
// Failures may be read from any goroutine.
type Supervisor struct {
	cfg     Config
	station Station
	ap      AccessPoint
	hooks   Hooks
	bus     *events.Bus
	logger  *slog.Logger

	state    atomic.Int32
	failures atomic.Int32
}

// NewSupervisor creates a supervisor in the Disconnected state. A
// non-positive threshold uses 10.
func NewSupervisor(cfg Config, station Station, ap AccessPoint, hooks Hooks, bus *events.Bus, logger *slog.Logger) *Supervisor {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:     cfg,
		station: station,
		ap:      ap,
		hooks:   hooks,
		bus:     bus,
		logger:  logger,
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Failures returns the consecutive failed attempt count.
func (s *Supervisor) Failures() int {
	return int(s.failures.Load())
}

// Up reports whether the station link is usable. It is the gate for
// broker connects and scans.
func (s *Supervisor) Up() bool {
	return s.State() == Connected
}

// AccessPointCredentials returns the fallback network's name and
// password for display while in fallback.
func (s *Supervisor) AccessPointCredentials() (ssid, password string) {
	return s.cfg.APSSID, s.cfg.APPassword
}

// Tick advances the state machine by one supervision period.
func (s *Supervisor) Tick(ctx context.Context) {
	state := s.State()
	if state == AccessPointFallback {
		return
	}

	if s.station.Connected() {
		s.failures.Store(0)
		if state != Connected {
			s.setState(Connected)
			s.logger.Info("wifi connected", "ssid", s.cfg.SSID)
			if s.hooks.OnUp != nil {
				s.hooks.OnUp(ctx)
			}
		}
		return
	}

	switch state {
	case Connected:
		s.HandleLinkLost(ctx)
		return
	case Connecting:
		if s.fail(ctx) {
			return
		}
	}

	s.begin(ctx)
}

// HandleLinkLost records the loss of an established link. It is a no-op
// unless the supervisor believes the link is up.
func (s *Supervisor) HandleLinkLost(ctx context.Context) {
	if s.State() != Connected {
		return
	}
	s.setState(Disconnected)
	s.logger.Warn("wifi link lost", "ssid", s.cfg.SSID)
	if s.hooks.OnLinkLost != nil {
		s.hooks.OnLinkLost(ctx)
	}
}

func (s *Supervisor) begin(ctx context.Context) {
	s.logger.Info("connecting to wifi",
		"ssid", s.cfg.SSID,
		"attempt", s.Failures()+1,
		"threshold", s.cfg.FailureThreshold,
	)
	if err := s.station.Begin(ctx, s.cfg.SSID, s.cfg.Password); err != nil {
		s.logger.Warn("wifi join failed to start", "ssid", s.cfg.SSID, "error", err)
		s.setState(Disconnected)
		s.fail(ctx)
		return
	}
	s.setState(Connecting)
}

// fail counts one failed attempt and reports whether the supervisor
// entered fallback as a result.
func (s *Supervisor) fail(ctx context.Context) bool {
	n := int(s.failures.Add(1))
	if n < s.cfg.FailureThreshold {
		return false
	}

	s.logger.Warn("wifi unreachable, starting access point",
		"ssid", s.cfg.SSID,
		"failures", n,
		"ap_ssid", s.cfg.APSSID,
	)
	if err := s.ap.Start(ctx, s.cfg.APSSID, s.cfg.APPassword); err != nil {
		s.logger.Error("access point failed to start", "ap_ssid", s.cfg.APSSID, "error", err)
	}
	s.setState(AccessPointFallback)
	s.bus.Publish(events.Event{
		Source: events.SourceNetwork,
		Kind:   events.KindFallback,
		Data:   map[string]any{"ssid": s.cfg.APSSID, "failures": n},
	})
	if s.hooks.OnFallback != nil {
		s.hooks.OnFallback(ctx)
	}
	return true
}

func (s *Supervisor) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	s.logger.Debug("network state change", "from", from, "to", to)
	s.bus.Publish(events.Event{
		Source: events.SourceNetwork,
		Kind:   events.KindStateChange,
		Data:   map[string]any{"from": from.String(), "to": to.String()},
	})
}
