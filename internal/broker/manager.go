package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/blescanner/internal/config"
	"github.com/nugget/blescanner/internal/events"
	"github.com/nugget/blescanner/internal/message"
)

// ErrNotConnected is returned by Publish when no session is up.
var ErrNotConnected = errors.New("broker not connected")

// State is the session state.
type State int32

// Session states.
const (
	Idle State = iota
	Connecting
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Client is the MQTT transport the manager drives. Implementations must
// allow Publish to be called from several goroutines at once.
type Client interface {
	// SetWill registers the retained will message sent by the broker
	// if the session ends without a clean disconnect. It applies to
	// the next Connect.
	SetWill(topic string, payload []byte)
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
	// OnConnectionLost registers fn to be called, from any goroutine,
	// when an established session ends unexpectedly.
	OnConnectionLost(fn func(error))
}

// Options configures a Manager.
type Options struct {
	// StatusTopic receives the retained online/offline messages.
	StatusTopic string

	// ReconnectDelay is the wait between a lost session and the next
	// attempt. Defaults to 3s.
	ReconnectDelay time.Duration

	// NetworkUp gates every connect attempt. Nil means always up.
	NetworkUp func() bool

	// Post delivers a result closure back onto the owning goroutine.
	// Required.
	Post func(func())

	// Spawn runs blocking client calls. Defaults to a new goroutine.
	Spawn func(func())

	// Now is the clock used to schedule retries. Defaults to time.Now.
	Now func() time.Time

	Bus    *events.Bus
	Logger *slog.Logger
}

// Manager owns one broker session. Connect, Tick, Drop, Publish and the
// result closures it posts must all run on the same goroutine. State and
// Connected may be called from anywhere.
type Manager struct {
	client Client
	opts   Options
	logger *slog.Logger

	state atomic.Int32

	// Loop-owned.
	attempt uint64
	retryAt time.Time
}

// NewManager creates an idle manager around client.
func NewManager(client Client, opts Options) *Manager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	if opts.NetworkUp == nil {
		opts.NetworkUp = func() bool { return true }
	}
	if opts.Spawn == nil {
		opts.Spawn = func(f func()) { go f() }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Manager{
		client: client,
		opts:   opts,
		logger: opts.Logger,
	}
	client.OnConnectionLost(func(err error) {
		opts.Post(func() { m.HandleConnectionLost(err) })
	})
	return m
}

// State returns the current session state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Connected reports whether a session is up.
func (m *Manager) Connected() bool {
	return m.State() == Connected
}

// RetryAt returns when the next reconnect is due, or the zero time.
func (m *Manager) RetryAt() time.Time {
	return m.retryAt
}

// Connect starts a connection attempt. It does nothing while an attempt
// is in flight, while connected, or while the network is down.
func (m *Manager) Connect(ctx context.Context) {
	switch m.State() {
	case Connecting, Connected:
		return
	}
	if !m.opts.NetworkUp() {
		m.logger.Debug("mqtt connect skipped, network down")
		return
	}

	m.attempt++
	id := m.attempt
	m.retryAt = time.Time{}
	m.setState(Connecting)
	m.logger.Info("connecting to mqtt")

	m.client.SetWill(m.opts.StatusTopic, []byte(message.StatusOffline))
	m.opts.Spawn(func() {
		err := m.client.Connect(ctx)
		m.opts.Post(func() { m.connectResult(ctx, id, err) })
	})
}

func (m *Manager) connectResult(ctx context.Context, id uint64, err error) {
	if id != m.attempt || m.State() != Connecting {
		m.logger.Debug("ignoring stale mqtt connect result", "attempt", id, "current", m.attempt)
		if err == nil {
			m.opts.Spawn(func() { m.client.Disconnect(ctx) })
		}
		return
	}

	if err != nil {
		m.logger.Warn("mqtt connect failed", "error", err, "retry_in", m.opts.ReconnectDelay)
		m.scheduleRetry()
		m.setState(Disconnected)
		return
	}

	m.setState(Connected)
	m.logger.Info("connected to mqtt", "status_topic", m.opts.StatusTopic)
	m.spawnPublish(ctx, m.opts.StatusTopic, []byte(message.StatusOnline), true)
}

// HandleConnectionLost records an unexpected end of the session and
// schedules a reconnect.
func (m *Manager) HandleConnectionLost(err error) {
	if m.State() != Connected {
		return
	}
	m.attempt++
	m.scheduleRetry()
	m.setState(Disconnected)
	m.logger.Warn("disconnected from mqtt", "error", err, "retry_in", m.opts.ReconnectDelay)
}

// Drop abandons the session after the network link went away. Any
// in-flight attempt is invalidated. The reconnect still waits for the
// network to come back.
func (m *Manager) Drop(ctx context.Context) {
	state := m.State()
	if state == Idle || state == Disconnected {
		return
	}
	m.attempt++
	m.opts.Spawn(func() { m.client.Disconnect(ctx) })
	m.scheduleRetry()
	m.setState(Disconnected)
	m.logger.Info("mqtt session dropped with network link", "was", state)
}

// Tick fires the pending reconnect once it is due and the network is up.
func (m *Manager) Tick(ctx context.Context, now time.Time) {
	if m.State() != Disconnected || m.retryAt.IsZero() || now.Before(m.retryAt) {
		return
	}
	if !m.opts.NetworkUp() {
		return
	}
	m.Connect(ctx)
}

// Publish sends payload on topic without waiting for the broker. A
// failed send is logged and not retried.
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if !m.Connected() {
		return ErrNotConnected
	}
	m.spawnPublish(ctx, topic, payload, retain)
	return nil
}

// Stop publishes the offline status and closes the session. It blocks
// until both finish or ctx expires.
func (m *Manager) Stop(ctx context.Context) error {
	state := m.State()
	m.attempt++
	m.retryAt = time.Time{}
	m.setState(Idle)
	if state != Connected && state != Connecting {
		return nil
	}
	if state == Connected {
		if err := m.client.Publish(ctx, m.opts.StatusTopic, []byte(message.StatusOffline), true); err != nil {
			m.logger.Warn("mqtt offline status publish failed", "error", err)
		}
	}
	return m.client.Disconnect(ctx)
}

func (m *Manager) spawnPublish(ctx context.Context, topic string, payload []byte, retain bool) {
	m.opts.Spawn(func() {
		if err := m.client.Publish(ctx, topic, payload, retain); err != nil {
			m.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
			return
		}
		m.logger.Log(ctx, config.LevelTrace, "mqtt published", "topic", topic, "bytes", len(payload), "retain", retain)
	})
}

func (m *Manager) scheduleRetry() {
	m.retryAt = m.opts.Now().Add(m.opts.ReconnectDelay)
}

func (m *Manager) setState(to State) {
	from := State(m.state.Swap(int32(to)))
	if from == to {
		return
	}
	m.opts.Bus.Publish(events.Event{
		Source: events.SourceBroker,
		Kind:   events.KindStateChange,
		Data:   map[string]any{"from": from.String(), "to": to.String()},
	})
}
