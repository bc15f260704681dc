package node

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/blescanner/internal/beacon"
	"github.com/nugget/blescanner/internal/broker"
	"github.com/nugget/blescanner/internal/buildinfo"
	"github.com/nugget/blescanner/internal/config"
	"github.com/nugget/blescanner/internal/events"
	"github.com/nugget/blescanner/internal/message"
	"github.com/nugget/blescanner/internal/network"
	"github.com/nugget/blescanner/internal/presence"
	"github.com/nugget/blescanner/internal/registry"
	"github.com/nugget/blescanner/internal/scan"
)

// RadioFactory builds the scanning radio. The radio must skip sources on
// ignore and hand every other advertisement to onAdvert without blocking.
type RadioFactory func(ignore *beacon.IgnoreList, onAdvert func(beacon.Advertisement)) (scan.Radio, error)

// Deps are the hardware and transport edges of a node.
type Deps struct {
	Station     network.Station
	AccessPoint network.AccessPoint
	Client      broker.Client
	NewRadio    RadioFactory

	// Heartbeat is called on every fast tick. Optional.
	Heartbeat func()

	// OnFallback runs on the loop after the access point is up.
	// Optional.
	OnFallback func(ctx context.Context)
}

// linkNotifier is implemented by stations that report link loss.
type linkNotifier interface {
	OnLinkLost(fn func())
}

// Node is an assembled presence node.
type Node struct {
	cfg    *config.Config
	topics message.Topics
	bus    *events.Bus
	logger *slog.Logger

	loop       *Loop
	registry   *registry.Registry
	ignore     *beacon.IgnoreList
	supervisor *network.Supervisor
	broker     *broker.Manager
	pipeline   *presence.Pipeline
	scheduler  *scan.Scheduler
}

// New wires a node from cfg and deps. entries is the initial device list.
func New(cfg *config.Config, entries []registry.Entry, deps Deps, bus *events.Bus, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{
		cfg:    cfg,
		topics: message.NewTopics(cfg.MQTT.TopicPrefix, cfg.Device.Room),
		bus:    bus,
		logger: logger,
		loop: NewLoop(LoopOptions{
			CheckInterval: cfg.Network.CheckInterval,
			Heartbeat:     deps.Heartbeat,
			Logger:        logger.With("component", "loop"),
		}),
		registry: registry.New(cfg.Bluetooth.HistorySize, entries),
		ignore:   beacon.NewIgnoreList(),
	}

	n.broker = broker.NewManager(deps.Client, broker.Options{
		StatusTopic:    n.topics.Status,
		ReconnectDelay: cfg.MQTT.ReconnectDelay,
		NetworkUp:      n.networkUp,
		Post:           n.loop.Poster(),
		Bus:            bus,
		Logger:         logger.With("component", "broker"),
	})

	n.supervisor = network.NewSupervisor(
		network.Config{
			SSID:             cfg.Network.SSID,
			Password:         cfg.Network.Password,
			APSSID:           cfg.Network.APSSID,
			APPassword:       cfg.Network.APPassword,
			FailureThreshold: cfg.Network.FailureThreshold,
		},
		deps.Station, deps.AccessPoint,
		network.Hooks{
			OnUp: func(ctx context.Context) {
				if cfg.MQTT.Configured() {
					n.broker.Connect(ctx)
				}
			},
			OnLinkLost: n.broker.Drop,
			OnFallback: deps.OnFallback,
		},
		bus, logger.With("component", "network"),
	)

	if ln, ok := deps.Station.(linkNotifier); ok {
		ln.OnLinkLost(func() {
			n.loop.Poster()(func() { n.supervisor.HandleLinkLost(context.Background()) })
		})
	}

	n.pipeline = presence.New(n.registry, n.broker, n.ignore, n.topics.Scan,
		presence.Options{
			IgnoreNonBeacons:     cfg.Bluetooth.IgnoreNonBeacons,
			IgnoreUnknownBeacons: cfg.Bluetooth.IgnoreUnknownBeacons,
		},
		logger.With("component", "presence"),
	)

	radio, err := deps.NewRadio(n.ignore, n.onAdvertisement)
	if err != nil {
		return nil, fmt.Errorf("radio: %w", err)
	}

	n.scheduler = scan.New(radio, n.registry, n.pipeline, n.broker, scan.Options{
		Duration:       cfg.Bluetooth.ScanTime,
		Interval:       cfg.Bluetooth.ScanInterval,
		TelemetryTopic: n.topics.Telemetry,
		NetworkUp:      n.networkUp,
		Post:           n.loop.Poster(),
		Bus:            bus,
		Logger:         logger.With("component", "scan"),
	})

	return n, nil
}

// networkUp gates broker connects and scans on the station link.
func (n *Node) networkUp() bool {
	return n.supervisor.Up()
}

// onAdvertisement runs on the radio goroutine.
func (n *Node) onAdvertisement(adv beacon.Advertisement) {
	n.loop.TryPost(func() {
		n.pipeline.OnAdvertisement(context.Background(), adv)
	})
}

// Run drives the node until ctx is cancelled, then closes the broker
// session within shutdownTimeout.
func (n *Node) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	n.logger.Info("node starting",
		"room", n.cfg.Device.Room,
		"devices", n.registry.Len(),
		"scan_topic", n.topics.Scan,
	)

	n.loop.Run(ctx, n.supervisor, n.broker, n.scheduler)

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := n.broker.Stop(stopCtx); err != nil {
		return fmt.Errorf("broker shutdown: %w", err)
	}
	return nil
}

// Topics returns the node's MQTT topics.
func (n *Node) Topics() message.Topics {
	return n.topics
}

// Fallback reports whether the access point fallback is active.
func (n *Node) Fallback() bool {
	return n.supervisor.State() == network.AccessPointFallback
}

// AccessPointCredentials returns the fallback network's name and password.
func (n *Node) AccessPointCredentials() (ssid, password string) {
	return n.supervisor.AccessPointCredentials()
}

// Devices returns the current device list.
func (n *Node) Devices() []registry.Entry {
	return n.registry.Entries()
}

// ReloadDevices replaces the device list. Safe from any goroutine; scans
// in progress see either the old or the new list.
func (n *Node) ReloadDevices(entries []registry.Entry) {
	n.registry.Reload(entries)
	n.logger.Info("device list reloaded", "devices", len(entries))
	n.bus.Publish(events.Event{
		Source: events.SourcePortal,
		Kind:   events.KindDevicesChanged,
		Data:   map[string]any{"count": len(entries)},
	})
}

// ClearIgnored empties the radio filter list and returns how many
// sources were removed.
func (n *Node) ClearIgnored() int {
	return n.ignore.Clear()
}

// Status is a point-in-time view of the node.
type Status struct {
	Room            string                  `json:"room"`
	Version         string                  `json:"version"`
	Started         time.Time               `json:"started"`
	Uptime          int64                   `json:"uptime"`
	Network         string                  `json:"network"`
	NetworkFailures int                     `json:"network_failures"`
	Broker          string                  `json:"broker"`
	Scan            scan.Status             `json:"scan"`
	Devices         []registry.DeviceStatus `json:"devices"`
	Ignored         int                     `json:"ignored"`
	DroppedAdverts  int64                   `json:"dropped_advertisements"`
	Topics          message.Topics          `json:"topics"`
}

// Status collects a snapshot on the loop goroutine.
func (n *Node) Status(ctx context.Context) (Status, error) {
	st := Status{
		Room:            n.cfg.Device.Room,
		Version:         buildinfo.Version,
		Started:         buildinfo.StartTime().UTC(),
		Uptime:          int64(buildinfo.Uptime().Seconds()),
		Network:         n.supervisor.State().String(),
		NetworkFailures: n.supervisor.Failures(),
		Broker:          n.broker.State().String(),
		Devices:         n.registry.Snapshot(),
		Ignored:         n.ignore.Len(),
		DroppedAdverts:  n.loop.Dropped(),
		Topics:          n.topics,
	}
	err := n.loop.Do(ctx, func() {
		st.Scan = n.scheduler.Status()
	})
	return st, err
}
