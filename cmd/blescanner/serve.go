package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/nugget/blescanner/internal/beacon"
	"github.com/nugget/blescanner/internal/broker"
	"github.com/nugget/blescanner/internal/buildinfo"
	"github.com/nugget/blescanner/internal/config"
	"github.com/nugget/blescanner/internal/events"
	"github.com/nugget/blescanner/internal/network"
	"github.com/nugget/blescanner/internal/node"
	"github.com/nugget/blescanner/internal/portal"
	"github.com/nugget/blescanner/internal/scan"
)

// shutdownTimeout bounds the offline publish and the portal drain.
const shutdownTimeout = 5 * time.Second

// runServe handles the "blescanner serve" subcommand. It loads config,
// opens the database, assembles the node and portal, and blocks until a
// shutdown signal or a portal restart request.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM (or a portal reset) cancels the context
//  2. The node loop stops and the broker publishes "offline"
//  3. The portal drains in-flight requests
//  4. The database is closed via defer
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text", nil)
	logger.Info("starting blescanner", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := applyStoredSettings(cfg, st); err != nil {
		return err
	}

	// Reconfigure the logger now that the level and format are known and
	// tee it into the event bus for the portal's live log.
	bus := events.New(events.DefaultBacklog)
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat, bus)
	slog.SetDefault(logger)

	logger.Info("config loaded",
		"path", cfgPath,
		"room", cfg.Device.Room,
		"network_driver", cfg.Network.Driver,
		"mqtt", cfg.MQTT.Address(),
		"portal_port", cfg.Portal.Port,
		"storage", cfg.Storage.Driver,
	)

	entries, err := loadDevices(cfg, st, logger)
	if err != nil {
		return err
	}

	instanceID, err := broker.LoadOrCreateInstanceID(st)
	if err != nil {
		return err
	}
	clientID := broker.ResolveClientID(cfg.MQTT.ClientID, cfg.Network.Hostname, instanceID)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Network ---
	var (
		station network.Station
		ap      network.AccessPoint
		nm      *network.NMCLI
	)
	switch cfg.Network.Driver {
	case "nmcli":
		nm = network.NewNMCLI(cfg.Network.Interface, logger.With("component", "nmcli"))
		station, ap = nm, nm
	default:
		u := network.Unmanaged{Logger: logger.With("component", "network")}
		station, ap = u, u
	}

	// --- Broker ---
	client := broker.NewPahoClient(broker.PahoConfig{
		Host:      cfg.MQTT.Host,
		Port:      cfg.MQTT.Port,
		TLS:       cfg.MQTT.TLS,
		Username:  cfg.MQTT.User,
		Password:  cfg.MQTT.Password,
		ClientID:  clientID,
		KeepAlive: uint16(cfg.MQTT.KeepAlive),
	}, logger.With("component", "paho"))
	if cfg.MQTT.Configured() {
		logger.Info("mqtt publishing enabled", "broker", cfg.MQTT.Address(), "client_id", clientID)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	notifier := newSystemdNotifier(logger)

	n, err := node.New(cfg, entries, node.Deps{
		Station:     station,
		AccessPoint: ap,
		Client:      client,
		NewRadio: func(ignore *beacon.IgnoreList, onAdvert func(beacon.Advertisement)) (scan.Radio, error) {
			return scan.NewBluetoothRadio(bluetooth.DefaultAdapter, ignore, onAdvert, logger.With("component", "radio"))
		},
		Heartbeat: notifier.Heartbeat,
		OnFallback: func(context.Context) {
			logger.Warn("configuration portal available on fallback access point",
				"ap_ssid", cfg.Network.APSSID,
				"portal_port", cfg.Portal.Port,
			)
		},
	}, bus, logger)
	if err != nil {
		return err
	}

	if nm != nil {
		go nm.Run(ctx, cfg.Network.CheckInterval)
	}

	// --- Portal ---
	var restarted atomic.Bool
	server := portal.New(n, st, portal.Options{
		Address:      cfg.Portal.Address,
		Port:         cfg.Portal.Port,
		PasswordHash: cfg.Portal.PasswordHash,
		MaxConns:     cfg.Portal.MaxConns,
		Config:       cfg,
		Restart: func() {
			restarted.Store(true)
			cancel()
		},
		Bus:    bus,
		Logger: logger.With("component", "portal"),
	})
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("portal failed", "error", err)
		}
	}()

	notifier.Ready()

	runErr := n.Run(ctx, shutdownTimeout)
	logger.Info("shutdown signal received")
	notifier.Stopping()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("portal shutdown failed", "error", err)
	}

	if runErr != nil {
		return fmt.Errorf("node: %w", runErr)
	}
	if restarted.Load() {
		return errRestart
	}

	logger.Info("blescanner stopped")
	return nil
}
