// Blescanner is a room presence node. It scans for iBeacon
// advertisements, matches them against a list of known devices and
// publishes smoothed distance estimates to an MQTT broker. When the
// configured Wi-Fi network cannot be joined it raises its own access
// point so the web portal stays reachable.
//
// Usage:
//
//	blescanner serve                   Run the node
//	blescanner init [dir]              Initialize a working directory
//	blescanner import-devices <file>   Import a devices.json export
//	blescanner version                 Print version and build information
//	blescanner -o json version         Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nugget/blescanner/internal/buildinfo"
	"github.com/nugget/blescanner/internal/config"
	"github.com/nugget/blescanner/internal/events"
	"github.com/nugget/blescanner/internal/registry"
	"github.com/nugget/blescanner/internal/store"
)

// errRestart is returned by serve when a restart was requested from the
// portal. The process exits non-zero so the service manager starts it
// again.
var errRestart = errors.New("restart requested")

// main constructs the OS-level environment and delegates to [run], which
// keeps os.Exit, os.Stdout and os.Args out of the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand; the flag
// package's globals get in the way of calling run from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "import-devices":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: blescanner import-devices <file>")
		}
		return runImportDevices(stdout, configPath, cmdArgs[0], outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "blescanner - BLE room presence node")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: blescanner [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                  Run the node")
	fmt.Fprintln(w, "  init [dir]             Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  import-devices <file>  Replace the device list from a devices.json export")
	fmt.Fprintln(w, "  version                Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/blescanner/config.yaml, /etc/blescanner/config.yaml")
	return nil
}

// runImportDevices replaces the stored device list with the contents of a
// devices.json file. A running node picks the list up on its next start.
func runImportDevices(stdout io.Writer, configPath, file, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read devices: %w", err)
	}
	entries, err := store.ParseDeviceJSON(data)
	if err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.SaveDevices(entries); err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	fmt.Fprintf(stdout, "Imported %d devices from %s\n", len(entries), file)
	for _, e := range entries {
		fmt.Fprintf(stdout, "  %s  %s\n", e.ID, e.Name)
	}
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. When bus is non-nil every record is also published
// to it for the portal's live log.
func newLogger(w io.Writer, level slog.Level, format string, bus *events.Bus) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	if bus != nil {
		handler = events.NewHandler(handler, bus)
	}
	return slog.New(handler)
}

// loadConfig locates, parses and validates the YAML configuration file.
// Returns the parsed config, the path that was loaded and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// openStore opens the node database under the configured data directory.
func openStore(cfg *config.Config) (*store.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return store.Open(cfg.Storage.Driver, filepath.Join(cfg.DataDir, "blescanner.db"))
}

// applyStoredSettings merges settings saved from the portal over cfg.
func applyStoredSettings(cfg *config.Config, st *store.Store) error {
	doc, err := st.SettingsOverrides()
	if err != nil {
		return err
	}
	if len(doc) == 0 {
		return nil
	}
	if err := cfg.ApplyOverrides(doc); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("stored settings: %w", err)
	}
	return nil
}

// loadDevices returns the stored device list. An empty store is seeded
// from the config file's devices section.
func loadDevices(cfg *config.Config, st *store.Store, logger *slog.Logger) ([]registry.Entry, error) {
	entries, err := st.Devices()
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 || len(cfg.Devices) == 0 {
		return entries, nil
	}

	entries = make([]registry.Entry, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		entries = append(entries, registry.Entry{ID: d.UUID, Name: d.Name, Type: d.Type})
	}
	if err := registry.Validate(entries); err != nil {
		return nil, fmt.Errorf("config devices: %w", err)
	}
	if err := st.SaveDevices(entries); err != nil {
		return nil, err
	}
	logger.Info("device list seeded from config", "devices", len(entries))
	return entries, nil
}
