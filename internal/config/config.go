// Package config handles blescanner configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/blescanner/config.yaml,
// /etc/blescanner/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "blescanner", "config.yaml"))
	}

	paths = append(paths, "/etc/blescanner/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all blescanner configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device" json:"device"`
	Network   NetworkConfig   `yaml:"network" json:"network"`
	MQTT      MQTTConfig      `yaml:"mqtt" json:"mqtt"`
	Bluetooth BluetoothConfig `yaml:"bluetooth" json:"bluetooth"`
	Portal    PortalConfig    `yaml:"portal" json:"portal"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`

	// Devices seeds the device registry on first start. Once the
	// portal has saved a list to the store, the stored list wins.
	Devices []DeviceEntry `yaml:"devices" json:"devices,omitempty"`

	DataDir   string `yaml:"data_dir" json:"data_dir"`
	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`
}

// DeviceConfig identifies this node.
type DeviceConfig struct {
	// Room labels every topic this node publishes on.
	Room string `yaml:"room" json:"room"`
}

// NetworkConfig controls station-mode Wi-Fi supervision.
type NetworkConfig struct {
	// Driver selects how the link is managed: "nmcli" (NetworkManager)
	// or "none" when the host manages networking itself.
	Driver    string `yaml:"driver" json:"driver"`
	Interface string `yaml:"interface" json:"interface"`
	SSID      string `yaml:"ssid" json:"ssid"`
	Password  string `yaml:"password" json:"password"`
	Hostname  string `yaml:"hostname" json:"hostname"`

	// FailureThreshold is the number of consecutive failed station
	// attempts before the fallback access point is started.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// CheckInterval is the supervisor tick period.
	CheckInterval time.Duration `yaml:"check_interval" json:"check_interval"`

	// APSSID and APPassword configure the fallback access point. An
	// empty password starts an open network. APSSID defaults to Hostname.
	APSSID     string `yaml:"ap_ssid" json:"ap_ssid"`
	APPassword string `yaml:"ap_password" json:"ap_password"`

	// apSSIDFromHostname is set when APSSID was filled from Hostname
	// rather than configured.
	apSSIDFromHostname bool
}

// MQTTConfig defines broker connection settings.
type MQTTConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
	TLS      bool   `yaml:"tls" json:"tls"`

	// ClientID defaults to the network hostname, then to an id derived
	// from the persisted instance id.
	ClientID string `yaml:"client_id" json:"client_id"`

	// TopicPrefix is the first level of every topic.
	TopicPrefix string `yaml:"topic_prefix" json:"topic_prefix"`

	// ReconnectDelay is the fixed wait between a lost session and the
	// next connect attempt.
	ReconnectDelay time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`

	// KeepAlive is the MQTT keep-alive interval in seconds.
	KeepAlive int `yaml:"keepalive" json:"keepalive"`
}

// Configured reports whether a broker host has been set.
func (c MQTTConfig) Configured() bool {
	return c.Host != ""
}

// Address returns host:port.
func (c MQTTConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BluetoothConfig controls the scan duty cycle and filtering.
type BluetoothConfig struct {
	// ScanTime is the duration of each scan.
	ScanTime time.Duration `yaml:"scan_time" json:"scan_time"`

	// ScanInterval is the minimum period between scan starts. Zero
	// starts the next scan as soon as the previous one finishes. BlueZ
	// does not expose the radio's own scan interval or window.
	ScanInterval time.Duration `yaml:"scan_interval" json:"scan_interval"`

	// HistorySize is the number of distance samples averaged per device.
	HistorySize int `yaml:"history_size" json:"history_size"`

	// IgnoreNonBeacons stops the radio reporting sources whose
	// advertisements are not beacons.
	IgnoreNonBeacons bool `yaml:"ignore_non_beacons" json:"ignore_non_beacons"`

	// IgnoreUnknownBeacons stops the radio reporting beacons that are
	// not in the device registry. A device added later is not seen
	// again until the filter list is cleared.
	IgnoreUnknownBeacons bool `yaml:"ignore_unknown_beacons" json:"ignore_unknown_beacons"`
}

// PortalConfig defines the status and configuration web portal.
type PortalConfig struct {
	Address string `yaml:"address" json:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port" json:"port"`

	// PasswordHash is a bcrypt hash. When set, mutating endpoints
	// require HTTP basic auth with user "admin".
	PasswordHash string `yaml:"password_hash" json:"password_hash"`

	// MaxConns caps simultaneous portal connections.
	MaxConns int `yaml:"max_conns" json:"max_conns"`
}

// StorageConfig selects the SQLite driver.
type StorageConfig struct {
	// Driver is "sqlite3" (cgo, default) or "sqlite" (pure Go).
	Driver string `yaml:"driver" json:"driver"`
}

// DeviceEntry is a known device as written in the config file.
type DeviceEntry struct {
	UUID string `yaml:"uuid" json:"uuid"`
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type,omitempty" json:"type,omitempty"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero-value fields.
func (c *Config) applyDefaults() {
	if c.Network.Driver == "" {
		c.Network.Driver = "nmcli"
	}
	if c.Network.Interface == "" {
		c.Network.Interface = "wlan0"
	}
	if c.Network.Hostname == "" {
		c.Network.Hostname = "blescanner"
	}
	if c.Network.FailureThreshold <= 0 {
		c.Network.FailureThreshold = 10
	}
	if c.Network.CheckInterval <= 0 {
		c.Network.CheckInterval = 5 * time.Second
	}
	if c.Network.APSSID == "" {
		c.Network.APSSID = c.Network.Hostname
		c.Network.apSSIDFromHostname = true
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.ReconnectDelay <= 0 {
		c.MQTT.ReconnectDelay = 3 * time.Second
	}
	if c.MQTT.KeepAlive <= 0 {
		c.MQTT.KeepAlive = 30
	}
	if c.Bluetooth.ScanTime <= 0 {
		c.Bluetooth.ScanTime = 5 * time.Second
	}
	if c.Bluetooth.HistorySize <= 0 {
		c.Bluetooth.HistorySize = 30
	}
	if c.Portal.Port == 0 {
		c.Portal.Port = 80
	}
	if c.Portal.MaxConns <= 0 {
		c.Portal.MaxConns = 16
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite3"
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
}

// Validate checks the configuration for values that would make the node
// misbehave rather than merely idle.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format: unknown format %q (valid: text, json)", c.LogFormat)
	}
	switch c.Network.Driver {
	case "nmcli", "none":
	default:
		return fmt.Errorf("network.driver: unknown driver %q (valid: nmcli, none)", c.Network.Driver)
	}
	if c.Network.Driver == "nmcli" && c.Network.SSID == "" {
		return fmt.Errorf("network.ssid is required with the nmcli driver")
	}
	if p := c.Network.APPassword; p != "" && len(p) < 8 {
		return fmt.Errorf("network.ap_password must be at least 8 characters")
	}
	if c.MQTT.Configured() && strings.TrimSpace(c.Device.Room) == "" {
		return fmt.Errorf("device.room is required when mqtt.host is set")
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port)
	}
	if c.Bluetooth.ScanInterval < 0 {
		return fmt.Errorf("bluetooth.scan_interval must not be negative")
	}
	switch c.Storage.Driver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q (valid: sqlite3, sqlite)", c.Storage.Driver)
	}
	return nil
}

// ApplyOverrides merges a YAML (or JSON) document over the loaded
// configuration. It is how settings saved from the portal take effect on
// the next start. Fields absent from doc keep their current values.
func (c *Config) ApplyOverrides(doc []byte) error {
	if len(strings.TrimSpace(string(doc))) == 0 {
		return nil
	}
	// A derived access point name follows a hostname override.
	if c.Network.apSSIDFromHostname {
		c.Network.APSSID = ""
		c.Network.apSSIDFromHostname = false
	}
	err := yaml.Unmarshal(doc, c)
	c.applyDefaults()
	if err != nil {
		return fmt.Errorf("apply overrides: %w", err)
	}
	return nil
}

// Redacted returns a copy with secrets blanked, for display.
func (c *Config) Redacted() Config {
	out := *c
	out.Devices = append([]DeviceEntry(nil), c.Devices...)
	if out.Network.Password != "" {
		out.Network.Password = redactedValue
	}
	if out.Network.APPassword != "" {
		out.Network.APPassword = redactedValue
	}
	if out.MQTT.Password != "" {
		out.MQTT.Password = redactedValue
	}
	if out.Portal.PasswordHash != "" {
		out.Portal.PasswordHash = redactedValue
	}
	return out
}

const redactedValue = "********"

// IsRedacted reports whether v is the placeholder written by Redacted.
// The settings API uses it to keep a stored secret when a client posts
// the placeholder back unchanged.
func IsRedacted(v string) bool {
	return v == redactedValue
}

// Get reads a single setting by section and yaml key, rendered as a
// string. Top-level fields use an empty section.
func (c *Config) Get(section, key string) (string, bool) {
	v := reflect.ValueOf(c).Elem()
	if section != "" {
		f, ok := fieldByTag(v, section)
		if !ok || f.Kind() != reflect.Struct {
			return "", false
		}
		v = f
	}
	f, ok := fieldByTag(v, key)
	if !ok {
		return "", false
	}
	switch f.Kind() {
	case reflect.String:
		return f.String(), true
	case reflect.Bool:
		return strconv.FormatBool(f.Bool()), true
	case reflect.Int, reflect.Int64:
		if d, ok := f.Interface().(time.Duration); ok {
			return d.String(), true
		}
		return strconv.FormatInt(f.Int(), 10), true
	default:
		return "", false
	}
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		if tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}
