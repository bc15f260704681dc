// Package message defines the payloads this node publishes to the
// broker and the topics they go to. Downstream consumers depend on the
// JSON field names, so they are part of the external contract.
package message

import (
	"encoding/json"
	"math"
	"strings"
)

// Status payloads published retained on the status topic. The broker
// delivers StatusOffline as the last-will message when the session drops
// without a clean disconnect.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// DefaultTopicPrefix is the first topic level when none is configured.
const DefaultTopicPrefix = "ESP32 BLE Scanner"

// Presence reports a matched known device and its smoothed distance.
type Presence struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Type     string  `json:"type,omitempty"`
	Distance float64 `json:"distance"`
}

// Marshal serializes p with the distance rounded to millimeter precision.
func (p Presence) Marshal() ([]byte, error) {
	p.Distance = Round(p.Distance, 3)
	return json.Marshal(p)
}

// Telemetry is published after every completed scan.
type Telemetry struct {
	ResultsLastScan int    `json:"results_last_scan"`
	FreeHeap        uint64 `json:"free_heap"`
	Uptime          int64  `json:"uptime"`
}

// Marshal serializes t.
func (t Telemetry) Marshal() ([]byte, error) {
	return json.Marshal(t)
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

// Topics holds the per-room topic names.
type Topics struct {
	Scan      string `json:"scan"`
	Telemetry string `json:"telemetry"`
	Status    string `json:"status"`
}

// NewTopics builds the topic set for room under prefix:
// "<prefix>/Scan/<room>", "<prefix>/tele/<room>" and
// "<prefix>/Status/<room>". An empty prefix uses [DefaultTopicPrefix].
func NewTopics(prefix, room string) Topics {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	room = strings.Trim(strings.TrimSpace(room), "/")
	return Topics{
		Scan:      prefix + "/Scan/" + room,
		Telemetry: prefix + "/tele/" + room,
		Status:    prefix + "/Status/" + room,
	}
}
