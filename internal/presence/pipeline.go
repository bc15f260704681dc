// Package presence turns radio advertisements into presence events:
// decode, match against the device registry, smooth the distance and
// hand the result to the broker. Misses at any stage are ordinary
// control flow, not errors.
package presence

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/blescanner/internal/beacon"
	"github.com/nugget/blescanner/internal/config"
	"github.com/nugget/blescanner/internal/distance"
	"github.com/nugget/blescanner/internal/message"
	"github.com/nugget/blescanner/internal/registry"
)

// Publisher is the slice of the broker session the pipeline needs.
type Publisher interface {
	// Connected reports whether the broker session is up.
	Connected() bool
	// Publish sends payload to topic without waiting for delivery.
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
}

// Ignorer receives source addresses the radio should stop reporting.
type Ignorer interface {
	Ignore(addr string)
}

// Options control the optional filter-list bookkeeping.
type Options struct {
	// IgnoreNonBeacons adds sources of non-beacon advertisements to the
	// radio's filter list.
	IgnoreNonBeacons bool
	// IgnoreUnknownBeacons adds sources of beacons that are not in the
	// registry to the radio's filter list.
	IgnoreUnknownBeacons bool
}

// Counters are per-scan statistics.
type Counters struct {
	Seen      int64 `json:"seen"`
	Matched   int64 `json:"matched"`
	Published int64 `json:"published"`
}

// Pipeline processes advertisements one at a time, in delivery order.
type Pipeline struct {
	registry  *registry.Registry
	publisher Publisher
	ignorer   Ignorer
	topic     string
	opts      Options
	now       func() time.Time
	logger    *slog.Logger

	seen      atomic.Int64
	matched   atomic.Int64
	published atomic.Int64
}

// New creates a pipeline that publishes matches to topic. ignorer may be
// nil, in which case no filter-list bookkeeping happens.
func New(reg *registry.Registry, pub Publisher, ignorer Ignorer, topic string, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		registry:  reg,
		publisher: pub,
		ignorer:   ignorer,
		topic:     topic,
		opts:      opts,
		now:       time.Now,
		logger:    logger,
	}
}

// OnAdvertisement runs one advertisement through decode, lookup,
// smoothing and publish. Every advertisement updates the smoothing
// buffer independently, including repeats from the same source.
func (p *Pipeline) OnAdvertisement(ctx context.Context, adv beacon.Advertisement) {
	p.seen.Add(1)

	rec, ok := beacon.DecodeAdvertisement(adv)
	if !ok {
		if p.opts.IgnoreNonBeacons && p.ignorer != nil {
			p.ignorer.Ignore(adv.Address)
		}
		return
	}

	dev, ok := p.registry.Lookup(rec.ProximityID)
	if !ok {
		p.logger.Log(ctx, config.LevelTrace, "unknown beacon",
			"uuid", rec.ProximityID,
			"address", adv.Address,
			"rssi", adv.RSSI,
		)
		if p.opts.IgnoreUnknownBeacons && p.ignorer != nil {
			p.ignorer.Ignore(adv.Address)
		}
		return
	}
	p.matched.Add(1)

	raw := distance.Estimate(rec.ReferencePower, rec.MeasuredPower)
	smoothed := dev.Observe(raw, p.now())

	if !p.publisher.Connected() {
		p.logger.Debug("device seen but broker not connected",
			"name", dev.Name,
			"uuid", dev.ID,
			"distance", message.Round(smoothed, 3),
		)
		return
	}

	payload, err := message.Presence{
		ID:       dev.ID,
		Name:     dev.Name,
		Type:     dev.Type,
		Distance: smoothed,
	}.Marshal()
	if err != nil {
		p.logger.Error("marshal presence payload", "uuid", dev.ID, "error", err)
		return
	}

	if err := p.publisher.Publish(ctx, p.topic, payload, false); err != nil {
		p.logger.Warn("presence publish failed", "name", dev.Name, "error", err)
		return
	}
	p.published.Add(1)

	p.logger.Info("device seen",
		"name", dev.Name,
		"uuid", dev.ID,
		"rssi", rec.MeasuredPower,
		"tx_power", rec.ReferencePower,
		"raw", message.Round(raw, 3),
		"distance", message.Round(smoothed, 3),
	)
}

// Counters returns the statistics gathered since the last reset.
func (p *Pipeline) Counters() Counters {
	return Counters{
		Seen:      p.seen.Load(),
		Matched:   p.matched.Load(),
		Published: p.published.Load(),
	}
}

// ResetCounters zeroes the statistics and returns their previous values.
func (p *Pipeline) ResetCounters() Counters {
	return Counters{
		Seen:      p.seen.Swap(0),
		Matched:   p.matched.Swap(0),
		Published: p.published.Swap(0),
	}
}
