// Package scan runs the radio's scan duty cycle. The [Scheduler] starts a
// fixed-length scan when the network is up, devices are configured and the
// radio is idle, then publishes a telemetry report once the scan ends.
package scan

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/nugget/blescanner/internal/buildinfo"
	"github.com/nugget/blescanner/internal/events"
	"github.com/nugget/blescanner/internal/message"
	"github.com/nugget/blescanner/internal/presence"
)

// Radio performs timed scans. onComplete is called from the radio's own
// goroutine with the number of unique sources seen.
type Radio interface {
	Start(ctx context.Context, duration time.Duration, onComplete func(results int)) error
	IsScanning() bool
	ClearResults()
}

// Registry reports how many devices are configured.
type Registry interface {
	Len() int
}

// Counters is the part of the presence pipeline the scheduler resets
// between scans.
type Counters interface {
	ResetCounters() presence.Counters
}

// Options configures a Scheduler.
type Options struct {
	// Duration is the length of each scan.
	Duration time.Duration

	// Interval is the minimum period between scan starts.
	Interval time.Duration

	// TelemetryTopic receives the report published after every scan.
	TelemetryTopic string

	// NetworkUp gates scan starts. Nil means always up.
	NetworkUp func() bool

	// Post delivers the completion closure to the owning goroutine.
	// Required.
	Post func(func())

	Bus    *events.Bus
	Logger *slog.Logger
}

// Status is a snapshot of the scheduler for the status page.
type Status struct {
	Scanning    bool              `json:"scanning"`
	Scans       int               `json:"scans"`
	LastStart   time.Time         `json:"last_start,omitzero"`
	LastResults int               `json:"last_results"`
	LastCounts  presence.Counters `json:"last_counts"`
}

// Scheduler decides when to scan. Tick and the completion closures it
// posts must run on the same goroutine.
type Scheduler struct {
	radio    Radio
	registry Registry
	counters Counters
	pub      presence.Publisher
	opts     Options
	logger   *slog.Logger

	started     bool
	scanning    bool
	lastStart   time.Time
	warnedEmpty bool
	scans       int
	lastResults int
	lastCounts  presence.Counters
}

// New creates a scheduler.
func New(radio Radio, reg Registry, counters Counters, pub presence.Publisher, opts Options) *Scheduler {
	if opts.Duration <= 0 {
		opts.Duration = 5 * time.Second
	}
	if opts.NetworkUp == nil {
		opts.NetworkUp = func() bool { return true }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		radio:    radio,
		registry: reg,
		counters: counters,
		pub:      pub,
		opts:     opts,
		logger:   opts.Logger,
	}
}

// Tick starts a scan if one is due.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	if !s.opts.NetworkUp() {
		return
	}
	if s.registry.Len() == 0 {
		if !s.warnedEmpty {
			s.logger.Info("No devices set up. Not scanning.")
			s.warnedEmpty = true
		}
		return
	}
	s.warnedEmpty = false

	// The radio goes idle before its completion closure has run here;
	// the next scan waits for that closure to clear results.
	if s.scanning || s.radio.IsScanning() {
		return
	}
	if s.started && now.Before(s.lastStart.Add(s.opts.Interval)) {
		return
	}

	s.started = true
	s.lastStart = now
	err := s.radio.Start(ctx, s.opts.Duration, func(results int) {
		s.opts.Post(func() { s.complete(ctx, results) })
	})
	if err != nil {
		s.logger.Warn("scan failed to start", "error", err)
		return
	}
	s.scanning = true

	s.logger.Debug("scan started", "duration", s.opts.Duration)
	s.opts.Bus.Publish(events.Event{
		Source: events.SourceScan,
		Kind:   events.KindScanStart,
		Data:   map[string]any{"duration_ms": s.opts.Duration.Milliseconds()},
	})
}

func (s *Scheduler) complete(ctx context.Context, results int) {
	defer func() { s.scanning = false }()
	s.scans++
	s.lastResults = results

	if s.pub.Connected() {
		payload, err := message.Telemetry{
			ResultsLastScan: results,
			FreeHeap:        freeHeap(),
			Uptime:          int64(buildinfo.Uptime().Seconds()),
		}.Marshal()
		if err != nil {
			s.logger.Error("telemetry encode failed", "error", err)
		} else if err := s.pub.Publish(ctx, s.opts.TelemetryTopic, payload, false); err != nil {
			s.logger.Warn("telemetry publish failed", "error", err)
		}
	}

	s.radio.ClearResults()
	s.lastCounts = s.counters.ResetCounters()

	s.logger.Info("scan complete",
		"results", results,
		"seen", s.lastCounts.Seen,
		"matched", s.lastCounts.Matched,
		"published", s.lastCounts.Published,
	)
	s.opts.Bus.Publish(events.Event{
		Source: events.SourceScan,
		Kind:   events.KindScanComplete,
		Data: map[string]any{
			"results":   results,
			"seen":      s.lastCounts.Seen,
			"matched":   s.lastCounts.Matched,
			"published": s.lastCounts.Published,
		},
	})
}

// Status returns a snapshot. It must be called on the owning goroutine.
func (s *Scheduler) Status() Status {
	return Status{
		Scanning:    s.scanning || s.radio.IsScanning(),
		Scans:       s.scans,
		LastStart:   s.lastStart,
		LastResults: s.lastResults,
		LastCounts:  s.lastCounts,
	}
}

// freeHeap reports heap memory held by the runtime but not in use.
func freeHeap() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapIdle - ms.HeapReleased
}
