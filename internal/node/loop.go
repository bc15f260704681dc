// Package node assembles a presence node and runs it on a single
// goroutine. The [Loop] owns every stateful component; radio callbacks,
// broker callbacks and station events reach them only by posting a
// closure into the loop's inbox.
package node

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrStopped is returned by Post and Do once the loop has exited.
var ErrStopped = errors.New("node loop stopped")

// NetworkTicker is advanced on the slow supervision period.
type NetworkTicker interface {
	Tick(ctx context.Context)
}

// Ticker is advanced on the fast period.
type Ticker interface {
	Tick(ctx context.Context, now time.Time)
}

// LoopOptions configures a Loop.
type LoopOptions struct {
	// CheckInterval is the network supervision period. Defaults to 5s.
	CheckInterval time.Duration

	// FastInterval drives broker retries and scan scheduling.
	// Defaults to 1s.
	FastInterval time.Duration

	// InboxSize bounds queued callbacks. Defaults to 256.
	InboxSize int

	// Heartbeat, when set, is called on every fast tick.
	Heartbeat func()

	Logger *slog.Logger
}

// Loop serializes all work for a node onto one goroutine.
type Loop struct {
	opts   LoopOptions
	logger *slog.Logger
	inbox  chan func()
	done   chan struct{}

	dropped      atomic.Int64
	droppedTotal atomic.Int64
}

// NewLoop creates a loop. Callbacks may be posted before Run starts; they
// queue up to the inbox size.
func NewLoop(opts LoopOptions) *Loop {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 5 * time.Second
	}
	if opts.FastInterval <= 0 {
		opts.FastInterval = time.Second
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Loop{
		opts:   opts,
		logger: opts.Logger,
		inbox:  make(chan func(), opts.InboxSize),
		done:   make(chan struct{}),
	}
}

// TryPost queues f without blocking. It returns false, and counts the
// drop, when the inbox is full or the loop has stopped.
func (l *Loop) TryPost(f func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.inbox <- f:
		return true
	default:
		l.dropped.Add(1)
		l.droppedTotal.Add(1)
		return false
	}
}

// Post queues f, waiting for space in the inbox.
func (l *Loop) Post(ctx context.Context, f func()) error {
	select {
	case l.inbox <- f:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poster adapts Post for components that take a plain callback. Posts
// that fail because the loop stopped are discarded.
func (l *Loop) Poster() func(func()) {
	return func(f func()) {
		if err := l.Post(context.Background(), f); err != nil {
			l.logger.Debug("discarding callback", "error", err)
		}
	}
}

// Do runs f on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, f func()) error {
	finished := make(chan struct{})
	if err := l.Post(ctx, func() {
		defer close(finished)
		f()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of callbacks TryPost has dropped since start.
func (l *Loop) Dropped() int64 {
	return l.droppedTotal.Load()
}

// Run processes ticks and callbacks until ctx is cancelled. The network
// ticker is advanced once immediately.
func (l *Loop) Run(ctx context.Context, network NetworkTicker, fast ...Ticker) {
	defer close(l.done)

	l.logger.Info("node loop started",
		"check_interval", l.opts.CheckInterval,
		"fast_interval", l.opts.FastInterval,
	)

	slow := time.NewTicker(l.opts.CheckInterval)
	defer slow.Stop()
	quick := time.NewTicker(l.opts.FastInterval)
	defer quick.Stop()

	network.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("node loop stopped")
			return
		case <-slow.C:
			network.Tick(ctx)
		case now := <-quick.C:
			for _, t := range fast {
				t.Tick(ctx, now)
			}
			if n := l.dropped.Swap(0); n > 0 {
				l.logger.Warn("advertisements dropped, loop busy", "count", n)
			}
			if l.opts.Heartbeat != nil {
				l.opts.Heartbeat()
			}
		case f := <-l.inbox:
			f()
		}
	}
}
