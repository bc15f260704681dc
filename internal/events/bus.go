// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (network supervisor, broker
// manager, scan scheduler, presence pipeline) and from the process logger
// to subscribers such as the portal's live log. The bus is nil-safe:
// calling Publish on a nil *Bus is a no-op, so components do not need
// guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceLog identifies events teed from the process logger.
	SourceLog = "log"
	// SourceNetwork identifies events from the network supervisor.
	SourceNetwork = "network"
	// SourceBroker identifies events from the broker manager.
	SourceBroker = "broker"
	// SourceScan identifies events from the scan scheduler.
	SourceScan = "scan"
	// SourcePortal identifies events from the configuration portal.
	SourcePortal = "portal"
)

// Kind constants describe the type of event within a source.
const (
	// KindLog is a log record. Data holds the record's attributes.
	KindLog = "log"

	// KindStateChange signals a connection state transition.
	// Data: from, to.
	KindStateChange = "state_change"

	// KindFallback signals the access point fallback was started.
	// Data: ssid, failures.
	KindFallback = "fallback"

	// KindScanStart signals a scan began. Data: duration_ms.
	KindScanStart = "scan_start"
	// KindScanComplete signals a scan finished.
	// Data: results, seen, matched, published.
	KindScanComplete = "scan_complete"

	// KindDevicesChanged signals the device registry was replaced.
	// Data: count.
	KindDevicesChanged = "devices_changed"
)

// DefaultBacklog is the number of recent events kept for late subscribers.
const DefaultBacklog = 200

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Level is the log level name for KindLog events.
	Level string `json:"level,omitempty"`
	// Message is a human-readable summary.
	Message string `json:"msg,omitempty"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers. The most recent events are retained in a fixed
// ring so a new subscriber can replay what happened before it attached.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event

	backlog []Event
	head    int
	count   int
}

// New creates a new event bus retaining the last backlog events. A
// non-positive backlog uses DefaultBacklog.
func New(backlog int) *Bus {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
		backlog:    make([]Event, backlog),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.backlog[b.head] = e
	b.head = (b.head + 1) % len(b.backlog)
	if b.count < len(b.backlog) {
		b.count++
	}

	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop rather than block.
		}
	}
}

// Recent returns the retained events, oldest first.
func (b *Bus) Recent() []Event {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.recentLocked()
}

func (b *Bus) recentLocked() []Event {
	out := make([]Event, 0, b.count)
	start := (b.head - b.count + len(b.backlog)) % len(b.backlog)
	for i := range b.count {
		out = append(out, b.backlog[(start+i)%len(b.backlog)])
	}
	return out
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch, _ := b.subscribe(bufSize, false)
	return ch
}

// SubscribeWithBacklog is Subscribe plus a copy of the retained events
// taken atomically with the subscription, so no event is both replayed
// and delivered, and none falls between the two.
func (b *Bus) SubscribeWithBacklog(bufSize int) (<-chan Event, []Event) {
	return b.subscribe(bufSize, true)
}

func (b *Bus) subscribe(bufSize int, withBacklog bool) (<-chan Event, []Event) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	if !withBacklog {
		return ch, nil
	}
	return ch, b.recentLocked()
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
