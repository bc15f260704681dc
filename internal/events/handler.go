package events

import (
	"context"
	"log/slog"
)

// Handler is an [slog.Handler] that forwards every record it receives to
// a wrapped handler and also publishes it on a Bus as a KindLog event.
// Publishing never blocks the caller.
type Handler struct {
	next  slog.Handler
	bus   *Bus
	attrs []slog.Attr
	group string
}

// NewHandler tees records from next onto bus.
func NewHandler(next slog.Handler, bus *Bus) *Handler {
	return &Handler{next: next, bus: bus}
}

// Enabled reports whether the wrapped handler accepts level.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle publishes r to the bus and passes it on.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	data := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		h.put(data, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.put(data, a)
		return true
	})
	if len(data) == 0 {
		data = nil
	}

	h.bus.Publish(Event{
		Timestamp: r.Time,
		Source:    SourceLog,
		Kind:      KindLog,
		Level:     levelName(r.Level),
		Message:   r.Message,
		Data:      data,
	})
	return h.next.Handle(ctx, r)
}

// WithAttrs returns a handler carrying attrs on every record.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.next = h.next.WithAttrs(attrs)
	c.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &c
}

// WithGroup returns a handler that prefixes keys with name.
func (h *Handler) WithGroup(name string) slog.Handler {
	c := *h
	c.next = h.next.WithGroup(name)
	if c.group != "" {
		c.group += "." + name
	} else {
		c.group = name
	}
	return &c
}

func (h *Handler) put(data map[string]any, a slog.Attr) {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	data[key] = a.Value.Resolve().Any()
}

func levelName(l slog.Level) string {
	if l < slog.LevelDebug {
		return "TRACE"
	}
	return l.String()
}
