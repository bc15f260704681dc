package network

import (
	"context"
	"log/slog"
)

// Unmanaged is used when the host manages its own networking. The link
// is always reported up and the access point is never raised.
type Unmanaged struct {
	Logger *slog.Logger
}

// Begin does nothing.
func (Unmanaged) Begin(context.Context, string, string) error { return nil }

// Connected always returns true.
func (Unmanaged) Connected() bool { return true }

// Start logs and returns nil.
func (u Unmanaged) Start(_ context.Context, ssid, _ string) error {
	logger := u.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("access point requested but networking is unmanaged", "ap_ssid", ssid)
	return nil
}
