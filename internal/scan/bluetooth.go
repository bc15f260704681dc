package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/nugget/blescanner/internal/beacon"
)

// ErrScanning is returned by Start while a scan is already running.
var ErrScanning = errors.New("scan already running")

// BluetoothRadio scans with a tinygo bluetooth adapter. Every
// advertisement from a source not on the ignore list is handed to the
// advertisement callback, and the source address is added to the
// per-scan result set.
type BluetoothRadio struct {
	adapter  *bluetooth.Adapter
	ignore   *beacon.IgnoreList
	onAdvert func(beacon.Advertisement)
	logger   *slog.Logger

	scanning atomic.Bool

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewBluetoothRadio enables adapter and returns a radio that delivers
// advertisements to onAdvert. onAdvert runs on the adapter's callback
// goroutine and must not block.
func NewBluetoothRadio(adapter *bluetooth.Adapter, ignore *beacon.IgnoreList, onAdvert func(beacon.Advertisement), logger *slog.Logger) (*BluetoothRadio, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	return &BluetoothRadio{
		adapter:  adapter,
		ignore:   ignore,
		onAdvert: onAdvert,
		logger:   logger,
		seen:     make(map[string]struct{}),
	}, nil
}

// Start begins a scan that stops after duration or when ctx is done,
// then calls onComplete with the number of unique sources seen.
func (r *BluetoothRadio) Start(ctx context.Context, duration time.Duration, onComplete func(results int)) error {
	if !r.scanning.CompareAndSwap(false, true) {
		return ErrScanning
	}

	done := make(chan struct{})
	go func() {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		case <-done:
			return
		}
		if err := r.adapter.StopScan(); err != nil {
			r.logger.Debug("bluetooth stop scan failed", "error", err)
		}
	}()

	go func() {
		err := r.adapter.Scan(func(_ *bluetooth.Adapter, res bluetooth.ScanResult) {
			r.handle(res.Address.String(), int(res.RSSI), res.ManufacturerData())
		})
		close(done)
		if err != nil {
			r.logger.Warn("bluetooth scan ended with error", "error", err)
		}
		r.scanning.Store(false)
		onComplete(r.Results())
	}()
	return nil
}

// IsScanning reports whether a scan is running.
func (r *BluetoothRadio) IsScanning() bool {
	return r.scanning.Load()
}

// Results returns the number of unique sources seen since the last
// ClearResults.
func (r *BluetoothRadio) Results() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

// ClearResults empties the per-scan result set.
func (r *BluetoothRadio) ClearResults() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.seen)
}

// handle converts one scan result into advertisements. Each manufacturer
// data element is reassembled into its raw on-air form: the little-endian
// company id followed by the data. A result without manufacturer data
// yields one advertisement with an empty payload.
func (r *BluetoothRadio) handle(addr string, rssi int, mfr []bluetooth.ManufacturerDataElement) {
	addr = strings.ToUpper(addr)
	if r.ignore.Ignored(addr) {
		return
	}

	r.mu.Lock()
	r.seen[addr] = struct{}{}
	r.mu.Unlock()

	if len(mfr) == 0 {
		r.onAdvert(beacon.Advertisement{RSSI: rssi, Address: addr})
		return
	}
	for _, m := range mfr {
		payload := make([]byte, 0, 2+len(m.Data))
		payload = append(payload, byte(m.CompanyID), byte(m.CompanyID>>8))
		payload = append(payload, m.Data...)
		r.onAdvert(beacon.Advertisement{Payload: payload, RSSI: rssi, Address: addr})
	}
}
