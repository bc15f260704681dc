package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/nugget/blescanner/internal/config"
	"github.com/nugget/blescanner/internal/events"
	"github.com/nugget/blescanner/internal/node"
	"github.com/nugget/blescanner/internal/registry"
)

const testUUID = "e2c56db5-dffb-48d2-b060-d0f5a71096e0"

type fakeNode struct {
	mu       sync.Mutex
	devices  []registry.Entry
	reloaded int
	cleared  int
	fallback bool
}

func (f *fakeNode) Status(context.Context) (node.Status, error) {
	return node.Status{
		Room:    "kitchen",
		Version: "test",
		Started: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Uptime:  75,
		Network: "connected",
		Broker:  "connected",
		Devices: []registry.DeviceStatus{{ID: testUUID, Name: "phone", Distance: 1.5, Samples: 3}},
	}, nil
}

func (f *fakeNode) Devices() []registry.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]registry.Entry(nil), f.devices...)
}

func (f *fakeNode) ReloadDevices(entries []registry.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = entries
	f.reloaded++
}

func (f *fakeNode) ClearIgnored() int {
	f.cleared++
	return 4
}

func (f *fakeNode) Fallback() bool { return f.fallback }

func (f *fakeNode) AccessPointCredentials() (string, string) {
	return "blescanner", "password1"
}

type fakeStore struct {
	devices   []registry.Entry
	overrides []byte
}

func (f *fakeStore) SaveDevices(entries []registry.Entry) error {
	f.devices = entries
	return nil
}

func (f *fakeStore) SettingsOverrides() ([]byte, error) { return f.overrides, nil }

func (f *fakeStore) SaveSettingsOverrides(doc []byte) error {
	f.overrides = doc
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Device.Room = "kitchen"
	cfg.Network.SSID = "home"
	cfg.Network.Password = "wifi-secret"
	cfg.MQTT.Host = "broker.local"
	cfg.MQTT.Password = "mqtt-secret"
	return cfg
}

func newTestServer(t *testing.T, opts Options) (*Server, *fakeNode, *fakeStore) {
	t.Helper()
	n := &fakeNode{devices: []registry.Entry{{ID: testUUID, Name: "phone"}}}
	st := &fakeStore{}
	if opts.Config == nil {
		opts.Config = testConfig()
	}
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(n, st, opts), n, st
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestStatusAPI(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})
	w := do(t, s.Handler(), "GET", "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got node.Status
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Room != "kitchen" || len(got.Devices) != 1 {
		t.Errorf("status = %+v", got)
	}
}

func TestStatusPage(t *testing.T) {
	s, n, _ := newTestServer(t, Options{})
	h := s.Handler()

	w := do(t, h, "GET", "/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET / status = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{"<!DOCTYPE html>", "kitchen", "phone", "1.50 m", "1m 15s", "started 2026-03-01 12:00:00 UTC"} {
		if !strings.Contains(body, want) {
			t.Errorf("GET / missing %q", want)
		}
	}
	if strings.Contains(body, "/qr.png") {
		t.Error("QR code shown outside fallback")
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("HX-Request", "true")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if strings.Contains(rec.Body.String(), "<!DOCTYPE html>") {
		t.Error("partial render included layout")
	}

	n.fallback = true
	if body := do(t, h, "GET", "/", "").Body.String(); !strings.Contains(body, "/qr.png") {
		t.Error("fallback banner missing QR code")
	}
}

func TestDevicesPage(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})
	w := do(t, s.Handler(), "GET", "/devices", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), testUUID+" phone") {
		t.Error("device list missing from page")
	}
}

func TestSettingsPage(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})
	w := do(t, s.Handler(), "GET", "/settings", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	if strings.Contains(body, "mqtt-secret") {
		t.Error("settings page leaked a secret")
	}
	if !strings.Contains(body, `value="broker.local"`) {
		t.Error("settings page missing mqtt host")
	}
}

func TestPostDevices(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		want     []registry.Entry
	}{
		{
			name:     "list",
			body:     `[{"uuid":"E2C56DB5DFFB48D2B060D0F5A71096E0","name":"watch","type":"wearable"}]`,
			wantCode: http.StatusOK,
			want:     []registry.Entry{{ID: testUUID, Name: "watch", Type: "wearable"}},
		},
		{
			name:     "legacy map",
			body:     `{"device_uuid1":"` + testUUID + `","device_name1":"keys"}`,
			wantCode: http.StatusOK,
			want:     []registry.Entry{{ID: testUUID, Name: "keys"}},
		},
		{
			name:     "bad uuid",
			body:     `[{"uuid":"nope","name":"watch"}]`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "missing name",
			body:     `[{"uuid":"` + testUUID + `"}]`,
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, n, st := newTestServer(t, Options{})
			w := do(t, s.Handler(), "POST", "/api/devices", tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantCode, w.Body.String())
			}
			if tt.wantCode != http.StatusOK {
				if n.reloaded != 0 || st.devices != nil {
					t.Error("rejected list was applied")
				}
				return
			}
			if diff := cmp.Diff(tt.want, st.devices); diff != "" {
				t.Errorf("stored devices mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.want, n.Devices()); diff != "" {
				t.Errorf("node devices mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGetSettings_Redacted(t *testing.T) {
	s, _, st := newTestServer(t, Options{})
	st.overrides = []byte("device:\n  room: hall\n")

	w := do(t, s.Handler(), "GET", "/api/settings", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "secret") {
		t.Errorf("settings leaked a secret: %s", w.Body.String())
	}

	var got settingsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if room := got.Settings["device"].(map[string]any)["room"]; room != "hall" {
		t.Errorf("room = %v, want saved override hall", room)
	}
	if ci := got.Settings["network"].(map[string]any)["check_interval"]; ci != "5s" {
		t.Errorf("check_interval = %v, want duration string 5s", ci)
	}
	if _, ok := got.Settings["devices"]; ok {
		t.Error("settings include the device list")
	}
}

func TestGetSetting(t *testing.T) {
	tests := []struct {
		path       string
		wantStatus int
		want       settingResponse
	}{
		{"/api/settings/device/room", http.StatusOK, settingResponse{Section: "device", Key: "room", Value: "hall"}},
		{"/api/settings/network/check_interval", http.StatusOK, settingResponse{Section: "network", Key: "check_interval", Value: "5s"}},
		{"/api/settings/mqtt/password", http.StatusOK, settingResponse{Section: "mqtt", Key: "password", Value: "********"}},
		{"/api/settings/data_dir", http.StatusOK, settingResponse{Key: "data_dir", Value: "./db"}},
		{"/api/settings/device/colour", http.StatusNotFound, settingResponse{}},
		{"/api/settings/devices", http.StatusNotFound, settingResponse{}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			s, _, st := newTestServer(t, Options{})
			st.overrides = []byte("device:\n  room: hall\n")

			w := do(t, s.Handler(), "GET", tt.path, "")
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var got settingResponse
			if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("setting mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPostSettings(t *testing.T) {
	s, _, st := newTestServer(t, Options{})
	h := s.Handler()

	body := `{"device":{"room":"hall"},"mqtt":{"password":"********","port":8883},"bluetooth":{"scan_time":"10s"}}`
	w := do(t, h, "POST", "/api/settings", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	// A second save merges with the first.
	w = do(t, h, "POST", "/api/settings", `{"mqtt":{"user":"scanner"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("second save status = %d: %s", w.Code, w.Body.String())
	}

	cfg := testConfig()
	if err := cfg.ApplyOverrides(st.overrides); err != nil {
		t.Fatalf("apply stored overrides: %v", err)
	}
	if cfg.Device.Room != "hall" || cfg.MQTT.Port != 8883 || cfg.MQTT.User != "scanner" {
		t.Errorf("overrides not applied: room=%q port=%d user=%q", cfg.Device.Room, cfg.MQTT.Port, cfg.MQTT.User)
	}
	if cfg.Bluetooth.ScanTime != 10*time.Second {
		t.Errorf("scan_time = %v, want 10s", cfg.Bluetooth.ScanTime)
	}
	if cfg.MQTT.Password != "mqtt-secret" {
		t.Errorf("mqtt password = %q, placeholder should keep the stored secret", cfg.MQTT.Password)
	}

	var resp settingsResponse
	json.Unmarshal(do(t, h, "GET", "/api/settings", "").Body.Bytes(), &resp)
	if !resp.RestartRequired {
		t.Error("restart_required = false after save")
	}
}

func TestPostSettings_Rejected(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not a document", `[1, 2`},
		{"empty", `{}`},
		{"bad port", `{"mqtt":{"port":70000}}`},
		{"bad driver", `{"storage":{"driver":"postgres"}}`},
		{"blank portal password", `{"portal":{"password":""}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, st := newTestServer(t, Options{})
			w := do(t, s.Handler(), "POST", "/api/settings", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", w.Code, w.Body.String())
			}
			if st.overrides != nil {
				t.Error("rejected settings were saved")
			}
		})
	}
}

func TestPostSettings_HashesPortalPassword(t *testing.T) {
	s, _, st := newTestServer(t, Options{})
	w := do(t, s.Handler(), "POST", "/api/settings", `{"portal":{"password":"hunter22"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if bytes.Contains(st.overrides, []byte("hunter22")) {
		t.Fatal("plaintext password stored")
	}
	var doc struct {
		Portal struct {
			PasswordHash string `yaml:"password_hash"`
		} `yaml:"portal"`
	}
	if err := yaml.Unmarshal(st.overrides, &doc); err != nil {
		t.Fatalf("parse overrides: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(doc.Portal.PasswordHash), []byte("hunter22")); err != nil {
		t.Errorf("stored hash does not match: %v", err)
	}
}

func TestAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("letmein"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	s, n, _ := newTestServer(t, Options{PasswordHash: string(hash)})
	h := s.Handler()

	if w := do(t, h, "GET", "/api/status", ""); w.Code != http.StatusOK {
		t.Errorf("status API should be open, got %d", w.Code)
	}

	w := do(t, h, "POST", "/api/ignored/clear", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", w.Code)
	}
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate header")
	}

	tests := []struct {
		user, pass string
		want       int
	}{
		{"admin", "wrong", http.StatusUnauthorized},
		{"root", "letmein", http.StatusUnauthorized},
		{"admin", "letmein", http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("POST", "/api/ignored/clear", nil)
		req.SetBasicAuth(tt.user, tt.pass)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s/%s: status = %d, want %d", tt.user, tt.pass, rec.Code, tt.want)
		}
	}
	if n.cleared != 1 {
		t.Errorf("cleared %d times, want 1", n.cleared)
	}
}

func TestClearIgnored(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})
	w := do(t, s.Handler(), "POST", "/api/ignored/clear", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got map[string]int
	json.Unmarshal(w.Body.Bytes(), &got)
	if got["cleared"] != 4 {
		t.Errorf("cleared = %d, want 4", got["cleared"])
	}
}

func TestReset(t *testing.T) {
	restarted := make(chan struct{})
	s, _, _ := newTestServer(t, Options{Restart: func() { close(restarted) }})

	w := do(t, s.Handler(), "POST", "/api/reset", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	select {
	case <-restarted:
	case <-time.After(2 * time.Second):
		t.Fatal("restart not requested")
	}
}

func TestQR(t *testing.T) {
	s, n, _ := newTestServer(t, Options{})
	h := s.Handler()

	if w := do(t, h, "GET", "/qr.png", ""); w.Code != http.StatusNotFound {
		t.Errorf("status outside fallback = %d, want 404", w.Code)
	}

	n.fallback = true
	w := do(t, h, "GET", "/qr.png", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")) {
		t.Error("body is not a PNG")
	}
}

func TestWifiURI(t *testing.T) {
	tests := []struct {
		ssid, password, want string
	}{
		{"blescanner", "password1", "WIFI:T:WPA;S:blescanner;P:password1;;"},
		{"open", "", "WIFI:T:nopass;S:open;;"},
		{`a;b`, `p:w,"x"\`, `WIFI:T:WPA;S:a\;b;P:p\:w\,\"x\"\\;;`},
	}
	for _, tt := range tests {
		if got := wifiURI(tt.ssid, tt.password); got != tt.want {
			t.Errorf("wifiURI(%q, %q) = %q, want %q", tt.ssid, tt.password, got, tt.want)
		}
	}
}

func TestMergeSettings(t *testing.T) {
	base := map[string]any{
		"mqtt":      map[string]any{"host": "a", "port": 1883},
		"log_level": "info",
	}
	patch := map[string]any{
		"mqtt":   map[string]any{"port": 8883},
		"device": map[string]any{"room": "hall"},
	}
	want := map[string]any{
		"mqtt":      map[string]any{"host": "a", "port": 8883},
		"device":    map[string]any{"room": "hall"},
		"log_level": "info",
	}
	if diff := cmp.Diff(want, mergeSettings(base, patch)); diff != "" {
		t.Errorf("mergeSettings mismatch (-want +got):\n%s", diff)
	}
}

func TestWebSocket_Backlog(t *testing.T) {
	bus := events.New(0)
	bus.Publish(events.Event{Source: events.SourceNetwork, Kind: events.KindStateChange, Message: "connected"})

	s, _, _ := newTestServer(t, Options{Bus: bus})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first events.Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read backlog: %v", err)
	}
	if first.Message != "connected" {
		t.Errorf("backlog message = %q, want connected", first.Message)
	}

	// Wait for the subscription before publishing live.
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	bus.Publish(events.Event{Source: events.SourceScan, Kind: events.KindScanStart, Message: "scan started"})

	var live events.Event
	if err := conn.ReadJSON(&live); err != nil {
		t.Fatalf("read live: %v", err)
	}
	if live.Kind != events.KindScanStart {
		t.Errorf("live kind = %q, want %q", live.Kind, events.KindScanStart)
	}
}

func TestShutdownBeforeStart(t *testing.T) {
	s, _, _ := newTestServer(t, Options{Address: "127.0.0.1"})

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, http.ErrServerClosed) {
		t.Errorf("Start() after Shutdown error = %v, want %v", err, http.ErrServerClosed)
	}
}

func TestShutdownConcurrentWithStart(t *testing.T) {
	s, _, _ := newTestServer(t, Options{Address: "127.0.0.1"})

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("Start() error = %v, want %v", err, http.ErrServerClosed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() still serving after Shutdown")
	}
}
