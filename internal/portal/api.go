package portal

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/nugget/blescanner/internal/config"
	"github.com/nugget/blescanner/internal/store"
)

// maxBodyBytes caps request bodies accepted by the API.
const maxBodyBytes = 64 << 10

// handleStatus handles GET /api/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.node.Status(r.Context())
	if err != nil {
		errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, st)
}

// settingsResponse is the body of GET /api/settings.
type settingsResponse struct {
	Settings        map[string]any `json:"settings"`
	RestartRequired bool           `json:"restart_required"`
}

// handleGetSettings handles GET /api/settings. The document reflects
// saved overrides, which take effect on the next start, with secrets
// replaced by a placeholder.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	doc, err := s.effectiveSettings()
	if err != nil {
		s.logger.Error("settings load failed", "error", err)
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, settingsResponse{
		Settings:        doc,
		RestartRequired: s.restartRequired.Load(),
	})
}

// settingResponse is a single setting read from the effective
// configuration.
type settingResponse struct {
	Section string `json:"section,omitempty"`
	Key     string `json:"key"`
	Value   string `json:"value"`
}

// handleGetSetting handles GET /api/settings/{section}/{key} and
// GET /api/settings/{key} for top-level settings. Secrets read back as
// the placeholder.
func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	section, key := chi.URLParam(r, "section"), chi.URLParam(r, "key")

	raw, err := s.store.SettingsOverrides()
	if err != nil {
		s.logger.Error("settings load failed", "error", err)
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	cfg, err := s.configWith(raw)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	red := cfg.Redacted()
	value, ok := red.Get(section, key)
	if !ok {
		errorResponse(w, http.StatusNotFound, "unknown setting")
		return
	}
	jsonResponse(w, http.StatusOK, settingResponse{Section: section, Key: key, Value: value})
}

// handlePostSettings handles POST /api/settings. The body is a partial
// settings document (JSON or YAML) merged over any saved overrides.
// Placeholder secrets are dropped so the stored value is kept. A
// plaintext portal.password is stored as a bcrypt hash.
func (s *Server) handlePostSettings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	var patch map[string]any
	if err := yaml.Unmarshal(body, &patch); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid settings document: "+err.Error())
		return
	}
	if len(patch) == 0 {
		errorResponse(w, http.StatusBadRequest, "empty settings document")
		return
	}
	delete(patch, "devices")
	dropRedacted(patch)
	if err := hashPortalPassword(patch); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errEmptyPassword) {
			status = http.StatusBadRequest
		}
		errorResponse(w, status, err.Error())
		return
	}

	saved, err := s.savedOverrides()
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	merged := mergeSettings(saved, patch)

	doc, err := yaml.Marshal(merged)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if _, err := s.configWith(doc); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.SaveSettingsOverrides(doc); err != nil {
		s.logger.Error("settings save failed", "error", err)
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.restartRequired.Store(true)
	s.logger.Info("settings saved", "remote", r.RemoteAddr, "sections", len(patch))
	successResponse(w, "settings saved; restart to apply")
}

// handleGetDevices handles GET /api/devices.
func (s *Server) handleGetDevices(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, s.node.Devices())
}

// handlePostDevices handles POST /api/devices. It replaces the whole
// list; the new list is in effect for the next advertisement.
func (s *Server) handlePostDevices(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	entries, err := store.ParseDeviceJSON(body)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.SaveDevices(entries); err != nil {
		s.logger.Error("device save failed", "error", err)
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.node.ReloadDevices(entries)
	jsonResponse(w, http.StatusOK, entries)
}

// handleClearIgnored handles POST /api/ignored/clear.
func (s *Server) handleClearIgnored(w http.ResponseWriter, r *http.Request) {
	n := s.node.ClearIgnored()
	s.logger.Info("filter list cleared", "removed", n)
	jsonResponse(w, http.StatusOK, map[string]any{"cleared": n})
}

// handleReset handles POST /api/reset. The response is written before
// the restart is requested.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn("restart requested from portal", "remote", r.RemoteAddr)
	jsonResponse(w, http.StatusAccepted, map[string]any{
		"status":  "accepted",
		"message": "restarting",
	})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.opts.Restart()
	}()
}

func (s *Server) savedOverrides() (map[string]any, error) {
	raw, err := s.store.SettingsOverrides()
	if err != nil {
		return nil, fmt.Errorf("load overrides: %w", err)
	}
	out := map[string]any{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse overrides: %w", err)
	}
	return out, nil
}

// configWith returns a copy of the startup configuration with doc applied,
// validated.
func (s *Server) configWith(doc []byte) (*config.Config, error) {
	base := config.Default()
	if s.opts.Config != nil {
		c := *s.opts.Config
		base = &c
	}
	base.Devices = nil
	if err := base.ApplyOverrides(doc); err != nil {
		return nil, err
	}
	if err := base.Validate(); err != nil {
		return nil, err
	}
	return base, nil
}

// effectiveSettings renders the configuration the next start would use as
// a generic document. Going through YAML keeps durations as strings
// ("5s"), which is also what a POST must send.
func (s *Server) effectiveSettings() (map[string]any, error) {
	raw, err := s.store.SettingsOverrides()
	if err != nil {
		return nil, fmt.Errorf("load overrides: %w", err)
	}
	cfg, err := s.configWith(raw)
	if err != nil {
		return nil, err
	}
	red := cfg.Redacted()
	b, err := yaml.Marshal(&red)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	delete(doc, "devices")
	return doc, nil
}

// dropRedacted removes placeholder secrets from a settings patch.
func dropRedacted(m map[string]any) {
	for k, v := range m {
		switch v := v.(type) {
		case string:
			if config.IsRedacted(v) {
				delete(m, k)
			}
		case map[string]any:
			dropRedacted(v)
		}
	}
}

var errEmptyPassword = errors.New("portal password may not be blank")

// hashPortalPassword replaces portal.password with portal.password_hash.
func hashPortalPassword(patch map[string]any) error {
	portal, ok := patch["portal"].(map[string]any)
	if !ok {
		return nil
	}
	pw, ok := portal["password"]
	if !ok {
		return nil
	}
	delete(portal, "password")
	plain, _ := pw.(string)
	if plain == "" {
		return errEmptyPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash portal password: %w", err)
	}
	portal["password_hash"] = string(hash)
	return nil
}

// mergeSettings deep-merges patch over base and returns base.
func mergeSettings(base, patch map[string]any) map[string]any {
	for k, v := range patch {
		pm, pok := v.(map[string]any)
		bm, bok := base[k].(map[string]any)
		if pok && bok {
			base[k] = mergeSettings(bm, pm)
			continue
		}
		base[k] = v
	}
	return base
}
