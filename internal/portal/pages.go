package portal

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/nugget/blescanner/internal/buildinfo"
	"github.com/nugget/blescanner/internal/node"
	"github.com/nugget/blescanner/internal/registry"
)

//go:embed templates/*.html
var templateFiles embed.FS

var templateFuncs = template.FuncMap{
	"formatDuration": formatDuration,
	"formatDistance": formatDistance,
	"since":          since,
	"formatTime":     formatTime,
}

// loadTemplates parses the layout and each page template. Each page
// template is a clone of the layout with the page-specific blocks
// overridden. Panics on syntax errors so that startup fails fast.
func loadTemplates() map[string]*template.Template {
	layout := template.Must(
		template.New("layout.html").Funcs(templateFuncs).ParseFS(templateFiles, "templates/layout.html"),
	)

	pages := []string{"status.html", "settings.html", "devices.html"}
	result := make(map[string]*template.Template, len(pages))

	for _, page := range pages {
		t := template.Must(layout.Clone())
		template.Must(t.ParseFS(templateFiles, "templates/"+page))
		result[page] = t
	}

	return result
}

// render executes a named template. If the request has the HX-Request
// header, only the "content" block is rendered.
func (s *Server) render(w http.ResponseWriter, r *http.Request, name string, data any) {
	t, ok := s.templates[name]
	if !ok {
		http.Error(w, "template not found", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	block := "layout.html"
	if r.Header.Get("HX-Request") == "true" {
		block = "content"
	}

	if err := t.ExecuteTemplate(w, block, data); err != nil {
		s.logger.Error("template render failed", "template", name, "block", block, "error", err)
	}
}

// pageData is shared by every page.
type pageData struct {
	Title    string
	Nav      string
	Version  string
	Fallback bool
	APSSID   string
}

func (s *Server) page(title, nav string) pageData {
	ssid, _ := s.node.AccessPointCredentials()
	return pageData{
		Title:    title,
		Nav:      nav,
		Version:  buildinfo.Version,
		Fallback: s.node.Fallback(),
		APSSID:   ssid,
	}
}

type statusPage struct {
	pageData
	Status node.Status
	Error  string
}

func (s *Server) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	data := statusPage{pageData: s.page("Status", "status")}
	st, err := s.node.Status(r.Context())
	if err != nil {
		data.Error = err.Error()
	}
	data.Status = st
	s.render(w, r, "status.html", data)
}

type settingsPage struct {
	pageData
	Sections        map[string]map[string]any
	General         map[string]any
	RestartRequired bool
	Error           string
}

func (s *Server) handleSettingsPage(w http.ResponseWriter, r *http.Request) {
	data := settingsPage{
		pageData:        s.page("Settings", "settings"),
		RestartRequired: s.restartRequired.Load(),
	}
	doc, err := s.effectiveSettings()
	if err != nil {
		data.Error = err.Error()
	}
	data.Sections, data.General = splitSettings(doc)
	s.render(w, r, "settings.html", data)
}

type devicesPage struct {
	pageData
	Devices []registry.Entry
}

func (s *Server) handleDevicesPage(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, "devices.html", devicesPage{
		pageData: s.page("Devices", "devices"),
		Devices:  s.node.Devices(),
	})
}

// splitSettings separates a settings document into its sections and its
// top-level scalar values.
func splitSettings(doc map[string]any) (map[string]map[string]any, map[string]any) {
	sections := map[string]map[string]any{}
	general := map[string]any{}
	for k, v := range doc {
		if m, ok := v.(map[string]any); ok {
			sections[k] = m
			continue
		}
		general[k] = v
	}
	return sections, general
}

// formatDuration renders a duration in seconds as a human-readable string.
func formatDuration(secs int64) string {
	d := time.Duration(secs) * time.Second
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}

func formatDistance(m float64) string {
	return fmt.Sprintf("%.2f m", m)
}

func formatTime(t time.Time) string {
	return t.Format("2006-01-02 15:04:05 MST")
}

// since renders the age of t, or "never" for the zero time.
func since(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return formatDuration(int64(time.Since(t).Seconds())) + " ago"
}
