// Package portal serves the node's status and configuration web portal:
// HTML pages for people, a small JSON API for the pages and scripts, a
// live log over WebSocket and, while the access point fallback is
// active, a QR code for joining it.
package portal

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/net/netutil"

	"github.com/nugget/blescanner/internal/config"
	"github.com/nugget/blescanner/internal/events"
	"github.com/nugget/blescanner/internal/node"
	"github.com/nugget/blescanner/internal/registry"
)

// Node is the running node as seen by the portal.
type Node interface {
	Status(ctx context.Context) (node.Status, error)
	Devices() []registry.Entry
	ReloadDevices(entries []registry.Entry)
	ClearIgnored() int
	Fallback() bool
	AccessPointCredentials() (ssid, password string)
}

// Store persists portal edits.
type Store interface {
	SaveDevices(entries []registry.Entry) error
	SettingsOverrides() ([]byte, error)
	SaveSettingsOverrides(doc []byte) error
}

// Options configures a Server.
type Options struct {
	Address string
	Port    int

	// PasswordHash is a bcrypt hash guarding mutating requests. Empty
	// disables authentication.
	PasswordHash string

	// MaxConns caps simultaneous connections. Zero means no limit.
	MaxConns int

	// Config is the configuration the node was started with.
	Config *config.Config

	// Restart is called after a reset request has been answered.
	Restart func()

	Bus    *events.Bus
	Logger *slog.Logger
}

// Server is the portal HTTP server.
type Server struct {
	node      Node
	store     Store
	opts      Options
	logger    *slog.Logger
	templates map[string]*template.Template

	mu     sync.Mutex
	server *http.Server
	closed bool

	restartRequired atomic.Bool
}

// authUser is the basic-auth user name.
const authUser = "admin"

// New creates a portal server. It is not started.
func New(n Node, store Store, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Restart == nil {
		opts.Restart = func() {}
	}
	return &Server{
		node:      n,
		store:     store,
		opts:      opts,
		logger:    opts.Logger,
		templates: loadTemplates(),
	}
}

// Handler returns the portal's routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.withLogging)

	r.Get("/", s.handleStatusPage)
	r.Get("/devices", s.handleDevicesPage)
	r.Get("/qr.png", s.handleQR)
	r.Get("/ws", s.handleWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/devices", s.handleGetDevices)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Get("/settings", s.handleGetSettings)
			r.Get("/settings/{key}", s.handleGetSetting)
			r.Get("/settings/{section}/{key}", s.handleGetSetting)
			r.Post("/settings", s.handlePostSettings)
			r.Post("/devices", s.handlePostDevices)
			r.Post("/ignored/clear", s.handleClearIgnored)
			r.Post("/reset", s.handleReset)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/settings", s.handleSettingsPage)
	})

	return r
}

// Start begins serving portal requests. It blocks until the server is
// shut down or fails, returning [http.ErrServerClosed] after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.opts.Address, s.opts.Port)
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("portal listen: %w", err)
	}
	if s.opts.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.opts.MaxConns)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return http.ErrServerClosed
	}
	s.server = srv
	s.mu.Unlock()

	bind := s.opts.Address
	if bind == "" {
		bind = "0.0.0.0"
	}
	s.logger.Info("starting portal", "address", bind, "port", s.opts.Port, "max_conns", s.opts.MaxConns)
	return srv.Serve(ln)
}

// Shutdown gracefully stops the server. It may run concurrently with
// Start; a Start that has not begun serving yet returns
// [http.ErrServerClosed] without serving.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("portal request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start),
		)
	})
}

// requireAuth enforces HTTP basic auth when a password hash is set.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.PasswordHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if ok &&
			subtle.ConstantTimeCompare([]byte(user), []byte(authUser)) == 1 &&
			bcrypt.CompareHashAndPassword([]byte(s.opts.PasswordHash), []byte(pass)) == nil {
			next.ServeHTTP(w, r)
			return
		}
		s.logger.Warn("portal auth failed", "remote", r.RemoteAddr, "path", r.URL.Path)
		w.Header().Set("WWW-Authenticate", `Basic realm="blescanner"`)
		errorResponse(w, http.StatusUnauthorized, "authentication required")
	})
}

// Response helpers

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]any{
		"error": message,
		"code":  status,
	})
}

func successResponse(w http.ResponseWriter, message string) {
	jsonResponse(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"message": message,
	})
}
