// Package httpapi implements the hub's read/control HTTP endpoint: a chi
// router wrapped with request-id, structured-logging, timeout, panic
// recovery, and OpenTelemetry middleware.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/daibug/daibug/internal/config"
	"github.com/daibug/daibug/internal/event"
	"github.com/daibug/daibug/internal/huberr"
	"github.com/daibug/daibug/internal/mw"
	"github.com/daibug/daibug/internal/portbind"
	"github.com/daibug/daibug/internal/session"
	"github.com/daibug/daibug/internal/tabs"
	"github.com/daibug/daibug/internal/watch"
)

// Status is the payload for GET /status.
type Status struct {
	ConnectedClients    int     `json:"connectedClients"`
	IsDevServerRunning  bool    `json:"isDevServerRunning"`
	DetectedFramework   string  `json:"detectedFramework"`
	UptimeSeconds       float64 `json:"uptimeSeconds"`
}

// SessionStatus is the payload for GET /session.
type SessionStatus struct {
	Active  bool             `json:"active"`
	Summary *session.Summary `json:"summary,omitempty"`
}

// Deps decouples the router from the hub's concrete type; the hub
// implements every field's function value against its own state.
type Deps struct {
	Events        func(source, level string, limit int) ([]event.Event, int)
	Status        func() Status
	Ports         func() (httpPort, wsPort int)
	Tabs          func() []tabs.Info
	WatchRules    func() []*watch.Rule
	WatchedEvents func() []watch.WatchedEvent
	Config        func() *config.Config
	SessionStatus func() SessionStatus
	Command       func(command string) error
	Diagnostics   func() map[string]any
}

// Server owns the HTTP listener and router.
type Server struct {
	deps   Deps
	logger *slog.Logger
	ln     net.Listener
	srv    *http.Server
	port   int
}

func New(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{deps: deps, logger: logger}
}

// Start binds a loopback listener per the shared port policy and begins
// serving. skipPort is the WS endpoint's resolved port.
func (s *Server) Start(preferredPort, skipPort int) (int, error) {
	ln, port, err := portbind.Bind(preferredPort, skipPort)
	if err != nil {
		return 0, err
	}
	s.ln = ln
	s.port = port

	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Use(mw.Logging(s.logger))
	r.Use(mw.Timeout(30 * time.Second))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "daibug-http")
	})

	r.Get("/events", s.handleEvents)
	r.Get("/status", s.handleStatus)
	r.Get("/ports", s.handlePorts)
	r.Get("/tabs", s.handleTabs)
	r.Get("/watch-rules", s.handleWatchRules)
	r.Get("/watched-events", s.handleWatchedEvents)
	r.Get("/config", s.handleConfig)
	r.Get("/session", s.handleSession)
	r.Get("/diagnostics", s.handleDiagnostics)
	r.Post("/command", s.handleCommand)

	s.srv = &http.Server{Handler: r}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", slog.String("error", err.Error()))
		}
	}()

	return port, nil
}

// Port returns the resolved listening port.
func (s *Server) Port() int { return s.port }

// Close stops accepting connections and drains the listener.
func (s *Server) Close() {
	if s.srv != nil {
		_ = s.srv.Close()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	events, total := s.deps.Events(q.Get("source"), q.Get("level"), limit)
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "total": total})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Status())
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	httpPort, wsPort := s.deps.Ports()
	writeJSON(w, http.StatusOK, map[string]int{"httpPort": httpPort, "wsPort": wsPort})
}

func (s *Server) handleTabs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tabs": s.deps.Tabs()})
}

func (s *Server) handleWatchRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rules": s.deps.WatchRules()})
}

func (s *Server) handleWatchedEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"events": s.deps.WatchedEvents()})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Config())
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.SessionStatus())
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Diagnostics())
}

type commandRequest struct {
	Command string `json:"command"`
}

var validCommands = map[string]struct{}{
	"snapshot_dom":    {},
	"capture_react":   {},
	"capture_storage": {},
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if _, ok := validCommands[req.Command]; !ok {
		writeError(w, http.StatusBadRequest, "unknown command: "+req.Command)
		return
	}
	if err := s.deps.Command(req.Command); err != nil {
		if he, ok := err.(*huberr.Error); ok {
			writeError(w, he.HTTPStatusCode(), he.Message)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}
