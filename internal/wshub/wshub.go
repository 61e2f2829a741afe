// Package wshub implements the browser-facing WebSocket endpoint: it
// accepts loopback connections, demultiplexes inbound message types onto
// hub callbacks, and broadcasts events and commands to every open client.
// Each client gets a bounded outbound queue and a dedicated write-pump
// goroutine; a client that falls behind is dropped rather than allowed to
// stall broadcast to everyone else.
package wshub

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/daibug/daibug/internal/event"
	"github.com/daibug/daibug/internal/portbind"
)

// sendBuffer is the per-client outbound queue depth. A client whose queue
// fills is dropped rather than allowed to stall the ingestion path.
const sendBuffer = 256

// Handlers are the hub callbacks invoked for each recognized inbound
// message type.
type Handlers struct {
	OnBrowserEvent  func(source event.Source, level event.Level, payload event.Payload)
	OnInteraction   func(interactionType string, target, value, url *string, x, y *float64)
	OnTabInfo       func(tabID, tabURL, tabTitle string)
	OnStorageEvent  func(payload map[string]any)
	// ConsoleFilter returns the levels to send in a one-shot
	// set_console_filter command on connect, and whether the feature is
	// enabled at all.
	ConsoleFilter func() (levels []string, enabled bool)
}

type client struct {
	id     string
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

// Server is the WS endpoint. Zero value is not usable; use New.
type Server struct {
	handlers Handlers
	logger   *slog.Logger
	upgrader websocket.Upgrader

	ln   net.Listener
	srv  *http.Server
	port int

	mu      sync.RWMutex
	clients map[string]*client
}

func New(handlers Handlers, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		handlers: handlers,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// Start binds a loopback listener per the shared port policy and begins
// serving connections. skipPort is the HTTP endpoint's resolved port.
func (s *Server) Start(preferredPort, skipPort int) (int, error) {
	ln, port, err := portbind.Bind(preferredPort, skipPort)
	if err != nil {
		return 0, err
	}
	s.ln = ln
	s.port = port

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	s.srv = &http.Server{Handler: mux}

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ws server error", slog.String("error", err.Error()))
		}
	}()

	return port, nil
}

// Port returns the resolved listening port.
func (s *Server) Port() int { return s.port }

// ConnectedClients returns the count of clients whose handshake completed.
func (s *Server) ConnectedClients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close terminates all clients and stops accepting new connections.
func (s *Server) Close() {
	if s.srv != nil {
		_ = s.srv.Close()
	}
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[string]*client)
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

// Broadcast writes v as one JSON frame to every open client. Slow clients
// are collected while iterating and dropped only after the read lock is
// released, so a full send buffer never blocks the caller on the same lock
// dropClient needs to acquire.
func (s *Server) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("broadcast marshal failed", slog.String("error", err.Error()))
		return
	}

	s.mu.RLock()
	snapshot := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		snapshot = append(snapshot, c)
	}
	s.mu.RUnlock()

	var slow []*client
	for _, c := range snapshot {
		if !s.sendTo(c, data) {
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		s.logger.Warn("client send buffer full, dropping slow client", slog.String("client", c.id))
		s.dropClient(c)
	}
}

// sendTo returns false when c's send buffer is full and it should be
// dropped by the caller.
func (s *Server) sendTo(c *client, data []byte) bool {
	select {
	case c.sendCh <- data:
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	c.conn.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		id:     uuid.New().String(),
		conn:   conn,
		sendCh: make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	go s.writePump(c)

	if s.handlers.ConsoleFilter != nil {
		if levels, enabled := s.handlers.ConsoleFilter(); enabled {
			data, _ := json.Marshal(map[string]any{
				"type":    "command",
				"command": "set_console_filter",
				"include": levels,
			})
			s.sendTo(c, data)
		}
	}

	s.readLoop(c)
}

func (s *Server) writePump(c *client) {
	defer func() {
		c.once.Do(func() { close(c.done) })
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.sendCh:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *Server) readLoop(c *client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		c.once.Do(func() { close(c.done) })
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		s.dispatch(data)
	}
}

// inbound is the union of every recognized inbound message shape (spec
// §4.9); unrecognized/unparseable frames are dropped silently per the
// ingestion-path error policy (spec §7).
type inbound struct {
	Type    string          `json:"type"`
	Source  string          `json:"source"`
	Level   string          `json:"level"`
	Payload json.RawMessage `json:"payload"`

	InteractionType string   `json:"interactionType"`
	Target          *string  `json:"target"`
	Value           *string  `json:"value"`
	URL             *string  `json:"url"`
	X               *float64 `json:"x"`
	Y               *float64 `json:"y"`

	TabID    string `json:"tabId"`
	TabURL   string `json:"tabUrl"`
	TabTitle string `json:"tabTitle"`
}

func (s *Server) dispatch(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug("dropping malformed ws frame", slog.String("error", err.Error()))
		return
	}

	msgType := msg.Type
	if msgType == "" && msg.Source != "" && msg.Level != "" {
		// Legacy: a bare {source, level, payload} object.
		msgType = "browser_event"
	}

	switch msgType {
	case "browser_event":
		s.dispatchBrowserEvent(msg)
	case "browser_interaction":
		if s.handlers.OnInteraction != nil {
			s.handlers.OnInteraction(msg.InteractionType, msg.Target, msg.Value, msg.URL, msg.X, msg.Y)
		}
	case "browser_tab_info":
		if s.handlers.OnTabInfo != nil {
			s.handlers.OnTabInfo(msg.TabID, msg.TabURL, msg.TabTitle)
		}
	case "browser_storage":
		if s.handlers.OnStorageEvent != nil {
			var payload map[string]any
			if err := json.Unmarshal(msg.Payload, &payload); err == nil {
				s.handlers.OnStorageEvent(payload)
			}
		}
	default:
		// Unknown type: silently dropped.
	}
}

func (s *Server) dispatchBrowserEvent(msg inbound) {
	if s.handlers.OnBrowserEvent == nil {
		return
	}
	var payload map[string]any
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			s.logger.Debug("dropping browser_event with invalid payload", slog.String("error", err.Error()))
			return
		}
	}
	if payload == nil {
		payload = map[string]any{}
	}
	s.handlers.OnBrowserEvent(event.Source(msg.Source), event.Level(msg.Level), payload)
}
