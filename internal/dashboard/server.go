// Package dashboard provides a real-time WebSocket view of a tablesync store.
//
// The dashboard broadcasts committed operations and inbox outcomes to
// connected WebSocket clients, serves prometheus metrics and lets an
// operator browse table contents as JSON.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/steveyegge/tablesync/internal/store"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeApply indicates an operation was committed to a table
	MessageTypeApply MessageType = "apply"

	// MessageTypeInbox indicates an inbox file was applied or rejected
	MessageTypeInbox MessageType = "inbox"

	// MessageTypeStats indicates updated statistics
	MessageTypeStats MessageType = "stats"
)

// Message represents a dashboard broadcast message
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	store    *store.Store
	gatherer prometheus.Gatherer

	// WebSocket client management
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message
	welcome   func() Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *logrus.Entry
}

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: 127.0.0.1:8080). Use port 0 for a random
	// available port.
	Addr string

	// Store, when set, is served under /tables.
	Store *store.Store

	// Gatherer is served under /metrics (default: prometheus.DefaultGatherer)
	Gatherer prometheus.Gatherer

	// Logger for server activity
	Logger *logrus.Entry
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Addr:     "127.0.0.1:8080",
		Gatherer: prometheus.DefaultGatherer,
		Logger:   logrus.NewEntry(logrus.StandardLogger()),
	}
}

// NewServer creates a new dashboard server
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	addr := config.Addr
	if addr == "" {
		addr = DefaultConfig().Addr
	}
	gatherer := config.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	log := config.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      addr,
		store:     config.Store,
		gatherer:  gatherer,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		log:       log.WithField("component", "dashboard"),
	}
}

// Router builds the HTTP routes of the dashboard.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWebSocket)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/tables", s.handleTables)
	r.Get("/tables/{name}", s.handleTable)
	r.Get("/", s.handleRoot)
	return r
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Router(),
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.WithField("addr", ln.Addr().String()).Info("dashboard listening")
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithField("err", err).Error("server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.log.Info("dashboard stopped")
	return nil
}

// Broadcast sends a message to all connected clients. It never blocks; the
// message is dropped when the queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.log.Warn("broadcast channel full, dropping message")
	}
}

// SetWelcome sets the message sent to each client as it connects.
func (s *Server) SetWelcome(fn func() Message) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.welcome = fn
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				s.log.WithField("err", err).Warn("failed to marshal message")
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.log.WithField("err", err).Debug("failed to send to client")
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.log.WithField("err", err).Warn("websocket upgrade failed")
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	welcome := s.welcome
	s.clientsMu.Unlock()

	s.log.WithField("clients", clientCount).Debug("client connected")

	if welcome != nil {
		if data, err := json.Marshal(welcome()); err == nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			_ = conn.Write(ctx, websocket.MessageText, data)
			cancel()
		}
	}

	go s.readLoop(conn)
}

// readLoop keeps the connection open until the client goes away.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.log.WithField("clients", clientCount).Debug("client disconnected")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

type tableSummary struct {
	Name    string `json:"name"`
	Primary string `json:"primary"`
	Records int    `json:"records"`
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "no store attached", http.StatusServiceUnavailable)
		return
	}
	var out []tableSummary
	for _, name := range s.store.Tables() {
		t := s.store.Table(name)
		n, err := t.Count(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out = append(out, tableSummary{Name: name, Primary: t.Keys().Primary.String(), Records: n})
	}
	writeJSON(w, http.StatusOK, out)
}

type entryJSON struct {
	Key       any       `json:"key"`
	Record    any       `json:"record"`
	UpdatedAt time.Time `json:"updated_at"`
}

// handleTable lists records of one table. Query parameters: limit, and
// since as an RFC 3339 timestamp.
func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "no store attached", http.StatusServiceUnavailable)
		return
	}
	t := s.store.Table(chi.URLParam(r, "name"))
	if t == nil {
		http.Error(w, "unknown table", http.StatusNotFound)
		return
	}

	var opts store.ListOptions
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		opts.Limit = n
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		opts.Since = since
	}

	entries, err := t.List(r.Context(), opts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]entryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryJSON{Key: e.Key, Record: e.Record, UpdatedAt: e.UpdatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>tablesync</title>
</head>
<body>
    <h1>tablesync dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Tables: <a href="/tables">/tables</a></p>
    <p>Metrics: <a href="/metrics">/metrics</a></p>
    <p>Health check: <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
