// Package dashboard serves the live monitoring endpoint: a WebSocket
// stream of reconcile and mount events plus a few JSON endpoints for
// scripted health checks.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/graysui/graylink/internal/mount"
	"github.com/graysui/graylink/internal/state"
)

// MessageType labels a dashboard broadcast.
type MessageType string

const (
	// MessageTypeBatch reports a reconciled batch.
	MessageTypeBatch MessageType = "batch"
	// MessageTypeMount reports a mount status transition.
	MessageTypeMount MessageType = "mount"
	// MessageTypeSweep reports a completed dangling-link sweep.
	MessageTypeSweep MessageType = "sweep"
	// MessageTypeStats carries store statistics.
	MessageTypeStats MessageType = "stats"
)

// Message is one broadcast frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// BatchData summarizes one reconciled batch for the stream.
type BatchData struct {
	Source   string `json:"source"`
	Added    int    `json:"added"`
	Modified int    `json:"modified"`
	Removed  int    `json:"removed"`
	Links    int    `json:"links"`
}

// MountData reports a mount health transition.
type MountData struct {
	Root   string `json:"root"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// SweepData reports a sweep pass.
type SweepData struct {
	Removed  int           `json:"removed"`
	Duration time.Duration `json:"duration"`
}

// Stats is the slice of the store the dashboard reads.
type Stats interface {
	Stats(ctx context.Context) (state.Stats, error)
}

// Mounts is the slice of the mount monitor the dashboard reads.
type Mounts interface {
	Statuses() map[string]mount.Status
}

// Snapshots produces the compact snapshot served at /snapshot.
type Snapshots interface {
	Compact(ctx context.Context) ([]byte, error)
}

// Config holds server configuration.
type Config struct {
	Port      int
	Store     Stats
	Mounts    Mounts
	Snapshots Snapshots
	Logger    *log.Logger
}

// Server manages the WebSocket clients and the JSON endpoints.
type Server struct {
	addr      string
	store     Stats
	mounts    Mounts
	snapshots Snapshots
	listener  net.Listener
	server    *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a dashboard server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      fmt.Sprintf(":%d", cfg.Port),
		store:     cfg.Store,
		mounts:    cfg.Mounts,
		snapshots: cfg.Snapshots,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    cfg.Logger,
	}
}

// Start begins listening and serving.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("dashboard listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("dashboard server error: %v", err)
		}
	}()

	return nil
}

// Stop closes every client and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("dashboard shutdown: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Broadcast queues a message for every connected client. Never blocks;
// a full queue drops the message.
func (s *Server) Broadcast(t MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Printf("marshaling %s broadcast: %v", t, err)
		return
	}
	msg := Message{Type: t, Timestamp: time.Now().UTC(), Data: raw}
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Printf("broadcast queue full, dropping %s message", t)
	}
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
				s.logger.Printf("marshaling message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				conns = append(conns, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("dashboard client connected (total: %d)", count)

	// Greet with current stats so a fresh client has a baseline.
	if s.store != nil {
		if st, err := s.store.Stats(r.Context()); err == nil {
			raw, _ := json.Marshal(st)
			frame, _ := json.Marshal(Message{
				Type: MessageTypeStats, Timestamp: time.Now().UTC(), Data: raw,
			})
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = conn.Write(ctx, websocket.MessageText, frame)
			cancel()
		}
	}

	go s.readLoop(conn)
}

// readLoop drains client frames until disconnect. Clients never send
// anything meaningful; reading is what notices them leaving.
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
	if _, ok := s.clients[conn]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("dashboard client disconnected (total: %d)", count)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	mounts := map[string]string{}
	if s.mounts != nil {
		for root, st := range s.mounts.Statuses() {
			mounts[root] = st.String()
			if st != mount.Healthy {
				status = "degraded"
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"mounts":  mounts,
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
		return
	}
	st, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		http.Error(w, "snapshot unavailable", http.StatusServiceUnavailable)
		return
	}
	data, err := s.snapshots.Compact(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>graylink</title>
</head>
<body>
    <h1>graylink</h1>
    <p>WebSocket stream: <code>ws://%s/ws</code></p>
    <p>Health: <a href="/health">/health</a> &middot; Stats: <a href="/stats">/stats</a> &middot; Snapshot: <a href="/snapshot">/snapshot</a></p>
</body>
</html>`, r.Host)
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
