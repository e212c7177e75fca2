// Package telemetry streams cache statistics to websocket clients.
package telemetry

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Faultbox/ptexcache/pkg/ptex"
)

const writeTimeout = time.Second

// BrickStats is the wire form of ptex.Stats.
type BrickStats struct {
	Name      string   `json:"name"`
	Patches   int      `json:"patches"`
	UsedBytes int64    `json:"usedBytes"`
	Ticks     uint64   `json:"ticks"`
	Committed uint64   `json:"committed"`
	Idle      uint64   `json:"idle"`
	Dropped   uint64   `json:"dropped"`
	Failed    uint64   `json:"failed"`
	Deferred  uint64   `json:"deferred"`
	Baked     []uint64 `json:"baked"`
	Occupancy []int    `json:"occupancy"`
	PrepareMs float64  `json:"prepareMs"`
	ApplyMs   float64  `json:"applyMs"`
}

// Frame is one message sent to every client.
type Frame struct {
	Type   string             `json:"type"`
	Tick   uint64             `json:"tick"`
	Bricks []BrickStats       `json:"bricks"`
	Stages map[string]float64 `json:"stages,omitempty"` // Milliseconds
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// NewFrame converts per-brick stats and stage timings into a frame.
func NewFrame(tick uint64, stats []ptex.Stats, stages map[string]time.Duration) Frame {
	f := Frame{Type: "stats", Tick: tick, Bricks: make([]BrickStats, len(stats))}
	for i, s := range stats {
		f.Bricks[i] = BrickStats{
			Name:      s.Name,
			Patches:   s.Patches,
			UsedBytes: s.UsedBytes,
			Ticks:     s.Ticks,
			Committed: s.Committed,
			Idle:      s.Idle,
			Dropped:   s.Dropped,
			Failed:    s.Failed,
			Deferred:  s.Deferred,
			Baked:     s.Baked,
			Occupancy: s.Occupancy,
			PrepareMs: ms(s.Prepare),
			ApplyMs:   ms(s.Apply),
		}
	}
	if len(stages) > 0 {
		f.Stages = make(map[string]float64, len(stages))
		for k, v := range stages {
			f.Stages[k] = ms(v)
		}
	}
	return f
}

// Hub fans frames out to connected websocket clients.
type Hub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex
	latest  []byte
}

// NewHub creates an empty hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
}

// ServeHTTP upgrades the request and keeps the client registered until it
// disconnects. The most recent frame is sent on connect.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	connMu := &sync.Mutex{}
	h.mu.Lock()
	h.clients[conn] = connMu
	latest := h.latest
	h.mu.Unlock()
	defer h.remove(conn)

	h.log.Debug("telemetry client connected", zap.String("remote", r.RemoteAddr))
	if latest != nil {
		if err := write(conn, connMu, latest); err != nil {
			return
		}
	}

	// Clients only listen; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.log.Debug("telemetry client gone", zap.Error(err))
			return
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
}

func write(conn *websocket.Conn, mu *sync.Mutex, data []byte) error {
	mu.Lock()
	defer mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Broadcast sends a frame to every client. Clients that fail a write are
// closed and dropped.
func (h *Hub) Broadcast(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.latest = data
	conns := make(map[*websocket.Conn]*sync.Mutex, len(h.clients))
	for c, m := range h.clients {
		conns[c] = m
	}
	h.mu.Unlock()

	for conn, mu := range conns {
		if err := write(conn, mu, data); err != nil {
			h.log.Debug("dropping telemetry client", zap.Error(err))
			h.remove(conn)
			conn.Close()
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Latest returns the most recently broadcast frame, or nil.
func (h *Hub) Latest() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest
}

// Handler routes /ws to the hub and /stats to the latest frame as JSON.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		latest := h.Latest()
		if latest == nil {
			http.Error(w, "no stats yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(latest)
	})
	return mux
}

// Server serves a hub over HTTP.
type Server struct {
	hub *Hub
	srv *http.Server
	ln  net.Listener
	log *zap.Logger
}

// Listen binds addr and starts serving in the background.
func Listen(addr string, hub *Hub, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		hub: hub,
		srv: &http.Server{Handler: hub.Handler(), ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
		log: log,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("telemetry server stopped", zap.Error(err))
		}
	}()
	log.Info("telemetry listening", zap.String("addr", ln.Addr().String()))
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close stops the server and disconnects every client.
func (s *Server) Close() error {
	err := s.srv.Close()
	s.hub.mu.Lock()
	for conn := range s.hub.clients {
		conn.Close()
		delete(s.hub.clients, conn)
	}
	s.hub.mu.Unlock()
	return err
}
