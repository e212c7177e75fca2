package telemetry

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Faultbox/ptexcache/pkg/ptex"
)

func sampleStats() []ptex.Stats {
	return []ptex.Stats{{
		Name:      "brick-0",
		Patches:   4096,
		UsedBytes: 1 << 20,
		Ticks:     10,
		Committed: 7,
		Idle:      3,
		Baked:     []uint64{12, 40},
		Occupancy: []int{16, 80, 4000},
		Prepare:   1500 * time.Microsecond,
	}}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, h.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewFrame(t *testing.T) {
	f := NewFrame(3, sampleStats(), map[string]time.Duration{"cache.Prepare": 2 * time.Millisecond})
	if f.Type != "stats" || f.Tick != 3 || len(f.Bricks) != 1 {
		t.Fatalf("unexpected frame %+v", f)
	}
	if b := f.Bricks[0]; b.PrepareMs != 1.5 || b.Occupancy[2] != 4000 {
		t.Errorf("unexpected brick %+v", b)
	}
	if f.Stages["cache.Prepare"] != 2 {
		t.Errorf("expected stage 2ms, got %v", f.Stages)
	}
	if NewFrame(0, nil, nil).Stages != nil {
		t.Error("expected no stages map without timings")
	}
}

func TestBroadcast(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	a, b := dial(t, srv), dial(t, srv)
	waitClients(t, hub, 2)

	if err := hub.Broadcast(NewFrame(1, sampleStats(), nil)); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	for _, conn := range []*websocket.Conn{a, b} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if f.Tick != 1 || f.Bricks[0].Name != "brick-0" {
			t.Errorf("unexpected frame %+v", f)
		}
	}
}

func TestLatestOnConnect(t *testing.T) {
	hub := NewHub(nil)
	if err := hub.Broadcast(NewFrame(9, sampleStats(), nil)); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if f.Tick != 9 {
		t.Errorf("expected latest tick 9, got %d", f.Tick)
	}
}

func TestClientDisconnect(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	waitClients(t, hub, 1)
	conn.Close()
	waitClients(t, hub, 0)
}

func TestStatsEndpoint(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before first frame, got %d", resp.StatusCode)
	}

	_ = hub.Broadcast(NewFrame(5, sampleStats(), nil))
	resp, err = http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if f.Tick != 5 {
		t.Errorf("expected tick 5, got %d", f.Tick)
	}
}

func TestListen(t *testing.T) {
	hub := NewHub(nil)
	s, err := Listen("127.0.0.1:0", hub, nil)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer s.Close()

	_ = hub.Broadcast(NewFrame(2, nil, nil))
	resp, err := http.Get("http://" + s.Addr() + "/stats")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}
