package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/Wyydra/parley/internal/adapter/codec"
	"github.com/Wyydra/parley/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/parley/internal/config"
	"github.com/Wyydra/parley/internal/core/port"
	"github.com/Wyydra/parley/internal/core/service"
	"github.com/Wyydra/parley/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

func testConfig() *config.Config {
	return &config.Config{
		SendQueueSize:     16,
		MaxMessageBytes:   64 * 1024,
		MessagesPerSecond: 1000,
		MessageBurst:      1000,
		ICE: config.ICEConfig{
			Mode:    config.ICEModeSTUNOnly,
			Servers: []config.ICEServer{{URLs: []string{config.DefaultSTUN}}},
		},
	}
}

func startServer(t *testing.T, cfg *config.Config) (*httptest.Server, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	relay := service.NewRelay(service.RelayOptions{Metrics: m})
	h := NewHandler(relay, nil, m, cfg)
	srv := httptest.NewServer(h.NewRouter())
	t.Cleanup(func() {
		relay.Shutdown()
		srv.Close()
	})
	return srv, m
}

func dial(t *testing.T, srv *httptest.Server, subprotocols ...string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second, Subprotocols: subprotocols}
	c, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func readWSJSON(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, msg, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if mt != websocket.TextMessage {
		t.Fatalf("frame type = %d, want text", mt)
	}
	var m map[string]any
	if err := json.Unmarshal(msg, &m); err != nil {
		t.Fatalf("unmarshal %s: %v", msg, err)
	}
	return m
}

func writeWSJSON(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	if err := c.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

func expectType(t *testing.T, m map[string]any, typ string) {
	t.Helper()
	if m["type"] != typ {
		t.Fatalf("type = %v, want %s (message %v)", m["type"], typ, m)
	}
}

func users(t *testing.T, m map[string]any, key string) []string {
	t.Helper()
	raw, ok := m[key].([]any)
	if !ok {
		t.Fatalf("%s = %#v, want list", key, m[key])
	}
	out := make([]string, len(raw))
	for i, v := range raw {
		out[i], _ = v.(string)
	}
	return out
}

func TestWebSocketSignalingScenario(t *testing.T) {
	srv, _ := startServer(t, testConfig())

	a := dial(t, srv)
	hello := readWSJSON(t, a)
	expectType(t, hello, "connected")
	aID, _ := hello["clientId"].(string)
	if aID == "" {
		t.Fatalf("no client id in %v", hello)
	}

	writeWSJSON(t, a, map[string]any{"type": "join-room", "roomId": "R1"})
	msg := readWSJSON(t, a)
	expectType(t, msg, "room-users")
	if got := users(t, msg, "users"); len(got) != 0 {
		t.Fatalf("users = %v, want empty", got)
	}

	b := dial(t, srv)
	hello = readWSJSON(t, b)
	bID, _ := hello["clientId"].(string)
	writeWSJSON(t, b, map[string]any{"type": "join-room", "roomId": "R1"})

	msg = readWSJSON(t, a)
	expectType(t, msg, "user-joined")
	if msg["from"] != bID {
		t.Fatalf("from = %v, want %s", msg["from"], bID)
	}
	if got := users(t, msg, "roomUsers"); len(got) != 2 || got[0] != aID || got[1] != bID {
		t.Fatalf("roomUsers = %v", got)
	}

	msg = readWSJSON(t, b)
	expectType(t, msg, "room-users")
	if got := users(t, msg, "users"); len(got) != 1 || got[0] != aID {
		t.Fatalf("users = %v, want [%s]", got, aID)
	}

	writeWSJSON(t, a, map[string]any{
		"type":  "offer",
		"to":    bID,
		"offer": map[string]any{"type": "offer", "sdp": "v=0"},
	})
	msg = readWSJSON(t, b)
	expectType(t, msg, "offer")
	offer, _ := msg["offer"].(map[string]any)
	if msg["from"] != aID || offer["sdp"] != "v=0" {
		t.Fatalf("routed offer = %v", msg)
	}
	if _, leaked := msg["to"]; leaked {
		t.Fatalf("routed offer still carries to: %v", msg)
	}

	writeWSJSON(t, b, map[string]any{"type": "get-users"})
	msg = readWSJSON(t, b)
	expectType(t, msg, "users-list")
	if got := users(t, msg, "users"); len(got) != 1 || got[0] != aID {
		t.Fatalf("users-list = %v", got)
	}

	b.Close()
	msg = readWSJSON(t, a)
	expectType(t, msg, "user-disconnected")
	if msg["from"] != bID {
		t.Fatalf("from = %v, want %s", msg["from"], bID)
	}
}

func TestWebSocketProtocolErrorKeepsConnection(t *testing.T) {
	srv, m := startServer(t, testConfig())
	c := dial(t, srv)
	readWSJSON(t, c)

	if err := c.WriteMessage(websocket.TextMessage, []byte(`{not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readWSJSON(t, c)
	expectType(t, msg, "error")

	writeWSJSON(t, c, map[string]any{"type": "teleport"})
	msg = readWSJSON(t, c)
	expectType(t, msg, "error")
	if errMsg, _ := msg["error"].(string); !strings.Contains(errMsg, "teleport") {
		t.Fatalf("error = %q", errMsg)
	}

	writeWSJSON(t, c, map[string]any{"type": "join-room", "roomId": "still-here"})
	expectType(t, readWSJSON(t, c), "room-users")

	if got := m.Get(metrics.ProtocolErrors); got != 2 {
		t.Fatalf("protocol errors = %d, want 2", got)
	}
}

func TestWebSocketMsgpackSubprotocol(t *testing.T) {
	srv, _ := startServer(t, testConfig())
	c := dial(t, srv, codec.MsgpackSubprotocol)
	if c.Subprotocol() != codec.MsgpackSubprotocol {
		t.Fatalf("subprotocol = %q", c.Subprotocol())
	}

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatalf("frame type = %d, want binary", mt)
	}
	var hello map[string]any
	if err := msgpack.Unmarshal(data, &hello); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if hello["type"] != "connected" || hello["clientId"] == "" {
		t.Fatalf("hello = %v", hello)
	}

	frame, _ := msgpack.Marshal(map[string]any{"type": "join-room", "roomId": "R1"})
	if err := c.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err = c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var reply map[string]any
	msgpack.Unmarshal(data, &reply)
	if reply["type"] != "room-users" {
		t.Fatalf("reply = %v", reply)
	}
}

func TestWebSocketRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MessagesPerSecond = 0.001
	cfg.MessageBurst = 1
	srv, m := startServer(t, cfg)
	c := dial(t, srv)
	readWSJSON(t, c)

	for i := 0; i < 3; i++ {
		writeWSJSON(t, c, map[string]any{"type": "get-users"})
	}
	deadline := time.Now().Add(2 * time.Second)
	for m.Get(metrics.DropRateLimited) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := m.Get(metrics.DropRateLimited); got != 2 {
		t.Fatalf("rate limited = %d, want 2", got)
	}
}

func TestWebSocketOriginCheck(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://meet.example"}
	srv, _ := startServer(t, cfg)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatalf("upgrade from disallowed origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp = %+v, want 403", resp)
	}
}

func TestAPIRooms(t *testing.T) {
	srv, _ := startServer(t, testConfig())
	c := dial(t, srv)
	readWSJSON(t, c)
	writeWSJSON(t, c, map[string]any{"type": "join-room", "roomId": "R1"})
	readWSJSON(t, c)

	resp, err := http.Get(srv.URL + "/api/rooms")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var rooms []port.RoomPresence
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rooms) != 1 || rooms[0].Room != "R1" || len(rooms[0].Members) != 1 {
		t.Fatalf("rooms = %+v", rooms)
	}
}

func TestAPIRoomsFromPresence(t *testing.T) {
	presence := memory.NewPresenceStore()
	relay := service.NewRelay(service.RelayOptions{Presence: presence})
	srv := httptest.NewServer(NewHandler(relay, presence, nil, testConfig()).NewRouter())
	defer srv.Close()
	defer relay.Shutdown()

	c := dial(t, srv)
	readWSJSON(t, c)
	writeWSJSON(t, c, map[string]any{"type": "join-room", "roomId": "mirrored"})
	readWSJSON(t, c)

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(srv.URL + "/api/rooms")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		var rooms []port.RoomPresence
		json.NewDecoder(resp.Body).Decode(&rooms)
		resp.Body.Close()
		if len(rooms) == 1 && rooms[0].Room == "mirrored" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("rooms = %+v", rooms)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAPICreateRoom(t *testing.T) {
	srv, _ := startServer(t, testConfig())

	resp, err := http.Post(srv.URL+"/api/rooms", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if !regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`).MatchString(body["roomId"]) {
		t.Fatalf("roomId = %q", body["roomId"])
	}
}

func TestAPIICEAndHealth(t *testing.T) {
	srv, _ := startServer(t, testConfig())

	resp, err := http.Get(srv.URL + "/api/ice")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var ice config.ICEConfig
	json.NewDecoder(resp.Body).Decode(&ice)
	resp.Body.Close()
	if ice.Mode != config.ICEModeSTUNOnly || len(ice.Servers) != 1 {
		t.Fatalf("ice = %+v", ice)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := startServer(t, testConfig())
	c := dial(t, srv)
	readWSJSON(t, c)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	if !strings.Contains(sb.String(), `parley_events_total{event="clients_connected"} 1`) {
		t.Fatalf("metrics output:\n%s", sb.String())
	}
}
