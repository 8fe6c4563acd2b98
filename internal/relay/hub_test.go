package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arducord/arducord/internal/config"
	"github.com/arducord/arducord/internal/model/bridge"
	"github.com/arducord/arducord/internal/model/session"
	"github.com/arducord/arducord/internal/protocol"
)

type testEvent struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	return newTestHubWithTimeout(t, 2*time.Second)
}

func newTestHubWithTimeout(t *testing.T, commandTimeout time.Duration) (*Hub, *httptest.Server) {
	t.Helper()

	cfg := config.RelayConfig{
		BridgeStaleAfter: 30 * time.Second,
		SweepInterval:    time.Minute,
		CommandTimeout:   commandTimeout,
	}
	h := NewHub(cfg, bridge.NewRegistry(), session.NewRegistry(), nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/chat", h.ServeUser)
	mux.HandleFunc("/ws/bridge", h.ServeBridge)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		h.Close()
	})
	return h, srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dialUser(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/chat"), nil)
	if err != nil {
		t.Fatalf("user dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	var ev testEvent
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ev); err != nil || ev.Type != "connected" {
		t.Fatalf("expected a connected event, got %+v err=%v", ev, err)
	}
	return conn
}

// readEvent skips broadcast traffic until an event of one of the wanted
// types arrives.
func readEvent(t *testing.T, conn *websocket.Conn, wanted ...string) testEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var ev testEvent
		conn.SetReadDeadline(deadline)
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read failed waiting for %v: %v", wanted, err)
		}
		for _, w := range wanted {
			if ev.Type == w {
				return ev
			}
		}
	}
	t.Fatalf("no %v event arrived", wanted)
	return testEvent{}
}

// fakeBridge is a registered bridge connection driven by the test.
type fakeBridge struct {
	conn   *websocket.Conn
	frames chan protocol.BridgeFrame
}

func dialBridge(t *testing.T, srv *httptest.Server, id string) *fakeBridge {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/bridge"), nil)
	if err != nil {
		t.Fatalf("bridge dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := conn.WriteJSON(protocol.BridgeFrame{
		Type:      protocol.TypeBridgeRegister,
		BridgeID:  id,
		Version:   "1.0.0",
		Timestamp: protocol.NowMillis(),
	}); err != nil {
		t.Fatalf("bridge registration failed: %v", err)
	}

	return &fakeBridge{conn: conn, frames: make(chan protocol.BridgeFrame, 8)}
}

// record reads frames into the channel without ever answering them.
func (b *fakeBridge) record() {
	go func() {
		for {
			var frame protocol.BridgeFrame
			if err := b.conn.ReadJSON(&frame); err != nil {
				return
			}
			b.frames <- frame
		}
	}()
}

// answerCommands reads frames, records them, and acknowledges every command
// with a successful result.
func (b *fakeBridge) answerCommands() {
	go func() {
		for {
			var frame protocol.BridgeFrame
			if err := b.conn.ReadJSON(&frame); err != nil {
				return
			}
			b.frames <- frame
			if frame.Type != protocol.TypeArduinoCommand {
				continue
			}
			ok := true
			result, _ := json.Marshal(protocol.DeviceResponse{
				ID:      frame.ID,
				Success: &ok,
				Type:    protocol.ResponseResult,
				Message: "done",
			})
			b.conn.WriteJSON(protocol.BridgeFrame{
				Type:      protocol.TypeCommandResult,
				CommandID: frame.ID,
				Result:    result,
				Timestamp: protocol.NowMillis(),
			})
		}
	}()
}

func TestCommandWithoutBridge(t *testing.T) {
	h, srv := newTestHub(t)
	user := dialUser(t, srv)

	user.WriteJSON(map[string]any{
		"type":    "command",
		"command": "LED_BLINK",
		"params":  map[string]any{"rate": 500},
	})

	ev := readEvent(t, user, "error")
	if ev.Code != protocol.CodeBridgeUnavailable {
		t.Errorf("expected %s, got %s (%s)", protocol.CodeBridgeUnavailable, ev.Code, ev.Message)
	}
	if n, _, _ := h.Stats(); n != 0 {
		t.Errorf("failed command mutated the bridge registry, count=%d", n)
	}
}

func TestBridgeRegistrationIsBroadcast(t *testing.T) {
	h, srv := newTestHub(t)
	user := dialUser(t, srv)

	fb := dialBridge(t, srv, "pi-1")

	ev := readEvent(t, user, "bridge_connected")
	var data struct {
		BridgeID string `json:"bridgeId"`
	}
	if err := json.Unmarshal(ev.Data, &data); err != nil || data.BridgeID != "pi-1" {
		t.Errorf("expected pi-1 in the broadcast, got %s err=%v", ev.Data, err)
	}
	if n, _, _ := h.Stats(); n != 1 {
		t.Fatalf("expected 1 registered bridge, got %d", n)
	}

	fb.conn.Close()
	readEvent(t, user, "bridge_disconnected")
	if n, _, _ := h.Stats(); n != 0 {
		t.Errorf("expected the bridge removed after disconnect, got %d", n)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	_, srv := newTestHub(t)
	user := dialUser(t, srv)

	fb := dialBridge(t, srv, "pi-1")
	fb.answerCommands()
	readEvent(t, user, "bridge_connected")

	user.WriteJSON(map[string]any{"type": "command", "command": "LED_ON"})

	ev := readEvent(t, user, "command_result")
	var data struct {
		BridgeID string                  `json:"bridgeId"`
		Command  string                  `json:"command"`
		Response protocol.DeviceResponse `json:"response"`
	}
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("bad result payload: %v", err)
	}
	if data.BridgeID != "pi-1" || data.Command != "LED_ON" || data.Response.Message != "done" {
		t.Errorf("unexpected result payload: %+v", data)
	}

	frame := <-fb.frames
	if frame.Type != protocol.TypeArduinoCommand || frame.Command != "LED_ON" {
		t.Errorf("bridge saw the wrong frame: %+v", frame)
	}
}

func TestInvalidCommandNeverReachesBridge(t *testing.T) {
	_, srv := newTestHub(t)
	user := dialUser(t, srv)

	fb := dialBridge(t, srv, "pi-1")
	fb.answerCommands()
	readEvent(t, user, "bridge_connected")

	user.WriteJSON(map[string]any{
		"type":    "command",
		"command": "LED_BLINK",
		"params":  map[string]any{"rate": 9},
	})

	ev := readEvent(t, user, "error")
	if ev.Code != protocol.CodeInvalidParameter {
		t.Errorf("expected %s, got %s (%s)", protocol.CodeInvalidParameter, ev.Code, ev.Message)
	}

	select {
	case frame := <-fb.frames:
		t.Errorf("rejected command reached the bridge: %+v", frame)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRelayCommandTimeoutDropsLateResult(t *testing.T) {
	_, srv := newTestHubWithTimeout(t, 200*time.Millisecond)
	user := dialUser(t, srv)

	fb := dialBridge(t, srv, "pi-1")
	fb.record()
	readEvent(t, user, "bridge_connected")

	user.WriteJSON(map[string]any{"type": "command", "command": "LED_ON"})

	var cmd protocol.BridgeFrame
	select {
	case cmd = <-fb.frames:
	case <-time.After(2 * time.Second):
		t.Fatal("command never reached the bridge")
	}

	ev := readEvent(t, user, "error")
	if ev.Code != protocol.CodeCommandTimeout {
		t.Fatalf("expected %s, got %s (%s)", protocol.CodeCommandTimeout, ev.Code, ev.Message)
	}

	// A result arriving after the deadline must be a dropped no-op.
	ok := true
	late, _ := json.Marshal(protocol.DeviceResponse{
		ID:      cmd.ID,
		Success: &ok,
		Type:    protocol.ResponseResult,
		Message: "too late",
	})
	fb.conn.WriteJSON(protocol.BridgeFrame{
		Type:      protocol.TypeCommandResult,
		CommandID: cmd.ID,
		Result:    late,
		Timestamp: protocol.NowMillis(),
	})

	// The hop keeps working afterwards.
	user.WriteJSON(map[string]any{"type": "command", "command": "LED_OFF"})
	var next protocol.BridgeFrame
	for {
		select {
		case next = <-fb.frames:
		case <-time.After(2 * time.Second):
			t.Fatal("second command never reached the bridge")
		}
		if next.Command == "LED_OFF" {
			break
		}
	}
	result, _ := json.Marshal(protocol.DeviceResponse{
		ID:      next.ID,
		Success: &ok,
		Type:    protocol.ResponseResult,
		Message: "done",
	})
	fb.conn.WriteJSON(protocol.BridgeFrame{
		Type:      protocol.TypeCommandResult,
		CommandID: next.ID,
		Result:    result,
		Timestamp: protocol.NowMillis(),
	})

	ev = readEvent(t, user, "command_result")
	var data struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(ev.Data, &data); err != nil || data.Command != "LED_OFF" {
		t.Errorf("hop unusable after a dropped late result: %s err=%v", ev.Data, err)
	}
}

func TestBridgeReplacementKeepsOneEntry(t *testing.T) {
	h, srv := newTestHub(t)

	first := dialBridge(t, srv, "pi-1")
	second := dialBridge(t, srv, "pi-1")
	second.answerCommands()

	// The replaced transport gets closed by the relay.
	first.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var frame protocol.BridgeFrame
		if err := first.conn.ReadJSON(&frame); err != nil {
			break
		}
	}

	if n, _, _ := h.Stats(); n != 1 {
		t.Errorf("expected exactly one bridge entry, got %d", n)
	}
}

func TestBridgeMustRegisterFirst(t *testing.T) {
	_, srv := newTestHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/bridge"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	conn.WriteJSON(protocol.BridgeFrame{Type: protocol.TypePing})

	var frame protocol.BridgeFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("expected a rejection frame: %v", err)
	}
	if frame.Type != protocol.TypeCommandError {
		t.Errorf("expected a command_error rejection, got %+v", frame)
	}

	// The relay closes the connection after rejecting.
	if err := conn.ReadJSON(&frame); err == nil {
		t.Error("connection survived a missing registration")
	}
}

func TestSelectUnknownBridge(t *testing.T) {
	_, srv := newTestHub(t)
	user := dialUser(t, srv)

	user.WriteJSON(map[string]any{"type": "select_bridge", "bridgeId": "ghost"})

	ev := readEvent(t, user, "error")
	if ev.Code != protocol.CodeBridgeUnavailable {
		t.Errorf("expected %s, got %s", protocol.CodeBridgeUnavailable, ev.Code)
	}
}

func TestConfigCredentialValidation(t *testing.T) {
	_, srv := newTestHub(t)
	user := dialUser(t, srv)

	user.WriteJSON(map[string]any{"type": "config", "apiKey": "short"})
	ev := readEvent(t, user, "error")
	if ev.Code != protocol.CodeCredentialRequired {
		t.Errorf("expected %s, got %s", protocol.CodeCredentialRequired, ev.Code)
	}

	user.WriteJSON(map[string]any{"type": "config", "apiKey": "sk-or-v1-0123456789abcdef"})
	readEvent(t, user, "configured")
}

func TestChatWithoutModelConfigured(t *testing.T) {
	_, srv := newTestHub(t)
	user := dialUser(t, srv)

	user.WriteJSON(map[string]any{"type": "config", "apiKey": "sk-or-v1-0123456789abcdef"})
	readEvent(t, user, "configured")

	user.WriteJSON(map[string]any{"type": "chat", "message": "blink the led"})
	ev := readEvent(t, user, "error")
	if ev.Code != protocol.CodeInternal {
		t.Errorf("expected %s, got %s (%s)", protocol.CodeInternal, ev.Code, ev.Message)
	}
}

func TestResolveBridgePrecedence(t *testing.T) {
	h, srv := newTestHub(t)

	dialBridge(t, srv, "pi-1")
	dialBridge(t, srv, "pi-2")

	// Wait for both registrations to land.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _, _ := h.Stats(); n == 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := h.resolveBridge("", ""); err == nil {
		t.Error("two bridges and no selection should not resolve")
	}
	if id, err := h.resolveBridge("pi-2", ""); err != nil || id != "pi-2" {
		t.Errorf("explicit id should win, got %s err=%v", id, err)
	}
	if id, err := h.resolveBridge("", "pi-1"); err != nil || id != "pi-1" {
		t.Errorf("selected bridge should resolve, got %s err=%v", id, err)
	}
	if _, err := h.resolveBridge("ghost", "pi-1"); err == nil {
		t.Error("an unknown explicit id must fail, not fall back")
	}
}
