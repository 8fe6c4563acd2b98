package bridgeclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arducord/arducord/internal/devicelink"
	"github.com/arducord/arducord/internal/dispatch"
	"github.com/arducord/arducord/internal/protocol"
)

func TestCodeForErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{dispatch.ErrInvalidParameter, protocol.CodeInvalidParameter},
		{dispatch.ErrUnknownCommand, protocol.CodeUnknownCommand},
		{devicelink.ErrNotConnected, protocol.CodeNotConnected},
		{devicelink.ErrCommandTimeout, protocol.CodeCommandTimeout},
		{errors.New("something else"), protocol.CodeInternal},
	}
	for _, tc := range cases {
		if got := codeFor(tc.err); got != tc.code {
			t.Errorf("codeFor(%v): expected %s, got %s", tc.err, tc.code, got)
		}
	}
}

// fakeRelay accepts one bridge connection and hands frames to the test.
type fakeRelay struct {
	srv    *httptest.Server
	frames chan protocol.BridgeFrame

	mu chan *websocket.Conn
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	fr := &fakeRelay{
		frames: make(chan protocol.BridgeFrame, 8),
		mu:     make(chan *websocket.Conn, 1),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fr.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fr.mu <- conn
		for {
			var frame protocol.BridgeFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			fr.frames <- frame
		}
	}))
	t.Cleanup(fr.srv.Close)
	return fr
}

func (fr *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(fr.srv.URL, "http")
}

func (fr *fakeRelay) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fr.mu:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("bridge never connected")
		return nil
	}
}

func (fr *fakeRelay) nextFrame(t *testing.T, frameType string) protocol.BridgeFrame {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case frame := <-fr.frames:
			if frame.Type == frameType {
				return frame
			}
		case <-deadline:
			t.Fatalf("no %s frame arrived", frameType)
		}
	}
}

func TestClientRegistersOnConnect(t *testing.T) {
	fr := newFakeRelay(t)
	link := devicelink.New()

	c := New(Config{
		RelayURL:   fr.url(),
		BridgeID:   "pi-test",
		SerialPort: "/dev/ttyACM0",
		BaudRate:   9600,
	}, link)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	reg := fr.nextFrame(t, protocol.TypeBridgeRegister)
	if reg.BridgeID != "pi-test" || reg.Version != Version {
		t.Errorf("unexpected registration: %+v", reg)
	}
	if len(reg.Arduino) == 0 {
		t.Error("registration should carry the device summary")
	}
}

func TestClientAnswersCommandWithError(t *testing.T) {
	fr := newFakeRelay(t)
	// No transport attached: every command fails with NOT_CONNECTED.
	link := devicelink.New()
	c := New(Config{RelayURL: fr.url(), BridgeID: "pi-test"}, link)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	fr.nextFrame(t, protocol.TypeBridgeRegister)
	relayConn := fr.conn(t)

	relayConn.WriteJSON(protocol.BridgeFrame{
		Type:      protocol.TypeArduinoCommand,
		ID:        "cmd-1",
		Command:   dispatch.CmdLEDOn,
		Timestamp: protocol.NowMillis(),
	})

	frame := fr.nextFrame(t, protocol.TypeCommandError)
	if frame.CommandID != "cmd-1" {
		t.Errorf("error frame not correlated: %+v", frame)
	}
	if frame.Code != protocol.CodeNotConnected {
		t.Errorf("expected %s, got %s", protocol.CodeNotConnected, frame.Code)
	}
}

func TestClientRejectsInvalidBeforeDevice(t *testing.T) {
	fr := newFakeRelay(t)
	link := devicelink.New()
	c := New(Config{RelayURL: fr.url(), BridgeID: "pi-test"}, link)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	fr.nextFrame(t, protocol.TypeBridgeRegister)
	relayConn := fr.conn(t)

	relayConn.WriteJSON(protocol.BridgeFrame{
		Type:    protocol.TypeArduinoCommand,
		ID:      "cmd-2",
		Command: dispatch.CmdLEDBlink,
		Params:  map[string]any{"rate": 7},
	})

	frame := fr.nextFrame(t, protocol.TypeCommandError)
	if frame.Code != protocol.CodeInvalidParameter {
		t.Errorf("expected %s, got %s (%s)", protocol.CodeInvalidParameter, frame.Code, frame.Error)
	}
}

func TestForwarderDropsUntilAttached(t *testing.T) {
	fr := newFakeRelay(t)
	forwarder := &Forwarder{}

	// Telemetry before a client exists is dropped, not a crash.
	forwarder.Forward(protocol.DeviceResponse{Type: protocol.ResponseStatus})

	c := New(Config{RelayURL: fr.url(), BridgeID: "pi-test"}, devicelink.New())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	fr.nextFrame(t, protocol.TypeBridgeRegister)

	forwarder.Attach(c)
	forwarder.Forward(protocol.DeviceResponse{
		Type: protocol.ResponseStatus,
		Data: []byte(`{"ledOn":true}`),
	})

	status := fr.nextFrame(t, protocol.TypeDeviceStatus)
	if status.BridgeID != "pi-test" || len(status.Data) == 0 {
		t.Errorf("telemetry not forwarded after attach: %+v", status)
	}
}

func TestClientAnswersRelayPing(t *testing.T) {
	fr := newFakeRelay(t)
	c := New(Config{RelayURL: fr.url(), BridgeID: "pi-test"}, devicelink.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	fr.nextFrame(t, protocol.TypeBridgeRegister)
	relayConn := fr.conn(t)

	relayConn.WriteJSON(protocol.BridgeFrame{Type: protocol.TypePing})
	pong := fr.nextFrame(t, protocol.TypePong)
	if pong.BridgeID != "pi-test" {
		t.Errorf("pong should carry the bridge id, got %+v", pong)
	}
}
