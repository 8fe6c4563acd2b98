// Package bridgeclient is the local bridge process: it keeps one WebSocket
// to the relay and one serial link to the device, registering itself and
// answering relayed commands.
package bridgeclient

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arducord/arducord/internal/devicelink"
	"github.com/arducord/arducord/internal/dispatch"
	"github.com/arducord/arducord/internal/protocol"
)

// Version identifies the bridge build on registration.
const Version = "1.0.0"

const (
	heartbeatInterval  = 10 * time.Second
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// Config describes one bridge instance.
type Config struct {
	RelayURL   string
	BridgeID   string
	SerialPort string
	BaudRate   int
}

// Client runs the bridge loop.
type Client struct {
	cfg        Config
	link       *devicelink.Link
	dispatcher *dispatch.Dispatcher

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a bridge client over an already-connected device link. The
// link's telemetry is forwarded upward as device_status frames.
func New(cfg Config, link *devicelink.Link) *Client {
	c := &Client{
		cfg:        cfg,
		link:       link,
		dispatcher: dispatch.New(link),
	}
	return c
}

// Dispatcher exposes the bridge-side dispatcher, mainly for tests.
func (c *Client) Dispatcher() *dispatch.Dispatcher {
	return c.dispatcher
}

// Forwarder hands device telemetry to a Client that may not exist yet: the
// serial link's read loop starts before the client is constructed, so the
// attachment is synchronized.
type Forwarder struct {
	mu     sync.Mutex
	client *Client
}

// Attach sets the receiving client. Telemetry arriving before Attach is
// dropped.
func (f *Forwarder) Attach(c *Client) {
	f.mu.Lock()
	f.client = c
	f.mu.Unlock()
}

// Forward is wired as the device link's telemetry callback.
func (f *Forwarder) Forward(resp protocol.DeviceResponse) {
	f.mu.Lock()
	c := f.client
	f.mu.Unlock()
	if c != nil {
		c.ForwardTelemetry(resp)
	}
}

// ForwardTelemetry pushes one unsolicited device frame up to the relay.
func (c *Client) ForwardTelemetry(resp protocol.DeviceResponse) {
	c.send(protocol.BridgeFrame{
		Type:      protocol.TypeDeviceStatus,
		BridgeID:  c.cfg.BridgeID,
		Data:      resp.Data,
		Timestamp: protocol.NowMillis(),
	})
}

// Run connects to the relay and serves commands until ctx is done,
// reconnecting with capped exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	delay := reconnectBaseDelay
	for {
		err := c.serve(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("[bridge] relay connection lost: %v, retrying in %v", err, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

func (c *Client) serve(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.RelayURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	arduino, _ := json.Marshal(map[string]any{
		"port":      c.cfg.SerialPort,
		"baud":      c.cfg.BaudRate,
		"connected": c.link.Connected(),
	})
	if err := c.send(protocol.BridgeFrame{
		Type:      protocol.TypeBridgeRegister,
		BridgeID:  c.cfg.BridgeID,
		Version:   Version,
		Arduino:   arduino,
		Timestamp: protocol.NowMillis(),
	}); err != nil {
		return err
	}
	log.Printf("[bridge] registered with relay as %s", c.cfg.BridgeID)

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeatLoop(hbCtx)

	for {
		var frame protocol.BridgeFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}

		switch frame.Type {
		case protocol.TypeArduinoCommand:
			// Each command correlates by its own id, so serving them
			// concurrently keeps a slow command from blocking the intake.
			go c.runCommand(ctx, frame)
		case protocol.TypePing:
			c.send(protocol.BridgeFrame{Type: protocol.TypePong, BridgeID: c.cfg.BridgeID, Timestamp: protocol.NowMillis()})
		case protocol.TypePong:
			// Keepalive reply; nothing to do.
		default:
			log.Printf("[bridge] dropping unexpected frame type=%q", frame.Type)
		}
	}
}

func (c *Client) runCommand(ctx context.Context, frame protocol.BridgeFrame) {
	resp, err := c.dispatcher.Dispatch(ctx, frame.Command, frame.Params)
	if err != nil {
		c.send(protocol.BridgeFrame{
			Type:      protocol.TypeCommandError,
			BridgeID:  c.cfg.BridgeID,
			CommandID: frame.ID,
			Error:     err.Error(),
			Code:      codeFor(err),
			Timestamp: protocol.NowMillis(),
		})
		return
	}

	result, err := json.Marshal(resp)
	if err != nil {
		log.Printf("[bridge] encode result for command %s: %v", frame.ID, err)
		return
	}
	c.send(protocol.BridgeFrame{
		Type:      protocol.TypeCommandResult,
		BridgeID:  c.cfg.BridgeID,
		CommandID: frame.ID,
		Result:    result,
		Timestamp: protocol.NowMillis(),
	})
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(protocol.BridgeFrame{
				Type:      protocol.TypePing,
				BridgeID:  c.cfg.BridgeID,
				Timestamp: protocol.NowMillis(),
			}); err != nil {
				return
			}
		}
	}
}

func (c *Client) send(frame protocol.BridgeFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("relay not connected")
	}
	return c.conn.WriteJSON(frame)
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, dispatch.ErrInvalidParameter):
		return protocol.CodeInvalidParameter
	case errors.Is(err, dispatch.ErrUnknownCommand):
		return protocol.CodeUnknownCommand
	case errors.Is(err, devicelink.ErrNotConnected):
		return protocol.CodeNotConnected
	case errors.Is(err, devicelink.ErrCommandTimeout):
		return protocol.CodeCommandTimeout
	default:
		return protocol.CodeInternal
	}
}
