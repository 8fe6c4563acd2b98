package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/arducord/arducord/internal/dispatch"
	"github.com/arducord/arducord/internal/model/bridge"
	"github.com/arducord/arducord/internal/protocol"
)

// bridgeConn is one live bridge transport plus the dispatcher bound to it.
type bridgeConn struct {
	id   string
	conn *websocket.Conn
	hub  *Hub

	writeMu    sync.Mutex
	dispatcher *dispatch.Dispatcher
}

func (bc *bridgeConn) write(frame protocol.BridgeFrame) error {
	bc.writeMu.Lock()
	defer bc.writeMu.Unlock()
	return bc.conn.WriteJSON(frame)
}

// Send implements dispatch.Sender over the bridge WebSocket: it frames the
// command, registers a pending slot keyed by a fresh correlation id, and
// waits for the bridge's result under the end-to-end deadline.
func (bc *bridgeConn) Send(ctx context.Context, command string, params map[string]any, expectResponse bool) (protocol.DeviceResponse, error) {
	commandID := uuid.NewString()

	var ch chan protocol.BridgeFrame
	if expectResponse {
		ch = bc.hub.awaitResult(commandID)
	}

	frame := protocol.BridgeFrame{
		Type:      protocol.TypeArduinoCommand,
		ID:        commandID,
		Command:   command,
		Params:    params,
		Timestamp: protocol.NowMillis(),
	}
	if err := bc.write(frame); err != nil {
		bc.hub.forgetResult(commandID)
		return protocol.DeviceResponse{}, ErrBridgeUnavailable
	}

	if !expectResponse {
		return protocol.DeviceResponse{}, nil
	}

	timer := time.NewTimer(bc.hub.cfg.CommandTimeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		return decodeResult(result)
	case <-ctx.Done():
		bc.hub.forgetResult(commandID)
		return protocol.DeviceResponse{}, ctx.Err()
	case <-timer.C:
		if bc.hub.forgetResult(commandID) {
			return protocol.DeviceResponse{}, ErrCommandTimeout
		}
		// Resolution beat the deadline; the frame is already buffered.
		return decodeResult(<-ch)
	}
}

func decodeResult(frame protocol.BridgeFrame) (protocol.DeviceResponse, error) {
	if frame.Type == protocol.TypeCommandError {
		return protocol.DeviceResponse{}, errors.New(frame.Error)
	}

	var resp protocol.DeviceResponse
	if len(frame.Result) > 0 {
		if err := json.Unmarshal(frame.Result, &resp); err != nil {
			return protocol.DeviceResponse{}, errors.New("malformed command result from bridge")
		}
	}
	return resp, nil
}

// ServeBridge upgrades a bridge connection. The first frame must be a
// registration; a later registration under the same id replaces this one.
func (h *Hub) ServeBridge(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[relay] bridge upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))

	var reg protocol.BridgeFrame
	if err := conn.ReadJSON(&reg); err != nil {
		log.Printf("[relay] bridge sent no registration: %v", err)
		return
	}
	if reg.Type != protocol.TypeBridgeRegister || reg.BridgeID == "" {
		log.Printf("[relay] rejecting bridge: first frame was %q", reg.Type)
		conn.WriteJSON(protocol.BridgeFrame{
			Type:      protocol.TypeCommandError,
			Error:     "first frame must be bridge_register",
			Code:      protocol.CodeInternal,
			Timestamp: protocol.NowMillis(),
		})
		return
	}

	bc := &bridgeConn{id: reg.BridgeID, conn: conn, hub: h}
	bc.dispatcher = dispatch.New(bc)

	replaced := h.bridges.Register(bridge.Bridge{
		ID:      reg.BridgeID,
		Version: reg.Version,
		Arduino: reg.Arduino,
	})
	h.registerBridgeConn(bc)
	if replaced {
		log.Printf("[relay] bridge %s re-registered, replacing transport", reg.BridgeID)
	} else {
		log.Printf("[relay] bridge %s registered (version %s)", reg.BridgeID, reg.Version)
	}
	h.broadcastBridgeChange("bridge_connected", reg.BridgeID)

	defer func() {
		if h.detachBridgeConn(bc) {
			h.bridges.Remove(bc.id)
			h.broadcastBridgeChange("bridge_disconnected", bc.id)
			log.Printf("[relay] bridge %s disconnected", bc.id)
		}
	}()

	for {
		var frame protocol.BridgeFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[relay] bridge %s read error: %v", bc.id, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		// Any traffic counts as a heartbeat.
		h.bridges.Touch(bc.id)

		switch frame.Type {
		case protocol.TypeCommandResult, protocol.TypeCommandError:
			h.resolveResult(frame)
		case protocol.TypeDeviceStatus:
			h.broadcastTelemetry(bc.id, frame.Data)
		case protocol.TypePing:
			if err := bc.write(protocol.BridgeFrame{Type: protocol.TypePong, Timestamp: protocol.NowMillis()}); err != nil {
				return
			}
		case protocol.TypePong:
			// Heartbeat only; Touch above already refreshed liveness.
		case protocol.TypeBridgeRegister:
			log.Printf("[relay] bridge %s sent a duplicate registration, ignoring", bc.id)
		default:
			log.Printf("[relay] dropping malformed bridge frame type=%q from %s", frame.Type, bc.id)
		}
	}
}
