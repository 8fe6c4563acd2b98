// Package relay routes messages between user-facing WebSocket connections,
// bridge connections and the command dispatcher. Registries are injected so
// tests construct isolated instances.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/arducord/arducord/internal/config"
	"github.com/arducord/arducord/internal/dispatch"
	"github.com/arducord/arducord/internal/model/bridge"
	"github.com/arducord/arducord/internal/model/session"
	"github.com/arducord/arducord/internal/protocol"
	"github.com/arducord/arducord/internal/service/ai"
)

var (
	ErrBridgeUnavailable = errors.New("no bridge available")
	ErrCommandTimeout    = errors.New("command timed out")
)

// Hub is the relay core. Each live connection has one reader goroutine, so
// messages from a single connection are handled in arrival order; shared
// state lives in the injected registries and the mutex-guarded maps below.
type Hub struct {
	cfg      config.RelayConfig
	bridges  *bridge.Registry
	sessions *session.Registry
	aiSvc    *ai.Service

	mu          sync.Mutex
	users       map[string]*userConn
	bridgeConns map[string]*bridgeConn
	pending     map[string]chan protocol.BridgeFrame

	started time.Time
}

// NewHub wires the hub over its registries and starts the staleness sweeper.
func NewHub(cfg config.RelayConfig, bridges *bridge.Registry, sessions *session.Registry, aiSvc *ai.Service) *Hub {
	h := &Hub{
		cfg:         cfg,
		bridges:     bridges,
		sessions:    sessions,
		aiSvc:       aiSvc,
		users:       make(map[string]*userConn),
		bridgeConns: make(map[string]*bridgeConn),
		pending:     make(map[string]chan protocol.BridgeFrame),
		started:     time.Now().UTC(),
	}

	bridges.StartSweeper(cfg.SweepInterval, cfg.BridgeStaleAfter, func(b bridge.Bridge) {
		log.Printf("[relay] bridge %s stale, removing", b.ID)
		h.dropBridgeConn(b.ID)
		h.broadcastBridgeChange("bridge_disconnected", b.ID)
	})

	return h
}

// Close stops the sweeper.
func (h *Hub) Close() {
	h.bridges.StopSweeper()
}

// Stats reports counts for the health endpoint.
func (h *Hub) Stats() (bridgeCount, sessionCount int, uptime time.Duration) {
	return h.bridges.Count(), h.sessions.Count(), time.Since(h.started)
}

// ExecuteCommand validates and runs one catalog command against the named
// bridge. It is the single entry point for both direct structured commands
// and model-issued function calls.
func (h *Hub) ExecuteCommand(ctx context.Context, bridgeID, command string, params map[string]any) (protocol.DeviceResponse, error) {
	h.mu.Lock()
	bc, ok := h.bridgeConns[bridgeID]
	h.mu.Unlock()
	if !ok {
		return protocol.DeviceResponse{}, ErrBridgeUnavailable
	}
	return bc.dispatcher.Dispatch(ctx, command, params)
}

// resolveBridge picks the target bridge for a user message: an explicit id
// wins, then the connection's selected bridge, then a sole registered bridge.
func (h *Hub) resolveBridge(requested, selected string) (string, error) {
	if requested != "" {
		if _, ok := h.bridges.Get(requested); !ok {
			return "", ErrBridgeUnavailable
		}
		return requested, nil
	}
	if selected != "" {
		if _, ok := h.bridges.Get(selected); ok {
			return selected, nil
		}
	}
	all := h.bridges.List()
	if len(all) == 1 {
		return all[0].ID, nil
	}
	return "", ErrBridgeUnavailable
}

func (h *Hub) addUser(uc *userConn) {
	h.mu.Lock()
	h.users[uc.id] = uc
	h.mu.Unlock()
}

func (h *Hub) removeUser(id string) {
	h.mu.Lock()
	delete(h.users, id)
	h.mu.Unlock()
	h.sessions.Remove(id)
}

// registerBridgeConn installs the transport for a bridge id, closing a
// previous transport so at most one is live per identity.
func (h *Hub) registerBridgeConn(bc *bridgeConn) {
	h.mu.Lock()
	prev := h.bridgeConns[bc.id]
	h.bridgeConns[bc.id] = bc
	h.mu.Unlock()

	if prev != nil && prev != bc {
		prev.conn.Close()
	}
}

// detachBridgeConn removes bc only if it is still the current transport for
// its id, returning whether it was. A replaced connection exiting later must
// not tear down its successor.
func (h *Hub) detachBridgeConn(bc *bridgeConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bridgeConns[bc.id] != bc {
		return false
	}
	delete(h.bridgeConns, bc.id)
	return true
}

func (h *Hub) dropBridgeConn(id string) {
	h.mu.Lock()
	bc := h.bridgeConns[id]
	delete(h.bridgeConns, id)
	h.mu.Unlock()
	if bc != nil {
		bc.conn.Close()
	}
}

// awaitResult registers a pending slot for a relayed command.
func (h *Hub) awaitResult(commandID string) chan protocol.BridgeFrame {
	ch := make(chan protocol.BridgeFrame, 1)
	h.mu.Lock()
	h.pending[commandID] = ch
	h.mu.Unlock()
	return ch
}

func (h *Hub) forgetResult(commandID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.pending[commandID]
	delete(h.pending, commandID)
	return ok
}

// resolveResult delivers a command_result/command_error frame to its waiter.
// Unmatched frames are dropped; each pending id resolves exactly once.
func (h *Hub) resolveResult(frame protocol.BridgeFrame) {
	h.mu.Lock()
	ch, ok := h.pending[frame.CommandID]
	if ok {
		delete(h.pending, frame.CommandID)
	}
	h.mu.Unlock()
	if !ok {
		log.Printf("[relay] dropping unmatched %s for command %s", frame.Type, frame.CommandID)
		return
	}
	ch <- frame
}

// broadcastUsers fans an event out to every user connection. Bridges are
// never broadcast targets.
func (h *Hub) broadcastUsers(event userEvent) {
	h.mu.Lock()
	targets := make([]*userConn, 0, len(h.users))
	for _, uc := range h.users {
		targets = append(targets, uc)
	}
	h.mu.Unlock()

	for _, uc := range targets {
		uc.send(event)
	}
}

func (h *Hub) broadcastBridgeChange(kind, bridgeID string) {
	h.broadcastUsers(userEvent{
		Type:      kind,
		Data:      map[string]any{"bridgeId": bridgeID, "bridges": h.bridges.List()},
		Timestamp: protocol.NowMillis(),
	})
}

// broadcastTelemetry forwards unsolicited device traffic to user connections.
func (h *Hub) broadcastTelemetry(bridgeID string, data json.RawMessage) {
	h.broadcastUsers(userEvent{
		Type:      "device_status",
		Data:      map[string]any{"bridgeId": bridgeID, "status": data},
		Timestamp: protocol.NowMillis(),
	})
}

// codeForError maps the error taxonomy onto wire codes.
func codeForError(err error) string {
	switch {
	case errors.Is(err, dispatch.ErrInvalidParameter):
		return protocol.CodeInvalidParameter
	case errors.Is(err, dispatch.ErrUnknownCommand):
		return protocol.CodeUnknownCommand
	case errors.Is(err, ErrBridgeUnavailable):
		return protocol.CodeBridgeUnavailable
	case errors.Is(err, ErrCommandTimeout):
		return protocol.CodeCommandTimeout
	case errors.Is(err, session.ErrCredentialRequired):
		return protocol.CodeCredentialRequired
	default:
		return protocol.CodeInternal
	}
}
