package relay

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/arducord/arducord/internal/model/session"
	"github.com/arducord/arducord/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// userMessage is one inbound frame from a user connection. APIKey must never
// be logged.
type userMessage struct {
	Type     string         `json:"type"`
	APIKey   string         `json:"apiKey,omitempty"`
	BridgeID string         `json:"bridgeId,omitempty"`
	Message  string         `json:"message,omitempty"`
	Command  string         `json:"command,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

// userEvent is one outbound frame to a user connection.
type userEvent struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// userConn is one user-facing connection. It starts unauthenticated and
// becomes ready once a credential configures its session.
type userConn struct {
	id   string
	conn *websocket.Conn
	hub  *Hub

	writeMu sync.Mutex

	mu       sync.Mutex
	bridgeID string
}

func (uc *userConn) send(event userEvent) {
	uc.writeMu.Lock()
	defer uc.writeMu.Unlock()
	if err := uc.conn.WriteJSON(event); err != nil {
		log.Printf("[relay] write to user %s failed: %v", uc.id, err)
	}
}

func (uc *userConn) sendError(code, message string) {
	uc.send(userEvent{Type: "error", Code: code, Message: message, Timestamp: protocol.NowMillis()})
}

func (uc *userConn) selectedBridge() string {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return uc.bridgeID
}

func (uc *userConn) selectBridge(id string) {
	uc.mu.Lock()
	uc.bridgeID = id
	uc.mu.Unlock()
}

// ServeUser upgrades a user connection and runs its read loop. Per-message
// errors are reported to this connection only; they never tear it down.
func (h *Hub) ServeUser(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[relay] user upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	uc := &userConn{id: uuid.NewString(), conn: conn, hub: h}
	h.addUser(uc)
	defer h.removeUser(uc.id)

	log.Printf("[relay] user connection %s opened", uc.id)
	defer log.Printf("[relay] user connection %s closed", uc.id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	go pingLoop(ctx, conn, &uc.writeMu)

	uc.send(userEvent{
		Type:      "connected",
		Data:      map[string]any{"bridges": h.bridges.List()},
		Timestamp: protocol.NowMillis(),
	})

	for {
		var msg userMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[relay] user %s read error: %v", uc.id, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		h.handleUserMessage(ctx, uc, msg)
	}
}

// handleUserMessage isolates one message: a panic in a handler is logged and
// answered as an internal error instead of poisoning the read loop.
func (h *Hub) handleUserMessage(ctx context.Context, uc *userConn, msg userMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[relay] panic handling %q from user %s: %v", msg.Type, uc.id, rec)
			uc.sendError(protocol.CodeInternal, "internal error")
		}
	}()

	switch msg.Type {
	case "config":
		h.handleConfig(uc, msg)
	case "select_bridge":
		h.handleSelectBridge(uc, msg)
	case "command":
		h.handleCommand(ctx, uc, msg)
	case "chat":
		h.handleChat(ctx, uc, msg)
	case "ping":
		uc.send(userEvent{Type: "pong", Timestamp: protocol.NowMillis()})
	default:
		uc.sendError(protocol.CodeInternal, "unsupported message type: "+msg.Type)
	}
}

func (h *Hub) handleConfig(uc *userConn, msg userMessage) {
	sess, err := h.sessions.Configure(uc.id, strings.TrimSpace(msg.APIKey))
	if err != nil {
		uc.sendError(protocol.CodeCredentialRequired, "a usable API key is required")
		return
	}

	log.Printf("[relay] user %s configured a session", uc.id)
	uc.send(userEvent{
		Type:      "configured",
		Data:      map[string]any{"sessionId": sess.ID, "createdAt": sess.CreatedAt},
		Timestamp: protocol.NowMillis(),
	})
}

func (h *Hub) handleSelectBridge(uc *userConn, msg userMessage) {
	if _, ok := h.bridges.Get(msg.BridgeID); !ok {
		uc.sendError(protocol.CodeBridgeUnavailable, fmt.Sprintf("bridge %q is not connected", msg.BridgeID))
		return
	}
	uc.selectBridge(msg.BridgeID)
	uc.send(userEvent{
		Type:      "bridge_selected",
		Data:      map[string]any{"bridgeId": msg.BridgeID},
		Timestamp: protocol.NowMillis(),
	})
}

// handleCommand is the direct structured path: it bypasses the model and
// calls the dispatcher.
func (h *Hub) handleCommand(ctx context.Context, uc *userConn, msg userMessage) {
	bridgeID, err := h.resolveBridge(msg.BridgeID, uc.selectedBridge())
	if err != nil {
		uc.sendError(codeForError(err), err.Error())
		return
	}

	resp, err := h.ExecuteCommand(ctx, bridgeID, msg.Command, msg.Params)
	if err != nil {
		uc.sendError(codeForError(err), err.Error())
		return
	}

	uc.send(userEvent{
		Type:      "command_result",
		Data:      map[string]any{"bridgeId": bridgeID, "command": msg.Command, "response": resp},
		Timestamp: protocol.NowMillis(),
	})
}

// handleChat forwards a natural-language turn to the model and executes any
// function calls it emits against the resolved bridge.
func (h *Hub) handleChat(ctx context.Context, uc *userConn, msg userMessage) {
	if h.aiSvc == nil {
		uc.sendError(protocol.CodeInternal, "chat model is not configured on this relay")
		return
	}

	sess, ok := h.sessions.Get(uc.id)
	if !ok {
		uc.sendError(protocol.CodeCredentialRequired, "configure an API key before chatting")
		return
	}

	bridgeID, err := h.resolveBridge(msg.BridgeID, uc.selectedBridge())
	if err != nil {
		uc.sendError(codeForError(err), err.Error())
		return
	}

	if strings.TrimSpace(msg.Message) == "" {
		uc.sendError(protocol.CodeInternal, "empty chat message")
		return
	}

	exec := func(ctx context.Context, command string, params map[string]any) (string, error) {
		resp, err := h.ExecuteCommand(ctx, bridgeID, command, params)
		if err != nil {
			return "", err
		}
		out := resp.Message
		if len(resp.Data) > 0 {
			out = fmt.Sprintf("%s %s", out, string(resp.Data))
		}
		return out, nil
	}

	reply, err := h.aiSvc.Respond(ctx, sess.Credential, h.sessions.History(uc.id), msg.Message, exec)
	if err != nil {
		uc.sendError(codeForError(err), err.Error())
		return
	}

	h.sessions.Append(uc.id,
		session.Turn{Role: "user", Content: msg.Message},
		session.Turn{Role: "assistant", Content: reply},
	)

	uc.send(userEvent{
		Type:      "chat_response",
		Data:      map[string]any{"bridgeId": bridgeID, "text": reply},
		Timestamp: protocol.NowMillis(),
	})
}

func pingLoop(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
