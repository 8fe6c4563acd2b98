// Package protocol defines the wire formats shared by the relay, the bridge
// process and the device firmware: the relay<->bridge WebSocket frames and
// the bridge<->device newline-delimited serial JSON.
package protocol

import (
	"encoding/json"
	"time"
)

// Frame types on the relay<->bridge hop.
const (
	TypeBridgeRegister = "bridge_register"
	TypeArduinoCommand = "arduino_command"
	TypeCommandResult  = "command_result"
	TypeCommandError   = "command_error"
	TypeDeviceStatus   = "device_status"
	TypePing           = "ping"
	TypePong           = "pong"
)

// Error codes carried in error payloads on both hops.
const (
	CodeInvalidParameter   = "INVALID_PARAMETER"
	CodeNotConnected       = "NOT_CONNECTED"
	CodeBridgeUnavailable  = "BRIDGE_UNAVAILABLE"
	CodeCommandTimeout     = "COMMAND_TIMEOUT"
	CodeCredentialRequired = "CREDENTIAL_REQUIRED"
	CodeUnknownCommand     = "UNKNOWN_COMMAND"
	CodeInternal           = "INTERNAL"
)

// BridgeFrame is one relay<->bridge WebSocket message. Fields are a union
// over the frame types; unused fields are omitted on the wire.
type BridgeFrame struct {
	Type      string          `json:"type"`
	BridgeID  string          `json:"bridgeId,omitempty"`
	Version   string          `json:"version,omitempty"`
	Arduino   json.RawMessage `json:"arduino,omitempty"`
	ID        string          `json:"id,omitempty"`
	Command   string          `json:"command,omitempty"`
	Params    map[string]any  `json:"params,omitempty"`
	CommandID string          `json:"commandId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Code      string          `json:"code,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// DeviceRequest is one command line written to the device over serial.
type DeviceRequest struct {
	ID        string         `json:"id"`
	Command   string         `json:"command"`
	Params    map[string]any `json:"params,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Device response kinds.
const (
	ResponseResult  = "result"
	ResponseReading = "reading"
	ResponseStatus  = "status"
	ResponseError   = "error"
)

// DeviceResponse is one line read from the device. Success is a pointer so a
// correlated outcome (success or error) is distinguishable from unsolicited
// status traffic that carries neither.
type DeviceResponse struct {
	ID        string          `json:"id,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	Message   string          `json:"message,omitempty"`
	Type      string          `json:"type,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Resolved reports whether the response correlates a pending request: it
// must carry the request id and a success/error outcome tag.
func (r DeviceResponse) Resolved() bool {
	return r.ID != "" && r.Success != nil
}

// NowMillis returns the current wall clock in milliseconds, the timestamp
// unit used on both hops.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
