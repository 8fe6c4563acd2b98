package dispatch

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/arducord/arducord/internal/protocol"
)

// Sender carries a validated command to the device and returns the
// correlated response. The serial link implements it on the bridge; the
// relay implements it over the bridge WebSocket.
type Sender interface {
	Send(ctx context.Context, command string, params map[string]any, expectResponse bool) (protocol.DeviceResponse, error)
}

// State is the locally mirrored hardware snapshot, updated on every
// successful command so status reporting needs no round trip.
type State struct {
	LEDOn         bool           `json:"ledOn"`
	ActiveEffects []string       `json:"activeEffects,omitempty"`
	PinModes      map[int]string `json:"pinModes,omitempty"`
	PinValues     map[int]int    `json:"pinValues,omitempty"`
	ServoAngles   map[int]int    `json:"servoAngles,omitempty"`
}

func newState() State {
	return State{
		PinModes:    make(map[int]string),
		PinValues:   make(map[int]int),
		ServoAngles: make(map[int]int),
	}
}

func (s State) clone() State {
	out := s
	out.ActiveEffects = append([]string(nil), s.ActiveEffects...)
	out.PinModes = make(map[int]string, len(s.PinModes))
	for k, v := range s.PinModes {
		out.PinModes[k] = v
	}
	out.PinValues = make(map[int]int, len(s.PinValues))
	for k, v := range s.PinValues {
		out.PinValues[k] = v
	}
	out.ServoAngles = make(map[int]int, len(s.ServoAngles))
	for k, v := range s.ServoAngles {
		out.ServoAngles[k] = v
	}
	return out
}

// Dispatcher validates commands against the catalog, sends them through a
// Sender, and mirrors the resulting hardware state.
type Dispatcher struct {
	sender Sender

	mu    sync.Mutex
	state State
}

// New creates a Dispatcher over the given Sender.
func New(sender Sender) *Dispatcher {
	return &Dispatcher{sender: sender, state: newState()}
}

// Dispatch validates name and params, transmits, and updates the snapshot on
// success. STATUS is answered locally from the snapshot.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, params map[string]any) (protocol.DeviceResponse, error) {
	clean, err := Normalize(name, params)
	if err != nil {
		return protocol.DeviceResponse{}, err
	}

	if name == CmdStatus {
		return d.statusResponse()
	}

	// RESET reboots the firmware; no response line is guaranteed.
	expectResponse := name != CmdReset

	resp, err := d.sender.Send(ctx, name, clean, expectResponse)
	if err != nil {
		return resp, err
	}

	d.apply(name, clean)
	return resp, nil
}

// State returns a copy of the mirrored hardware snapshot.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.clone()
}

func (d *Dispatcher) statusResponse() (protocol.DeviceResponse, error) {
	data, err := json.Marshal(d.State())
	if err != nil {
		return protocol.DeviceResponse{}, err
	}
	ok := true
	return protocol.DeviceResponse{
		Success:   &ok,
		Type:      protocol.ResponseStatus,
		Message:   "mirrored hardware state",
		Data:      data,
		Timestamp: protocol.NowMillis(),
	}, nil
}

func (d *Dispatcher) apply(name string, params map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch name {
	case CmdLEDOn:
		d.state.LEDOn = true
		d.state.ActiveEffects = nil
	case CmdLEDOff:
		d.state.LEDOn = false
		d.state.ActiveEffects = nil
	case CmdLEDBlink:
		d.state.ActiveEffects = []string{"blink"}
	case CmdLEDFade:
		d.state.ActiveEffects = []string{"fade"}
	case CmdMorse:
		d.state.ActiveEffects = []string{"morse"}
	case CmdPattern:
		d.state.ActiveEffects = []string{"pattern"}
	case CmdStopEffects:
		d.state.ActiveEffects = nil
	case CmdReset:
		d.state = newState()
	case CmdPinMode:
		pin, _ := intParam(params, "pin")
		mode, _ := stringParam(params, "mode")
		d.state.PinModes[pin] = mode
	case CmdDigitalWrite:
		pin, _ := intParam(params, "pin")
		value, _ := intParam(params, "value")
		d.state.PinValues[pin] = value
	case CmdAnalogWrite:
		pin, _ := intParam(params, "pin")
		value, _ := intParam(params, "value")
		d.state.PinValues[pin] = value
	case CmdServoWrite:
		pin, _ := intParam(params, "pin")
		angle, _ := intParam(params, "angle")
		d.state.ServoAngles[pin] = angle
	}
}
