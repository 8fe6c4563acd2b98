package firmware

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/arducord/arducord/internal/dispatch"
	"github.com/arducord/arducord/internal/protocol"
)

// MaxLineLength bounds command intake so pathological input cannot grow the
// assembly buffer without limit.
const MaxLineLength = 500

// StatusInterval is the cadence of unsolicited status frames.
const StatusInterval = 5 * time.Second

// Runtime is the device main loop state: it assembles command lines byte by
// byte, executes catalog commands against the board and effects, and emits
// status frames. It belongs to a single cooperative loop and is not
// goroutine safe.
type Runtime struct {
	board   Board
	effects *Effects
	out     io.Writer

	line     []byte
	overflow bool

	now       time.Duration
	statusDue time.Duration
}

// NewRuntime creates a runtime writing responses to out.
func NewRuntime(board Board, out io.Writer) *Runtime {
	return &Runtime{
		board:   board,
		effects: NewEffects(board),
		out:     out,
		line:    make([]byte, 0, 128),
	}
}

// Effects exposes the effect state, mainly for tests and the simulator.
func (r *Runtime) Effects() *Effects {
	return r.effects
}

// Tick advances the effects and the periodic status reporting.
func (r *Runtime) Tick(now time.Duration) {
	r.now = now
	r.effects.Tick(now)

	if r.statusDue == 0 {
		r.statusDue = now + StatusInterval
		return
	}
	if now >= r.statusDue {
		r.emitStatus()
		r.statusDue = now + StatusInterval
	}
}

// Feed consumes one byte of serial input, dispatching when a full line is
// assembled. Oversized lines are rejected as a whole.
func (r *Runtime) Feed(b byte) {
	if b == '\r' {
		return
	}
	if b != '\n' {
		if len(r.line) >= MaxLineLength {
			r.overflow = true
			return
		}
		r.line = append(r.line, b)
		return
	}

	line := string(r.line)
	overflowed := r.overflow
	r.line = r.line[:0]
	r.overflow = false

	if overflowed {
		r.respondError("", fmt.Sprintf("line exceeds %d characters", MaxLineLength))
		return
	}
	if line == "" {
		return
	}
	r.HandleLine(line)
}

// HandleLine parses and executes one complete command line.
func (r *Runtime) HandleLine(line string) {
	var req protocol.DeviceRequest
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		r.respondError("", "parse error: expected a JSON command object")
		return
	}
	if req.Command == "" {
		r.respondError(req.ID, "missing command")
		return
	}
	r.execute(req)
}

func (r *Runtime) execute(req protocol.DeviceRequest) {
	params, err := dispatch.Normalize(req.Command, req.Params)
	if err != nil {
		if errors.Is(err, dispatch.ErrUnknownCommand) {
			r.respondError(req.ID, fmt.Sprintf("unknown command %q", req.Command))
			return
		}
		r.respondError(req.ID, err.Error())
		return
	}

	switch req.Command {
	case dispatch.CmdPing:
		r.respondOK(req.ID, protocol.ResponseResult, "pong", nil)
		return
	case dispatch.CmdStatus:
		r.respondOK(req.ID, protocol.ResponseStatus, "status", r.statusData())
		return

	case dispatch.CmdLEDOn:
		r.effects.SetLED(true)
		r.respondOK(req.ID, protocol.ResponseResult, "LED on", nil)
	case dispatch.CmdLEDOff:
		r.effects.SetLED(false)
		r.respondOK(req.ID, protocol.ResponseResult, "LED off", nil)
	case dispatch.CmdLEDBlink:
		rate := mustInt(params, "rate")
		r.effects.StartBlink(rate, r.now)
		r.respondOK(req.ID, protocol.ResponseResult, fmt.Sprintf("blinking every %d ms", rate), nil)
	case dispatch.CmdLEDFade:
		speed := mustInt(params, "speed")
		r.effects.StartFade(speed, r.now)
		r.respondOK(req.ID, protocol.ResponseResult, fmt.Sprintf("fading at speed %d", speed), nil)
	case dispatch.CmdMorse:
		text := mustString(params, "text")
		r.effects.StartMorse(text, r.now)
		r.respondOK(req.ID, protocol.ResponseResult, fmt.Sprintf("transmitting %q", text), nil)
	case dispatch.CmdPattern:
		pattern := mustString(params, "pattern")
		r.effects.StartPattern(pattern, r.now)
		r.respondOK(req.ID, protocol.ResponseResult, fmt.Sprintf("playing pattern of %d steps", len(pattern)), nil)
	case dispatch.CmdStopEffects:
		r.effects.StopAll()
		r.respondOK(req.ID, protocol.ResponseResult, "effects stopped", nil)
	case dispatch.CmdReset:
		r.effects.StopAll()
		r.effects.SetLED(false)
		r.respondOK(req.ID, protocol.ResponseResult, "reset", nil)

	case dispatch.CmdPinMode:
		pin, mode := mustInt(params, "pin"), mustString(params, "mode")
		r.board.PinMode(pin, mode)
		r.respondOK(req.ID, protocol.ResponseResult, fmt.Sprintf("pin %d set to %s", pin, mode), nil)
	case dispatch.CmdDigitalWrite:
		pin, value := mustInt(params, "pin"), mustInt(params, "value")
		r.board.DigitalWrite(pin, value == 1)
		r.respondOK(req.ID, protocol.ResponseResult, fmt.Sprintf("pin %d = %d", pin, value), nil)
	case dispatch.CmdDigitalRead:
		pin := mustInt(params, "pin")
		value := 0
		if r.board.DigitalRead(pin) {
			value = 1
		}
		r.respondOK(req.ID, protocol.ResponseReading, fmt.Sprintf("pin %d reads %d", pin, value),
			map[string]any{"pin": pin, "value": value})
	case dispatch.CmdAnalogWrite:
		pin, value := mustInt(params, "pin"), mustInt(params, "value")
		r.board.AnalogWrite(pin, value)
		r.respondOK(req.ID, protocol.ResponseResult, fmt.Sprintf("pin %d = %d", pin, value), nil)
	case dispatch.CmdAnalogRead:
		pin := mustInt(params, "pin")
		value := r.board.AnalogRead(pin)
		r.respondOK(req.ID, protocol.ResponseReading, fmt.Sprintf("pin A%d reads %d", pin, value),
			map[string]any{"pin": pin, "value": value})
	case dispatch.CmdServoWrite:
		pin, angle := mustInt(params, "pin"), mustInt(params, "angle")
		r.board.ServoWrite(pin, angle)
		r.respondOK(req.ID, protocol.ResponseResult, fmt.Sprintf("servo on pin %d at %d degrees", pin, angle), nil)

	default:
		r.respondError(req.ID, fmt.Sprintf("unknown command %q", req.Command))
		return
	}

	r.emitStatus()
}

func (r *Runtime) statusData() map[string]any {
	return map[string]any{
		"ledOn":         r.effects.LEDOn(),
		"activeEffects": r.effects.Active(),
		"uptimeMs":      r.now.Milliseconds(),
	}
}

func (r *Runtime) emitStatus() {
	r.write(protocol.DeviceResponse{
		Type:      protocol.ResponseStatus,
		Data:      mustJSON(r.statusData()),
		Timestamp: protocol.NowMillis(),
	})
}

func (r *Runtime) respondOK(id, kind, message string, data map[string]any) {
	ok := true
	resp := protocol.DeviceResponse{
		ID:        id,
		Success:   &ok,
		Type:      kind,
		Message:   message,
		Timestamp: protocol.NowMillis(),
	}
	if data != nil {
		resp.Data = mustJSON(data)
	}
	r.write(resp)
}

func (r *Runtime) respondError(id, message string) {
	failed := false
	r.write(protocol.DeviceResponse{
		ID:        id,
		Success:   &failed,
		Type:      protocol.ResponseError,
		Message:   message,
		Timestamp: protocol.NowMillis(),
	})
}

func (r *Runtime) write(resp protocol.DeviceResponse) {
	line, err := json.Marshal(resp)
	if err != nil {
		log.Printf("[firmware] encode response: %v", err)
		return
	}
	if _, err := r.out.Write(append(line, '\n')); err != nil {
		log.Printf("[firmware] write response: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func mustInt(params map[string]any, key string) int {
	v, _ := params[key].(int)
	return v
}

func mustString(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}
