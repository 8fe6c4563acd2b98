// Package dispatch maps symbolic hardware commands onto validated device
// requests. The catalog is closed: anything outside it is rejected before a
// byte reaches the wire.
package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrUnknownCommand   = errors.New("unknown command")
)

// Command names understood by the firmware.
const (
	CmdLEDOn        = "LED_ON"
	CmdLEDOff       = "LED_OFF"
	CmdLEDBlink     = "LED_BLINK"
	CmdLEDFade      = "LED_FADE"
	CmdMorse        = "MORSE"
	CmdPattern      = "LED_PATTERN"
	CmdPinMode      = "PIN_MODE"
	CmdDigitalWrite = "DIGITAL_WRITE"
	CmdDigitalRead  = "DIGITAL_READ"
	CmdAnalogWrite  = "ANALOG_WRITE"
	CmdAnalogRead   = "ANALOG_READ"
	CmdServoWrite   = "SERVO_WRITE"
	CmdStopEffects  = "STOP_EFFECTS"
	CmdReset        = "RESET"
	CmdStatus       = "STATUS"
	CmdPing         = "PING"
)

// Input constraints, enforced here so the far side is never trusted alone.
const (
	MinBlinkRate  = 50
	MaxBlinkRate  = 5000
	MinFadeSpeed  = 1
	MaxFadeSpeed  = 10
	MaxMorseText  = 50
	MaxPatternLen = 100
	MinServoPin   = 2
	MaxServoPin   = 13
)

// PWMPins are the analog-write capable pins on the target board.
var PWMPins = map[int]bool{3: true, 5: true, 6: true, 9: true, 10: true, 11: true}

var pinModes = map[string]bool{"INPUT": true, "OUTPUT": true, "INPUT_PULLUP": true}

// Known reports whether command is in the catalog.
func Known(command string) bool {
	switch command {
	case CmdLEDOn, CmdLEDOff, CmdLEDBlink, CmdLEDFade, CmdMorse, CmdPattern,
		CmdPinMode, CmdDigitalWrite, CmdDigitalRead, CmdAnalogWrite,
		CmdAnalogRead, CmdServoWrite, CmdStopEffects, CmdReset, CmdStatus,
		CmdPing:
		return true
	}
	return false
}

// Normalize validates the parameter bag for command and returns the
// canonical params to transmit. Violations fail with ErrInvalidParameter and
// unknown names with ErrUnknownCommand.
func Normalize(command string, params map[string]any) (map[string]any, error) {
	switch command {
	case CmdLEDOn, CmdLEDOff, CmdStopEffects, CmdReset, CmdStatus, CmdPing:
		return nil, nil

	case CmdLEDBlink:
		rate, ok := intParam(params, "rate")
		if !ok || rate < MinBlinkRate || rate > MaxBlinkRate {
			return nil, fmt.Errorf("%w: blink rate must be %d-%d ms", ErrInvalidParameter, MinBlinkRate, MaxBlinkRate)
		}
		return map[string]any{"rate": rate}, nil

	case CmdLEDFade:
		speed, ok := intParam(params, "speed")
		if !ok || speed < MinFadeSpeed || speed > MaxFadeSpeed {
			return nil, fmt.Errorf("%w: fade speed must be %d-%d", ErrInvalidParameter, MinFadeSpeed, MaxFadeSpeed)
		}
		return map[string]any{"speed": speed}, nil

	case CmdMorse:
		text, ok := stringParam(params, "text")
		if !ok || strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("%w: morse text is required", ErrInvalidParameter)
		}
		text = strings.ToUpper(text)
		if runes := []rune(text); len(runes) > MaxMorseText {
			text = string(runes[:MaxMorseText])
		}
		return map[string]any{"text": text}, nil

	case CmdPattern:
		raw, ok := stringParam(params, "pattern")
		if !ok {
			return nil, fmt.Errorf("%w: pattern is required", ErrInvalidParameter)
		}
		pattern := sanitizePattern(raw)
		if pattern == "" {
			return nil, fmt.Errorf("%w: pattern must contain 0/1 characters", ErrInvalidParameter)
		}
		return map[string]any{"pattern": pattern}, nil

	case CmdPinMode:
		pin, ok := intParam(params, "pin")
		if !ok || pin < 0 || pin > 19 {
			return nil, fmt.Errorf("%w: pin must be 0-19", ErrInvalidParameter)
		}
		mode, ok := stringParam(params, "mode")
		mode = strings.ToUpper(mode)
		if !ok || !pinModes[mode] {
			return nil, fmt.Errorf("%w: mode must be INPUT, OUTPUT or INPUT_PULLUP", ErrInvalidParameter)
		}
		return map[string]any{"pin": pin, "mode": mode}, nil

	case CmdDigitalWrite:
		pin, ok := intParam(params, "pin")
		if !ok || pin < 0 || pin > 19 {
			return nil, fmt.Errorf("%w: pin must be 0-19", ErrInvalidParameter)
		}
		value, ok := intParam(params, "value")
		if !ok || (value != 0 && value != 1) {
			return nil, fmt.Errorf("%w: value must be 0 or 1", ErrInvalidParameter)
		}
		return map[string]any{"pin": pin, "value": value}, nil

	case CmdDigitalRead:
		pin, ok := intParam(params, "pin")
		if !ok || pin < 0 || pin > 19 {
			return nil, fmt.Errorf("%w: pin must be 0-19", ErrInvalidParameter)
		}
		return map[string]any{"pin": pin}, nil

	case CmdAnalogWrite:
		pin, ok := intParam(params, "pin")
		if !ok || !PWMPins[pin] {
			return nil, fmt.Errorf("%w: pin must be PWM-capable (3,5,6,9,10,11)", ErrInvalidParameter)
		}
		value, ok := intParam(params, "value")
		if !ok || value < 0 || value > 255 {
			return nil, fmt.Errorf("%w: value must be 0-255", ErrInvalidParameter)
		}
		return map[string]any{"pin": pin, "value": value}, nil

	case CmdAnalogRead:
		pin, ok := intParam(params, "pin")
		if !ok || pin < 0 || pin > 5 {
			return nil, fmt.Errorf("%w: analog pin must be 0-5", ErrInvalidParameter)
		}
		return map[string]any{"pin": pin}, nil

	case CmdServoWrite:
		pin, ok := intParam(params, "pin")
		if !ok || pin < MinServoPin || pin > MaxServoPin {
			return nil, fmt.Errorf("%w: servo pin must be %d-%d", ErrInvalidParameter, MinServoPin, MaxServoPin)
		}
		angle, ok := intParam(params, "angle")
		if !ok || angle < 0 || angle > 180 {
			return nil, fmt.Errorf("%w: angle must be 0-180", ErrInvalidParameter)
		}
		return map[string]any{"pin": pin, "angle": angle}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, command)
}

func sanitizePattern(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r == '0' || r == '1' {
			b.WriteRune(r)
		}
		if b.Len() == MaxPatternLen {
			break
		}
	}
	return b.String()
}

// intParam extracts an integer parameter. JSON decoding yields float64, tool
// arguments sometimes arrive as typed ints, so both are accepted; a float
// with a fractional part is not an integer.
func intParam(params map[string]any, key string) (int, bool) {
	raw, ok := params[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	}
	return 0, false
}

func stringParam(params map[string]any, key string) (string, bool) {
	raw, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}
