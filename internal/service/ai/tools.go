package ai

import (
	"github.com/cloudwego/eino/schema"

	"github.com/arducord/arducord/internal/dispatch"
)

// toolCommands maps the function names exposed to the model onto catalog
// commands. Argument names match the catalog's parameter names, so argument
// bags pass through unchanged.
var toolCommands = map[string]string{
	"ledOn":        dispatch.CmdLEDOn,
	"ledOff":       dispatch.CmdLEDOff,
	"ledBlink":     dispatch.CmdLEDBlink,
	"ledFade":      dispatch.CmdLEDFade,
	"morseCode":    dispatch.CmdMorse,
	"ledPattern":   dispatch.CmdPattern,
	"setPinMode":   dispatch.CmdPinMode,
	"digitalWrite": dispatch.CmdDigitalWrite,
	"digitalRead":  dispatch.CmdDigitalRead,
	"analogWrite":  dispatch.CmdAnalogWrite,
	"analogRead":   dispatch.CmdAnalogRead,
	"servoWrite":   dispatch.CmdServoWrite,
	"stopEffects":  dispatch.CmdStopEffects,
	"getStatus":    dispatch.CmdStatus,
}

// CommandForTool resolves a model-facing function name to its catalog
// command.
func CommandForTool(name string) (string, bool) {
	cmd, ok := toolCommands[name]
	return cmd, ok
}

// ToolInfos declares the hardware functions offered to the chat model.
func ToolInfos() []*schema.ToolInfo {
	intParam := func(desc string) *schema.ParameterInfo {
		return &schema.ParameterInfo{Type: schema.Integer, Desc: desc, Required: true}
	}
	strParam := func(desc string) *schema.ParameterInfo {
		return &schema.ParameterInfo{Type: schema.String, Desc: desc, Required: true}
	}

	return []*schema.ToolInfo{
		{
			Name: "ledOn",
			Desc: "Turn the on-board LED on, stopping any running effect.",
		},
		{
			Name: "ledOff",
			Desc: "Turn the on-board LED off, stopping any running effect.",
		},
		{
			Name: "ledBlink",
			Desc: "Blink the LED.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"rate": intParam("Blink interval in milliseconds, 50-5000."),
			}),
		},
		{
			Name: "ledFade",
			Desc: "Fade the LED brightness up and down.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"speed": intParam("Fade speed, 1 (slow) to 10 (fast)."),
			}),
		},
		{
			Name: "morseCode",
			Desc: "Transmit text as Morse code on the LED, repeating.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"text": strParam("Text to transmit, letters and spaces, up to 50 characters."),
			}),
		},
		{
			Name: "ledPattern",
			Desc: "Replay a binary pattern on the LED, one step per 100ms, repeating.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"pattern": strParam("String of 0 and 1 characters, up to 100 steps."),
			}),
		},
		{
			Name: "setPinMode",
			Desc: "Configure a digital pin's mode.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"pin":  intParam("Pin number, 0-19."),
				"mode": strParam("INPUT, OUTPUT or INPUT_PULLUP."),
			}),
		},
		{
			Name: "digitalWrite",
			Desc: "Write a digital level to a pin.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"pin":   intParam("Pin number, 0-19."),
				"value": intParam("0 for LOW, 1 for HIGH."),
			}),
		},
		{
			Name: "digitalRead",
			Desc: "Read the digital level of a pin.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"pin": intParam("Pin number, 0-19."),
			}),
		},
		{
			Name: "analogWrite",
			Desc: "Write a PWM value to a PWM-capable pin.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"pin":   intParam("PWM pin: 3, 5, 6, 9, 10 or 11."),
				"value": intParam("Duty value, 0-255."),
			}),
		},
		{
			Name: "analogRead",
			Desc: "Read an analog input pin.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"pin": intParam("Analog pin number, 0-5."),
			}),
		},
		{
			Name: "servoWrite",
			Desc: "Position a servo attached to a pin.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"pin":   intParam("Servo pin, 2-13."),
				"angle": intParam("Angle in degrees, 0-180."),
			}),
		},
		{
			Name: "stopEffects",
			Desc: "Stop every running LED effect.",
		},
		{
			Name: "getStatus",
			Desc: "Report the current hardware state.",
		},
	}
}
