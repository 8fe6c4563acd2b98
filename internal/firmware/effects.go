package firmware

import "time"

// Effect kinds, reported in status frames.
const (
	EffectBlink   = "blink"
	EffectFade    = "fade"
	EffectPattern = "pattern"
	EffectMorse   = "morse"
)

const patternStepInterval = 100 * time.Millisecond

// Effects advances time-sliced LED output patterns from a cooperative tick
// loop. All effect kinds share the single indicator LED, so activating any
// one of them (or plain on/off) clears the others. Nothing here blocks; the
// loop calls Tick with a monotonic clock reading.
type Effects struct {
	board Board

	ledHigh bool

	blinkActive bool
	blinkRate   time.Duration
	blinkDue    time.Duration

	fadeActive bool
	fadeSpeed  int
	fadeValue  int
	fadeDir    int
	fadeDue    time.Duration

	patternActive bool
	pattern       string
	patternIdx    int
	patternDue    time.Duration

	morseActive bool
	morseSteps  []MorseStep
	morseIdx    int
	morseDue    time.Duration
}

// NewEffects creates the effect state over a board.
func NewEffects(board Board) *Effects {
	return &Effects{board: board}
}

// SetLED drives the indicator directly, stopping every active effect.
func (e *Effects) SetLED(on bool) {
	e.StopAll()
	e.ledHigh = on
	e.board.DigitalWrite(LEDPin, on)
}

// LEDOn reports the current indicator level.
func (e *Effects) LEDOn() bool {
	return e.ledHigh
}

// StartBlink toggles the indicator every rate milliseconds.
func (e *Effects) StartBlink(rateMs int, now time.Duration) {
	e.StopAll()
	e.blinkActive = true
	e.blinkRate = time.Duration(rateMs) * time.Millisecond
	e.writeLED(true)
	e.blinkDue = now + e.blinkRate
}

// StartFade ping-pongs brightness between 0 and 255 in steps of speed.
func (e *Effects) StartFade(speed int, now time.Duration) {
	e.StopAll()
	e.fadeActive = true
	e.fadeSpeed = speed
	e.fadeValue = 0
	e.fadeDir = 1
	e.board.AnalogWrite(LEDPin, 0)
	e.fadeDue = now + fadeInterval(speed)
}

// StartPattern replays a 0/1 string at one character per 100ms, wrapping
// forever. The first character is output immediately.
func (e *Effects) StartPattern(pattern string, now time.Duration) {
	if pattern == "" {
		return
	}
	e.StopAll()
	e.patternActive = true
	e.pattern = pattern
	e.patternIdx = 0
	e.writeLED(pattern[0] == '1')
	e.patternDue = now + patternStepInterval
}

// StartMorse transmits text as Morse, wrapping forever.
func (e *Effects) StartMorse(text string, now time.Duration) {
	steps := EncodeMorse(text)
	if len(steps) == 0 {
		return
	}
	e.StopAll()
	e.morseActive = true
	e.morseSteps = steps
	e.morseIdx = 0
	e.writeLED(steps[0].High)
	e.morseDue = now + steps[0].Dur
}

// StopAll clears every effect's active flag and resets its timers and
// counters. The next tick observes the cleared state as a whole.
func (e *Effects) StopAll() {
	e.blinkActive = false
	e.blinkRate = 0
	e.blinkDue = 0

	e.fadeActive = false
	e.fadeSpeed = 0
	e.fadeValue = 0
	e.fadeDir = 0
	e.fadeDue = 0

	e.patternActive = false
	e.pattern = ""
	e.patternIdx = 0
	e.patternDue = 0

	e.morseActive = false
	e.morseSteps = nil
	e.morseIdx = 0
	e.morseDue = 0
}

// Active lists the currently running effect kinds.
func (e *Effects) Active() []string {
	var kinds []string
	if e.blinkActive {
		kinds = append(kinds, EffectBlink)
	}
	if e.fadeActive {
		kinds = append(kinds, EffectFade)
	}
	if e.patternActive {
		kinds = append(kinds, EffectPattern)
	}
	if e.morseActive {
		kinds = append(kinds, EffectMorse)
	}
	return kinds
}

// Tick advances whichever effects are due at now.
func (e *Effects) Tick(now time.Duration) {
	if e.blinkActive && now >= e.blinkDue {
		e.writeLED(!e.ledHigh)
		e.blinkDue = now + e.blinkRate
	}

	if e.fadeActive && now >= e.fadeDue {
		e.fadeValue += e.fadeDir * e.fadeSpeed
		if e.fadeValue >= 255 {
			e.fadeValue = 255
			e.fadeDir = -1
		} else if e.fadeValue <= 0 {
			e.fadeValue = 0
			e.fadeDir = 1
		}
		e.board.AnalogWrite(LEDPin, e.fadeValue)
		e.fadeDue = now + fadeInterval(e.fadeSpeed)
	}

	if e.patternActive && now >= e.patternDue {
		e.patternIdx = (e.patternIdx + 1) % len(e.pattern)
		e.writeLED(e.pattern[e.patternIdx] == '1')
		e.patternDue = now + patternStepInterval
	}

	if e.morseActive && now >= e.morseDue {
		e.morseIdx = (e.morseIdx + 1) % len(e.morseSteps)
		step := e.morseSteps[e.morseIdx]
		e.writeLED(step.High)
		e.morseDue = now + step.Dur
	}
}

func (e *Effects) writeLED(high bool) {
	e.ledHigh = high
	e.board.DigitalWrite(LEDPin, high)
}

// fadeInterval is the update cadence for a fade: proportional to 100/speed
// milliseconds, so faster fades both step larger and update more often.
func fadeInterval(speed int) time.Duration {
	if speed < 1 {
		speed = 1
	}
	return time.Duration(100/speed) * time.Millisecond
}
