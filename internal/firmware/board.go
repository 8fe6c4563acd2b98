// Package firmware is the device-side half of the system: the command
// intake, the effect scheduler, and the status reporting that run on the
// microcontroller. It is written against a Board interface so the same
// logic drives real pins or the simulator.
package firmware

// LEDPin is the on-board indicator shared by every LED effect.
const LEDPin = 13

// Board is the hardware abstraction the runtime and effects write through.
type Board interface {
	PinMode(pin int, mode string)
	DigitalWrite(pin int, high bool)
	DigitalRead(pin int) bool
	AnalogWrite(pin, value int)
	AnalogRead(pin int) int
	ServoWrite(pin, angle int)
}

// SimBoard is an in-memory Board for the simulator and tests. It is not
// goroutine safe; the device domain is a single cooperative loop.
type SimBoard struct {
	Modes   map[int]string
	Digital map[int]bool
	Analog  map[int]int
	Servos  map[int]int
}

// NewSimBoard creates a blank simulated board.
func NewSimBoard() *SimBoard {
	return &SimBoard{
		Modes:   make(map[int]string),
		Digital: make(map[int]bool),
		Analog:  make(map[int]int),
		Servos:  make(map[int]int),
	}
}

func (b *SimBoard) PinMode(pin int, mode string)    { b.Modes[pin] = mode }
func (b *SimBoard) DigitalWrite(pin int, high bool) { b.Digital[pin] = high }
func (b *SimBoard) DigitalRead(pin int) bool        { return b.Digital[pin] }
func (b *SimBoard) AnalogWrite(pin, value int)      { b.Analog[pin] = value }
func (b *SimBoard) AnalogRead(pin int) int          { return b.Analog[pin] }
func (b *SimBoard) ServoWrite(pin, angle int)       { b.Servos[pin] = angle }
